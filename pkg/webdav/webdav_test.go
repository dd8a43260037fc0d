package webdav

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/cloudreve/davcore/pkg/cache"
	"github.com/cloudreve/davcore/pkg/filesystem"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/util"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

var testLogger = logging.NewWriterLogger(logging.LevelError, io.Discard)

var davMethods = []string{
	"OPTIONS", "GET", "HEAD", "POST", "DELETE", "PUT", "MKCOL",
	"COPY", "MOVE", "LOCK", "UNLOCK", "PROPFIND", "PROPPATCH",
}

const exclusiveLockBody = `<?xml version="1.0" encoding="utf-8"?>
<D:lockinfo xmlns:D="DAV:">
  <D:lockscope><D:exclusive/></D:lockscope>
  <D:locktype><D:write/></D:locktype>
  <D:owner><D:href>mailto:alice@example.com</D:href></D:owner>
</D:lockinfo>`

var (
	hrefRegexp  = regexp.MustCompile(`<D:href>([^<]+)</D:href>`)
	tokenRegexp = regexp.MustCompile(`^<opaquelocktoken:[0-9a-f]{32}>$`)
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	h      *Handler
	repo   filesystem.Repository
	engine *gin.Engine
}

func newTestServer(opts Options) *testServer {
	repo := filesystem.NewRepository(
		filesystem.NewMemoryBackend(),
		filesystem.NewKVLocks(cache.NewMemoStore("", testLogger)),
		filesystem.StaticAuthenticator{"alice": "pw", "bob": "pw"},
	)
	if opts.Prefix == "" {
		opts.Prefix = "/dav"
	}
	h := NewHandler(opts, NewLockTable("secret", 0), testLogger)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		s, err := repo.Login(c.Request.Context(), user, pass, "", "")
		if err != nil {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		util.WithValue(c, filesystem.SessionCtx{}, s)
		c.Next()
	})
	for _, method := range davMethods {
		r.Handle(method, opts.Prefix+"/*path", h.Serve)
	}

	return &testServer{h: h, repo: repo, engine: r}
}

func (ts *testServer) session(t *testing.T, user string) filesystem.Session {
	s, err := ts.repo.Login(context.Background(), user, "pw", "", "")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (ts *testServer) do(user, method, target string, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.SetBasicAuth(user, "pw")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func readAll(t *testing.T, s filesystem.Session, p string) string {
	f, err := s.Open(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	return string(content)
}

func hrefs(body string) []string {
	var res []string
	for _, m := range hrefRegexp.FindAllStringSubmatch(body, -1) {
		res = append(res, m[1])
	}
	return res
}

func TestHandler_NoSession(t *testing.T) {
	asserts := assert.New(t)
	h := NewHandler(Options{Prefix: "/dav"}, NewLockTable("secret", 0), testLogger)
	r := gin.New()
	r.Handle("GET", "/dav/*path", h.Serve)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/dav/doc.txt", nil))
	asserts.Equal(http.StatusUnauthorized, rec.Code)
}

func TestHandler_Options(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	alice := ts.session(t, "alice")
	asserts.NoError(alice.CreateLeaf(context.Background(), "/doc.txt", strings.NewReader("doc"), false))

	// 文件
	{
		rec := ts.do("alice", "OPTIONS", "/dav/doc.txt", "")
		asserts.Equal(http.StatusOK, rec.Code)
		asserts.Equal("1,2", rec.Header().Get("DAV"))
		asserts.Equal("DAV", rec.Header().Get("MS-Author-Via"))
		asserts.Contains(rec.Header().Get("Allow"), "PROPFIND")
		asserts.Contains(rec.Header().Get("Allow"), "PUT")
	}

	// 目录不允许 PUT
	{
		rec := ts.do("alice", "OPTIONS", "/dav/", "")
		asserts.Equal(http.StatusOK, rec.Code)
		asserts.NotContains(rec.Header().Get("Allow"), "PUT")
	}

	// 资源不存在
	{
		rec := ts.do("alice", "OPTIONS", "/dav/missing", "")
		asserts.Equal("1,2", rec.Header().Get("DAV"))
		asserts.Equal("OPTIONS, MKCOL, PUT, LOCK", rec.Header().Get("Allow"))
	}

	// 关闭列表后不允许 PROPFIND
	{
		ts := newTestServer(Options{})
		rec := ts.do("alice", "OPTIONS", "/dav/", "")
		asserts.NotContains(rec.Header().Get("Allow"), "PROPFIND")
	}
}

func TestHandler_Lock(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	alice := ts.session(t, "alice")
	asserts.NoError(alice.CreateLeaf(context.Background(), "/doc.txt", strings.NewReader("doc"), false))

	// 获取独占锁
	rec := ts.do("alice", "LOCK", "/dav/doc.txt", exclusiveLockBody, "Timeout", "Second-3600")
	asserts.Equal(http.StatusOK, rec.Code)
	token := rec.Header().Get("Lock-Token")
	asserts.Regexp(tokenRegexp, token)
	body := rec.Body.String()
	asserts.Equal(1, strings.Count(body, "<D:activelock>"))
	asserts.Contains(body, "<D:locktype><D:write/></D:locktype>")
	asserts.Contains(body, "<D:lockscope><D:exclusive/></D:lockscope>")
	asserts.Contains(body, "<D:owner><D:href>mailto:alice@example.com</D:href></D:owner>")
	asserts.Contains(body, "<D:timeout>Second-3600</D:timeout>")
	asserts.Contains(body, "<D:locktoken><D:href>"+strings.Trim(token, "<>")+"</D:href></D:locktoken>")

	// 其他会话无法加锁
	{
		rec := ts.do("bob", "LOCK", "/dav/doc.txt", exclusiveLockBody)
		asserts.Equal(StatusLocked, rec.Code)
	}

	// 未提供令牌时无法写入
	{
		rec := ts.do("alice", "PUT", "/dav/doc.txt", "new")
		asserts.Equal(StatusLocked, rec.Code)
		asserts.Equal("doc", readAll(t, alice, "/doc.txt"))

		rec = ts.do("alice", "PUT", "/dav/doc.txt", "new", "If", "("+token+")")
		asserts.Equal(http.StatusNoContent, rec.Code)
		asserts.Equal("new", readAll(t, alice, "/doc.txt"))
	}

	// 刷新不会返回新令牌
	{
		rec := ts.do("alice", "LOCK", "/dav/doc.txt", "", "If", "("+token+")")
		asserts.Equal(http.StatusOK, rec.Code)
		asserts.Empty(rec.Header().Get("Lock-Token"))
		asserts.Contains(rec.Body.String(), strings.Trim(token, "<>"))

		rec = ts.do("bob", "LOCK", "/dav/doc.txt", "")
		asserts.Equal(StatusLocked, rec.Code)
	}

	// 解锁
	{
		rec := ts.do("bob", "UNLOCK", "/dav/doc.txt", "", "Lock-Token", "<opaquelocktoken:deadbeef>")
		asserts.Equal(StatusLocked, rec.Code)
		rec = ts.do("alice", "UNLOCK", "/dav/doc.txt", "")
		asserts.Equal(http.StatusBadRequest, rec.Code)
		rec = ts.do("alice", "UNLOCK", "/dav/doc.txt", "", "Lock-Token", token)
		asserts.Equal(http.StatusNoContent, rec.Code)
		rec = ts.do("alice", "UNLOCK", "/dav/doc.txt", "", "Lock-Token", token)
		asserts.Equal(http.StatusPreconditionFailed, rec.Code)

		rec = ts.do("bob", "LOCK", "/dav/doc.txt", exclusiveLockBody)
		asserts.Equal(http.StatusOK, rec.Code)
	}
}

func TestHandler_LockEdgeCases(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	alice := ts.session(t, "alice")
	ctx := context.Background()

	// 锁定不存在的资源会创建空文件
	{
		rec := ts.do("alice", "LOCK", "/dav/new.txt", exclusiveLockBody)
		asserts.Equal(http.StatusCreated, rec.Code)
		asserts.Regexp(tokenRegexp, rec.Header().Get("Lock-Token"))
		item, err := alice.Item(ctx, "/new.txt")
		asserts.NoError(err)
		asserts.EqualValues(0, item.Size())
	}

	// 非法请求体与超时
	{
		rec := ts.do("alice", "LOCK", "/dav/bad.txt", "<D:lockinfo xmlns:D=\"DAV:\"><D:locktype><D:write/></D:locktype></D:lockinfo>")
		asserts.Equal(http.StatusBadRequest, rec.Code)
		rec = ts.do("alice", "LOCK", "/dav/bad.txt", "<not-xml")
		asserts.Equal(http.StatusBadRequest, rec.Code)
		rec = ts.do("alice", "LOCK", "/dav/bad.txt", exclusiveLockBody, "Timeout", "Minute-1")
		asserts.Equal(http.StatusBadRequest, rec.Code)
		asserts.False(alice.Exists(ctx, "/bad.txt"))
	}

	// 子孙被锁定时无法锁定目录
	{
		asserts.NoError(alice.CreateCollection(ctx, "/dir"))
		asserts.NoError(alice.CreateLeaf(ctx, "/dir/child.txt", strings.NewReader("c"), false))
		rec := ts.do("bob", "LOCK", "/dav/dir/child.txt", exclusiveLockBody, "Depth", "0")
		asserts.Equal(http.StatusOK, rec.Code)

		rec = ts.do("alice", "LOCK", "/dav/dir", exclusiveLockBody)
		asserts.Equal(StatusMulti, rec.Code)
		asserts.Contains(rec.Body.String(), "<D:href>http://example.com/dav/dir/child.txt</D:href>")
		asserts.Contains(rec.Body.String(), "HTTP/1.1 423 Locked")

		// 深度为零时不检查子孙
		rec = ts.do("alice", "LOCK", "/dav/dir", exclusiveLockBody, "Depth", "0")
		asserts.Equal(http.StatusOK, rec.Code)
		asserts.Contains(rec.Body.String(), "<D:depth>0</D:depth>")
	}
}

func TestHandler_Get(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	alice := ts.session(t, "alice")
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	asserts.NoError(alice.CreateLeaf(context.Background(), "/video.mp4", bytes.NewReader(content), false))

	// 完整下载
	{
		rec := ts.do("alice", "GET", "/dav/video.mp4", "")
		asserts.Equal(http.StatusOK, rec.Code)
		asserts.Equal(content, rec.Body.Bytes())
		asserts.Equal("1000", rec.Header().Get("Content-Length"))
		asserts.Equal("bytes", rec.Header().Get("Accept-Ranges"))
		asserts.Equal("video/mp4", rec.Header().Get("Content-Type"))
		asserts.NotEmpty(rec.Header().Get("ETag"))
		asserts.NotEmpty(rec.Header().Get("Last-Modified"))
	}

	// 单个范围
	{
		rec := ts.do("alice", "GET", "/dav/video.mp4", "", "Range", "bytes=100-199")
		asserts.Equal(http.StatusPartialContent, rec.Code)
		asserts.Equal("bytes 100-199/1000", rec.Header().Get("Content-Range"))
		asserts.Equal(content[100:200], rec.Body.Bytes())
	}

	// If-Range 不匹配时返回完整内容
	{
		rec := ts.do("alice", "GET", "/dav/video.mp4", "", "Range", "bytes=100-199", "If-Range", `W/"1-1"`)
		asserts.Equal(http.StatusOK, rec.Code)
		asserts.Len(rec.Body.Bytes(), 1000)
	}

	// 多个范围
	{
		rec := ts.do("alice", "GET", "/dav/video.mp4", "", "Range", "bytes=0-9,-10")
		asserts.Equal(http.StatusPartialContent, rec.Code)
		mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
		asserts.NoError(err)
		asserts.Equal("multipart/byteranges", mediaType)
		asserts.Equal(strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))

		reader := multipart.NewReader(rec.Body, params["boundary"])
		var parts []string
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			asserts.NoError(err)
			data, _ := io.ReadAll(part)
			parts = append(parts, part.Header.Get("Content-Range")+":"+string(data))
		}
		asserts.Equal([]string{
			"bytes 0-9/1000:" + string(content[:10]),
			"bytes 990-999/1000:" + string(content[990:]),
		}, parts)
	}

	// 范围无效
	{
		rec := ts.do("alice", "GET", "/dav/video.mp4", "", "Range", "bytes=2000-")
		asserts.Equal(http.StatusRequestedRangeNotSatisfiable, rec.Code)
		asserts.Equal("bytes */1000", rec.Header().Get("Content-Range"))
	}

	// HEAD 不返回内容
	{
		rec := ts.do("alice", "HEAD", "/dav/video.mp4", "")
		asserts.Equal(http.StatusOK, rec.Code)
		asserts.Equal("1000", rec.Header().Get("Content-Length"))
		asserts.Zero(rec.Body.Len())
	}

	// 资源不存在
	{
		rec := ts.do("alice", "GET", "/dav/missing.mp4", "")
		asserts.Equal(http.StatusNotFound, rec.Code)
	}

	// 越过根目录
	{
		rec := ts.do("alice", "GET", "/dav/../../etc/passwd", "")
		asserts.Equal(http.StatusBadRequest, rec.Code)
	}
}

func TestHandler_Listing(t *testing.T) {
	asserts := assert.New(t)
	ctx := context.Background()

	// 渲染目录
	{
		ts := newTestServer(Options{Listings: true})
		alice := ts.session(t, "alice")
		asserts.NoError(alice.CreateCollection(ctx, "/docs"))
		asserts.NoError(alice.CreateLeaf(ctx, "/docs/a b.txt", strings.NewReader("abc"), false))
		asserts.NoError(alice.CreateCollection(ctx, "/docs/sub"))

		rec := ts.do("alice", "GET", "/dav/docs", "")
		asserts.Equal(http.StatusOK, rec.Code)
		asserts.Contains(rec.Header().Get("Content-Type"), "text/html")
		body := rec.Body.String()
		asserts.Contains(body, `href="/dav/docs/a%20b.txt"`)
		asserts.Contains(body, `href="/dav/docs/sub/"`)
		asserts.Contains(body, `href="/dav/"`)
	}

	// 关闭列表
	{
		ts := newTestServer(Options{})
		rec := ts.do("alice", "GET", "/dav/", "")
		asserts.Equal(http.StatusNotFound, rec.Code)
	}
}

func TestHandler_Put(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	alice := ts.session(t, "alice")
	ctx := context.Background()

	// 新建与覆盖
	{
		rec := ts.do("alice", "PUT", "/dav/doc.txt", "0123456789")
		asserts.Equal(http.StatusCreated, rec.Code)
		asserts.NotEmpty(rec.Header().Get("ETag"))
		asserts.Equal("0123456789", readAll(t, alice, "/doc.txt"))
	}

	// 部分上传
	{
		rec := ts.do("alice", "PUT", "/dav/doc.txt", "abcdefghij", "Content-Range", "bytes 10-19/20")
		asserts.Equal(http.StatusNoContent, rec.Code)
		asserts.Equal("0123456789abcdefghij", readAll(t, alice, "/doc.txt"))

		rec = ts.do("alice", "PUT", "/dav/doc.txt", "XY", "Content-Range", "bytes 2-3/20")
		asserts.Equal(http.StatusNoContent, rec.Code)
		asserts.Equal("01XY456789abcdefghij", readAll(t, alice, "/doc.txt"))

		// 新文件的部分上传以零字节填充
		rec = ts.do("alice", "PUT", "/dav/sparse.bin", "zz", "Content-Range", "bytes 2-3/4")
		asserts.Equal(http.StatusCreated, rec.Code)
		asserts.Equal("\x00\x00zz", readAll(t, alice, "/sparse.bin"))
	}

	// 非法范围
	{
		rec := ts.do("alice", "PUT", "/dav/doc.txt", "abc", "Content-Range", "bytes 30-10/20")
		asserts.Equal(http.StatusBadRequest, rec.Code)
		asserts.Equal("01XY456789abcdefghij", readAll(t, alice, "/doc.txt"))
	}

	// 目标是目录
	{
		asserts.NoError(alice.CreateCollection(ctx, "/dir"))
		rec := ts.do("alice", "PUT", "/dav/dir", "abc")
		asserts.Equal(http.StatusMethodNotAllowed, rec.Code)
		asserts.NotEmpty(rec.Header().Get("Allow"))
	}
}

func TestHandler_Mkcol(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	alice := ts.session(t, "alice")

	rec := ts.do("alice", "MKCOL", "/dav/dir", "")
	asserts.Equal(http.StatusCreated, rec.Code)
	item, err := alice.Item(context.Background(), "/dir")
	asserts.NoError(err)
	asserts.True(item.IsCollection())

	// 已存在
	rec = ts.do("alice", "MKCOL", "/dav/dir", "")
	asserts.Equal(http.StatusMethodNotAllowed, rec.Code)

	// 带请求体
	rec = ts.do("alice", "MKCOL", "/dav/other", "<x/>")
	asserts.Equal(http.StatusNotImplemented, rec.Code)
	asserts.False(alice.Exists(context.Background(), "/other"))
}

func TestHandler_Delete(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	alice := ts.session(t, "alice")
	ctx := context.Background()
	asserts.NoError(alice.CreateCollection(ctx, "/folder"))
	asserts.NoError(alice.CreateLeaf(ctx, "/folder/child", strings.NewReader("c"), false))
	asserts.NoError(alice.CreateLeaf(ctx, "/folder/other", strings.NewReader("o"), false))
	asserts.NoError(alice.CreateLeaf(ctx, "/single.txt", strings.NewReader("s"), false))

	// 子资源被他人锁定
	{
		rec := ts.do("bob", "LOCK", "/dav/folder/child", exclusiveLockBody)
		asserts.Equal(http.StatusOK, rec.Code)

		rec = ts.do("alice", "DELETE", "/dav/folder", "")
		asserts.Equal(StatusMulti, rec.Code)
		asserts.Equal([]string{"http://example.com/dav/folder/child"}, hrefs(rec.Body.String()))
		asserts.Contains(rec.Body.String(), "<D:status>HTTP/1.1 423 Locked</D:status>")
		asserts.True(alice.Exists(ctx, "/folder"))
		asserts.True(alice.Exists(ctx, "/folder/child"))
		asserts.False(alice.Exists(ctx, "/folder/other"))
	}

	// 删除文件
	{
		rec := ts.do("alice", "DELETE", "/dav/single.txt", "")
		asserts.Equal(http.StatusNoContent, rec.Code)
		asserts.False(alice.Exists(ctx, "/single.txt"))

		rec = ts.do("alice", "DELETE", "/dav/single.txt", "")
		asserts.Equal(http.StatusNotFound, rec.Code)
	}

	// 根目录受保护
	{
		rec := ts.do("alice", "DELETE", "/dav/", "")
		asserts.Equal(http.StatusForbidden, rec.Code)
	}
}

func TestHandler_CopyMove(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	alice := ts.session(t, "alice")
	ctx := context.Background()
	asserts.NoError(alice.CreateLeaf(ctx, "/a.txt", strings.NewReader("aaa"), false))
	asserts.NoError(alice.CreateLeaf(ctx, "/b.txt", strings.NewReader("bbb"), false))

	// 禁止覆盖
	{
		rec := ts.do("alice", "COPY", "/dav/a.txt", "", "Destination", "/dav/b.txt", "Overwrite", "F")
		asserts.Equal(http.StatusPreconditionFailed, rec.Code)
		asserts.Equal("bbb", readAll(t, alice, "/b.txt"))
	}

	// 覆盖
	{
		rec := ts.do("alice", "COPY", "/dav/a.txt", "", "Destination", "http://example.com/dav/b.txt")
		asserts.Equal(http.StatusNoContent, rec.Code)
		asserts.Equal("aaa", readAll(t, alice, "/b.txt"))
		asserts.Equal("aaa", readAll(t, alice, "/a.txt"))
	}

	// 复制到新位置与移动
	{
		rec := ts.do("alice", "COPY", "/dav/a.txt", "", "Destination", "/dav/c.txt")
		asserts.Equal(http.StatusCreated, rec.Code)

		rec = ts.do("alice", "MOVE", "/dav/c.txt", "", "Destination", "/dav/d.txt")
		asserts.Equal(http.StatusCreated, rec.Code)
		asserts.False(alice.Exists(ctx, "/c.txt"))
		asserts.Equal("aaa", readAll(t, alice, "/d.txt"))
	}

	// 浅复制目录
	{
		asserts.NoError(alice.CreateCollection(ctx, "/dir"))
		asserts.NoError(alice.CreateLeaf(ctx, "/dir/x", strings.NewReader("x"), false))
		rec := ts.do("alice", "COPY", "/dav/dir", "", "Destination", "/dav/shallow", "Depth", "0")
		asserts.Equal(http.StatusCreated, rec.Code)
		names, err := alice.List(ctx, "/shallow")
		asserts.NoError(err)
		asserts.Empty(names)

		rec = ts.do("alice", "COPY", "/dav/dir", "", "Destination", "/dav/deep")
		asserts.Equal(http.StatusCreated, rec.Code)
		asserts.Equal("x", readAll(t, alice, "/deep/x"))

		rec = ts.do("alice", "MOVE", "/dav/dir", "", "Destination", "/dav/moved", "Depth", "0")
		asserts.Equal(http.StatusBadRequest, rec.Code)
	}

	// 非法目标
	{
		rec := ts.do("alice", "COPY", "/dav/a.txt", "")
		asserts.Equal(http.StatusBadRequest, rec.Code)
		rec = ts.do("alice", "COPY", "/dav/a.txt", "", "Destination", "/dav/a.txt")
		asserts.Equal(http.StatusForbidden, rec.Code)
		rec = ts.do("alice", "MOVE", "/dav/dir", "", "Destination", "/dav/dir/inner")
		asserts.Equal(http.StatusForbidden, rec.Code)
		rec = ts.do("alice", "COPY", "/dav/missing", "", "Destination", "/dav/e.txt")
		asserts.Equal(http.StatusNotFound, rec.Code)
	}

	// 目标被锁定
	{
		rec := ts.do("bob", "LOCK", "/dav/b.txt", exclusiveLockBody)
		asserts.Equal(http.StatusOK, rec.Code)
		rec = ts.do("alice", "COPY", "/dav/a.txt", "", "Destination", "/dav/b.txt")
		asserts.Equal(StatusLocked, rec.Code)

		// 移动时源也需未被锁定
		rec = ts.do("alice", "MOVE", "/dav/b.txt", "", "Destination", "/dav/f.txt")
		asserts.Equal(StatusLocked, rec.Code)
	}

	// 覆盖目录时其子孙被他人锁定
	{
		asserts.NoError(alice.CreateCollection(ctx, "/target"))
		asserts.NoError(alice.CreateLeaf(ctx, "/target/child.txt", strings.NewReader("keep"), false))
		rec := ts.do("bob", "LOCK", "/dav/target/child.txt", exclusiveLockBody, "Depth", "0")
		asserts.Equal(http.StatusOK, rec.Code)

		rec = ts.do("alice", "COPY", "/dav/a.txt", "", "Destination", "/dav/target", "Overwrite", "T")
		asserts.Equal(StatusMulti, rec.Code)
		asserts.Equal([]string{"http://example.com/dav/target/child.txt"}, hrefs(rec.Body.String()))
		asserts.Contains(rec.Body.String(), "HTTP/1.1 423 Locked")
		asserts.Equal("keep", readAll(t, alice, "/target/child.txt"))

		rec = ts.do("alice", "MOVE", "/dav/d.txt", "", "Destination", "/dav/target", "Overwrite", "T")
		asserts.Equal(StatusMulti, rec.Code)
		asserts.True(alice.Exists(ctx, "/d.txt"))
		asserts.Equal("keep", readAll(t, alice, "/target/child.txt"))

		// 子孙未被锁定时直接覆盖
		asserts.NoError(alice.CreateCollection(ctx, "/free"))
		asserts.NoError(alice.CreateLeaf(ctx, "/free/child.txt", strings.NewReader("x"), false))
		rec = ts.do("alice", "COPY", "/dav/a.txt", "", "Destination", "/dav/free", "Overwrite", "T")
		asserts.Equal(http.StatusNoContent, rec.Code)
		asserts.Equal("aaa", readAll(t, alice, "/free"))
	}
}

func TestHandler_Propfind(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	alice := ts.session(t, "alice")
	ctx := context.Background()
	asserts.NoError(alice.CreateCollection(ctx, "/a"))
	asserts.NoError(alice.CreateCollection(ctx, "/a/b"))
	asserts.NoError(alice.CreateLeaf(ctx, "/a/c", strings.NewReader("ccc"), false))
	asserts.NoError(alice.CreateLeaf(ctx, "/a/b/d", strings.NewReader("d"), false))

	// 广度优先的顺序
	{
		rec := ts.do("alice", "PROPFIND", "/dav/a", "", "Depth", "infinity")
		asserts.Equal(StatusMulti, rec.Code)
		asserts.Contains(rec.Header().Get("Content-Type"), "text/xml")
		res := hrefs(rec.Body.String())
		asserts.Len(res, 4)
		asserts.Equal("/dav/a/", res[0])
		asserts.ElementsMatch([]string{"/dav/a/b/", "/dav/a/c"}, res[1:3])
		asserts.Equal("/dav/a/b/d", res[3])
	}

	// 指定深度
	{
		rec := ts.do("alice", "PROPFIND", "/dav/a", "", "Depth", "1")
		asserts.Len(hrefs(rec.Body.String()), 3)
		rec = ts.do("alice", "PROPFIND", "/dav/a", "", "Depth", "0")
		asserts.Equal([]string{"/dav/a/"}, hrefs(rec.Body.String()))
	}

	// 深度上限
	{
		for _, p := range []string{"/x", "/x/1", "/x/1/2", "/x/1/2/3", "/x/1/2/3/4"} {
			asserts.NoError(alice.CreateCollection(ctx, p))
		}
		rec := ts.do("alice", "PROPFIND", "/dav/x", "")
		asserts.Equal([]string{"/dav/x/", "/dav/x/1/", "/dav/x/1/2/", "/dav/x/1/2/3/"}, hrefs(rec.Body.String()))
	}

	// 全部属性
	{
		rec := ts.do("alice", "PROPFIND", "/dav/a", `<?xml version="1.0"?><D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind>`, "Depth", "1")
		body := rec.Body.String()
		asserts.Contains(body, `<D:multistatus xmlns:D="DAV:">`)
		asserts.Contains(body, "<D:resourcetype><D:collection/></D:resourcetype>")
		asserts.Contains(body, "<D:getcontentlength>3</D:getcontentlength>")
		asserts.Contains(body, "<D:displayname>c</D:displayname>")
		asserts.Contains(body, "<D:supportedlock>")
		asserts.Regexp(`<D:creationdate>\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z</D:creationdate>`, body)
	}

	// 属性名
	{
		rec := ts.do("alice", "PROPFIND", "/dav/a/c", `<D:propfind xmlns:D="DAV:"><D:propname/></D:propfind>`, "Depth", "0")
		body := rec.Body.String()
		asserts.Contains(body, "<D:getetag></D:getetag>")
		asserts.Contains(body, "<D:resourcetype></D:resourcetype>")
		asserts.Contains(body, "HTTP/1.1 200 OK")
	}

	// 指定属性，未知属性返回 404
	{
		rec := ts.do("alice", "PROPFIND", "/dav/a/c", `<D:propfind xmlns:D="DAV:" xmlns:X="urn:x"><D:prop><D:getcontentlength/><X:color/></D:prop></D:propfind>`, "Depth", "0")
		body := rec.Body.String()
		asserts.Contains(body, "<D:getcontentlength>3</D:getcontentlength>")
		asserts.Contains(body, "HTTP/1.1 200 OK")
		asserts.Contains(body, "HTTP/1.1 404 Not Found")
		asserts.Contains(body, "color")
	}

	// 锁信息
	{
		rec := ts.do("alice", "LOCK", "/dav/a/c", exclusiveLockBody)
		asserts.Equal(http.StatusOK, rec.Code)
		token := strings.Trim(rec.Header().Get("Lock-Token"), "<>")
		rec = ts.do("alice", "PROPFIND", "/dav/a/c", `<D:propfind xmlns:D="DAV:"><D:prop><D:lockdiscovery/></D:prop></D:propfind>`, "Depth", "0")
		asserts.Contains(rec.Body.String(), "<D:locktoken><D:href>"+token+"</D:href></D:locktoken>")
	}

	// 异常情况
	{
		rec := ts.do("alice", "PROPFIND", "/dav/missing", "")
		asserts.Equal(http.StatusNotFound, rec.Code)
		rec = ts.do("alice", "PROPFIND", "/dav/a", "<D:propfind xmlns:D=\"DAV:\"></D:propfind>")
		asserts.Equal(http.StatusBadRequest, rec.Code)

		disabled := newTestServer(Options{})
		rec = disabled.do("alice", "PROPFIND", "/dav/", "")
		asserts.Equal(http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestHandler_ReadOnly(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true, ReadOnly: true})
	alice := ts.session(t, "alice")
	asserts.NoError(alice.CreateLeaf(context.Background(), "/doc.txt", strings.NewReader("doc"), false))

	for _, tc := range []struct {
		method  string
		headers []string
	}{
		{method: "PUT"},
		{method: "DELETE"},
		{method: "MKCOL"},
		{method: "LOCK"},
		{method: "UNLOCK", headers: []string{"Lock-Token", "<opaquelocktoken:x>"}},
		{method: "COPY", headers: []string{"Destination", "/dav/copy.txt"}},
		{method: "MOVE", headers: []string{"Destination", "/dav/moved.txt"}},
	} {
		rec := ts.do("alice", tc.method, "/dav/doc.txt", "", tc.headers...)
		asserts.Equal(http.StatusForbidden, rec.Code, tc.method)
	}
	asserts.Equal("doc", readAll(t, alice, "/doc.txt"))

	// 读操作不受影响
	rec := ts.do("alice", "GET", "/dav/doc.txt", "")
	asserts.Equal(http.StatusOK, rec.Code)

	// 运行时关闭只读
	ts.h.SetReadOnly(false)
	rec = ts.do("alice", "PUT", "/dav/doc.txt", "new")
	asserts.Equal(http.StatusNoContent, rec.Code)
}

func TestHandler_Unsupported(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})

	rec := ts.do("alice", "PROPPATCH", "/dav/", "")
	asserts.Equal(http.StatusNotImplemented, rec.Code)
}

func TestStatusFromError(t *testing.T) {
	asserts := assert.New(t)
	cases := map[error]int{
		ErrOutsideRoot:                     http.StatusBadRequest,
		filesystem.ErrClientCanceled:       http.StatusBadRequest,
		context.Canceled:                   http.StatusBadRequest,
		filesystem.ErrObjectNotExist:       http.StatusNotFound,
		filesystem.ErrObjectExisted:        http.StatusPreconditionFailed,
		filesystem.ErrPermissionDenied:     http.StatusForbidden,
		ErrLocked:                          StatusLocked,
		ErrRangeNotSatisfiable:             http.StatusRequestedRangeNotSatisfiable,
		filesystem.ErrIO.WithError(io.EOF): http.StatusInternalServerError,
	}
	for err, expected := range cases {
		asserts.Equal(expected, statusFromError(err), err.Error())
	}
}

func TestHandler_NilBody(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})

	// 请求体为 nil 时视为空
	{
		pf, status, err := readPropfind(nil)
		asserts.NoError(err)
		asserts.Zero(status)
		asserts.NotNil(pf.Allprop)

		_, refresh, status, err := readLockInfo(nil)
		asserts.NoError(err)
		asserts.Zero(status)
		asserts.True(refresh)
	}

	// 经由路由处理
	{
		req, _ := http.NewRequest("PROPFIND", "/dav/", nil)
		req.SetBasicAuth("alice", "pw")
		req.Header.Set("Depth", "0")
		rec := httptest.NewRecorder()
		asserts.NotPanics(func() {
			ts.engine.ServeHTTP(rec, req)
		})
		asserts.Equal(StatusMulti, rec.Code)
	}
}

// unlockFailSession 解锁总是失败的会话
type unlockFailSession struct {
	filesystem.Session
}

func (s unlockFailSession) Unlock(ctx context.Context, p string) error {
	return filesystem.ErrIO.WithError(io.ErrUnexpectedEOF)
}

func TestHandler_DropLockFailure(t *testing.T) {
	asserts := assert.New(t)
	ts := newTestServer(Options{Listings: true})
	var buf bytes.Buffer
	h := NewHandler(Options{Prefix: "/dav"}, NewLockTable("secret", 0), logging.NewWriterLogger(logging.LevelWarning, &buf))

	// 清理锁失败时记录警告
	h.dropLock(context.Background(), unlockFailSession{ts.session(t, "alice")}, "/gone.txt")
	asserts.Contains(buf.String(), "Failed to drop lock of \"/gone.txt\"")
}
