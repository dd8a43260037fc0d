package routers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cloudreve/davcore/application/dependency"
	model "github.com/cloudreve/davcore/models"
	"github.com/cloudreve/davcore/pkg/cache"
	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/serializer"
	"github.com/stretchr/testify/assert"
)

func newTestRouterDep(prefix string, cors conf.Cors) dependency.Dep {
	l := logging.NewWriterLogger(logging.LevelError, io.Discard)
	dav := *conf.DAVConfig
	dav.Prefix = prefix
	dav.Realm = "davcore"

	provider := conf.NewStaticConfigProvider(*conf.SystemConfig, dav, conf.Store{Type: conf.MemoryStore})
	*provider.Cors() = cors

	return dependency.NewDependency(
		dependency.WithConfigProvider(provider),
		dependency.WithLogger(l),
		dependency.WithKV(cache.NewMemoStore("", l)),
		dependency.WithDB(mockDB),
	)
}

// expectAccount 模拟一次账户查询
func expectAccount(name, password string, readonly bool) {
	account := &model.DavAccount{}
	_ = account.SetPassword(password)
	rows := sqlmock.NewRows([]string{"id", "name", "password", "root", "readonly"}).
		AddRow(1, name, account.Password, "/", readonly)
	mock.ExpectQuery("^SELECT (.+)").WithArgs(name).WillReturnRows(rows)
}

func TestPing(t *testing.T) {
	asserts := assert.New(t)
	router := InitRouter(newTestRouterDep("/dav", conf.Cors{AllowOrigins: []string{"UNSET"}}))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/ping", nil)
	router.ServeHTTP(w, req)

	asserts.Equal(200, w.Code)
	var res serializer.Response
	asserts.NoError(json.Unmarshal(w.Body.Bytes(), &res))
	asserts.Equal(0, res.Code)
	asserts.Contains(res.Data, conf.BackendVersion)
}

func TestWebDAVRoutes(t *testing.T) {
	asserts := assert.New(t)
	router := InitRouter(newTestRouterDep("/dav", conf.Cors{AllowOrigins: []string{"UNSET"}}))

	// 未登录
	{
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("PROPFIND", "/dav/", nil)
		router.ServeHTTP(w, req)
		asserts.Equal(http.StatusUnauthorized, w.Code)
		asserts.Equal([]string{`Basic realm="davcore"`}, w.Header()["WWW-Authenticate"])
	}

	// 账户不存在
	{
		mock.ExpectQuery("^SELECT (.+)").WithArgs("nobody").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("PROPFIND", "/dav/", nil)
		req.SetBasicAuth("nobody", "pw")
		router.ServeHTTP(w, req)
		asserts.NoError(mock.ExpectationsWereMet())
		asserts.Equal(http.StatusForbidden, w.Code)
	}

	// 密码错误
	{
		expectAccount("alice", "pw", false)
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("PROPFIND", "/dav/", nil)
		req.SetBasicAuth("alice", "wrong")
		router.ServeHTTP(w, req)
		asserts.NoError(mock.ExpectationsWereMet())
		asserts.Equal(http.StatusForbidden, w.Code)
	}

	// 上传并列出
	{
		expectAccount("alice", "pw", false)
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("PUT", "/dav/hello.txt", strings.NewReader("hello"))
		req.SetBasicAuth("alice", "pw")
		router.ServeHTTP(w, req)
		asserts.NoError(mock.ExpectationsWereMet())
		asserts.Equal(http.StatusCreated, w.Code)

		expectAccount("alice", "pw", false)
		w = httptest.NewRecorder()
		req, _ = http.NewRequest("PROPFIND", "/dav/", nil)
		req.Header.Set("Depth", "1")
		req.SetBasicAuth("alice", "pw")
		router.ServeHTTP(w, req)
		asserts.NoError(mock.ExpectationsWereMet())
		asserts.Equal(http.StatusMultiStatus, w.Code)
		asserts.Contains(w.Body.String(), "/dav/hello.txt")

		expectAccount("alice", "pw", false)
		w = httptest.NewRecorder()
		req, _ = http.NewRequest("GET", "/dav/hello.txt", nil)
		req.SetBasicAuth("alice", "pw")
		router.ServeHTTP(w, req)
		asserts.NoError(mock.ExpectationsWereMet())
		asserts.Equal(http.StatusOK, w.Code)
		asserts.Equal("hello", w.Body.String())
	}

	// 只读账户无法写入
	{
		expectAccount("viewer", "pw", true)
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("PUT", "/dav/viewer.txt", strings.NewReader("x"))
		req.SetBasicAuth("viewer", "pw")
		router.ServeHTTP(w, req)
		asserts.NoError(mock.ExpectationsWereMet())
		asserts.Equal(http.StatusForbidden, w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	asserts := assert.New(t)
	router := InitRouter(newTestRouterDep("/dav", conf.Cors{
		AllowOrigins: []string{"https://app.example.com"},
		AllowMethods: []string{"PROPFIND", "PUT"},
		AllowHeaders: []string{"Authorization", "Depth"},
	}))

	// 预检请求无需登录
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("OPTIONS", "/dav/hello.txt", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "PROPFIND")
	router.ServeHTTP(w, req)
	asserts.Equal(http.StatusNoContent, w.Code)
	asserts.Equal("https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRootPrefix(t *testing.T) {
	asserts := assert.New(t)

	// 挂载在根目录时不注册 ping
	asserts.NotPanics(func() {
		router := InitRouter(newTestRouterDep("/", conf.Cors{AllowOrigins: []string{"UNSET"}}))
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ping", nil)
		router.ServeHTTP(w, req)
		asserts.Equal(http.StatusUnauthorized, w.Code)
	})
}

func TestUnknownMethod(t *testing.T) {
	asserts := assert.New(t)
	router := InitRouter(newTestRouterDep("/dav", conf.Cors{AllowOrigins: []string{"UNSET"}}))

	// 前缀下的未知方法
	{
		expectAccount("alice", "pw", false)
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("SEARCH", "/dav/hello.txt", nil)
		req.SetBasicAuth("alice", "pw")
		router.ServeHTTP(w, req)
		asserts.NoError(mock.ExpectationsWereMet())
		asserts.Equal(http.StatusNotImplemented, w.Code)
	}

	// 未知方法同样需要登录
	{
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("SEARCH", "/dav/hello.txt", nil)
		router.ServeHTTP(w, req)
		asserts.Equal(http.StatusUnauthorized, w.Code)
	}

	// 前缀之外
	{
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("SEARCH", "/other", nil)
		router.ServeHTTP(w, req)
		asserts.Equal(http.StatusNotFound, w.Code)
	}
}
