// Package webdav provides a WebDAV Level 2 server on top of a filesystem.Session.
package webdav

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync/atomic"

	"github.com/cloudreve/davcore/pkg/filesystem"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/serializer"
	"github.com/cloudreve/davcore/pkg/util"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

const minBufferSize = 512

// Options configures a Handler.
type Options struct {
	// Prefix is the servlet path the handler is mounted on, e.g. "/dav".
	Prefix   string
	ReadOnly bool
	// Listings enables PROPFIND and HTML rendering of collections.
	Listings         bool
	InputBufferSize  int
	OutputBufferSize int
	// SpeedLimit caps download bandwidth in bytes per second, 0 disables it.
	SpeedLimit int64
	// TempDir holds staging files of partial PUT, empty means os.TempDir.
	TempDir string
}

// Handler serves WebDAV requests for the session stored in the request context.
type Handler struct {
	opts     Options
	readOnly atomic.Bool
	locks    *LockTable
	l        logging.Logger
}

// NewHandler creates a Handler. Buffer sizes below 512 bytes are raised.
func NewHandler(opts Options, locks *LockTable, l logging.Logger) *Handler {
	opts.Prefix = strings.TrimSuffix(opts.Prefix, "/")
	opts.InputBufferSize = lo.Max([]int{opts.InputBufferSize, minBufferSize})
	opts.OutputBufferSize = lo.Max([]int{opts.OutputBufferSize, minBufferSize})

	h := &Handler{
		opts:  opts,
		locks: locks,
		l:     l,
	}
	h.readOnly.Store(opts.ReadOnly)
	return h
}

// SetReadOnly toggles the process wide read-only flag.
func (h *Handler) SetReadOnly(readOnly bool) {
	h.readOnly.Store(readOnly)
}

func (h *Handler) ReadOnly() bool {
	return h.readOnly.Load()
}

// Locks returns the lock table used by the handler.
func (h *Handler) Locks() *LockTable {
	return h.locks
}

// Serve dispatches one WebDAV request.
func (h *Handler) Serve(c *gin.Context) {
	status, err := http.StatusBadRequest, errUnsupportedMethod

	s, ok := filesystem.SessionFromContext(c.Request.Context())
	if !ok {
		status, err = http.StatusUnauthorized, errNoSession
	} else {
		switch c.Request.Method {
		case "OPTIONS":
			status, err = h.handleOptions(c, s)
		case "GET", "HEAD", "POST":
			status, err = h.handleGetHeadPost(c, s)
		case "DELETE":
			status, err = h.handleDelete(c, s)
		case "PUT":
			status, err = h.handlePut(c, s)
		case "MKCOL":
			status, err = h.handleMkcol(c, s)
		case "COPY", "MOVE":
			status, err = h.handleCopyMove(c, s)
		case "LOCK":
			status, err = h.handleLock(c, s)
		case "UNLOCK":
			status, err = h.handleUnlock(c, s)
		case "PROPFIND":
			status, err = h.handlePropfind(c, s)
		case "PROPPATCH":
			status, err = http.StatusNotImplemented, errProppatchUnsupported
		default:
			status, err = http.StatusNotImplemented, errUnsupportedMethod
		}
	}

	if status != 0 {
		c.Writer.WriteHeader(status)
		if status != http.StatusNoContent && c.Request.Method != "HEAD" {
			c.Writer.Write([]byte(StatusText(status)))
		}
	}

	if err != nil {
		l := h.logger(c.Request.Context())
		if status == http.StatusInternalServerError {
			l.Error("WebDAV %s %q failed: %s", c.Request.Method, c.Request.URL.Path, err)
		} else {
			l.Debug("WebDAV request failed with error: %s", err)
		}
	}
}

// requestPath maps the request URL onto a store path.
func (h *Handler) requestPath(r *http.Request) (string, int, error) {
	p, err := Normalize(r.URL.Path)
	if err != nil {
		return "", http.StatusBadRequest, err
	}
	p, err = stripPrefix(p, h.opts.Prefix)
	if err != nil {
		return "", http.StatusNotFound, err
	}
	return p, 0, nil
}

// ifHeader concatenates the raw If and Lock-Token headers.
func ifHeader(r *http.Request) string {
	return r.Header.Get("If") + r.Header.Get("Lock-Token")
}

// writable rejects mutations when the server or the account is read-only.
func (h *Handler) writable(s filesystem.Session) (int, error) {
	if h.ReadOnly() || s.ReadOnly() {
		return http.StatusForbidden, errReadOnly
	}
	return 0, nil
}

// confirmUnlocked checks that none of paths is locked by someone else.
func (h *Handler) confirmUnlocked(c *gin.Context, s filesystem.Session, paths ...string) (int, error) {
	ctx := c.Request.Context()
	for _, p := range paths {
		locked, err := h.locks.IsLocked(ctx, s, p, ifHeader(c.Request))
		if err != nil {
			return statusFromError(err), err
		}
		if locked {
			return StatusLocked, ErrLocked
		}
	}
	return 0, nil
}

// allowed computes the Allow header for the resource at p.
func (h *Handler) allowed(ctx context.Context, s filesystem.Session, p string) string {
	item, err := s.Item(ctx, p)
	if err != nil {
		return "OPTIONS, MKCOL, PUT, LOCK"
	}

	methods := []string{"OPTIONS", "GET", "HEAD", "POST", "DELETE", "PROPPATCH", "COPY", "MOVE", "LOCK", "UNLOCK"}
	if h.opts.Listings {
		methods = append(methods, "PROPFIND")
	}
	if !item.IsCollection() {
		methods = append(methods, "PUT")
	}
	return strings.Join(methods, ", ")
}

func (h *Handler) methodNotAllowed(c *gin.Context, s filesystem.Session, p string) (int, error) {
	ctx := c.Request.Context()
	c.Writer.Header().Set("Allow", h.allowed(ctx, s, p))
	return http.StatusMethodNotAllowed, nil
}

func (h *Handler) handleOptions(c *gin.Context, s filesystem.Session) (int, error) {
	ctx := c.Request.Context()
	p, status, err := h.requestPath(c.Request)
	if err != nil {
		return status, err
	}

	c.Writer.Header().Set("Allow", h.allowed(ctx, s, p))
	// http://www.webdav.org/specs/rfc4918.html#dav.compliance.classes
	c.Writer.Header().Set("DAV", "1,2")
	// http://msdn.microsoft.com/en-au/library/cc250217.aspx
	c.Writer.Header().Set("MS-Author-Via", "DAV")
	c.Writer.Header().Set("Content-Length", "0")
	c.Writer.WriteHeader(http.StatusOK)
	return 0, nil
}

func (h *Handler) handleGetHeadPost(c *gin.Context, s filesystem.Session) (int, error) {
	ctx := c.Request.Context()
	p, status, err := h.requestPath(c.Request)
	if err != nil {
		return status, err
	}

	item, err := s.Item(ctx, p)
	if err != nil {
		return statusFromError(err), err
	}

	if item.IsCollection() {
		if !h.opts.Listings {
			return http.StatusNotFound, errListingDisabled
		}
		return h.serveListing(c.Writer, c.Request, s, p)
	}
	return h.serveContent(c.Writer, c.Request, s, p, item)
}

func (h *Handler) handleDelete(c *gin.Context, s filesystem.Session) (int, error) {
	ctx := c.Request.Context()
	if status, err := h.writable(s); err != nil {
		return status, err
	}
	p, status, err := h.requestPath(c.Request)
	if err != nil {
		return status, err
	}
	if p == "/" {
		return http.StatusForbidden, filesystem.ErrRootProtected
	}

	if status, err := h.confirmUnlocked(c, s, p); err != nil {
		return status, err
	}

	item, err := s.Item(ctx, p)
	if err != nil {
		return statusFromError(err), err
	}

	failures := make(map[string]int)
	if item.IsCollection() {
		locked, err := h.locks.LockedDescendants(ctx, s, p, ifHeader(c.Request))
		if err != nil {
			return statusFromError(err), err
		}
		if !h.deleteTree(ctx, s, p, locked, failures) {
			return 0, writeErrorReport(c.Writer, c.Request, p, failures)
		}
	} else if err := s.Delete(ctx, p); err != nil {
		return statusFromError(err), err
	}

	h.dropLock(ctx, s, p)
	return http.StatusNoContent, nil
}

// dropLock forgets the lock on a resource that no longer exists at p.
func (h *Handler) dropLock(ctx context.Context, s filesystem.Session, p string) {
	if err := h.locks.Drop(ctx, s, p); err != nil {
		h.logger(ctx).Warning("Failed to drop lock of %q: %s", p, err)
	}
}

// deleteTree removes p children first. A locked or failing entry keeps every
// ancestor alive and is recorded in failures. It reports whether p is gone.
func (h *Handler) deleteTree(ctx context.Context, s filesystem.Session, p string, locked, failures map[string]int) bool {
	if status, ok := locked[p]; ok {
		failures[p] = status
		return false
	}

	item, err := s.Item(ctx, p)
	if err != nil {
		if filesystem.IsNotExist(err) {
			return true
		}
		failures[p] = statusFromError(err)
		return false
	}

	complete := true
	if item.IsCollection() {
		children, err := s.List(ctx, p)
		if err != nil {
			failures[p] = statusFromError(err)
			return false
		}
		for _, child := range children {
			if !h.deleteTree(ctx, s, path.Join(p, child), locked, failures) {
				complete = false
			}
		}
	}
	if !complete {
		return false
	}

	if err := s.Delete(ctx, p); err != nil {
		failures[p] = statusFromError(err)
		return false
	}
	h.dropLock(ctx, s, p)
	return true
}

func (h *Handler) handlePut(c *gin.Context, s filesystem.Session) (int, error) {
	ctx := c.Request.Context()
	if status, err := h.writable(s); err != nil {
		return status, err
	}
	p, status, err := h.requestPath(c.Request)
	if err != nil {
		return status, err
	}
	if status, err := h.confirmUnlocked(c, s, p); err != nil {
		return status, err
	}

	existed := false
	if item, err := s.Item(ctx, p); err == nil {
		if item.IsCollection() {
			return h.methodNotAllowed(c, s, p)
		}
		existed = true
	} else if !filesystem.IsNotExist(err) {
		return statusFromError(err), err
	}

	body := bufio.NewReaderSize(c.Request.Body, h.opts.InputBufferSize)
	if hdr := c.Request.Header.Get("Content-Range"); hdr != "" {
		cr, err := ParseContentRange(hdr)
		if err != nil {
			return http.StatusBadRequest, err
		}

		staging, err := h.stagePartial(ctx, s, p, body, cr)
		if err != nil {
			return statusFromError(err), err
		}
		defer h.discardStaging(ctx, staging)

		if err := s.CreateLeaf(ctx, p, staging, true); err != nil {
			return statusFromError(err), err
		}
	} else if err := s.CreateLeaf(ctx, p, util.NewContextReader(ctx, body), true); err != nil {
		return statusFromError(err), err
	}

	if item, err := s.Item(ctx, p); err == nil {
		c.Writer.Header().Set("ETag", etag(item))
	}
	if existed {
		return http.StatusNoContent, nil
	}
	return http.StatusCreated, nil
}

func (h *Handler) handleMkcol(c *gin.Context, s filesystem.Session) (int, error) {
	ctx := c.Request.Context()
	if status, err := h.writable(s); err != nil {
		return status, err
	}
	p, status, err := h.requestPath(c.Request)
	if err != nil {
		return status, err
	}
	if status, err := h.confirmUnlocked(c, s, p); err != nil {
		return status, err
	}

	if s.Exists(ctx, p) {
		return h.methodNotAllowed(c, s, p)
	}

	if c.Request.ContentLength > 0 || c.Request.TransferEncoding != nil {
		return http.StatusNotImplemented, errMkcolBody
	}

	if err := s.CreateCollection(ctx, p); err != nil {
		return statusFromError(err), err
	}
	return http.StatusCreated, nil
}

func (h *Handler) handleCopyMove(c *gin.Context, s filesystem.Session) (int, error) {
	ctx := c.Request.Context()
	if status, err := h.writable(s); err != nil {
		return status, err
	}
	src, status, err := h.requestPath(c.Request)
	if err != nil {
		return status, err
	}

	dst, err := ResolveDestination(c.Request.Header.Get("Destination"), c.Request.Host, h.opts.Prefix)
	if err != nil {
		return http.StatusBadRequest, err
	}
	if dst == src || util.IsDescendant(src, dst) {
		return http.StatusForbidden, errDestinationEqualsSource
	}

	srcItem, err := s.Item(ctx, src)
	if err != nil {
		return statusFromError(err), err
	}

	isCopy := c.Request.Method == "COPY"
	depth := infiniteDepth
	if hdr := c.Request.Header.Get("Depth"); hdr != "" {
		depth = parseDepth(hdr)
		// Section 9.8.3 says that "A client may submit a Depth header on a
		// COPY on a collection with a value of "0" or "infinity"." MOVE only
		// accepts "infinity", as per section 9.9.2.
		if depth != infiniteDepth && !(isCopy && depth == 0) {
			return http.StatusBadRequest, errInvalidDepth
		}
	}

	// Section 7.5.1 says that a COPY only needs to lock the destination,
	// not both destination and source.
	lockCheck := []string{dst}
	if !isCopy {
		lockCheck = append(lockCheck, src)
	}
	if status, err := h.confirmUnlocked(c, s, lockCheck...); err != nil {
		return status, err
	}
	if !isCopy && srcItem.IsCollection() {
		locked, err := h.locks.LockedDescendants(ctx, s, src, ifHeader(c.Request))
		if err != nil {
			return statusFromError(err), err
		}
		if len(locked) > 0 {
			return 0, writeErrorReport(c.Writer, c.Request, src, locked)
		}
	}

	overwrite := c.Request.Header.Get("Overwrite") != "F"
	existed := false
	if dstItem, err := s.Item(ctx, dst); err == nil {
		existed = true
		if !overwrite {
			return http.StatusPreconditionFailed, filesystem.ErrObjectExisted
		}
		if dstItem.IsCollection() {
			locked, err := h.locks.LockedDescendants(ctx, s, dst, ifHeader(c.Request))
			if err != nil {
				return statusFromError(err), err
			}
			if len(locked) > 0 {
				return 0, writeErrorReport(c.Writer, c.Request, dst, locked)
			}
		}
	} else if !filesystem.IsNotExist(err) {
		return statusFromError(err), err
	}

	switch {
	case isCopy && depth == 0 && srcItem.IsCollection():
		if existed {
			if err = s.Delete(ctx, dst); err != nil {
				break
			}
		}
		err = s.CreateCollection(ctx, dst)
	case isCopy:
		err = s.Copy(ctx, src, dst, overwrite)
	default:
		err = s.Move(ctx, src, dst, overwrite)
	}
	if err != nil {
		return statusFromError(err), err
	}

	if existed {
		h.dropLock(ctx, s, dst)
	}
	if !isCopy {
		h.dropLock(ctx, s, src)
	}
	if existed {
		return http.StatusNoContent, nil
	}
	return http.StatusCreated, nil
}

func (h *Handler) handleLock(c *gin.Context, s filesystem.Session) (retStatus int, retErr error) {
	ctx := c.Request.Context()
	if status, err := h.writable(s); err != nil {
		return status, err
	}
	duration, err := parseTimeout(c.Request.Header.Get("Timeout"))
	if err != nil {
		return http.StatusBadRequest, err
	}
	li, refresh, status, err := readLockInfo(c.Request.Body)
	if err != nil {
		return status, err
	}
	p, status, err := h.requestPath(c.Request)
	if err != nil {
		return status, err
	}

	// Section 9.10.3 says that "If no Depth header is submitted on a LOCK request,
	// then the request MUST act as if a "Depth:infinity" had been submitted."
	depth := filesystem.DepthInfinity
	if c.Request.Header.Get("Depth") == "0" {
		depth = filesystem.DepthZero
	}

	req := &LockRequest{
		ServletPath: h.opts.Prefix,
		Path:        p,
		Depth:       depth,
		Scope:       li.scope(),
		Owner:       li.Owner.String(),
		Timeout:     duration,
		IfHeader:    ifHeader(c.Request),
	}

	created := false
	if !s.Exists(ctx, p) {
		if err := s.CreateLeaf(ctx, p, bytes.NewReader(nil), false); err != nil {
			return statusFromError(err), err
		}
		created = true
		defer func() {
			if retErr != nil && retStatus != 0 {
				_ = s.Delete(ctx, p)
			}
		}()
	}

	var (
		info        *filesystem.LockInfo
		token       string
		newlyLocked = !refresh
	)
	if refresh {
		info, token, newlyLocked, err = h.locks.Refresh(ctx, s, req)
	} else {
		if item, itemErr := s.Item(ctx, p); itemErr == nil && item.IsCollection() && depth == filesystem.DepthInfinity {
			locked, err := h.locks.LockedDescendants(ctx, s, p, req.IfHeader)
			if err != nil {
				return statusFromError(err), err
			}
			if len(locked) > 0 {
				return 0, writeErrorReport(c.Writer, c.Request, p, locked)
			}
		}
		info, token, err = h.locks.Acquire(ctx, s, req)
	}
	if err != nil {
		return statusFromError(err), err
	}

	if newlyLocked {
		// http://www.webdav.org/specs/rfc4918.html#HEADER_Lock-Token says that the
		// Lock-Token value is a Coded-URL. We add angle brackets.
		c.Writer.Header().Set("Lock-Token", "<"+lockTokenScheme+token+">")
	}
	c.Writer.Header().Set("Content-Type", "application/xml; charset=utf-8")
	if created {
		c.Writer.WriteHeader(http.StatusCreated)
	} else {
		c.Writer.WriteHeader(http.StatusOK)
	}
	if _, err := writeLockInfo(c.Writer, token, info, h.locks.now()); err != nil {
		return 0, err
	}
	return 0, nil
}

func (h *Handler) handleUnlock(c *gin.Context, s filesystem.Session) (int, error) {
	ctx := c.Request.Context()
	if status, err := h.writable(s); err != nil {
		return status, err
	}
	p, status, err := h.requestPath(c.Request)
	if err != nil {
		return status, err
	}

	// http://www.webdav.org/specs/rfc4918.html#HEADER_Lock-Token says that the
	// Lock-Token value is a Coded-URL. We strip its angle brackets.
	t := strings.TrimSpace(c.Request.Header.Get("Lock-Token"))
	t = strings.TrimSuffix(strings.TrimPrefix(t, "<"), ">")
	if t == "" {
		return http.StatusBadRequest, errInvalidLockToken
	}

	if err := h.locks.Release(ctx, s, p, t); err != nil {
		return statusFromError(err), err
	}
	return http.StatusNoContent, nil
}

func (h *Handler) handlePropfind(c *gin.Context, s filesystem.Session) (int, error) {
	ctx := c.Request.Context()
	p, status, err := h.requestPath(c.Request)
	if err != nil {
		return status, err
	}
	if !h.opts.Listings {
		return h.methodNotAllowed(c, s, p)
	}
	if !s.Exists(ctx, p) {
		return http.StatusNotFound, filesystem.ErrObjectNotExist
	}

	depth := infiniteDepth
	switch c.Request.Header.Get("Depth") {
	case "0":
		depth = 0
	case "1":
		depth = 1
	}

	pf, status, err := readPropfind(c.Request.Body)
	if err != nil {
		return status, err
	}

	mw := multistatusWriter{w: c.Writer}
	walkFn := func(itemPath string, item filesystem.Item) error {
		r := &resource{path: itemPath, item: item, session: s, h: h}
		var pstats []Propstat
		if pf.Propname != nil {
			pstat := Propstat{Status: http.StatusOK}
			for _, xmlname := range propnames(r) {
				pstat.Props = append(pstat.Props, Property{XMLName: xmlname})
			}
			pstats = append(pstats, pstat)
		} else if pf.Allprop != nil {
			pstats, err = allprop(ctx, r, pf.Include)
		} else {
			pstats, err = props(ctx, r, pf.Prop)
		}
		if err != nil {
			return err
		}

		return mw.write(makePropstatResponse(propfindHref(h.opts.Prefix, itemPath, item.IsCollection()), pstats))
	}

	if err := walk(ctx, s, p, depth, walkFn); err != nil {
		if mw.enc != nil {
			// Headers are gone, the document is left truncated.
			return 0, err
		}
		return statusFromError(err), err
	}

	if err := mw.close(); err != nil {
		return 0, err
	}
	return 0, nil
}

// statusFromError translates store and engine errors into HTTP status codes.
func statusFromError(err error) int {
	if errors.Is(err, ErrOutsideRoot) || errors.Is(err, ErrInvalidPath) {
		return http.StatusBadRequest
	}
	if errors.Is(err, filesystem.ErrClientCanceled) || errors.Is(err, context.Canceled) {
		return http.StatusBadRequest
	}

	switch serializer.CodeOf(err) {
	case serializer.CodeNotFound:
		return http.StatusNotFound
	case serializer.CodeObjectExist, serializer.CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case serializer.CodeNoPermissionErr, serializer.CodeCredentialInvalid:
		return http.StatusForbidden
	case serializer.CodeLockConflict:
		return StatusLocked
	case serializer.CodeParamErr:
		return http.StatusBadRequest
	case serializer.CodeRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case serializer.CodeNotImplemented:
		return http.StatusNotImplemented
	}

	return http.StatusInternalServerError
}

const (
	infiniteDepth = filesystem.DepthInfinity
	invalidDepth  = -2
)

// parseDepth maps the strings "0", "1" and "infinity" to 0, 1 and
// infiniteDepth. Parsing any other string returns invalidDepth.
//
// Different WebDAV methods have further constraints on valid depths:
//   - PROPFIND treats anything else as infinity.
//   - COPY accepts only "0" or "infinity", as per section 9.8.3.
//   - MOVE accepts only "infinity", as per section 9.9.2.
//   - LOCK only looks for "0", as per section 9.10.3.
func parseDepth(s string) int {
	switch s {
	case "0":
		return 0
	case "1":
		return 1
	case "infinity":
		return infiniteDepth
	}
	return invalidDepth
}

// http://www.webdav.org/specs/rfc4918.html#status.code.extensions.to.http11
const (
	StatusMulti  = 207
	StatusLocked = 423
)

func StatusText(code int) string {
	switch code {
	case StatusMulti:
		return "Multi-Status"
	case StatusLocked:
		return "Locked"
	}
	return http.StatusText(code)
}

var (
	errDestinationEqualsSource = errors.New("webdav: destination equals source")
	errInvalidDepth            = errors.New("webdav: invalid depth")
	errInvalidDestination      = errors.New("webdav: invalid destination")
	errInvalidLockInfo         = errors.New("webdav: invalid lock info")
	errInvalidLockToken        = errors.New("webdav: invalid lock token")
	errInvalidPropfind         = errors.New("webdav: invalid propfind")
	errInvalidResponse         = errors.New("webdav: invalid response")
	errInvalidTimeout          = errors.New("webdav: invalid timeout")
	errListingDisabled         = errors.New("webdav: directory listing disabled")
	errMkcolBody               = errors.New("webdav: MKCOL with body")
	errNoSession               = errors.New("webdav: no session")
	errPrefixMismatch          = errors.New("webdav: prefix mismatch")
	errProppatchUnsupported    = errors.New("webdav: PROPPATCH not supported")
	errReadOnly                = errors.New("webdav: read-only")
	errUnsupportedLockInfo     = errors.New("webdav: unsupported lock info")
	errUnsupportedMethod       = errors.New("webdav: unsupported method")
)
