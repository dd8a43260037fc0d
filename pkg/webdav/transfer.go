package webdav

import (
	"bufio"
	"context"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/cloudreve/davcore/pkg/filesystem"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/util"
	"github.com/juju/ratelimit"
)

// byteRangesBoundary separates the parts of a multipart/byteranges response.
const byteRangesBoundary = "DAVCORE_MIME_BOUNDARY"

// speedLimit wraps r so reads do not exceed the configured rate.
func (h *Handler) speedLimit(r io.Reader) io.Reader {
	limit := h.opts.SpeedLimit
	if limit <= 0 {
		return r
	}
	return ratelimit.Reader(r, ratelimit.NewBucketWithRate(float64(limit), limit))
}

// serveContent writes the body of the leaf at p honoring Range and If-Range.
func (h *Handler) serveContent(w http.ResponseWriter, r *http.Request, s filesystem.Session, p string, item filesystem.Item) (int, error) {
	size := item.Size()
	ctype := contentType(p, item)
	tag := etag(item)

	w.Header().Set("ETag", tag)
	w.Header().Set("Last-Modified", item.ModifiedAt().UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", ctype)

	if size == 0 {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return 0, nil
	}

	rangeReq := r.Header.Get("Range")
	if !CheckIfRange(r.Header.Get("If-Range"), tag, item.ModifiedAt()) {
		rangeReq = ""
	}
	ranges, err := ParseRange(rangeReq, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return http.StatusRequestedRangeNotSatisfiable, err
	}

	f, err := s.Open(r.Context(), p)
	if err != nil {
		return statusFromError(err), err
	}
	defer f.Close()

	ctx := r.Context()
	switch {
	case len(ranges) == 0:
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return 0, nil
		}
		_, err = util.CopyBuffer(ctx, w, h.speedLimit(f), h.opts.OutputBufferSize)
	case len(ranges) == 1:
		ra := ranges[0]
		if _, err := f.Seek(ra.Start, io.SeekStart); err != nil {
			return http.StatusRequestedRangeNotSatisfiable, err
		}
		w.Header().Set("Content-Range", ra.contentRange())
		w.Header().Set("Content-Length", strconv.FormatInt(ra.Size(), 10))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method == http.MethodHead {
			return 0, nil
		}
		_, err = util.CopyBuffer(ctx, w, h.speedLimit(io.LimitReader(f, ra.Size())), h.opts.OutputBufferSize)
	default:
		w.Header().Set("Content-Type", "multipart/byteranges; boundary="+byteRangesBoundary)
		w.Header().Set("Content-Length", strconv.FormatInt(rangesMIMESize(ranges, ctype), 10))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method == http.MethodHead {
			return 0, nil
		}
		err = h.writeRanges(ctx, w, f, ranges, ctype)
	}

	if err != nil {
		if ctx.Err() != nil {
			return 0, filesystem.ErrClientCanceled
		}
		return 0, err
	}
	return 0, nil
}

func (h *Handler) writeRanges(ctx context.Context, w io.Writer, f io.ReadSeeker, ranges []Range, ctype string) error {
	mw := newByteRangesWriter(w)
	for _, ra := range ranges {
		part, err := mw.CreatePart(ra.mimeHeader(ctype))
		if err != nil {
			return err
		}
		if _, err := f.Seek(ra.Start, io.SeekStart); err != nil {
			return err
		}
		if _, err := util.CopyBuffer(ctx, part, h.speedLimit(io.LimitReader(f, ra.Size())), h.opts.OutputBufferSize); err != nil {
			return err
		}
	}
	return mw.Close()
}

func newByteRangesWriter(w io.Writer) *multipart.Writer {
	mw := multipart.NewWriter(w)
	_ = mw.SetBoundary(byteRangesBoundary)
	return mw
}

// countingWriter counts how many bytes have been written to it.
type countingWriter int64

func (w *countingWriter) Write(p []byte) (n int, err error) {
	*w += countingWriter(len(p))
	return len(p), nil
}

// rangesMIMESize returns the number of bytes it takes to encode the
// provided ranges as a multipart response.
func rangesMIMESize(ranges []Range, contentType string) (encSize int64) {
	var w countingWriter
	mw := newByteRangesWriter(&w)
	for _, ra := range ranges {
		mw.CreatePart(ra.mimeHeader(contentType))
		encSize += ra.Size()
	}
	mw.Close()
	encSize += int64(w)
	return
}

// StagingFilePrefix names temp files created by partial PUT.
const StagingFilePrefix = "davcore-put-"

// stagePartial rebuilds the leaf at p in a temp file: existing bytes are
// copied in, the file is resized to the declared length and body is written
// at the declared offset. The caller must remove the returned file.
func (h *Handler) stagePartial(ctx context.Context, s filesystem.Session, p string, body io.Reader, cr Range) (*os.File, error) {
	staging, err := os.CreateTemp(h.opts.TempDir, StagingFilePrefix+"*")
	if err != nil {
		return nil, filesystem.ErrIO.WithError(err)
	}

	fail := func(err error) (*os.File, error) {
		h.discardStaging(ctx, staging)
		return nil, err
	}

	if item, err := s.Item(ctx, p); err == nil && !item.IsCollection() {
		old, err := s.Open(ctx, p)
		if err != nil {
			return fail(err)
		}
		_, err = util.CopyBuffer(ctx, staging, old, h.opts.InputBufferSize)
		old.Close()
		if err != nil {
			return fail(filesystem.ErrIO.WithError(err))
		}
	} else if err != nil && !filesystem.IsNotExist(err) {
		return fail(err)
	}

	if err := staging.Truncate(cr.Length); err != nil {
		return fail(filesystem.ErrIO.WithError(err))
	}
	if _, err := staging.Seek(cr.Start, io.SeekStart); err != nil {
		return fail(filesystem.ErrIO.WithError(err))
	}
	if _, err := util.CopyBuffer(ctx, staging, io.LimitReader(body, cr.Size()), h.opts.InputBufferSize); err != nil {
		if ctx.Err() != nil {
			return fail(filesystem.ErrClientCanceled)
		}
		return fail(filesystem.ErrIO.WithError(err))
	}
	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return fail(filesystem.ErrIO.WithError(err))
	}

	return staging, nil
}

// discardStaging closes and removes a staging file, failures are only logged.
func (h *Handler) discardStaging(ctx context.Context, f *os.File) {
	l := h.logger(ctx)
	if err := f.Close(); err != nil {
		l.Warning("Failed to close staging file %q: %s", f.Name(), err)
	}
	if err := os.Remove(f.Name()); err != nil {
		l.Warning("Failed to remove staging file %q: %s", f.Name(), err)
	}
}

type listingEntry struct {
	Name     string
	Href     string
	Size     string
	Modified string
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<table>
<tr><th align="left">Name</th><th align="right">Size</th><th align="left">Last Modified</th></tr>
{{- if .Parent}}
<tr><td><a href="{{.Parent}}">..</a></td><td></td><td></td></tr>
{{- end}}
{{- range .Entries}}
<tr><td><a href="{{.Href}}">{{.Name}}</a></td><td align="right">{{.Size}}</td><td>{{.Modified}}</td></tr>
{{- end}}
</table>
</body>
</html>
`))

// serveListing renders the children of the collection at p as HTML.
func (h *Handler) serveListing(w http.ResponseWriter, r *http.Request, s filesystem.Session, p string) (int, error) {
	ctx := r.Context()
	names, err := s.List(ctx, p)
	if err != nil {
		return statusFromError(err), err
	}

	entries := make([]listingEntry, 0, len(names))
	for _, name := range names {
		child, err := s.Item(ctx, path.Join(p, name))
		if err != nil {
			continue
		}
		entry := listingEntry{
			Name:     name,
			Href:     hrefOf(propfindHref(h.opts.Prefix, path.Join(p, name), child.IsCollection())),
			Modified: child.ModifiedAt().UTC().Format(time.RFC1123),
		}
		if child.IsCollection() {
			entry.Name += "/"
		} else {
			entry.Size = strconv.FormatInt(child.Size(), 10)
		}
		entries = append(entries, entry)
	}

	parent := ""
	if p != "/" {
		parent = hrefOf(propfindHref(h.opts.Prefix, path.Dir(p), true))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return 0, nil
	}

	buf := bufio.NewWriterSize(w, h.opts.OutputBufferSize)
	if err := listingTemplate.Execute(buf, map[string]any{
		"Path":    p,
		"Parent":  parent,
		"Entries": entries,
	}); err != nil {
		return 0, err
	}
	return 0, buf.Flush()
}

// logger returns the request scoped logger when one is attached.
func (h *Handler) logger(ctx context.Context) logging.Logger {
	if l, ok := ctx.Value(logging.LoggerCtx{}).(logging.Logger); ok {
		return l
	}
	return h.l
}
