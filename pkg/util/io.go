package util

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// Exists reports whether the named file or directory exists.
func Exists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// CreatNestedFile 给定path创建文件，如果目录不存在就递归创建
func CreatNestedFile(path string) (*os.File, error) {
	basePath := filepath.Dir(path)
	if !Exists(basePath) {
		err := os.MkdirAll(basePath, 0700)
		if err != nil {
			return nil, err
		}
	}

	return os.Create(path)
}

// CreatNestedFolder creates a folder with the given path, if the directory does not exist,
// it will be created recursively.
func CreatNestedFolder(path string) error {
	if !Exists(path) {
		err := os.MkdirAll(path, 0700)
		if err != nil {
			return err
		}
	}

	return nil
}

// ContextReader stops reading from the underlying reader once ctx is done.
type ContextReader struct {
	ctx    context.Context
	reader io.Reader
}

func NewContextReader(ctx context.Context, reader io.Reader) *ContextReader {
	return &ContextReader{
		ctx:    ctx,
		reader: reader,
	}
}

func (r *ContextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}

// CopyBuffer copies src to dst through a buffer of the given size, aborting
// as soon as ctx is canceled. Sizes below 512 bytes are raised to 512.
func CopyBuffer(ctx context.Context, dst io.Writer, src io.Reader, size int) (int64, error) {
	if size < 512 {
		size = 512
	}
	buf := make([]byte, size)
	// Hide ReaderFrom on dst so the bounded buffer is always used.
	return io.CopyBuffer(struct{ io.Writer }{dst}, NewContextReader(ctx, src), buf)
}
