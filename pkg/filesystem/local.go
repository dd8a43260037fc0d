package filesystem

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/util"
	"github.com/pkg/errors"
)

const (
	Perm           = 0744
	copyBufferSize = 32 * 1024
)

// localBackend 本地目录存储
type localBackend struct {
	root string
	l    logging.Logger
}

// NewLocalBackend serves the directory cfg.Root, creating it when missing.
func NewLocalBackend(cfg *conf.Store, l logging.Logger) (Backend, error) {
	root := util.DataPath(cfg.Root)
	if err := util.CreatNestedFolder(root); err != nil {
		return nil, errors.Wrapf(err, "failed to create store root %q", root)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve store root")
	}

	l.Info("Local store rooted at %q.", abs)
	return &localBackend{root: abs, l: l}, nil
}

// real resolves p under the root. SlashClean removes every "..", so the
// result never leaves the root.
func (b *localBackend) real(p string) string {
	return filepath.Join(b.root, filepath.FromSlash(util.SlashClean(p)))
}

func (b *localBackend) Stat(ctx context.Context, p string) (Item, error) {
	info, err := os.Stat(b.real(p))
	if err != nil {
		return nil, translateOSError(err)
	}

	o := &object{
		name:       info.Name(),
		collection: info.IsDir(),
		created:    info.ModTime(),
		modified:   info.ModTime(),
	}
	if util.SlashClean(p) == "/" {
		o.name = ""
	}
	if !o.collection {
		o.size = info.Size()
		o.mimeType = TypeByName(info.Name())
	}
	return o, nil
}

func (b *localBackend) ReadDir(ctx context.Context, p string) ([]string, error) {
	info, err := os.Stat(b.real(p))
	if err != nil {
		return nil, translateOSError(err)
	}
	if !info.IsDir() {
		return nil, ErrNotCollection
	}

	entries, err := os.ReadDir(b.real(p))
	if err != nil {
		return nil, translateOSError(err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (b *localBackend) Open(ctx context.Context, p string) (io.ReadSeekCloser, error) {
	file, err := os.Open(b.real(p))
	if err != nil {
		b.l.Debug("Failed to open file %q: %s", p, err)
		return nil, translateOSError(err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, translateOSError(err)
	}
	if info.IsDir() {
		file.Close()
		return nil, ErrIsCollection
	}

	return file, nil
}

func (b *localBackend) Mkdir(ctx context.Context, p string) error {
	if util.SlashClean(p) == "/" {
		return ErrObjectExisted
	}
	if err := b.parentIsCollection(p); err != nil {
		return err
	}
	return translateOSError(os.Mkdir(b.real(p), Perm))
}

func (b *localBackend) parentIsCollection(p string) error {
	dir := filepath.Dir(b.real(p))
	info, err := os.Stat(dir)
	if err != nil {
		return translateOSError(err)
	}
	if !info.IsDir() {
		return ErrNotCollection
	}
	return nil
}

// Write stores r under p through a sibling temp file renamed into place.
func (b *localBackend) Write(ctx context.Context, p string, r io.Reader, overwrite bool) error {
	if util.SlashClean(p) == "/" {
		return ErrIsCollection
	}
	dst := b.real(p)
	if err := b.parentIsCollection(p); err != nil {
		return err
	}

	if info, err := os.Stat(dst); err == nil {
		if info.IsDir() {
			return ErrIsCollection
		}
		if !overwrite {
			return ErrObjectExisted
		}
	}

	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		b.l.Warning("Failed to create temp file for %q: %s", p, err)
		return translateOSError(err)
	}
	tmp := out.Name()

	_, err = util.CopyBuffer(ctx, out, r, copyBufferSize)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil && !os.IsNotExist(removeErr) {
			b.l.Warning("Failed to remove temp file %q: %s", tmp, removeErr)
		}
		return translateOSError(errors.Wrapf(err, "failed to write %q", p))
	}

	return nil
}

func (b *localBackend) RemoveAll(ctx context.Context, p string) error {
	if util.SlashClean(p) == "/" {
		return ErrRootProtected
	}
	target := b.real(p)
	if _, err := os.Lstat(target); err != nil {
		return translateOSError(err)
	}
	return translateOSError(os.RemoveAll(target))
}

// prepareTransfer validates a copy or move from src to dst. replace reports
// whether an existing dst will be overwritten.
func (b *localBackend) prepareTransfer(src, dst string, overwrite bool) (realSrc, realDst string, replace bool, err error) {
	src, dst = util.SlashClean(src), util.SlashClean(dst)
	if src == dst || util.IsDescendant(src, dst) || src == "/" || dst == "/" {
		return "", "", false, ErrInvalidPath
	}

	realSrc, realDst = b.real(src), b.real(dst)
	if _, err := os.Stat(realSrc); err != nil {
		return "", "", false, translateOSError(err)
	}
	if err := b.parentIsCollection(dst); err != nil {
		return "", "", false, err
	}
	if _, err := os.Lstat(realDst); err == nil {
		if !overwrite {
			return "", "", false, ErrObjectExisted
		}
		replace = true
	}
	return realSrc, realDst, replace, nil
}

func (b *localBackend) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	realSrc, realDst, replace, err := b.prepareTransfer(src, dst, overwrite)
	if err != nil {
		return err
	}

	// An existing destination is only replaced once the copy is complete.
	target := realDst
	if replace {
		target = filepath.Join(filepath.Dir(realDst), ".davcore-copy-"+util.RandStringRunes(12))
	}
	if err := b.copyTree(ctx, realSrc, target); err != nil {
		_ = os.RemoveAll(target)
		return err
	}
	if !replace {
		return nil
	}

	if err := os.RemoveAll(realDst); err != nil {
		_ = os.RemoveAll(target)
		return translateOSError(err)
	}
	return translateOSError(os.Rename(target, realDst))
}

func (b *localBackend) copyTree(ctx context.Context, realSrc, realDst string) error {
	return filepath.WalkDir(realSrc, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return translateOSError(err)
		}
		if ctx.Err() != nil {
			return ErrClientCanceled
		}

		rel := strings.TrimPrefix(current, realSrc)
		target := realDst + rel
		if d.IsDir() {
			return translateOSError(os.Mkdir(target, Perm))
		}
		return b.copyFile(ctx, current, target)
	})
}

func (b *localBackend) copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return translateOSError(err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, Perm)
	if err != nil {
		return translateOSError(err)
	}
	defer out.Close()

	if _, err := util.CopyBuffer(ctx, out, in, copyBufferSize); err != nil {
		return translateOSError(errors.Wrapf(err, "failed to copy %q", src))
	}
	return nil
}

func (b *localBackend) Move(ctx context.Context, src, dst string, overwrite bool) error {
	realSrc, realDst, replace, err := b.prepareTransfer(src, dst, overwrite)
	if err != nil {
		return err
	}
	if replace {
		if err := os.RemoveAll(realDst); err != nil {
			return translateOSError(err)
		}
	}
	return translateOSError(os.Rename(realSrc, realDst))
}
