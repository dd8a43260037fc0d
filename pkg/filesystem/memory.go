package filesystem

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudreve/davcore/pkg/util"
)

// memoryBackend keeps the whole tree in memory. The tree is guarded by a
// single RWMutex, content slices are never mutated in place.
type memoryBackend struct {
	mu   sync.RWMutex
	root *memNode
}

type memNode struct {
	// children is nil for leaves.
	children map[string]*memNode
	data     []byte
	created  time.Time
	modified time.Time
}

func NewMemoryBackend() Backend {
	now := time.Now()
	return &memoryBackend{
		root: &memNode{
			children: make(map[string]*memNode),
			created:  now,
			modified: now,
		},
	}
}

func (n *memNode) isCollection() bool {
	return n.children != nil
}

func (n *memNode) clone() *memNode {
	c := &memNode{
		data:     n.data,
		created:  time.Now(),
		modified: n.modified,
	}
	if n.children != nil {
		c.children = make(map[string]*memNode, len(n.children))
		for name, child := range n.children {
			c.children[name] = child.clone()
		}
	}
	return c
}

func (n *memNode) item(name string) Item {
	o := &object{
		name:       name,
		collection: n.isCollection(),
		created:    n.created,
		modified:   n.modified,
	}
	if !o.collection {
		o.size = int64(len(n.data))
		o.mimeType = TypeByName(name)
	}
	return o
}

func segments(p string) []string {
	p = strings.Trim(util.SlashClean(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// find returns the node at p, nil if absent.
func (m *memoryBackend) find(p string) *memNode {
	n := m.root
	for _, seg := range segments(p) {
		if !n.isCollection() {
			return nil
		}
		if n = n.children[seg]; n == nil {
			return nil
		}
	}
	return n
}

// parent returns the collection holding p and the last segment of p.
func (m *memoryBackend) parent(p string) (*memNode, string, error) {
	segs := segments(p)
	if len(segs) == 0 {
		return nil, "", ErrRootProtected
	}

	dir := m.find("/" + strings.Join(segs[:len(segs)-1], "/"))
	if dir == nil {
		return nil, "", ErrObjectNotExist
	}
	if !dir.isCollection() {
		return nil, "", ErrNotCollection
	}
	return dir, segs[len(segs)-1], nil
}

func (m *memoryBackend) Stat(ctx context.Context, p string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.find(p)
	if n == nil {
		return nil, ErrObjectNotExist
	}
	return n.item(path.Base(util.SlashClean(p))), nil
}

func (m *memoryBackend) ReadDir(ctx context.Context, p string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.find(p)
	if n == nil {
		return nil, ErrObjectNotExist
	}
	if !n.isCollection() {
		return nil, ErrNotCollection
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

func (m *memoryBackend) Open(ctx context.Context, p string) (io.ReadSeekCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.find(p)
	if n == nil {
		return nil, ErrObjectNotExist
	}
	if n.isCollection() {
		return nil, ErrIsCollection
	}
	return memReader{bytes.NewReader(n.data)}, nil
}

func (m *memoryBackend) Mkdir(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, name, err := m.parent(p)
	if err != nil {
		if err == ErrRootProtected {
			return ErrObjectExisted
		}
		return err
	}
	if _, ok := dir.children[name]; ok {
		return ErrObjectExisted
	}

	now := time.Now()
	dir.children[name] = &memNode{
		children: make(map[string]*memNode),
		created:  now,
		modified: now,
	}
	dir.modified = now
	return nil
}

func (m *memoryBackend) Write(ctx context.Context, p string, r io.Reader, overwrite bool) error {
	var buf bytes.Buffer
	if _, err := util.CopyBuffer(ctx, &buf, r, 32*1024); err != nil {
		return ErrIO.WithError(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir, name, err := m.parent(p)
	if err != nil {
		return err
	}

	now := time.Now()
	existing, ok := dir.children[name]
	if ok {
		if existing.isCollection() {
			return ErrIsCollection
		}
		if !overwrite {
			return ErrObjectExisted
		}
		existing.data = buf.Bytes()
		existing.modified = now
		return nil
	}

	dir.children[name] = &memNode{
		data:     buf.Bytes(),
		created:  now,
		modified: now,
	}
	dir.modified = now
	return nil
}

func (m *memoryBackend) RemoveAll(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, name, err := m.parent(p)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; !ok {
		return ErrObjectNotExist
	}
	delete(dir.children, name)
	dir.modified = time.Now()
	return nil
}

// prepareTransfer validates a copy or move from src to dst and returns the
// source node together with the destination slot.
func (m *memoryBackend) prepareTransfer(src, dst string, overwrite bool) (*memNode, *memNode, string, error) {
	src, dst = util.SlashClean(src), util.SlashClean(dst)
	if src == dst || util.IsDescendant(src, dst) {
		return nil, nil, "", ErrInvalidPath
	}

	n := m.find(src)
	if n == nil {
		return nil, nil, "", ErrObjectNotExist
	}

	dir, name, err := m.parent(dst)
	if err != nil {
		return nil, nil, "", err
	}
	if _, ok := dir.children[name]; ok && !overwrite {
		return nil, nil, "", ErrObjectExisted
	}
	return n, dir, name, nil
}

func (m *memoryBackend) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, dir, name, err := m.prepareTransfer(src, dst, overwrite)
	if err != nil {
		return err
	}
	dir.children[name] = n.clone()
	dir.modified = time.Now()
	return nil
}

func (m *memoryBackend) Move(ctx context.Context, src, dst string, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, dir, name, err := m.prepareTransfer(src, dst, overwrite)
	if err != nil {
		return err
	}
	srcDir, srcName, err := m.parent(src)
	if err != nil {
		return err
	}

	delete(srcDir.children, srcName)
	dir.children[name] = n
	now := time.Now()
	srcDir.modified, dir.modified = now, now
	return nil
}
