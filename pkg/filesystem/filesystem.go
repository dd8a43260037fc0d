package filesystem

import (
	"context"
	"encoding/gob"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cloudreve/davcore/pkg/util"
	"github.com/samber/lo"
)

func init() {
	gob.Register(LockInfo{})
}

// Item is a single store entry, either a collection or a leaf.
type Item interface {
	Name() string
	IsCollection() bool
	Size() int64
	ContentType() string
	CreatedAt() time.Time
	ModifiedAt() time.Time
}

// Session is an authenticated view of the store. All paths are absolute,
// slash separated and already normalized by the caller.
type Session interface {
	Principal() string
	Site() string
	Stage() string
	// ReadOnly reports whether the account behind this session may not write.
	ReadOnly() bool

	Exists(ctx context.Context, path string) bool
	Item(ctx context.Context, path string) (Item, error)
	// List returns the names of the direct children of a collection.
	List(ctx context.Context, path string) ([]string, error)
	Open(ctx context.Context, path string) (io.ReadSeekCloser, error)
	CreateCollection(ctx context.Context, path string) error
	CreateLeaf(ctx context.Context, path string, r io.Reader, overwrite bool) error
	// Delete removes the item and everything below it.
	Delete(ctx context.Context, path string) error
	Copy(ctx context.Context, src, dst string, overwrite bool) error
	Move(ctx context.Context, src, dst string, overwrite bool) error

	// GetLock returns the lock stored for path, nil if there is none or it expired.
	GetLock(ctx context.Context, path string) (*LockInfo, error)
	// GetLocks returns every live lock stored for the given paths.
	GetLocks(ctx context.Context, paths []string) (map[string]*LockInfo, error)
	Lock(ctx context.Context, path string, info *LockInfo) (bool, error)
	Unlock(ctx context.Context, path string) error
}

// SessionCtx is the context key of the authenticated Session.
type SessionCtx struct{}

// SessionFromContext returns the session stored by the authentication middleware.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(SessionCtx{}).(Session)
	return s, ok
}

// Repository opens sessions for authenticated principals.
type Repository interface {
	Login(ctx context.Context, user, pass, site, stage string) (Session, error)
}

// Backend is the raw storage a repository is built on. Paths are absolute
// inside the backend namespace.
type Backend interface {
	Stat(ctx context.Context, path string) (Item, error)
	ReadDir(ctx context.Context, path string) ([]string, error)
	Open(ctx context.Context, path string) (io.ReadSeekCloser, error)
	Mkdir(ctx context.Context, path string) error
	Write(ctx context.Context, path string, r io.Reader, overwrite bool) error
	RemoveAll(ctx context.Context, path string) error
	Copy(ctx context.Context, src, dst string, overwrite bool) error
	Move(ctx context.Context, src, dst string, overwrite bool) error
}

const (
	DepthZero     = 0
	DepthInfinity = -1

	ScopeExclusive = "exclusive"
	ScopeShared    = "shared"

	TypeWrite = "write"
)

// LockInfo is one WebDAV lock.
type LockInfo struct {
	Path      string
	Depth     int
	Scope     string
	Type      string
	Owner     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Tokens    []string
}

// Expired reports whether the lock is no longer valid at now.
func (l *LockInfo) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

func (l *LockInfo) Exclusive() bool {
	return l.Scope == ScopeExclusive
}

func (l *LockInfo) HasToken(token string) bool {
	return lo.Contains(l.Tokens, token)
}

func (l *LockInfo) AddToken(token string) {
	if !l.HasToken(token) {
		l.Tokens = append(l.Tokens, token)
	}
}

// RemoveToken drops token and reports whether any token is left.
func (l *LockInfo) RemoveToken(token string) bool {
	l.Tokens = lo.Without(l.Tokens, token)
	return len(l.Tokens) > 0
}

// Remaining returns the seconds left before the lock expires, rounded up.
func (l *LockInfo) Remaining(now time.Time) int64 {
	left := l.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int64((left + time.Second - 1) / time.Second)
}

// Account is the identity a session acts for.
type Account struct {
	Name     string
	Root     string
	ReadOnly bool
}

type repository struct {
	backend Backend
	locks   LockAccessor
	auth    Authenticator
}

// NewRepository builds a repository over backend, storing locks in locks and
// verifying credentials with auth.
func NewRepository(backend Backend, locks LockAccessor, auth Authenticator) Repository {
	return &repository{
		backend: backend,
		locks:   locks,
		auth:    auth,
	}
}

func (r *repository) Login(ctx context.Context, user, pass, site, stage string) (Session, error) {
	account, err := r.auth.Authenticate(ctx, user, pass)
	if err != nil {
		return nil, err
	}

	base := path.Join("/", site, stage, account.Root)
	if base == "/" {
		base = ""
	} else if err := mkdirAll(ctx, r.backend, base); err != nil {
		return nil, err
	}

	return &session{
		account: account,
		site:    site,
		stage:   stage,
		base:    base,
		backend: r.backend,
		locks:   r.locks,
	}, nil
}

func mkdirAll(ctx context.Context, b Backend, p string) error {
	current := ""
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		current += "/" + seg
		if err := b.Mkdir(ctx, current); err != nil && !IsExisted(err) {
			return err
		}
	}
	return nil
}

type session struct {
	account *Account
	site    string
	stage   string
	base    string
	backend Backend
	locks   LockAccessor
}

func (s *session) Principal() string { return s.account.Name }
func (s *session) Site() string      { return s.site }
func (s *session) Stage() string     { return s.stage }
func (s *session) ReadOnly() bool    { return s.account.ReadOnly }

// real maps a session path onto the backend namespace.
func (s *session) real(p string) string {
	if s.base == "" {
		return util.SlashClean(p)
	}
	return path.Join(s.base, util.SlashClean(p))
}

func (s *session) Exists(ctx context.Context, p string) bool {
	_, err := s.backend.Stat(ctx, s.real(p))
	return err == nil
}

func (s *session) Item(ctx context.Context, p string) (Item, error) {
	return s.backend.Stat(ctx, s.real(p))
}

func (s *session) List(ctx context.Context, p string) ([]string, error) {
	return s.backend.ReadDir(ctx, s.real(p))
}

func (s *session) Open(ctx context.Context, p string) (io.ReadSeekCloser, error) {
	return s.backend.Open(ctx, s.real(p))
}

func (s *session) writable(p string) error {
	if s.account.ReadOnly {
		return ErrPermissionDenied
	}
	if util.SlashClean(p) == "/" {
		return ErrRootProtected
	}
	return nil
}

func (s *session) CreateCollection(ctx context.Context, p string) error {
	if err := s.writable(p); err != nil {
		return err
	}
	return s.backend.Mkdir(ctx, s.real(p))
}

func (s *session) CreateLeaf(ctx context.Context, p string, r io.Reader, overwrite bool) error {
	if err := s.writable(p); err != nil {
		return err
	}
	return s.backend.Write(ctx, s.real(p), r, overwrite)
}

func (s *session) Delete(ctx context.Context, p string) error {
	if err := s.writable(p); err != nil {
		return err
	}
	return s.backend.RemoveAll(ctx, s.real(p))
}

func (s *session) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	if err := s.writable(dst); err != nil {
		return err
	}
	return s.backend.Copy(ctx, s.real(src), s.real(dst), overwrite)
}

func (s *session) Move(ctx context.Context, src, dst string, overwrite bool) error {
	if err := s.writable(src); err != nil {
		return err
	}
	if err := s.writable(dst); err != nil {
		return err
	}
	return s.backend.Move(ctx, s.real(src), s.real(dst), overwrite)
}

func (s *session) GetLock(ctx context.Context, p string) (*LockInfo, error) {
	return s.locks.Get(ctx, s.real(p))
}

func (s *session) GetLocks(ctx context.Context, paths []string) (map[string]*LockInfo, error) {
	keys := lo.Map(paths, func(p string, _ int) string { return s.real(p) })
	found, err := s.locks.Gets(ctx, keys)
	if err != nil {
		return nil, err
	}

	res := make(map[string]*LockInfo, len(found))
	for i, key := range keys {
		if info, ok := found[key]; ok {
			res[paths[i]] = info
		}
	}
	return res, nil
}

func (s *session) Lock(ctx context.Context, p string, info *LockInfo) (bool, error) {
	if s.account.ReadOnly {
		return false, ErrPermissionDenied
	}
	if _, err := s.backend.Stat(ctx, s.real(p)); err != nil {
		return false, err
	}
	if err := s.locks.Put(ctx, s.real(p), info); err != nil {
		return false, err
	}
	return true, nil
}

func (s *session) Unlock(ctx context.Context, p string) error {
	return s.locks.Delete(ctx, s.real(p))
}
