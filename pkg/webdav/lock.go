package webdav

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudreve/davcore/pkg/filesystem"
	"github.com/cloudreve/davcore/pkg/serializer"
	"github.com/samber/lo"
)

const (
	// DefaultLockTimeout is applied when the client does not ask for one.
	DefaultLockTimeout = 604800 * time.Second
	lockTokenScheme    = "opaquelocktoken:"
)

var (
	ErrLocked      = serializer.NewError(serializer.CodeLockConflict, "Resource is locked", nil)
	ErrNoSuchLock  = serializer.NewError(serializer.CodePreconditionFailed, "No lock on resource", nil)
	ErrLockRefused = serializer.NewError(serializer.CodeLockConflict, "Lock store refused the lock", nil)
)

// LockRequest describes a LOCK call.
type LockRequest struct {
	ServletPath string
	Path        string
	Depth       int
	Scope       string
	Owner       string
	Timeout     time.Duration
	// IfHeader is the raw If header followed by the raw Lock-Token header.
	IfHeader string
}

// LockTable serializes lock state changes and derives lock tokens. Records
// are stored through the session's lock accessor.
type LockTable struct {
	mu         sync.Mutex
	secret     string
	maxTimeout time.Duration
	now        func() time.Time
}

// NewLockTable creates a lock table signing tokens with secret. Requested
// timeouts are capped at maxTimeout.
func NewLockTable(secret string, maxTimeout time.Duration) *LockTable {
	if maxTimeout <= 0 {
		maxTimeout = DefaultLockTimeout
	}
	return &LockTable{
		secret:     secret,
		maxTimeout: maxTimeout,
		now:        time.Now,
	}
}

// DeriveToken computes the lock token of owner on lockPath for principal.
func (t *LockTable) DeriveToken(servletPath, principal, owner, lockPath string) string {
	return DeriveToken(servletPath, principal, owner, lockPath, t.secret)
}

// DeriveToken returns the hex MD5 of the five fields joined by "-".
func DeriveToken(servletPath, principal, owner, lockPath, secret string) string {
	sum := md5.Sum([]byte(strings.Join([]string{servletPath, principal, owner, lockPath, secret}, "-")))
	return hex.EncodeToString(sum[:])
}

// held reports whether the client proved ownership of one of the lock tokens.
func held(info *filesystem.LockInfo, ifHeader string) bool {
	return lo.ContainsBy(info.Tokens, func(token string) bool {
		return strings.Contains(ifHeader, token)
	})
}

// heldAll reports whether every token of info is presented in ifHeader.
func heldAll(info *filesystem.LockInfo, ifHeader string) bool {
	return len(info.Tokens) > 0 && lo.EveryBy(info.Tokens, func(token string) bool {
		return strings.Contains(ifHeader, token)
	})
}

// effective returns the locks governing p: the lock on p itself and every
// depth infinity lock on an ancestor.
func (t *LockTable) effective(ctx context.Context, s filesystem.Session, p string) ([]*filesystem.LockInfo, error) {
	candidates := []string{p}
	for parent := p; parent != "/"; {
		parent = path.Dir(parent)
		candidates = append(candidates, parent)
	}

	found, err := s.GetLocks(ctx, candidates)
	if err != nil {
		return nil, err
	}

	res := make([]*filesystem.LockInfo, 0, len(found))
	for _, candidate := range candidates {
		info, ok := found[candidate]
		if !ok || info.Expired(t.now()) {
			continue
		}
		if candidate == p || info.Depth == filesystem.DepthInfinity {
			res = append(res, info)
		}
	}
	return res, nil
}

// IsLocked reports whether p is locked by someone who is not the requester.
func (t *LockTable) IsLocked(ctx context.Context, s filesystem.Session, p, ifHeader string) (bool, error) {
	locks, err := t.effective(ctx, s, p)
	if err != nil {
		return false, err
	}

	return lo.ContainsBy(locks, func(info *filesystem.LockInfo) bool {
		return !held(info, ifHeader)
	}), nil
}

func (t *LockTable) timeout(d time.Duration) time.Duration {
	if d <= 0 || d > t.maxTimeout {
		return t.maxTimeout
	}
	return d
}

// Acquire creates a lock for req, or joins an existing shared lock. The
// returned token is the bare token without the opaquelocktoken scheme.
func (t *LockTable) Acquire(ctx context.Context, s filesystem.Session, req *LockRequest) (*filesystem.LockInfo, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	locks, err := t.effective(ctx, s, req.Path)
	if err != nil {
		return nil, "", err
	}

	now := t.now()
	token := t.DeriveToken(req.ServletPath, s.Principal(), req.Owner, req.Path)
	info := &filesystem.LockInfo{
		Path:      req.Path,
		Depth:     req.Depth,
		Scope:     req.Scope,
		Type:      filesystem.TypeWrite,
		Owner:     req.Owner,
		CreatedAt: now,
		ExpiresAt: now.Add(t.timeout(req.Timeout)),
		Tokens:    []string{token},
	}

	for _, existing := range locks {
		shared := !existing.Exclusive() && req.Scope == filesystem.ScopeShared
		if !shared && !heldAll(existing, req.IfHeader) {
			// An exclusive request may only replace locks whose holders are all the requester.
			return nil, "", ErrLocked
		}

		// Shared lock on the same path is joined.
		if shared && existing.Path == req.Path {
			existing.AddToken(token)
			if info.ExpiresAt.After(existing.ExpiresAt) {
				existing.ExpiresAt = info.ExpiresAt
			}
			info = existing
		}
	}

	if err := t.put(ctx, s, req.Path, info); err != nil {
		return nil, "", err
	}
	return info, token, nil
}

// Refresh extends the lock on req.Path held by the requester. When there is
// no lock, an exclusive one is created and created is true.
func (t *LockTable) Refresh(ctx context.Context, s filesystem.Session, req *LockRequest) (info *filesystem.LockInfo, token string, created bool, err error) {
	t.mu.Lock()
	existing, err := s.GetLock(ctx, req.Path)
	if err != nil {
		t.mu.Unlock()
		return nil, "", false, err
	}

	if existing == nil || existing.Expired(t.now()) {
		t.mu.Unlock()
		req.Scope = filesystem.ScopeExclusive
		info, token, err = t.Acquire(ctx, s, req)
		return info, token, err == nil, err
	}
	defer t.mu.Unlock()

	token, ok := lo.Find(existing.Tokens, func(token string) bool {
		return strings.Contains(req.IfHeader, token)
	})
	if !ok {
		return nil, "", false, ErrLocked
	}

	existing.ExpiresAt = t.now().Add(t.timeout(req.Timeout))
	if err := t.put(ctx, s, req.Path, existing); err != nil {
		return nil, "", false, err
	}
	return existing, token, false, nil
}

// Release removes token from the lock on p. The lock is deleted once its
// last token is gone.
func (t *LockTable) Release(ctx context.Context, s filesystem.Session, p, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := s.GetLock(ctx, p)
	if err != nil {
		return err
	}
	if existing == nil || existing.Expired(t.now()) {
		return ErrNoSuchLock
	}

	token = strings.TrimPrefix(token, lockTokenScheme)
	if !existing.HasToken(token) {
		return ErrLocked
	}

	if existing.RemoveToken(token) {
		return t.put(ctx, s, p, existing)
	}
	return s.Unlock(ctx, p)
}

// Drop removes any lock on p regardless of tokens, used once a resource is
// moved away or deleted.
func (t *LockTable) Drop(ctx context.Context, s filesystem.Session, p string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.Unlock(ctx, p)
}

func (t *LockTable) put(ctx context.Context, s filesystem.Session, p string, info *filesystem.LockInfo) error {
	ok, err := s.Lock(ctx, p, info)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockRefused
	}
	return nil
}

// LockedDescendants walks every descendant of root and returns each one that
// is locked by someone other than the requester, mapped to 423 Locked.
func (t *LockTable) LockedDescendants(ctx context.Context, s filesystem.Session, root, ifHeader string) (map[string]int, error) {
	var (
		descendants []string
		queue       = []string{root}
	)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		item, err := s.Item(ctx, current)
		if err != nil {
			return nil, err
		}
		if !item.IsCollection() {
			continue
		}

		children, err := s.List(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			p := path.Join(current, child)
			descendants = append(descendants, p)
			queue = append(queue, p)
		}
	}

	found, err := s.GetLocks(ctx, descendants)
	if err != nil {
		return nil, err
	}

	res := make(map[string]int)
	for p, info := range found {
		if !info.Expired(t.now()) && !held(info, ifHeader) {
			res[p] = StatusLocked
		}
	}
	return res, nil
}

// parseTimeout parses the Timeout header. Zero means the table default.
func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "Infinite" {
		return 0, nil
	}
	const pre = "Second-"
	if !strings.HasPrefix(s, pre) {
		return 0, errInvalidTimeout
	}
	s = s[len(pre):]
	if s == "" || s[0] < '0' || '9' < s[0] {
		return 0, errInvalidTimeout
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || 1<<32-1 < n {
		return 0, errInvalidTimeout
	}
	return time.Duration(n) * time.Second, nil
}
