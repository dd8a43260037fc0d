package webdav

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudreve/davcore/pkg/cache"
	"github.com/cloudreve/davcore/pkg/filesystem"
	"github.com/stretchr/testify/assert"
)

func newTestSessions(t *testing.T, users ...string) []filesystem.Session {
	auth := filesystem.StaticAuthenticator{}
	for _, u := range users {
		auth[u] = "pw"
	}
	repo := filesystem.NewRepository(
		filesystem.NewMemoryBackend(),
		filesystem.NewKVLocks(cache.NewMemoStore("", testLogger)),
		auth,
	)

	sessions := make([]filesystem.Session, 0, len(users))
	for _, u := range users {
		s, err := repo.Login(context.Background(), u, "pw", "", "")
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, s)
	}
	return sessions
}

func TestDeriveToken(t *testing.T) {
	asserts := assert.New(t)
	base := DeriveToken("/dav", "alice", "me", "/doc.txt", "secret")

	// 相同输入得到相同令牌
	asserts.Equal(base, DeriveToken("/dav", "alice", "me", "/doc.txt", "secret"))
	asserts.Len(base, 32)

	// 任意输入变化导致令牌变化
	for _, other := range []string{
		DeriveToken("/webdav", "alice", "me", "/doc.txt", "secret"),
		DeriveToken("/dav", "bob", "me", "/doc.txt", "secret"),
		DeriveToken("/dav", "alice", "you", "/doc.txt", "secret"),
		DeriveToken("/dav", "alice", "me", "/other.txt", "secret"),
		DeriveToken("/dav", "alice", "me", "/doc.txt", "another"),
	} {
		asserts.NotEqual(base, other)
	}

	table := NewLockTable("secret", 0)
	asserts.Equal(base, table.DeriveToken("/dav", "alice", "me", "/doc.txt"))
}

func TestLockTable_Acquire(t *testing.T) {
	asserts := assert.New(t)
	ctx := context.Background()
	sessions := newTestSessions(t, "alice", "bob")
	alice, bob := sessions[0], sessions[1]
	asserts.NoError(alice.CreateLeaf(ctx, "/doc.txt", strings.NewReader("doc"), false))
	table := NewLockTable("secret", 0)

	req := func(scope, ifHeader string) *LockRequest {
		return &LockRequest{
			ServletPath: "/dav",
			Path:        "/doc.txt",
			Depth:       filesystem.DepthInfinity,
			Scope:       scope,
			Owner:       "me",
			IfHeader:    ifHeader,
		}
	}

	// 独占锁互斥
	{
		info, token, err := table.Acquire(ctx, alice, req(filesystem.ScopeExclusive, ""))
		asserts.NoError(err)
		asserts.Equal(table.DeriveToken("/dav", "alice", "me", "/doc.txt"), token)
		asserts.Equal([]string{token}, info.Tokens)
		asserts.Equal(DefaultLockTimeout, info.ExpiresAt.Sub(info.CreatedAt))

		_, _, err = table.Acquire(ctx, bob, req(filesystem.ScopeExclusive, ""))
		asserts.ErrorIs(err, ErrLocked)
		_, _, err = table.Acquire(ctx, bob, req(filesystem.ScopeShared, ""))
		asserts.ErrorIs(err, ErrLocked)

		locked, err := table.IsLocked(ctx, bob, "/doc.txt", "")
		asserts.NoError(err)
		asserts.True(locked)
		locked, err = table.IsLocked(ctx, alice, "/doc.txt", "(<opaquelocktoken:"+token+">)")
		asserts.NoError(err)
		asserts.False(locked)

		// 持有令牌时可替换
		_, _, err = table.Acquire(ctx, alice, req(filesystem.ScopeExclusive, "<opaquelocktoken:"+token+">"))
		asserts.NoError(err)

		asserts.NoError(table.Release(ctx, alice, "/doc.txt", "opaquelocktoken:"+token))
	}

	// 共享锁追加令牌
	{
		_, aliceToken, err := table.Acquire(ctx, alice, req(filesystem.ScopeShared, ""))
		asserts.NoError(err)
		info, bobToken, err := table.Acquire(ctx, bob, req(filesystem.ScopeShared, ""))
		asserts.NoError(err)
		asserts.NotEqual(aliceToken, bobToken)
		asserts.ElementsMatch([]string{aliceToken, bobToken}, info.Tokens)

		// 共享锁下不可再加独占锁
		_, _, err = table.Acquire(ctx, bob, req(filesystem.ScopeExclusive, ""))
		asserts.ErrorIs(err, ErrLocked)

		// 释放一个令牌后锁仍存在
		asserts.NoError(table.Release(ctx, alice, "/doc.txt", aliceToken))
		current, err := alice.GetLock(ctx, "/doc.txt")
		asserts.NoError(err)
		asserts.Equal([]string{bobToken}, current.Tokens)

		asserts.NoError(table.Release(ctx, bob, "/doc.txt", bobToken))
		current, err = alice.GetLock(ctx, "/doc.txt")
		asserts.NoError(err)
		asserts.Nil(current)
	}

	// 共享锁升级为独占锁需持有全部令牌
	{
		_, aliceToken, err := table.Acquire(ctx, alice, req(filesystem.ScopeShared, ""))
		asserts.NoError(err)
		_, bobToken, err := table.Acquire(ctx, bob, req(filesystem.ScopeShared, ""))
		asserts.NoError(err)

		_, _, err = table.Acquire(ctx, alice, req(filesystem.ScopeExclusive, "(<opaquelocktoken:"+aliceToken+">)"))
		asserts.ErrorIs(err, ErrLocked)
		current, err := alice.GetLock(ctx, "/doc.txt")
		asserts.NoError(err)
		asserts.Equal(filesystem.ScopeShared, current.Scope)
		asserts.ElementsMatch([]string{aliceToken, bobToken}, current.Tokens)

		// 其他持有者释放后可升级
		asserts.NoError(table.Release(ctx, bob, "/doc.txt", bobToken))
		info, token, err := table.Acquire(ctx, alice, req(filesystem.ScopeExclusive, "(<opaquelocktoken:"+aliceToken+">)"))
		asserts.NoError(err)
		asserts.Equal(filesystem.ScopeExclusive, info.Scope)
		asserts.Equal([]string{token}, info.Tokens)
		asserts.NoError(table.Release(ctx, alice, "/doc.txt", token))
	}

	// 资源不存在
	{
		r := req(filesystem.ScopeExclusive, "")
		r.Path = "/missing.txt"
		_, _, err := table.Acquire(ctx, alice, r)
		asserts.True(filesystem.IsNotExist(err))
	}
}

func TestLockTable_ConcurrentAcquire(t *testing.T) {
	asserts := assert.New(t)
	ctx := context.Background()
	sessions := newTestSessions(t, "u0", "u1", "u2", "u3", "u4", "u5", "u6", "u7")
	asserts.NoError(sessions[0].CreateLeaf(ctx, "/race.txt", strings.NewReader(""), false))
	table := NewLockTable("secret", 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s filesystem.Session) {
			defer wg.Done()
			_, _, err := table.Acquire(ctx, s, &LockRequest{
				ServletPath: "/dav",
				Path:        "/race.txt",
				Scope:       filesystem.ScopeExclusive,
				Owner:       s.Principal(),
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	asserts.Equal(1, success)
}

func TestLockTable_Depth(t *testing.T) {
	asserts := assert.New(t)
	ctx := context.Background()
	sessions := newTestSessions(t, "alice", "bob")
	alice, bob := sessions[0], sessions[1]
	asserts.NoError(alice.CreateCollection(ctx, "/dir"))
	asserts.NoError(alice.CreateCollection(ctx, "/dir/sub"))
	asserts.NoError(alice.CreateLeaf(ctx, "/dir/sub/a.txt", strings.NewReader("a"), false))
	table := NewLockTable("secret", 0)

	// 深度为无限的父级锁会锁住子孙
	{
		_, token, err := table.Acquire(ctx, alice, &LockRequest{
			ServletPath: "/dav",
			Path:        "/dir",
			Depth:       filesystem.DepthInfinity,
			Scope:       filesystem.ScopeExclusive,
		})
		asserts.NoError(err)

		locked, err := table.IsLocked(ctx, bob, "/dir/sub/a.txt", "")
		asserts.NoError(err)
		asserts.True(locked)
		locked, err = table.IsLocked(ctx, alice, "/dir/sub/a.txt", token)
		asserts.NoError(err)
		asserts.False(locked)

		_, _, err = table.Acquire(ctx, bob, &LockRequest{Path: "/dir/sub", Scope: filesystem.ScopeExclusive})
		asserts.ErrorIs(err, ErrLocked)

		asserts.NoError(table.Release(ctx, alice, "/dir", token))
	}

	// 深度为零的锁只作用于自身
	{
		_, token, err := table.Acquire(ctx, alice, &LockRequest{
			Path:  "/dir",
			Depth: filesystem.DepthZero,
			Scope: filesystem.ScopeExclusive,
		})
		asserts.NoError(err)
		locked, err := table.IsLocked(ctx, bob, "/dir/sub", "")
		asserts.NoError(err)
		asserts.False(locked)
		asserts.NoError(table.Release(ctx, alice, "/dir", token))
	}

	// 列出被锁定的子孙
	{
		_, token, err := table.Acquire(ctx, bob, &LockRequest{
			Path:  "/dir/sub/a.txt",
			Depth: filesystem.DepthZero,
			Scope: filesystem.ScopeExclusive,
		})
		asserts.NoError(err)

		locked, err := table.LockedDescendants(ctx, alice, "/dir", "")
		asserts.NoError(err)
		asserts.Equal(map[string]int{"/dir/sub/a.txt": StatusLocked}, locked)

		locked, err = table.LockedDescendants(ctx, bob, "/dir", token)
		asserts.NoError(err)
		asserts.Empty(locked)
	}
}

func TestLockTable_RefreshRelease(t *testing.T) {
	asserts := assert.New(t)
	ctx := context.Background()
	sessions := newTestSessions(t, "alice", "bob")
	alice, bob := sessions[0], sessions[1]
	asserts.NoError(alice.CreateLeaf(ctx, "/doc.txt", strings.NewReader("doc"), false))

	now := time.Now()
	table := NewLockTable("secret", time.Hour)
	table.now = func() time.Time { return now }

	// 无锁时刷新等同创建
	{
		info, token, created, err := table.Refresh(ctx, alice, &LockRequest{Path: "/doc.txt", Timeout: time.Minute})
		asserts.NoError(err)
		asserts.True(created)
		asserts.Equal(filesystem.ScopeExclusive, info.Scope)
		asserts.Equal(now.Add(time.Minute), info.ExpiresAt)
		asserts.NotEmpty(token)

		// 无令牌者刷新被拒绝
		_, _, _, err = table.Refresh(ctx, bob, &LockRequest{Path: "/doc.txt"})
		asserts.ErrorIs(err, ErrLocked)

		// 刷新延长有效期，超时上限为一小时
		now = now.Add(30 * time.Second)
		info, refreshed, created, err := table.Refresh(ctx, alice, &LockRequest{
			Path:     "/doc.txt",
			Timeout:  48 * time.Hour,
			IfHeader: "(<opaquelocktoken:" + token + ">)",
		})
		asserts.NoError(err)
		asserts.False(created)
		asserts.Equal(token, refreshed)
		asserts.Equal(now.Add(time.Hour), info.ExpiresAt)

		// 他人令牌无法解锁
		asserts.ErrorIs(table.Release(ctx, bob, "/doc.txt", "opaquelocktoken:deadbeef"), ErrLocked)
		asserts.NoError(table.Release(ctx, alice, "/doc.txt", token))
		asserts.ErrorIs(table.Release(ctx, alice, "/doc.txt", token), ErrNoSuchLock)
	}

	// 过期锁视为不存在
	{
		_, _, err := table.Acquire(ctx, alice, &LockRequest{Path: "/doc.txt", Scope: filesystem.ScopeExclusive, Timeout: time.Second})
		asserts.NoError(err)
		now = now.Add(2 * time.Second)
		locked, err := table.IsLocked(ctx, bob, "/doc.txt", "")
		asserts.NoError(err)
		asserts.False(locked)
		_, _, err = table.Acquire(ctx, bob, &LockRequest{Path: "/doc.txt", Scope: filesystem.ScopeExclusive})
		asserts.NoError(err)
	}
}

func TestParseTimeout(t *testing.T) {
	asserts := assert.New(t)

	d, err := parseTimeout("")
	asserts.NoError(err)
	asserts.Zero(d)

	d, err = parseTimeout("Infinite, Second-4100000000")
	asserts.NoError(err)
	asserts.Zero(d)

	d, err = parseTimeout("Second-3600")
	asserts.NoError(err)
	asserts.Equal(time.Hour, d)

	for _, hdr := range []string{"Second-", "Second-x", "Minute-1", "Second-99999999999"} {
		_, err = parseTimeout(hdr)
		asserts.ErrorIs(err, errInvalidTimeout, hdr)
	}
}
