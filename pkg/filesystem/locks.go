package filesystem

import (
	"context"
	"time"

	"github.com/cloudreve/davcore/pkg/cache"
)

const lockKeyPrefix = "davlock_"

// LockAccessor persists lock records keyed by backend path.
type LockAccessor interface {
	// Get returns nil without error when no live lock exists.
	Get(ctx context.Context, key string) (*LockInfo, error)
	Gets(ctx context.Context, keys []string) (map[string]*LockInfo, error)
	Put(ctx context.Context, key string, info *LockInfo) error
	Delete(ctx context.Context, key string) error
}

// KVLocks stores locks in a cache driver.
type KVLocks struct {
	kv  cache.Driver
	now func() time.Time
}

func NewKVLocks(kv cache.Driver) *KVLocks {
	return &KVLocks{kv: kv, now: time.Now}
}

func (k *KVLocks) live(v any) (*LockInfo, bool) {
	info, ok := v.(LockInfo)
	if !ok || info.Expired(k.now()) {
		return nil, false
	}
	return &info, true
}

func (k *KVLocks) Get(ctx context.Context, key string) (*LockInfo, error) {
	v, ok := k.kv.Get(lockKeyPrefix + key)
	if !ok {
		return nil, nil
	}
	info, _ := k.live(v)
	return info, nil
}

func (k *KVLocks) Gets(ctx context.Context, keys []string) (map[string]*LockInfo, error) {
	res := make(map[string]*LockInfo)
	if len(keys) == 0 {
		return res, nil
	}

	found, _ := k.kv.Gets(keys, lockKeyPrefix)
	for key, v := range found {
		if info, ok := k.live(v); ok {
			res[key] = info
		}
	}
	return res, nil
}

func (k *KVLocks) Put(ctx context.Context, key string, info *LockInfo) error {
	// Keep the record one extra second so lazy expiry decides, not the driver.
	ttl := int(info.ExpiresAt.Sub(k.now())/time.Second) + 1
	if ttl < 1 {
		ttl = 1
	}

	if err := k.kv.Set(lockKeyPrefix+key, *info, ttl); err != nil {
		return ErrLockStore.WithError(err)
	}
	return nil
}

func (k *KVLocks) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(lockKeyPrefix, key); err != nil {
		return ErrLockStore.WithError(err)
	}
	return nil
}
