package cache

import (
	"encoding/gob"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/util"
)

// MemoStore 内存存储驱动
type MemoStore struct {
	Store *sync.Map
	l     logging.Logger
}

// item 存储的对象
type itemWithTTL struct {
	Expires int64
	Value   any
}

const DefaultCacheFile = "cache_persist.bin"

func newItem(value any, expires int) itemWithTTL {
	expires64 := int64(expires)
	if expires > 0 {
		expires64 = time.Now().Unix() + expires64
	}
	return itemWithTTL{
		Value:   value,
		Expires: expires64,
	}
}

// getValue 从itemWithTTL中取值
func getValue(item any, ok bool) (any, bool) {
	if !ok {
		return nil, ok
	}

	var itemObj itemWithTTL
	if itemObj, ok = item.(itemWithTTL); !ok {
		return item, true
	}

	if itemObj.Expires > 0 && itemObj.Expires < time.Now().Unix() {
		return nil, false
	}

	return itemObj.Value, ok

}

// NewMemoStore 新建内存存储
func NewMemoStore(persistFile string, l logging.Logger) *MemoStore {
	store := &MemoStore{
		Store: &sync.Map{},
		l:     l,
	}

	if persistFile != "" {
		if err := store.Restore(persistFile); err != nil {
			l.Warning("Failed to restore cache from disk: %s", err)
		}
	}

	return store
}

// Set 存储值
func (store *MemoStore) Set(key string, value any, ttl int) error {
	store.Store.Store(key, newItem(value, ttl))
	return nil
}

// Get 取值
func (store *MemoStore) Get(key string) (any, bool) {
	return getValue(store.Store.Load(key))
}

// Gets 批量取值
func (store *MemoStore) Gets(keys []string, prefix string) (map[string]any, []string) {
	var res = make(map[string]any)
	var notFound = make([]string, 0, len(keys))

	for _, key := range keys {
		if value, ok := getValue(store.Store.Load(prefix + key)); ok {
			res[key] = value
		} else {
			notFound = append(notFound, key)
		}
	}

	return res, notFound
}

// Delete 批量删除值
func (store *MemoStore) Delete(prefix string, keys ...string) error {
	if len(keys) == 0 {
		store.Store.Range(func(key, value any) bool {
			if k, ok := key.(string); ok && strings.HasPrefix(k, prefix) {
				store.Store.Delete(key)
			}
			return true
		})
		return nil
	}

	for _, key := range keys {
		store.Store.Delete(prefix + key)
	}
	return nil
}

// Persist write memory store into cache
func (store *MemoStore) Persist(path string) error {
	persisted := make(map[string]itemWithTTL)
	store.Store.Range(func(key, value any) bool {
		v, ok := value.(itemWithTTL)
		if !ok {
			return true
		}
		if _, alive := getValue(v, true); alive {
			persisted[key.(string)] = v
		}
		return true
	})

	f, err := util.CreatNestedFile(path)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(persisted); err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	return nil
}

// Restore memory cache from disk file
func (store *MemoStore) Restore(path string) error {
	if !util.Exists(path) {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open cache file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(path)
	}()

	persisted := make(map[string]itemWithTTL)
	if err := gob.NewDecoder(f).Decode(&persisted); err != nil {
		return fmt.Errorf("failed to decode cache: %w", err)
	}

	loaded := 0
	for k, v := range persisted {
		if _, ok := getValue(v, true); ok {
			loaded++
			store.Store.Store(k, v)
		}
	}

	store.l.Info("Restored %d items from %q into memory cache.", loaded, path)
	return nil
}

// GarbageCollect 回收已过期的缓存
func (store *MemoStore) GarbageCollect(l logging.Logger) {
	collected := 0
	store.Store.Range(func(key, value any) bool {
		if item, ok := value.(itemWithTTL); ok {
			if item.Expires > 0 && item.Expires < time.Now().Unix() {
				store.Store.Delete(key)
				collected++
			}
		}
		return true
	})

	l.Debug("Memory cache garbage collected, %d item(s) removed.", collected)
}
