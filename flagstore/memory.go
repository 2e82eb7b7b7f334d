package flagstore

import (
	"context"
	"time"

	"cartsync/cache"
)

// MemoryStore 进程内存储
type MemoryStore struct {
	flags *cache.Cache[string, struct{}]
}

// NewMemoryStore 创建内存存储，maxEntries 为 0 表示不限
func NewMemoryStore(maxEntries int) *MemoryStore {
	return newMemoryStore(maxEntries, time.Now)
}

func newMemoryStore(maxEntries int, now func() time.Time) *MemoryStore {
	return &MemoryStore{flags: cache.New[string, struct{}](cache.Config{
		MaxSize: maxEntries,
		Now:     now,
	})}
}

func (m *MemoryStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	m.flags.SetWithTTL(key, struct{}{}, ttl)
	return nil
}

func (m *MemoryStore) Take(ctx context.Context, key string) (bool, error) {
	_, ok := m.flags.Take(key)
	return ok, nil
}

// Purge 删除所有已过期的标记
func (m *MemoryStore) Purge(ctx context.Context) (int64, error) {
	return int64(m.flags.CleanExpired()), nil
}

func (m *MemoryStore) Close() error { return nil }
