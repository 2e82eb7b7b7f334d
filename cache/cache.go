// Package cache 提供带容量上限与逐条过期时间的泛型内存缓存
//
// 主要用于进程内的短期客户端状态（例如 flagstore 的内存后端）：
// 条目在写入时确定过期时间，超过 MaxSize 时按 LRU 驱逐。
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache 通用泛型缓存
type Cache[K comparable, V any] struct {
	config Config

	items   map[K]*cacheEntry[K, V]
	lruList *list.List // 最近写入的在前

	mu sync.Mutex
}

type cacheEntry[K comparable, V any] struct {
	key        K
	value      V
	expiresAt  time.Time // 零值表示永不过期
	lruElement *list.Element
}

// Config 缓存配置
type Config struct {
	// MaxSize 最大条目数，0 表示不限制
	MaxSize int

	// Now 时钟，测试时可替换
	Now func() time.Time
}

// New 创建新的缓存实例
func New[K comparable, V any](config Config) *Cache[K, V] {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Cache[K, V]{
		config:  config,
		items:   make(map[K]*cacheEntry[K, V]),
		lruList: list.New(),
	}
}

// Take 读取并删除（一次性消费），过期条目视为不存在
func (c *Cache[K, V]) Take(key K) (value V, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.items[key]
	if !exists {
		return value, false
	}
	c.removeEntryUnsafe(entry)
	if entry.expired(c.config.Now()) {
		return value, false
	}
	return entry.value, true
}

// SetWithTTL 以指定 TTL 写入，ttl<=0 表示永不过期
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.config.Now().Add(ttl)
	}

	if entry, exists := c.items[key]; exists {
		entry.value = value
		entry.expiresAt = expiresAt
		c.lruList.MoveToFront(entry.lruElement)
		return
	}

	if c.config.MaxSize > 0 && len(c.items) >= c.config.MaxSize {
		c.evictOldestUnsafe()
	}

	entry := &cacheEntry[K, V]{key: key, value: value, expiresAt: expiresAt}
	entry.lruElement = c.lruList.PushFront(entry)
	c.items[key] = entry
}

// CleanExpired 清理过期条目，返回清理数量
func (c *Cache[K, V]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Now()
	cleaned := 0
	for _, entry := range c.items {
		if entry.expired(now) {
			c.removeEntryUnsafe(entry)
			cleaned++
		}
	}
	return cleaned
}

func (e *cacheEntry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (c *Cache[K, V]) evictOldestUnsafe() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	c.removeEntryUnsafe(oldest.Value.(*cacheEntry[K, V]))
}

func (c *Cache[K, V]) removeEntryUnsafe(entry *cacheEntry[K, V]) {
	if entry.lruElement != nil {
		c.lruList.Remove(entry.lruElement)
	}
	delete(c.items, entry.key)
}
