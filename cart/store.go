package cart

import (
	"context"
	"sync"
	"sync/atomic"

	"cartsync/logging"
)

// Store 客户端唯一持有快照的地方。
// 读取无锁；替换与通知在同一把锁内完成，保证订阅者按代次顺序收到快照
type Store struct {
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64

	mu     sync.Mutex
	subs   map[uint64]func(*Snapshot)
	nextID uint64

	logger logging.Logger
}

// NewStore 创建 Store，初始为空快照
func NewStore(logger logging.Logger) *Store {
	s := &Store{
		subs:   make(map[uint64]func(*Snapshot)),
		logger: logging.ComponentLogger(logger, "cart-store"),
	}
	s.current.Store(EmptySnapshot())
	return s
}

// Current 当前快照，永不为 nil
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// NextGeneration 为即将发出的拉取请求分配代次
func (s *Store) NextGeneration() uint64 {
	return s.gen.Add(1)
}

// Swap 整体替换快照并通知订阅者。
// 代次早于当前快照的迟到响应被丢弃，返回 false。快照本身不会被修改
func (s *Store) Swap(snapshot *Snapshot) bool {
	if snapshot == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if snapshot.Generation < cur.Generation {
		s.logger.Debug(context.Background(), "discarding stale snapshot",
			logging.Uint64("generation", snapshot.Generation),
			logging.Uint64("current", cur.Generation))
		return false
	}
	s.current.Store(snapshot)

	for _, fn := range s.subs {
		fn(snapshot)
	}
	return true
}

// Subscription 订阅句柄，每个 UI 区域持有自己的一份
type Subscription struct {
	store *Store
	id    uint64
	once  sync.Once
}

// Subscribe 注册快照监听。回调在 Swap 的锁内同步执行，不得再调用 Swap
func (s *Store) Subscribe(fn func(*Snapshot)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[s.nextID] = fn
	return &Subscription{store: s, id: s.nextID}
}

// Close 取消订阅，可重复调用
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub.id)
		sub.store.mu.Unlock()
	})
}

// SubscriberCount 当前订阅者数量
func (s *Store) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
