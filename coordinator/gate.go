package coordinator

import (
	"context"
	"sort"
	"sync"
)

// 门控目标
const (
	// GateLines 所有行内控件共享一个门：行号在对账后会重新编号
	GateLines = "lines"
)

// AddGate 某个加购表单的门
func AddGate(origin string) string {
	return "add:" + origin
}

// Gate 按目标划分的门控：Idle -> Pending -> Idle。
//
// 与串行执行的锁不同，门处于 Pending 时新的请求直接被拒绝，而不是排队；
// 需要等待的调用方可以使用 Wait
type Gate struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

// NewGate 创建门控
func NewGate() *Gate {
	return &Gate{pending: make(map[string]chan struct{})}
}

// TryAcquire 目标空闲时进入 Pending 并返回释放函数；释放函数可重复调用。
// blockers 中任一目标处于 Pending 时同样失败，检查与占用在同一把锁内完成
func (g *Gate) TryAcquire(key string, blockers ...string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.pending[key]; busy {
		return nil, false
	}
	for _, b := range blockers {
		if _, busy := g.pending[b]; busy {
			return nil, false
		}
	}
	done := make(chan struct{})
	g.pending[key] = done

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.pending, key)
			g.mu.Unlock()
			close(done)
		})
	}, true
}

// Pending 目标是否有在途请求
func (g *Gate) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.pending[key]
	return busy
}

// Wait 等待目标回到 Idle
func (g *Gate) Wait(ctx context.Context, key string) error {
	g.mu.Lock()
	done, busy := g.pending[key]
	g.mu.Unlock()
	if !busy {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Keys 当前处于 Pending 的目标
func (g *Gate) Keys() []string {
	g.mu.Lock()
	keys := make([]string, 0, len(g.pending))
	for k := range g.pending {
		keys = append(keys, k)
	}
	g.mu.Unlock()
	sort.Strings(keys)
	return keys
}
