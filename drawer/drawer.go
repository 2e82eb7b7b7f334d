// Package drawer 实现购物车抽屉的展示状态机：
// Closed -> Opening -> Open -> Closing -> Closed。
//
// 抽屉不持有业务状态，只负责滚动锁定与焦点约束的获取和释放。
package drawer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cartsync/errors"
	"cartsync/events"
	"cartsync/logging"
)

// State 抽屉状态
type State int

const (
	// StateClosed 关闭
	StateClosed State = iota
	// StateOpening 正在打开，等待动画结束信号
	StateOpening
	// StateOpen 已打开
	StateOpen
	// StateClosing 正在关闭，等待动画结束信号
	StateClosing
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// ErrInvalidTransition 当前状态不允许该转换
var ErrInvalidTransition = errors.NewError(errors.ErrCodeConflict, "invalid drawer transition")

// FocusTrap 焦点约束工具
type FocusTrap interface {
	Trap(target string) error
	Release()
}

type noopFocusTrap struct{}

func (noopFocusTrap) Trap(string) error { return nil }
func (noopFocusTrap) Release()          {}

// Config 抽屉配置
type Config struct {
	// Target 抽屉元素标识，作为 scroll:lock 的载荷
	Target string
	// UnlockDelay 随 scroll:unlock 发布的延迟
	UnlockDelay time.Duration
	// SettleTimeout 没有动画结束信号时自动完成转换，0 表示只等待 TransitionEnd
	SettleTimeout time.Duration
	Focus         FocusTrap
	Logger        logging.Logger
}

// Drawer 抽屉控制器
type Drawer struct {
	mu    sync.Mutex
	state State
	// seq 每次进入过渡状态递增，用于让过期的定时器失效
	seq           uint64
	timer         *time.Timer
	closeWhenOpen bool
	// openWhenClosed Closing 期间收到 Present，关闭完成后重新打开
	openWhenClosed bool

	bus      *events.Bus
	cfg      Config
	popupSub *events.Subscription
	logger   logging.Logger
}

// New 创建抽屉并订阅 popup:open
func New(bus *events.Bus, cfg Config) (*Drawer, error) {
	if cfg.Target == "" {
		cfg.Target = "cart-drawer"
	}
	if cfg.Focus == nil {
		cfg.Focus = noopFocusTrap{}
	}
	d := &Drawer{
		bus:    bus,
		cfg:    cfg,
		logger: logging.ComponentLogger(cfg.Logger, "drawer"),
	}
	sub, err := events.Subscribe(bus, func(ctx context.Context, p events.PopupOpened) error {
		return d.onPopup(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe popup:open: %w", err)
	}
	d.popupSub = sub
	return d, nil
}

// State 当前状态
func (d *Drawer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsOpen 打开中或已打开
func (d *Drawer) IsOpen() bool {
	s := d.State()
	return s == StateOpening || s == StateOpen
}

// Open 只能从 Closed 打开
func (d *Drawer) Open(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateClosed {
		state := d.state
		d.mu.Unlock()
		return transitionError("open", state)
	}
	if err := d.cfg.Focus.Trap(d.cfg.Target); err != nil {
		d.mu.Unlock()
		return errors.WrapError(err, errors.ErrCodeInternal, "acquire focus trap")
	}
	d.enterUnsafe(StateOpening)
	d.mu.Unlock()

	d.logger.Debug(ctx, "drawer opening")
	d.bus.Emit(ctx, events.DrawerOpened{})
	d.bus.Emit(ctx, events.ScrollLocked{Target: d.cfg.Target})
	return nil
}

// Present 购物车变更后展示抽屉。
// Closed 时打开；Closing 时记下请求，关闭动画结束后重新打开；Opening 与 Open 时不做任何事
func (d *Drawer) Present(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateClosing:
		d.openWhenClosed = true
		d.mu.Unlock()
		d.logger.Debug(ctx, "reopen queued until drawer closes")
		return nil
	case StateOpening, StateOpen:
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.Open(ctx)
}

// Close 只能从 Open 关闭；Opening 期间的关闭请求被拒绝
func (d *Drawer) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateOpen {
		state := d.state
		d.mu.Unlock()
		return transitionError("close", state)
	}
	d.cfg.Focus.Release()
	d.enterUnsafe(StateClosing)
	d.mu.Unlock()

	d.logger.Debug(ctx, "drawer closing")
	d.bus.Emit(ctx, events.DrawerClosed{})
	return nil
}

// TransitionEnd 动画结束信号：Opening -> Open，Closing -> Closed。
// 其他状态下忽略并返回 false
func (d *Drawer) TransitionEnd(ctx context.Context) bool {
	d.mu.Lock()
	seq := d.seq
	d.mu.Unlock()
	return d.settle(ctx, seq)
}

func (d *Drawer) settle(ctx context.Context, seq uint64) bool {
	d.mu.Lock()
	if seq != d.seq {
		d.mu.Unlock()
		return false
	}
	switch d.state {
	case StateOpening:
		d.leaveUnsafe(StateOpen)
		closeNow := d.closeWhenOpen
		d.closeWhenOpen = false
		d.mu.Unlock()
		d.logger.Debug(ctx, "drawer open")
		if closeNow {
			if err := d.Close(ctx); err != nil {
				d.logger.Warn(ctx, "deferred close failed", logging.Error(err))
			}
		}
		return true
	case StateClosing:
		d.leaveUnsafe(StateClosed)
		reopen := d.openWhenClosed
		d.openWhenClosed = false
		d.mu.Unlock()
		d.logger.Debug(ctx, "drawer closed")
		// 关闭动画结束后才释放滚动锁
		d.bus.Emit(ctx, events.ScrollUnlocked{DelayMS: int(d.cfg.UnlockDelay / time.Millisecond)})
		if reopen {
			if err := d.Open(ctx); err != nil {
				d.logger.Warn(ctx, "deferred open failed", logging.Error(err))
			}
		}
		return true
	default:
		d.mu.Unlock()
		return false
	}
}

func (d *Drawer) enterUnsafe(next State) {
	d.state = next
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.cfg.SettleTimeout > 0 {
		seq := d.seq
		d.timer = time.AfterFunc(d.cfg.SettleTimeout, func() {
			d.settle(context.Background(), seq)
		})
	}
}

func (d *Drawer) leaveUnsafe(next State) {
	d.state = next
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// onPopup 其他弹层打开时让位
func (d *Drawer) onPopup(ctx context.Context, p events.PopupOpened) error {
	d.mu.Lock()
	state := d.state
	switch state {
	case StateOpening:
		d.closeWhenOpen = true
	case StateClosing:
		// 弹层优先，放弃排队中的重新打开
		d.openWhenClosed = false
	}
	d.mu.Unlock()

	if state == StateOpen {
		d.logger.Debug(ctx, "closing for popup", logging.String("source", p.Source))
		return d.Close(ctx)
	}
	return nil
}

// Detach 取消订阅并停止定时器
func (d *Drawer) Detach() error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	return d.popupSub.Close()
}

func transitionError(op string, from State) error {
	return ErrInvalidTransition.WithContext("op", op).WithContext("from", from.String())
}
