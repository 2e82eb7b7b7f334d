// Package coordinator 是购物车变更的唯一入口：提交加购与改数量，
// 在每次变更后无条件重新拉取整个购物车，并在请求在途期间锁定相关控件。
//
// 失败在这里被捕获、归类并交给 notice 展示，不会出现在事件总线上。
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cartsync/cart"
	"cartsync/errors"
	"cartsync/events"
	"cartsync/logging"
	"cartsync/notice"
	"cartsync/render"
	"cartsync/retry"
	"cartsync/storefront"
)

// DefaultOrigin 未指定来源时加购表单的标识
const DefaultOrigin = "product-form"

// Mode 变更后购物车的展示方式
type Mode string

const (
	ModeDrawer Mode = "drawer"
	ModePage   Mode = "page"
)

// Storefront 店铺接口
type Storefront interface {
	Add(ctx context.Context, p storefront.AddPayload) (*storefront.AddResult, error)
	Change(ctx context.Context, line cart.LineIndex, quantity uint) error
	Fetch(ctx context.Context, sectionID string) (string, error)
}

// Presenter 购物车展示面（抽屉）。
// Present 在变更成功后调用：已展示时不做任何事，正在收起时在收起完成后重新展示
type Presenter interface {
	Present(ctx context.Context) error
}

// Config 协调器配置
type Config struct {
	SectionID string
	Mode      Mode
	// RequestTimeout 单个请求的上限，超时按网络错误处理
	RequestTimeout time.Duration
	// Retry 拉取请求的重试策略，只对网络错误生效
	Retry  retry.Config
	Logger logging.Logger
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		SectionID:      "cart-drawer",
		Mode:           ModeDrawer,
		RequestTimeout: 10 * time.Second,
		Retry:          retry.DefaultConfig(),
	}
}

// Deps 协调器依赖。View、Notices 为空时自动创建
type Deps struct {
	Client    Storefront
	Store     *cart.Store
	Bus       *events.Bus
	View      *render.View
	Notices   *notice.Handler
	Presenter Presenter
}

// Coordinator 请求协调器
type Coordinator struct {
	cfg       Config
	client    Storefront
	store     *cart.Store
	bus       *events.Bus
	view      *render.View
	notices   *notice.Handler
	presenter Presenter
	gate      *Gate
	viewSub   *cart.Subscription
	logger    logging.Logger

	mu      sync.Mutex
	pending map[string]*cart.PendingOperation
}

// New 创建协调器，并把视图绑定到 Store 与自身
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Client == nil || deps.Store == nil || deps.Bus == nil {
		return nil, errors.NewInvalidInput("coordinator requires client, store and bus")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDrawer
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.Retryable = errors.IsNetwork

	logger := logging.ComponentLogger(cfg.Logger, "coordinator")
	if deps.View == nil {
		deps.View = render.NewView(cfg.Logger)
	}
	if deps.Notices == nil {
		deps.Notices = notice.NewHandler(cfg.Logger)
	}

	c := &Coordinator{
		cfg:       cfg,
		client:    deps.Client,
		store:     deps.Store,
		bus:       deps.Bus,
		view:      deps.View,
		notices:   deps.Notices,
		presenter: deps.Presenter,
		gate:      NewGate(),
		logger:    logger,
		pending:   make(map[string]*cart.PendingOperation),
	}
	c.view.BindChange(c.ChangeLineByKey)
	c.view.SetErrorLookup(c.notices.For)
	c.view.Apply(c.store.Current())
	c.viewSub = c.store.Subscribe(c.view.Apply)
	return c, nil
}

// View 购物车视图
func (c *Coordinator) View() *render.View { return c.view }

// Notices 内联错误
func (c *Coordinator) Notices() *notice.Handler { return c.notices }

// Gate 门控
func (c *Coordinator) Gate() *Gate { return c.gate }

// Store 购物车快照
func (c *Coordinator) Store() *cart.Store { return c.store }

// SetPresenter 设置展示面；抽屉与协调器互相依赖时在创建后注入
func (c *Coordinator) SetPresenter(p Presenter) {
	c.mu.Lock()
	c.presenter = p
	c.mu.Unlock()
}

// Close 释放视图订阅
func (c *Coordinator) Close() {
	c.viewSub.Close()
}

// SubmitAdd 提交加购。
// 负载在发出请求前校验；同一表单或行内修改已有请求在途时返回 CONFLICT。
// 结构化失败只展示表单级错误，不重新拉取
func (c *Coordinator) SubmitAdd(ctx context.Context, p storefront.AddPayload) error {
	if p.Origin == "" {
		p.Origin = DefaultOrigin
	}
	target := p.Origin

	if err := p.Validate(); err != nil {
		c.notices.Render(ctx, cart.ScopeForm, target, err)
		return err
	}

	release, ok := c.gate.TryAcquire(AddGate(p.Origin), GateLines)
	if !ok {
		if c.gate.Pending(GateLines) {
			return busyError(GateLines)
		}
		return busyError(AddGate(p.Origin))
	}
	defer release()

	op := cart.NewPendingOperation(cart.OpAdd, p.Origin, uint(p.Quantity))
	c.track(op)
	defer c.untrack(op)

	c.bus.Emit(ctx, events.AddRequested{Origin: p.Origin, VariantID: p.VariantID, Quantity: p.Quantity})

	reqCtx, cancel := c.requestContext(ctx)
	_, err := c.client.Add(reqCtx, p)
	cancel()
	if err != nil {
		c.notices.Render(ctx, cart.ScopeForm, target, err)
		return err
	}

	c.notices.ClearFor(target)
	c.logger.Info(ctx, "line added",
		logging.String("op", op.ID),
		logging.String("variant", p.VariantID),
		logging.Int("quantity", p.Quantity))

	if _, err := c.reconcile(ctx, true); err != nil {
		c.notices.Render(ctx, cart.ScopeForm, target, err)
		return err
	}
	return nil
}

// SubmitLineChange 修改行数量，0 表示删除。
// 行号按当前快照解析；无法解析时视为失效引用，不发请求并返回 nil
func (c *Coordinator) SubmitLineChange(ctx context.Context, index cart.LineIndex, quantity uint) error {
	line, ok := c.store.Current().Line(index)
	if !ok {
		c.stale(ctx, fmt.Sprintf("line %d", index))
		return nil
	}
	return c.changeLine(ctx, line, quantity)
}

// ChangeLineByKey 供绑定的控件使用：按行键重新解析当前行号，行已不存在时不做任何事
func (c *Coordinator) ChangeLineByKey(ctx context.Context, key string, quantity uint) error {
	line, ok := c.store.Current().LineByKey(key)
	if !ok {
		c.stale(ctx, "key "+key)
		return nil
	}
	return c.changeLine(ctx, line, quantity)
}

func (c *Coordinator) changeLine(ctx context.Context, line cart.Line, quantity uint) error {
	release, ok := c.gate.TryAcquire(GateLines)
	if !ok {
		return busyError(GateLines)
	}
	defer release()

	c.view.SetLocked(true)
	c.view.MarkPending(line.Key, true)
	defer func() {
		c.view.MarkPending(line.Key, false)
		c.view.SetLocked(false)
	}()

	op := cart.NewPendingOperation(cart.OpChange, render.LineTarget(line.Key), quantity)
	op.TargetLine = line.Index
	op.LineKey = line.Key
	c.track(op)
	defer c.untrack(op)

	target := render.LineTarget(line.Key)
	c.bus.Emit(ctx, events.UpdateRequested{Line: int(line.Index), Quantity: quantity})

	reqCtx, cancel := c.requestContext(ctx)
	err := c.client.Change(reqCtx, line.Index, quantity)
	cancel()

	if err != nil {
		if errors.IsErrorCode(err, errors.ErrCodeUnrecoverable) {
			// 服务端认为客户端状态已不可恢复：整体重新拉取，同时保留行级错误
			if _, refreshErr := c.reconcile(ctx, false); refreshErr != nil {
				c.logger.Warn(ctx, "refresh after rejected change failed", logging.Error(refreshErr))
			}
		}
		c.notices.Render(ctx, cart.ScopeLine, target, err)
		return err
	}

	c.notices.ClearFor(target)
	c.logger.Info(ctx, "line changed",
		logging.String("op", op.ID),
		logging.Int("line", int(line.Index)),
		logging.Uint("quantity", quantity),
		logging.Bool("removed", op.IsRemoval()))

	if _, err := c.reconcile(ctx, true); err != nil {
		c.notices.Render(ctx, cart.ScopeLine, target, err)
		return err
	}
	return nil
}

// Refresh 只读拉取并整体替换快照，这是行与合计变化的唯一途径
func (c *Coordinator) Refresh(ctx context.Context) (*cart.Snapshot, error) {
	return c.reconcile(ctx, false)
}

// reconcile 拉取片段、解析并替换快照。
// mutated 为 true 时表示紧随一次成功的变更：发布 cart:added 并按需打开抽屉
func (c *Coordinator) reconcile(ctx context.Context, mutated bool) (*cart.Snapshot, error) {
	generation := c.store.NextGeneration()

	var snapshot *cart.Snapshot
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		reqCtx, cancel := c.requestContext(ctx)
		defer cancel()

		fragment, err := c.client.Fetch(reqCtx, c.cfg.SectionID)
		if err != nil {
			c.logger.Debug(ctx, "cart fetch failed",
				logging.Int("attempt", attempt), logging.Error(err))
			return err
		}
		parsed, err := render.Parse(fragment)
		if err != nil {
			return err
		}
		snapshot = parsed.Snapshot(generation)
		return nil
	}, c.cfg.Retry)
	if err != nil {
		c.logger.Warn(ctx, "cart refresh failed, keeping last snapshot",
			logging.Uint64("generation", generation), logging.Error(err))
		return nil, err
	}

	if !c.store.Swap(snapshot) {
		snapshot = c.store.Current()
	}

	if mutated {
		totals := snapshot.Totals
		c.bus.Emit(ctx, events.Reconciled{
			ItemCount:  totals.ItemCount,
			Subtotal:   totals.Subtotal.Amount,
			Currency:   totals.Subtotal.Currency,
			Generation: snapshot.Generation,
		})
		c.present(ctx)
	}
	return snapshot, nil
}

func (c *Coordinator) present(ctx context.Context) {
	if c.cfg.Mode != ModeDrawer {
		return
	}
	c.mu.Lock()
	p := c.presenter
	c.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Present(ctx); err != nil {
		c.logger.Debug(ctx, "drawer did not open", logging.Error(err))
	}
}

func (c *Coordinator) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

func (c *Coordinator) stale(ctx context.Context, ref string) {
	err := errors.ErrStaleReference.WithContext("ref", ref)
	c.notices.Render(ctx, cart.ScopeLine, ref, err)
}

func (c *Coordinator) track(op *cart.PendingOperation) {
	c.mu.Lock()
	c.pending[op.ID] = op
	c.mu.Unlock()
}

func (c *Coordinator) untrack(op *cart.PendingOperation) {
	c.mu.Lock()
	delete(c.pending, op.ID)
	c.mu.Unlock()
}

// Pending 在途操作的副本
func (c *Coordinator) Pending() []cart.PendingOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cart.PendingOperation, 0, len(c.pending))
	for _, op := range c.pending {
		out = append(out, *op)
	}
	return out
}

func busyError(key string) error {
	return errors.ErrConflict.WithContext("target", key)
}
