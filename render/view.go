package render

import (
	"context"
	"fmt"
	"sync"

	"cartsync/cart"
	"cartsync/errors"
	"cartsync/logging"
)

// ControlKind 行内控件类型
type ControlKind string

const (
	ControlQuantity ControlKind = "quantity"
	ControlRemove   ControlKind = "remove"
)

// ChangeFunc 控件触发时调用的改数量处理器，按行键定位
type ChangeFunc func(ctx context.Context, lineKey string, quantity uint) error

// ErrorLookup 按目标查找当前的内联错误
type ErrorLookup func(target string) (cart.ErrorRecord, bool)

// LineTarget 行级错误与挂起标记使用的目标名
func LineTarget(lineKey string) string {
	return "line:" + lineKey
}

// Control 行内控件。每次对账后重新创建并绑定，只携带行键，不携带权威状态
type Control struct {
	ID      string
	Kind    ControlKind
	LineKey string
	Line    cart.LineIndex

	view    *View
	handler ChangeFunc
}

// Disabled 视图锁定期间所有行内控件都不可用
func (c *Control) Disabled() bool {
	return c.view.Locked()
}

// Activate 触发控件。删除控件忽略 quantity
func (c *Control) Activate(ctx context.Context, quantity uint) error {
	if c.Disabled() {
		return errors.NewError(errors.ErrCodeConflict, "control is disabled while a change is pending").
			WithContext("control", c.ID)
	}
	if c.handler == nil {
		return errors.NewError(errors.ErrCodeInternal, "control is not bound")
	}
	if c.Kind == ControlRemove {
		quantity = 0
	}
	return c.handler(ctx, c.LineKey, quantity)
}

// LineView 一行的投影
type LineView struct {
	Line     cart.Line
	Pending  bool
	Error    *cart.ErrorRecord
	Quantity *Control
	Remove   *Control
}

// View 购物车区域的投影。每次 Apply 整体重建，从不原地修改快照
type View struct {
	mu sync.RWMutex

	generation uint64
	totals     cart.Totals
	regions    map[cart.Region]string
	lines      []*LineView
	controls   map[string]*Control

	locked  bool
	pending map[string]bool

	onChange  ChangeFunc
	errLookup ErrorLookup
	binds     int

	logger logging.Logger
}

// NewView 创建视图
func NewView(logger logging.Logger) *View {
	return &View{
		regions:  make(map[cart.Region]string),
		controls: make(map[string]*Control),
		pending:  make(map[string]bool),
		logger:   logging.ComponentLogger(logger, "render"),
	}
}

// BindChange 设置控件的处理器，之后的每次 Apply 都会用它重新绑定
func (v *View) BindChange(fn ChangeFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = fn
	for _, c := range v.controls {
		c.handler = fn
	}
}

// SetErrorLookup 设置内联错误来源
func (v *View) SetErrorLookup(fn ErrorLookup) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errLookup = fn
}

// Apply 用快照重建视图：替换区域片段、重建行控件并重新绑定。
// 片段中缺失的区域保持未渲染
func (v *View) Apply(s *cart.Snapshot) {
	if s == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	regions := make(map[cart.Region]string, len(s.Markup))
	for r, markup := range s.Markup {
		regions[r] = markup
	}

	lines := make([]*LineView, 0, len(s.Lines))
	controls := make(map[string]*Control, len(s.Lines)*2)
	for _, l := range s.Lines {
		lv := &LineView{
			Line:     l,
			Pending:  v.pending[l.Key],
			Quantity: v.newControlUnsafe(ControlQuantity, l),
			Remove:   v.newControlUnsafe(ControlRemove, l),
		}
		controls[lv.Quantity.ID] = lv.Quantity
		controls[lv.Remove.ID] = lv.Remove
		lines = append(lines, lv)
	}

	v.generation = s.Generation
	v.totals = s.Totals
	v.regions = regions
	v.lines = lines
	v.controls = controls
	v.binds++

	v.logger.Debug(context.Background(), "view rebuilt",
		logging.Uint64("generation", s.Generation),
		logging.Int("lines", len(lines)),
		logging.Int("regions", len(regions)))
}

func (v *View) newControlUnsafe(kind ControlKind, l cart.Line) *Control {
	return &Control{
		ID:      fmt.Sprintf("%s:%s", kind, l.Key),
		Kind:    kind,
		LineKey: l.Key,
		Line:    l.Index,
		view:    v,
		handler: v.onChange,
	}
}

// SetLocked 锁定或解锁所有行内控件
func (v *View) SetLocked(locked bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.locked = locked
}

// Locked 行内控件是否被锁定
func (v *View) Locked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.locked
}

// MarkPending 标记或清除某行的挂起状态
func (v *View) MarkPending(lineKey string, pending bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if pending {
		v.pending[lineKey] = true
	} else {
		delete(v.pending, lineKey)
	}
	for _, lv := range v.lines {
		if lv.Line.Key == lineKey {
			lv.Pending = pending
		}
	}
}

// Region 区域片段，未渲染时返回 false
func (v *View) Region(r cart.Region) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	markup, ok := v.regions[r]
	return markup, ok
}

// Lines 行投影的副本，附带当前的内联错误
func (v *View) Lines() []LineView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]LineView, 0, len(v.lines))
	for _, lv := range v.lines {
		cp := *lv
		if v.errLookup != nil {
			if rec, ok := v.errLookup(LineTarget(lv.Line.Key)); ok {
				cp.Error = &rec
			}
		}
		out = append(out, cp)
	}
	return out
}

// Control 按 ID 查找当前控件
func (v *View) Control(id string) (*Control, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.controls[id]
	return c, ok
}

// ControlFor 某行某类控件
func (v *View) ControlFor(kind ControlKind, lineKey string) (*Control, bool) {
	return v.Control(fmt.Sprintf("%s:%s", kind, lineKey))
}

// Totals 最近一次渲染的合计
func (v *View) Totals() cart.Totals {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.totals
}

// Generation 最近一次渲染的快照代次
func (v *View) Generation() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.generation
}

// Binds Apply 执行的次数
func (v *View) Binds() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.binds
}
