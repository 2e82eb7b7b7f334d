// Package events 定义购物车引擎与各组件之间的发布/订阅契约：
// 封闭的事件名集合、每个事件的类型化载荷，以及基于 messaging 总线的类型安全包装。
package events

import (
	"encoding/json"
	"fmt"
)

// Name 事件名
type Name string

const (
	// CartAdd 发起加购请求（载荷：发起控件）
	CartAdd Name = "cart:add"
	// CartUpdate 发起改数量请求（载荷：行号、数量）
	CartUpdate Name = "cart:update"
	// CartAdded 变更已完整对账，依赖方可以重新读取合计
	CartAdded Name = "cart:added"
	// CartOpen / CartClose 购物车抽屉的展示切换
	CartOpen  Name = "cart:open"
	CartClose Name = "cart:close"
	// ScrollLock / ScrollUnlock 与外部滚动锁工具的契约
	ScrollLock   Name = "scroll:lock"
	ScrollUnlock Name = "scroll:unlock"
	// PopupOpen 其他弹层打开，购物车抽屉需要让位
	PopupOpen Name = "popup:open"
)

// Payload 事件载荷
type Payload interface {
	EventName() Name
}

// AddRequested cart:add
type AddRequested struct {
	Origin    string `json:"origin"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
}

// UpdateRequested cart:update
type UpdateRequested struct {
	Line     int  `json:"line"`
	Quantity uint `json:"quantity"`
}

// Reconciled cart:added，携带对账后的服务端合计
type Reconciled struct {
	ItemCount  uint   `json:"item_count"`
	Subtotal   int64  `json:"subtotal"`
	Currency   string `json:"currency"`
	Generation uint64 `json:"generation"`
}

// DrawerOpened cart:open
type DrawerOpened struct{}

// DrawerClosed cart:close
type DrawerClosed struct{}

// ScrollLocked scroll:lock，Target 为需要保持可滚动的元素
type ScrollLocked struct {
	Target string `json:"target"`
}

// ScrollUnlocked scroll:unlock
type ScrollUnlocked struct {
	DelayMS int `json:"delay_ms"`
}

// PopupOpened popup:open
type PopupOpened struct {
	Source string `json:"source,omitempty"`
}

func (AddRequested) EventName() Name    { return CartAdd }
func (UpdateRequested) EventName() Name { return CartUpdate }
func (Reconciled) EventName() Name      { return CartAdded }
func (DrawerOpened) EventName() Name    { return CartOpen }
func (DrawerClosed) EventName() Name    { return CartClose }
func (ScrollLocked) EventName() Name    { return ScrollLock }
func (ScrollUnlocked) EventName() Name  { return ScrollUnlock }
func (PopupOpened) EventName() Name     { return PopupOpen }

var registry = map[Name]func() Payload{
	CartAdd:      func() Payload { return &AddRequested{} },
	CartUpdate:   func() Payload { return &UpdateRequested{} },
	CartAdded:    func() Payload { return &Reconciled{} },
	CartOpen:     func() Payload { return &DrawerOpened{} },
	CartClose:    func() Payload { return &DrawerClosed{} },
	ScrollLock:   func() Payload { return &ScrollLocked{} },
	ScrollUnlock: func() Payload { return &ScrollUnlocked{} },
	PopupOpen:    func() Payload { return &PopupOpened{} },
}

// Names 全部事件名，顺序固定
func Names() []Name {
	return []Name{CartAdd, CartUpdate, CartAdded, CartOpen, CartClose, ScrollLock, ScrollUnlock, PopupOpen}
}

// Known 是否属于封闭集合
func Known(name Name) bool {
	_, ok := registry[name]
	return ok
}

// ParseNames 把配置中的字符串列表转换为事件名，遇到未知名称报错
func ParseNames(raw []string) ([]Name, error) {
	out := make([]Name, 0, len(raw))
	for _, s := range raw {
		n := Name(s)
		if !Known(n) {
			return nil, fmt.Errorf("unknown event name %q", s)
		}
		out = append(out, n)
	}
	return out, nil
}

// Decode 把消息载荷还原为类型化的值（非指针）。
// 本进程发布的消息载荷已是具体类型；远端转入的载荷是 json.RawMessage 或 nil
func Decode(name Name, raw any) (Payload, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown event name %q", name)
	}
	if p, ok := raw.(Payload); ok {
		if p.EventName() != name {
			return nil, fmt.Errorf("payload %T does not belong to %s", raw, name)
		}
		return deref(p), nil
	}

	target := factory()
	var data []byte
	switch v := raw.(type) {
	case nil:
		return deref(target), nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("re-encode %s payload: %w", name, err)
		}
		data = b
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", name, err)
		}
	}
	return deref(target), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *AddRequested:
		return *v
	case *UpdateRequested:
		return *v
	case *Reconciled:
		return *v
	case *DrawerOpened:
		return *v
	case *DrawerClosed:
		return *v
	case *ScrollLocked:
		return *v
	case *ScrollUnlocked:
		return *v
	case *PopupOpened:
		return *v
	default:
		return p
	}
}
