package events

import (
	"context"
	"fmt"

	sharederrors "cartsync/errors"
	"cartsync/logging"
	"cartsync/messaging"
	synctransport "cartsync/messaging/transport/sync"
)

// Event 总线上传递的事件消息
type Event struct {
	*messaging.Message
}

// NewEvent 用载荷创建事件
func NewEvent(p Payload) *Event {
	return &Event{Message: messaging.NewMessage(string(p.EventName()), p)}
}

// Bus 购物车事件总线，是 MessageBus 的类型安全包装器。
// 只接受封闭集合内的事件名
type Bus struct {
	bus    messaging.IMessageBus
	logger logging.Logger
}

// NewBus 包装已有的消息总线
func NewBus(bus messaging.IMessageBus, logger logging.Logger) *Bus {
	return &Bus{bus: bus, logger: logging.ComponentLogger(logger, "events")}
}

// NewLocalBus 创建基于同步传输的进程内总线，并挂上关联 ID 与日志中间件
func NewLocalBus(ctx context.Context, logger logging.Logger) (*Bus, error) {
	transport := synctransport.NewSyncTransport()
	if err := transport.Start(ctx); err != nil {
		return nil, err
	}
	mb := messaging.NewMessageBus(transport)
	mb.Use(messaging.NewCorrelationMiddleware())
	b := NewBus(mb, logger)
	mb.Use(messaging.NewLoggingMiddleware(b.logger))
	return b, nil
}

// MessageBus 底层消息总线
func (b *Bus) MessageBus() messaging.IMessageBus {
	return b.bus
}

// Publish 发布事件。处理器在发布方 goroutine 中同步执行，
// 返回值汇总了处理器错误，调用方通常只记录日志
func (b *Bus) Publish(ctx context.Context, p Payload) error {
	if p == nil {
		return sharederrors.NewInvalidInput("event payload is nil")
	}
	if !Known(p.EventName()) {
		return sharederrors.NewInvalidInput(fmt.Sprintf("unknown event %q", p.EventName()))
	}
	return b.bus.Publish(ctx, NewEvent(deref(p)))
}

// Emit 发布事件并把错误降级为日志
func (b *Bus) Emit(ctx context.Context, p Payload) {
	if err := b.Publish(ctx, p); err != nil {
		b.logger.Warn(ctx, "event handlers reported errors",
			logging.String("event", string(p.EventName())), logging.Error(err))
	}
}

// publishMessage 转发已有消息（保留 ID 与元数据）
func (b *Bus) publishMessage(ctx context.Context, msg messaging.IMessage) error {
	if !Known(Name(msg.GetType())) {
		return sharederrors.NewInvalidInput(fmt.Sprintf("unknown event %q", msg.GetType()))
	}
	return b.bus.Publish(ctx, msg)
}

// Subscription 订阅句柄
type Subscription struct {
	bus     *Bus
	name    string
	handler messaging.IMessageHandler
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() error {
	if s == nil || s.handler == nil {
		return nil
	}
	err := s.bus.bus.Unsubscribe(context.Background(), s.name, s.handler)
	s.handler = nil
	return err
}

// Subscribe 订阅类型为 P 的事件
func Subscribe[P Payload](b *Bus, fn func(ctx context.Context, p P) error) (*Subscription, error) {
	var zero P
	name := zero.EventName()
	handler := messaging.NewFuncHandler(string(name), func(ctx context.Context, msg messaging.IMessage) error {
		decoded, err := Decode(name, msg.GetPayload())
		if err != nil {
			return err
		}
		p, ok := decoded.(P)
		if !ok {
			return fmt.Errorf("payload %T is not %T", decoded, zero)
		}
		return fn(ctx, p)
	})
	if err := b.bus.Subscribe(context.Background(), string(name), handler); err != nil {
		return nil, err
	}
	return &Subscription{bus: b, name: string(name), handler: handler}, nil
}

// SubscribeAll 订阅所有事件（例如 watch 命令的输出），msg 用于读取元数据
func (b *Bus) SubscribeAll(fn func(ctx context.Context, p Payload, msg messaging.IMessage) error) (*Subscription, error) {
	handler := messaging.NewFuncHandler("all", func(ctx context.Context, msg messaging.IMessage) error {
		p, err := Decode(Name(msg.GetType()), msg.GetPayload())
		if err != nil {
			return err
		}
		return fn(ctx, p, msg)
	})
	if err := b.bus.Subscribe(context.Background(), messaging.WildcardType, handler); err != nil {
		return nil, err
	}
	return &Subscription{bus: b, name: messaging.WildcardType, handler: handler}, nil
}

func (b *Bus) subscribeRaw(name Name, fn messaging.HandlerFunc) (*Subscription, error) {
	handler := messaging.NewFuncHandler("raw:"+string(name), fn)
	if err := b.bus.Subscribe(context.Background(), string(name), handler); err != nil {
		return nil, err
	}
	return &Subscription{bus: b, name: string(name), handler: handler}, nil
}
