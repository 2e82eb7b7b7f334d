package messaging

import (
	"context"
	"sync"
)

// HandlerFunc 中间件链中的基本执行单元
type HandlerFunc func(ctx context.Context, message IMessage) error

// IMiddleware 消息总线中间件
type IMiddleware interface {
	Handle(ctx context.Context, message IMessage, next HandlerFunc) error
	Name() string
}

// IMessageBus 消息总线接口
type IMessageBus interface {
	Subscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Unsubscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Publish(ctx context.Context, message IMessage) error
	Use(middleware IMiddleware)
}

// MessageBus 消息总线基础实现
// 依赖 Transport 完成实际投递，发布前依次执行中间件
type MessageBus struct {
	transport   Transport
	middlewares []IMiddleware
	mutex       sync.RWMutex
}

// NewMessageBus 创建消息总线
func NewMessageBus(transport Transport) *MessageBus {
	return &MessageBus{
		transport:   transport,
		middlewares: make([]IMiddleware, 0),
	}
}

// Transport 底层传输
func (bus *MessageBus) Transport() Transport {
	return bus.transport
}

// Use 注册中间件
func (bus *MessageBus) Use(middleware IMiddleware) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.middlewares = append(bus.middlewares, middleware)
}

// Subscribe 订阅消息处理器
func (bus *MessageBus) Subscribe(ctx context.Context, messageType string, handler IMessageHandler) error {
	return bus.transport.Subscribe(messageType, handler)
}

// Unsubscribe 取消订阅消息处理器
func (bus *MessageBus) Unsubscribe(ctx context.Context, messageType string, handler IMessageHandler) error {
	return bus.transport.Unsubscribe(messageType, handler)
}

// Publish 发布消息，在发送到 Transport 前执行中间件
func (bus *MessageBus) Publish(ctx context.Context, message IMessage) error {
	return bus.executeMiddlewares(ctx, message, bus.transport.Publish)
}

func (bus *MessageBus) executeMiddlewares(ctx context.Context, message IMessage, finalHandler HandlerFunc) error {
	bus.mutex.RLock()
	middlewares := bus.middlewares
	bus.mutex.RUnlock()

	next := finalHandler
	for i := len(middlewares) - 1; i >= 0; i-- {
		middleware := middlewares[i]
		currentNext := next
		next = func(ctx context.Context, msg IMessage) error {
			return middleware.Handle(ctx, msg, currentNext)
		}
	}
	return next(ctx, message)
}
