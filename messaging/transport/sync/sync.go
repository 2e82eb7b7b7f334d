// Package sync 提供同步的进程内传输：Publish 在调用方 goroutine 中依次执行处理器，
// 对应购物车引擎“发布即刻通知所有组件”的单线程语义
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cartsync/messaging"
)

// SyncTransport 同步内存传输
type SyncTransport struct {
	handlers map[string][]messaging.IMessageHandler
	mutex    sync.RWMutex
	running  bool
}

// NewSyncTransport 创建同步传输实例
func NewSyncTransport() *SyncTransport {
	return &SyncTransport{
		handlers: make(map[string][]messaging.IMessageHandler),
	}
}

// Publish 立即、同步地分发消息：先精确匹配的处理器，再通配处理器。
// 单个处理器的错误或 panic 不会阻止其余处理器执行，汇总后返回
func (t *SyncTransport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mutex.RLock()
	if !t.running {
		t.mutex.RUnlock()
		return fmt.Errorf("sync transport is not running")
	}
	exact := t.handlers[message.GetType()]
	wildcard := t.handlers[messaging.WildcardType]
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	t.mutex.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := safeHandle(ctx, handler, message); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("message handling completed with %d errors: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func safeHandle(ctx context.Context, handler messaging.IMessageHandler, message messaging.IMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", handler.Type(), r)
		}
	}()
	return handler.Handle(ctx, message)
}

// Subscribe 订阅消息处理器
func (t *SyncTransport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	return nil
}

// Unsubscribe 取消订阅消息处理器
func (t *SyncTransport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	handlers, ok := t.handlers[messageType]
	if !ok {
		return fmt.Errorf("no handlers for message type %s", messageType)
	}
	for i, h := range handlers {
		if h == handler {
			next := make([]messaging.IMessageHandler, 0, len(handlers)-1)
			next = append(next, handlers[:i]...)
			next = append(next, handlers[i+1:]...)
			if len(next) == 0 {
				delete(t.handlers, messageType)
			} else {
				t.handlers[messageType] = next
			}
			return nil
		}
	}
	return fmt.Errorf("handler not found for message type %s", messageType)
}

// Start 启动传输层
func (t *SyncTransport) Start(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.running {
		return fmt.Errorf("sync transport is already running")
	}
	t.running = true
	return nil
}

// Close 关闭传输层，重复关闭无副作用
func (t *SyncTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.running = false
	return nil
}

// Stats 返回统计信息
func (t *SyncTransport) Stats() messaging.TransportStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	handlerCount := 0
	messageTypes := make([]string, 0, len(t.handlers))
	for mt, h := range t.handlers {
		messageTypes = append(messageTypes, mt)
		handlerCount += len(h)
	}
	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		MessageTypes: messageTypes,
	}
}
