// Package natsjetstream 把购物车事件转发到 NATS JetStream，供其他进程中的组件观察。
//
// 与工作队列不同，这里每个进程都要收到全部事件：流使用 limits 保留策略，
// 订阅为只投递新消息的临时消费者。
package natsjetstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"cartsync/logging"
	"cartsync/messaging"
)

// Name 传输名，写入转发消息的 relayed_from 元数据
const Name = "nats"

// Config JetStream 传输配置
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration // 事件在流中的保留时长
	Logger        logging.Logger
	Conn          *nats.Conn
}

// Transport 基于 NATS JetStream 的 messaging.Transport
type Transport struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	handlers map[string][]messaging.IMessageHandler
	subs     map[string]*nats.Subscription

	mu      sync.RWMutex
	running bool
}

// NewTransport 创建传输实例，未设置的字段使用购物车事件的默认值
func NewTransport(cfg Config) *Transport {
	if cfg.Stream == "" {
		cfg.Stream = "CART_EVENTS"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "cart.events."
	}
	if !strings.HasSuffix(cfg.SubjectPrefix, ".") {
		cfg.SubjectPrefix += "."
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	cfg.Logger = logging.ComponentLogger(cfg.Logger, "transport.nats")
	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string][]messaging.IMessageHandler),
		subs:     make(map[string]*nats.Subscription),
	}
}

// SubjectFor 事件名到主题：`cart:added` -> `<prefix>cart.added`
func (t *Transport) SubjectFor(messageType string) string {
	return t.cfg.SubjectPrefix + subjectToken(messageType)
}

func subjectToken(messageType string) string {
	if messageType == messaging.WildcardType {
		return ">"
	}
	return strings.NewReplacer(":", ".", " ", "_", "*", "_", ">", "_").Replace(messageType)
}

func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mu.RLock()
	js := t.js
	running := t.running
	t.mu.RUnlock()
	if !running || js == nil {
		return errors.New("nats transport not running")
	}
	data, err := messaging.Marshal(message)
	if err != nil {
		return err
	}
	_, err = js.Publish(t.SubjectFor(message.GetType()), data, nats.Context(ctx))
	return err
}

func (t *Transport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	if t.running {
		return t.subscribeLocked(messageType)
	}
	return nil
}

func (t *Transport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	handlers := t.handlers[messageType]
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(t.handlers[messageType]) == 0 {
		delete(t.handlers, messageType)
		if sub, ok := t.subs[messageType]; ok {
			_ = sub.Unsubscribe()
			delete(t.subs, messageType)
		}
	}
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("nats transport already running")
	}
	if err := t.ensureConnection(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return err
	}
	for mt := range t.handlers {
		if err := t.subscribeLocked(mt); err != nil {
			return err
		}
	}
	t.running = true
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	for mt, sub := range t.subs {
		_ = sub.Unsubscribe()
		delete(t.subs, mt)
	}
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.js = nil
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handlerCount := 0
	types := make([]string, 0, len(t.handlers))
	for mt, hs := range t.handlers {
		handlerCount += len(hs)
		types = append(types, mt)
	}
	return messaging.TransportStats{Running: t.running, HandlerCount: handlerCount, MessageTypes: types}
}

func (t *Transport) ensureConnection() error {
	if t.conn != nil && t.js != nil {
		return nil
	}
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		url := t.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url, nats.Name("cartsync"))
		if err != nil {
			return err
		}
		t.conn = conn
		t.ownsConn = true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:      t.cfg.Stream,
		Subjects:  []string{t.cfg.SubjectPrefix + ">"},
		Retention: nats.LimitsPolicy,
		MaxAge:    t.cfg.MaxAge,
	})
	return err
}

func (t *Transport) subscribeLocked(messageType string) error {
	if _, exists := t.subs[messageType]; exists {
		return nil
	}
	sub, err := t.js.Subscribe(t.SubjectFor(messageType), t.handleMessage, nats.DeliverNew(), nats.AckNone())
	if err != nil {
		return err
	}
	t.subs[messageType] = sub
	return nil
}

func (t *Transport) handleMessage(msg *nats.Msg) {
	decoded, err := messaging.Unmarshal(msg.Data)
	if err != nil {
		t.logger.Warn(context.Background(), "decode nats message failed", logging.String("subject", msg.Subject), logging.Error(err))
		return
	}
	decoded.SetMetadata(messaging.MetaRelayedFrom, Name)
	t.dispatch(context.Background(), decoded)
}

func (t *Transport) dispatch(ctx context.Context, message messaging.IMessage) {
	t.mu.RLock()
	exact := t.handlers[message.GetType()]
	wildcard := t.handlers[messaging.WildcardType]
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	if message.GetType() != messaging.WildcardType {
		handlers = append(handlers, wildcard...)
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, message); err != nil {
			t.logger.Warn(ctx, "relayed message handler failed",
				logging.String("type", message.GetType()), logging.String("handler", h.Type()), logging.Error(err))
		}
	}
}
