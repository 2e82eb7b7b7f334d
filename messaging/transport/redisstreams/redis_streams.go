// Package redisstreams 通过 Redis Streams 转发购物车事件。
// 每个进程默认使用独立的消费组，因此所有进程都能收到全部事件（广播而非分摊）。
package redisstreams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cartsync/logging"
	"cartsync/messaging"
)

// Name 传输名，写入转发消息的 relayed_from 元数据
const Name = "redis"

// client 依赖的 go-redis 命令子集（便于测试替换）
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config Redis Streams 传输配置
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Password     string
	DB           int
	StreamPrefix string
	GroupName    string
	ConsumerName string
	MaxLen       int64 // 每个流保留的近似条数
	BlockTimeout time.Duration
	ReadCount    int64
	Logger       logging.Logger

	MinReadBackoff time.Duration
	MaxReadBackoff time.Duration
}

// Transport 基于 Redis Streams 的 messaging.Transport
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	handlers      map[string][]messaging.IMessageHandler
	subscriptions map[string]bool

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTransport 创建传输实例
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "cart:events:"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "cartsync-" + uuid.NewString()
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1000
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}

	var cl client
	own := false
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis address not configured")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	return newTransport(cfg, cl, own), nil
}

func newTransport(cfg Config, cl client, own bool) *Transport {
	cfg.Logger = logging.ComponentLogger(cfg.Logger, "transport.redisstreams")
	return &Transport{
		cfg:           cfg,
		client:        cl,
		ownClient:     own,
		logger:        cfg.Logger,
		handlers:      make(map[string][]messaging.IMessageHandler),
		subscriptions: make(map[string]bool),
	}
}

// StreamFor 每种事件一个流
func (t *Transport) StreamFor(messageType string) string {
	return t.cfg.StreamPrefix + messageType
}

func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	data, err := messaging.Marshal(message)
	if err != nil {
		return err
	}
	return t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.StreamFor(message.GetType()),
		MaxLen: t.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{"type": message.GetType(), "data": string(data)},
	}).Err()
}

// Subscribe 注册处理器；通配订阅不支持，因为每种事件对应独立的流
func (t *Transport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	if messageType == messaging.WildcardType {
		return fmt.Errorf("redis streams transport requires explicit message types")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	if t.running {
		t.startReaderLocked(messageType)
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
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("redis streams transport already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	for mt := range t.handlers {
		t.startReaderLocked(mt)
	}
	t.running = true
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if wasRunning && cancel != nil {
		cancel()
		t.wg.Wait()
	}
	if t.ownClient {
		return t.client.Close()
	}
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

func (t *Transport) startReaderLocked(messageType string) {
	if t.subscriptions[messageType] {
		return
	}
	t.subscriptions[messageType] = true
	t.wg.Add(1)
	go t.readLoop(t.ctx, messageType)
}

func (t *Transport) readLoop(ctx context.Context, messageType string) {
	defer t.wg.Done()
	stream := t.StreamFor(messageType)
	if err := t.ensureGroup(ctx, stream); err != nil {
		t.logger.Warn(ctx, "ensure group failed", logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn(ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > t.cfg.MaxReadBackoff {
				backoff = t.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = t.cfg.MinReadBackoff
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				t.consume(ctx, streamRes.Stream, entry)
			}
		}
	}
}

// consume 解码、分发并确认一条记录；无法解码的记录也确认，避免反复投递
func (t *Transport) consume(ctx context.Context, stream string, entry redis.XMessage) {
	msg, err := decodeEntry(entry)
	if err != nil {
		t.logger.Warn(ctx, "decode redis stream entry failed", logging.String("entry", entry.ID), logging.Error(err))
	} else {
		t.dispatch(ctx, msg)
	}
	if ackErr := t.client.XAck(ctx, stream, t.cfg.GroupName, entry.ID).Err(); ackErr != nil {
		t.logger.Warn(ctx, "xack failed", logging.Error(ackErr))
	}
}

func (t *Transport) ensureGroup(ctx context.Context, stream string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, t.cfg.GroupName, "$").Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func (t *Transport) dispatch(ctx context.Context, message messaging.IMessage) {
	t.mu.RLock()
	handlers := append([]messaging.IMessageHandler(nil), t.handlers[message.GetType()]...)
	t.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, message); err != nil {
			t.logger.Warn(ctx, "relayed message handler failed",
				logging.String("type", message.GetType()), logging.String("handler", h.Type()), logging.Error(err))
		}
	}
}

func decodeEntry(entry redis.XMessage) (*messaging.Message, error) {
	data, ok := entry.Values["data"].(string)
	if !ok || data == "" {
		return nil, fmt.Errorf("entry %s has no data field", entry.ID)
	}
	msg, err := messaging.Unmarshal([]byte(data))
	if err != nil {
		return nil, err
	}
	if msg.Type == "" {
		msg.Type, _ = entry.Values["type"].(string)
	}
	if msg.ID == "" {
		msg.ID = entry.ID
	}
	msg.SetMetadata(messaging.MetaRelayedFrom, Name)
	return msg, nil
}
