package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cartsync/logging"
	"cartsync/messaging"
)

// RelayConfig 远端转发配置
type RelayConfig struct {
	// Outbound 需要广播到远端的本地事件
	Outbound []Name
	// Inbound 需要从远端注入本地总线的事件
	Inbound []Name
	Logger  logging.Logger
}

// DefaultRelayConfig 默认只同步对账结果，让同一访客的其他会话刷新合计
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Outbound: []Name{CartAdded},
		Inbound:  []Name{CartAdded},
	}
}

// Relay 在本地总线与远端传输（NATS / Redis Streams）之间转发事件。
// 远端转入的消息带有 relayed_from 元数据，出站方向会跳过它们以避免回环
type Relay struct {
	local  *Bus
	remote messaging.Transport
	config RelayConfig
	logger logging.Logger

	mu      sync.Mutex
	subs    []*Subscription
	inbound []messaging.IMessageHandler
	started bool
}

// NewRelay 创建转发器
func NewRelay(local *Bus, remote messaging.Transport, config RelayConfig) *Relay {
	return &Relay{
		local:  local,
		remote: remote,
		config: config,
		logger: logging.ComponentLogger(config.Logger, "relay"),
	}
}

// Start 注册双向处理器并启动远端传输
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("relay already started")
	}

	for _, name := range r.config.Inbound {
		if !Known(name) {
			return fmt.Errorf("unknown inbound event %q", name)
		}
		handler := messaging.NewFuncHandler("relay-in:"+string(name), r.injectLocal)
		if err := r.remote.Subscribe(string(name), handler); err != nil {
			return fmt.Errorf("subscribe remote %s: %w", name, err)
		}
		r.inbound = append(r.inbound, handler)
	}

	if err := r.remote.Start(ctx); err != nil {
		return fmt.Errorf("start remote transport: %w", err)
	}

	for _, name := range r.config.Outbound {
		if !Known(name) {
			return fmt.Errorf("unknown outbound event %q", name)
		}
		sub, err := r.local.subscribeRaw(name, r.forwardRemote)
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}
	r.started = true
	r.logger.Info(ctx, "relay started",
		logging.Int("outbound", len(r.config.Outbound)),
		logging.Int("inbound", len(r.config.Inbound)))
	return nil
}

func (r *Relay) forwardRemote(ctx context.Context, msg messaging.IMessage) error {
	if messaging.IsRelayed(msg) {
		return nil
	}
	if err := r.remote.Publish(ctx, msg); err != nil {
		// 远端不可用不影响本地流程
		r.logger.Warn(ctx, "forward to remote failed",
			logging.String("type", msg.GetType()), logging.Error(err))
	}
	return nil
}

func (r *Relay) injectLocal(ctx context.Context, msg messaging.IMessage) error {
	if _, err := Decode(Name(msg.GetType()), msg.GetPayload()); err != nil {
		r.logger.Warn(ctx, "dropping undecodable remote event",
			logging.String("type", msg.GetType()), logging.Error(err))
		return nil
	}
	if !messaging.IsRelayed(msg) {
		msg = markRelayed(msg)
	}
	return r.local.publishMessage(ctx, msg)
}

// markRelayed 复制消息并标记来源，传输层未设置时兜底
func markRelayed(msg messaging.IMessage) messaging.IMessage {
	meta := make(map[string]any, len(msg.GetMetadata())+1)
	for k, v := range msg.GetMetadata() {
		meta[k] = v
	}
	meta[messaging.MetaRelayedFrom] = "remote"
	return &messaging.Message{
		ID:        msg.GetID(),
		Type:      msg.GetType(),
		Timestamp: msg.GetTimestamp(),
		Payload:   msg.GetPayload(),
		Metadata:  meta,
	}
}

// Stats 远端传输的统计信息
func (r *Relay) Stats() messaging.TransportStats {
	return r.remote.Stats()
}

// Close 取消本地订阅并关闭远端传输
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, sub := range r.subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.subs = nil
	r.inbound = nil
	if err := r.remote.Close(); err != nil {
		errs = append(errs, err)
	}
	r.started = false
	return errors.Join(errs...)
}
