package messaging

import (
	"context"
)

// WildcardType 订阅全部消息类型
const WildcardType = "*"

// Transport 消息传输接口
type Transport interface {
	Publish(ctx context.Context, message IMessage) error
	Subscribe(messageType string, handler IMessageHandler) error
	Unsubscribe(messageType string, handler IMessageHandler) error
	Start(ctx context.Context) error
	Close() error
	Stats() TransportStats
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	MessageTypes []string `json:"message_types"`
}
