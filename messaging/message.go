// Package messaging 提供事件总线底层的消息、处理器、传输与中间件抽象
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// 元数据键
const (
	// MetaRelayedFrom 由远端传输转入的消息携带来源传输名，用于防止回环
	MetaRelayedFrom = "relayed_from"
	// MetaCorrelationID 一次用户交互产生的所有消息共享的关联 ID
	MetaCorrelationID = "correlation_id"
)

// IMessage 消息接口
type IMessage interface {
	GetID() string
	GetType() string
	GetTimestamp() time.Time
	GetPayload() any
	GetMetadata() map[string]any
}

// Message 消息基础实现
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (m *Message) GetID() string           { return m.ID }
func (m *Message) GetType() string         { return m.Type }
func (m *Message) GetTimestamp() time.Time { return m.Timestamp }
func (m *Message) GetPayload() any         { return m.Payload }

// GetMetadata 获取元数据，惰性初始化
func (m *Message) GetMetadata() map[string]any {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return m.Metadata
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key string, value any) {
	m.GetMetadata()[key] = value
}

// NewMessage 创建新消息，ID 使用 UUID
func NewMessage(messageType string, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		Timestamp: time.Now(),
		Payload:   payload,
		Metadata:  make(map[string]any),
	}
}

// IsRelayed 消息是否来自远端传输
func IsRelayed(m IMessage) bool {
	v, ok := m.GetMetadata()[MetaRelayedFrom]
	if !ok {
		return false
	}
	s, _ := v.(string)
	return s != ""
}
