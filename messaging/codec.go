package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireMessage 跨进程传输的消息外形；payload 保留为原始 JSON，
// 由接收方（events 包）按消息类型解码为具体载荷
type wireMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Marshal 编码消息
func Marshal(msg IMessage) ([]byte, error) {
	var payload json.RawMessage
	if p := msg.GetPayload(); p != nil {
		if raw, ok := p.(json.RawMessage); ok {
			payload = raw
		} else {
			data, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("marshal payload of %s: %w", msg.GetType(), err)
			}
			payload = data
		}
	}
	ts := msg.GetTimestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(wireMessage{
		ID:        msg.GetID(),
		Type:      msg.GetType(),
		Timestamp: ts.UnixNano(),
		Payload:   payload,
		Metadata:  msg.GetMetadata(),
	})
}

// Unmarshal 解码消息，Payload 为 json.RawMessage（可能为 nil）
func Unmarshal(data []byte) (*Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if wire.Metadata == nil {
		wire.Metadata = make(map[string]any)
	}
	msg := &Message{
		ID:       wire.ID,
		Type:     wire.Type,
		Metadata: wire.Metadata,
	}
	if wire.Timestamp > 0 {
		msg.Timestamp = time.Unix(0, wire.Timestamp)
	} else {
		msg.Timestamp = time.Now()
	}
	if len(wire.Payload) > 0 {
		msg.Payload = wire.Payload
	}
	return msg, nil
}
