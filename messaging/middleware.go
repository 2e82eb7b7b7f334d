package messaging

import (
	"context"
	"time"

	"cartsync/logging"
)

type correlationKey struct{}

// WithCorrelationID 把关联 ID 放入 Context，后续发布的消息沿用它
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID 读取 Context 中的关联 ID
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationMiddleware 缺失 correlation_id 时从 Context 继承，仍缺失则用消息 ID
type CorrelationMiddleware struct{}

func NewCorrelationMiddleware() *CorrelationMiddleware { return &CorrelationMiddleware{} }

func (m *CorrelationMiddleware) Name() string { return "Correlation" }

func (m *CorrelationMiddleware) Handle(ctx context.Context, message IMessage, next HandlerFunc) error {
	md := message.GetMetadata()
	if v, ok := md[MetaCorrelationID].(string); !ok || v == "" {
		if id := CorrelationID(ctx); id != "" {
			md[MetaCorrelationID] = id
		} else {
			md[MetaCorrelationID] = message.GetID()
		}
	}
	return next(ctx, message)
}

// LoggingMiddleware 以 Debug 级别记录每条发布的消息及处理耗时
type LoggingMiddleware struct {
	logger logging.Logger
}

func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logging.ComponentLogger(logger, "messaging")}
}

func (m *LoggingMiddleware) Name() string { return "Logging" }

func (m *LoggingMiddleware) Handle(ctx context.Context, message IMessage, next HandlerFunc) error {
	start := time.Now()
	err := next(ctx, message)
	fields := []logging.Field{
		logging.String("type", message.GetType()),
		logging.String("id", message.GetID()),
		logging.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		m.logger.Warn(ctx, "message handling failed", append(fields, logging.Error(err))...)
		return err
	}
	m.logger.Debug(ctx, "message published", fields...)
	return nil
}
