package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartsync/logging"
)

type mockTransport struct {
	published     []IMessage
	subscribed    map[string]int
	unsubscribed  map[string]int
	shouldError   error
	orderRecorder *[]string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		subscribed:   make(map[string]int),
		unsubscribed: make(map[string]int),
	}
}

func (m *mockTransport) Publish(ctx context.Context, message IMessage) error {
	if m.orderRecorder != nil {
		*m.orderRecorder = append(*m.orderRecorder, "transport")
	}
	m.published = append(m.published, message)
	return m.shouldError
}

func (m *mockTransport) Subscribe(messageType string, handler IMessageHandler) error {
	m.subscribed[messageType]++
	return nil
}

func (m *mockTransport) Unsubscribe(messageType string, handler IMessageHandler) error {
	m.unsubscribed[messageType]++
	return nil
}

func (m *mockTransport) Start(ctx context.Context) error { return nil }
func (m *mockTransport) Close() error                    { return nil }
func (m *mockTransport) Stats() TransportStats           { return TransportStats{} }

type recordingMiddleware struct {
	name  string
	order *[]string
	err   error
}

func (mw recordingMiddleware) Handle(ctx context.Context, message IMessage, next HandlerFunc) error {
	*mw.order = append(*mw.order, mw.name)
	if mw.err != nil {
		return mw.err
	}
	return next(ctx, message)
}

func (mw recordingMiddleware) Name() string { return mw.name }

func TestMessageBus_PublishWithMiddleware(t *testing.T) {
	order := make([]string, 0, 3)
	transport := newMockTransport()
	transport.orderRecorder = &order

	bus := NewMessageBus(transport)
	bus.Use(recordingMiddleware{name: "mw1", order: &order})
	bus.Use(recordingMiddleware{name: "mw2", order: &order})

	msg := &Message{ID: "msg-1", Type: "cart:add"}
	require.NoError(t, bus.Publish(context.Background(), msg))

	assert.Equal(t, []string{"mw1", "mw2", "transport"}, order)
	require.Len(t, transport.published, 1)
	assert.Same(t, msg, transport.published[0])
}

func TestMessageBus_PublishMiddlewareError(t *testing.T) {
	order := make([]string, 0, 1)
	transport := newMockTransport()
	mwErr := errors.New("middleware failed")

	bus := NewMessageBus(transport)
	bus.Use(recordingMiddleware{name: "mw-error", order: &order, err: mwErr})

	err := bus.Publish(context.Background(), &Message{ID: "msg-err", Type: "cart:added"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mwErr)
	assert.Empty(t, transport.published)
	assert.Equal(t, []string{"mw-error"}, order)
}

func TestMessageBus_SubscribeDelegation(t *testing.T) {
	transport := newMockTransport()
	bus := NewMessageBus(transport)
	handler := NewFuncHandler("noop", func(ctx context.Context, m IMessage) error { return nil })

	require.NoError(t, bus.Subscribe(context.Background(), "cart:open", handler))
	require.NoError(t, bus.Unsubscribe(context.Background(), "cart:open", handler))
	assert.Equal(t, 1, transport.subscribed["cart:open"])
	assert.Equal(t, 1, transport.unsubscribed["cart:open"])
	assert.Same(t, transport, bus.Transport())
}

func TestCorrelationMiddleware(t *testing.T) {
	transport := newMockTransport()
	bus := NewMessageBus(transport)
	bus.Use(NewCorrelationMiddleware())
	bus.Use(NewLoggingMiddleware(logging.NewNoopLogger()))

	fromCtx := NewMessage("cart:update", nil)
	ctx := WithCorrelationID(context.Background(), "op-42")
	require.NoError(t, bus.Publish(ctx, fromCtx))
	assert.Equal(t, "op-42", fromCtx.GetMetadata()[MetaCorrelationID])

	fallback := NewMessage("cart:update", nil)
	require.NoError(t, bus.Publish(context.Background(), fallback))
	assert.Equal(t, fallback.ID, fallback.GetMetadata()[MetaCorrelationID])

	preset := NewMessage("cart:update", nil)
	preset.SetMetadata(MetaCorrelationID, "kept")
	require.NoError(t, bus.Publish(ctx, preset))
	assert.Equal(t, "kept", preset.GetMetadata()[MetaCorrelationID])
}

func TestIsRelayed(t *testing.T) {
	m := NewMessage("popup:open", nil)
	assert.False(t, IsRelayed(m))
	m.SetMetadata(MetaRelayedFrom, "nats")
	assert.True(t, IsRelayed(m))
	assert.NotEmpty(t, m.ID)
}
