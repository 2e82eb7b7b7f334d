package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartsync/logging"
	"cartsync/messaging"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := NewLocalBus(context.Background(), logging.NewNoopLogger())
	require.NoError(t, err)
	return b
}

func TestDecode(t *testing.T) {
	p, err := Decode(CartUpdate, json.RawMessage(`{"line":2,"quantity":3}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateRequested{Line: 2, Quantity: 3}, p)

	p, err = Decode(CartOpen, nil)
	require.NoError(t, err)
	assert.Equal(t, DrawerOpened{}, p)

	p, err = Decode(CartAdded, &Reconciled{ItemCount: 1})
	require.NoError(t, err)
	assert.Equal(t, Reconciled{ItemCount: 1}, p)

	_, err = Decode(CartAdded, ScrollLocked{})
	assert.Error(t, err)

	_, err = Decode("cart:explode", nil)
	assert.Error(t, err)
}

func TestParseNames(t *testing.T) {
	names, err := ParseNames([]string{"cart:added", "popup:open"})
	require.NoError(t, err)
	assert.Equal(t, []Name{CartAdded, PopupOpen}, names)

	_, err = ParseNames([]string{"cart:nope"})
	assert.Error(t, err)
	assert.Len(t, Names(), 8)
}

func TestBus_TypedSubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var got []Reconciled
	sub, err := Subscribe(b, func(ctx context.Context, p Reconciled) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)

	opened := 0
	_, err = Subscribe(b, func(ctx context.Context, p DrawerOpened) error {
		opened++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Reconciled{ItemCount: 2, Subtotal: 1500, Currency: "USD"}))
	require.NoError(t, b.Publish(ctx, &DrawerOpened{}))
	assert.Equal(t, []Reconciled{{ItemCount: 2, Subtotal: 1500, Currency: "USD"}}, got)
	assert.Equal(t, 1, opened)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, b.Publish(ctx, Reconciled{}))
	assert.Len(t, got, 1)
}

func TestBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	b := newTestBus(t)
	calls := 0
	_, err := Subscribe(b, func(ctx context.Context, p PopupOpened) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = Subscribe(b, func(ctx context.Context, p PopupOpened) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	err = b.Publish(context.Background(), PopupOpened{Source: "newsletter"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBus_SubscribeAll(t *testing.T) {
	b := newTestBus(t)
	var names []Name
	_, err := b.SubscribeAll(func(ctx context.Context, p Payload, msg messaging.IMessage) error {
		names = append(names, p.EventName())
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), ScrollLocked{Target: "cart-drawer"})
	b.Emit(context.Background(), ScrollUnlocked{DelayMS: 300})
	assert.Equal(t, []Name{ScrollLock, ScrollUnlock}, names)
}

// fakeRemote 记录发布的消息，只在测试显式调用 deliver 时投递
type fakeRemote struct {
	published []messaging.IMessage
	handlers  map[string][]messaging.IMessageHandler
	started   bool
	closed    bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{handlers: make(map[string][]messaging.IMessageHandler)}
}

func (f *fakeRemote) Publish(ctx context.Context, m messaging.IMessage) error {
	f.published = append(f.published, m)
	return nil
}

func (f *fakeRemote) Subscribe(t string, h messaging.IMessageHandler) error {
	f.handlers[t] = append(f.handlers[t], h)
	return nil
}

func (f *fakeRemote) Unsubscribe(t string, h messaging.IMessageHandler) error { return nil }
func (f *fakeRemote) Start(ctx context.Context) error                         { f.started = true; return nil }
func (f *fakeRemote) Close() error                                            { f.closed = true; return nil }
func (f *fakeRemote) Stats() messaging.TransportStats {
	return messaging.TransportStats{Running: f.started}
}

func (f *fakeRemote) deliver(ctx context.Context, m messaging.IMessage) error {
	for _, h := range f.handlers[m.GetType()] {
		if err := h.Handle(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func TestRelay_ForwardsAndInjectsWithoutLoop(t *testing.T) {
	ctx := context.Background()
	local := newTestBus(t)
	remote := newFakeRemote()

	relay := NewRelay(local, remote, RelayConfig{
		Outbound: []Name{CartAdded},
		Inbound:  []Name{CartAdded},
		Logger:   logging.NewNoopLogger(),
	})
	require.NoError(t, relay.Start(ctx))
	assert.True(t, remote.started)
	assert.True(t, relay.Stats().Running)
	assert.Error(t, relay.Start(ctx))

	var localSeen []Reconciled
	_, err := Subscribe(local, func(ctx context.Context, p Reconciled) error {
		localSeen = append(localSeen, p)
		return nil
	})
	require.NoError(t, err)

	// 本地发布的事件被转发到远端
	require.NoError(t, local.Publish(ctx, Reconciled{ItemCount: 1}))
	require.Len(t, remote.published, 1)
	assert.Equal(t, string(CartAdded), remote.published[0].GetType())

	// 远端事件注入本地，但不会再被转发回远端
	msg := messaging.NewMessage(string(CartAdded), json.RawMessage(`{"item_count":5,"subtotal":900,"currency":"EUR"}`))
	require.NoError(t, remote.deliver(ctx, msg))
	assert.Equal(t, []Reconciled{{ItemCount: 1}, {ItemCount: 5, Subtotal: 900, Currency: "EUR"}}, localSeen)
	assert.Len(t, remote.published, 1, "relayed events must not bounce back")

	// 无法解码的远端事件被丢弃
	bad := messaging.NewMessage(string(CartAdded), json.RawMessage(`{"item_count":"many"}`))
	require.NoError(t, remote.deliver(ctx, bad))
	assert.Len(t, localSeen, 2)

	require.NoError(t, relay.Close())
	assert.True(t, remote.closed)
}
