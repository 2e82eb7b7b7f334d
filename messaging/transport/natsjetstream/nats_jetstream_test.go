package natsjetstream

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartsync/logging"
	"cartsync/messaging"
)

func TestNewTransport_Defaults(t *testing.T) {
	tpt := NewTransport(Config{SubjectPrefix: "shop.cart", Logger: logging.NewNoopLogger()})
	assert.Equal(t, "CART_EVENTS", tpt.cfg.Stream)
	assert.Equal(t, "shop.cart.cart.added", tpt.SubjectFor("cart:added"))
	assert.Equal(t, "shop.cart.scroll.unlock", tpt.SubjectFor("scroll:unlock"))
	assert.Equal(t, "shop.cart.>", tpt.SubjectFor(messaging.WildcardType))
}

func TestPublish_NotRunning(t *testing.T) {
	tpt := NewTransport(Config{Logger: logging.NewNoopLogger()})
	err := tpt.Publish(context.Background(), messaging.NewMessage("cart:added", nil))
	assert.Error(t, err)
}

func TestHandleMessage_MarksRelayed(t *testing.T) {
	tpt := NewTransport(Config{Logger: logging.NewNoopLogger()})

	var got []messaging.IMessage
	collect := messaging.NewFuncHandler("collect", func(ctx context.Context, m messaging.IMessage) error {
		got = append(got, m)
		return nil
	})
	require.NoError(t, tpt.Subscribe("popup:open", collect))
	require.NoError(t, tpt.Subscribe(messaging.WildcardType, collect))

	data, err := messaging.Marshal(&messaging.Message{ID: "evt-1", Type: "popup:open", Payload: map[string]any{"source": "newsletter"}})
	require.NoError(t, err)
	tpt.handleMessage(&nats.Msg{Subject: "cart.events.popup.open", Data: data})

	require.Len(t, got, 2)
	assert.Equal(t, "evt-1", got[0].GetID())
	assert.Equal(t, Name, got[0].GetMetadata()[messaging.MetaRelayedFrom])
	assert.True(t, messaging.IsRelayed(got[1]))

	tpt.handleMessage(&nats.Msg{Subject: "cart.events.popup.open", Data: []byte("garbage")})
	assert.Len(t, got, 2)

	require.NoError(t, tpt.Unsubscribe("popup:open", collect))
	assert.Equal(t, 1, tpt.Stats().HandlerCount)
}
