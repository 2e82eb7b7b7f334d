package drawer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartsync/events"
	"cartsync/logging"
	"cartsync/messaging"
)

type recorder struct {
	mu    sync.Mutex
	names []events.Name
	last  map[events.Name]events.Payload
}

func (r *recorder) snapshot() []events.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Name(nil), r.names...)
}

type fakeFocus struct {
	trapped  int
	released int
}

func (f *fakeFocus) Trap(string) error { f.trapped++; return nil }
func (f *fakeFocus) Release()          { f.released++ }

func setup(t *testing.T, cfg Config) (*Drawer, *events.Bus, *recorder) {
	t.Helper()
	bus, err := events.NewLocalBus(context.Background(), logging.NewNoopLogger())
	require.NoError(t, err)
	rec := &recorder{last: map[events.Name]events.Payload{}}
	_, err = bus.SubscribeAll(func(ctx context.Context, p events.Payload, msg messaging.IMessage) error {
		rec.mu.Lock()
		rec.names = append(rec.names, p.EventName())
		rec.last[p.EventName()] = p
		rec.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	cfg.Logger = logging.NewNoopLogger()
	d, err := New(bus, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Detach() })
	return d, bus, rec
}

func TestDrawer_FullCycle(t *testing.T) {
	focus := &fakeFocus{}
	d, _, rec := setup(t, Config{Target: "drawer", UnlockDelay: 300 * time.Millisecond, Focus: focus})
	ctx := context.Background()

	assert.Equal(t, StateClosed, d.State())
	require.NoError(t, d.Open(ctx))
	assert.Equal(t, StateOpening, d.State())
	assert.True(t, d.IsOpen())
	assert.Equal(t, []events.Name{events.CartOpen, events.ScrollLock}, rec.snapshot())
	assert.Equal(t, events.ScrollLocked{Target: "drawer"}, rec.last[events.ScrollLock])
	assert.Equal(t, 1, focus.trapped)

	assert.True(t, d.TransitionEnd(ctx))
	assert.Equal(t, StateOpen, d.State())

	require.NoError(t, d.Close(ctx))
	assert.Equal(t, StateClosing, d.State())
	assert.Equal(t, 1, focus.released)
	assert.NotContains(t, rec.snapshot(), events.ScrollUnlock, "scroll stays locked until the close transition ends")

	assert.True(t, d.TransitionEnd(ctx))
	assert.Equal(t, StateClosed, d.State())
	assert.Equal(t, []events.Name{events.CartOpen, events.ScrollLock, events.CartClose, events.ScrollUnlock}, rec.snapshot())
	assert.Equal(t, events.ScrollUnlocked{DelayMS: 300}, rec.last[events.ScrollUnlock])

	assert.False(t, d.TransitionEnd(ctx))
}

func TestDrawer_RejectsInvalidTransitions(t *testing.T) {
	d, _, _ := setup(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, d.Close(ctx), ErrInvalidTransition)

	require.NoError(t, d.Open(ctx))
	assert.ErrorIs(t, d.Close(ctx), ErrInvalidTransition, "close during opening is rejected")
	assert.ErrorIs(t, d.Open(ctx), ErrInvalidTransition)
	assert.Equal(t, StateOpening, d.State())
}

func TestDrawer_SettleTimeout(t *testing.T) {
	d, _, rec := setup(t, Config{SettleTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, d.Open(ctx))
	assert.Eventually(t, func() bool { return d.State() == StateOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Close(ctx))
	assert.Eventually(t, func() bool { return d.State() == StateClosed }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		names := rec.snapshot()
		return len(names) > 0 && names[len(names)-1] == events.ScrollUnlock
	}, time.Second, 5*time.Millisecond)
}

func TestDrawer_ClosesOnPopup(t *testing.T) {
	d, bus, _ := setup(t, Config{})
	ctx := context.Background()

	require.NoError(t, d.Open(ctx))
	d.TransitionEnd(ctx)
	require.NoError(t, bus.Publish(ctx, events.PopupOpened{Source: "newsletter"}))
	assert.Equal(t, StateClosing, d.State())
	d.TransitionEnd(ctx)
	assert.Equal(t, StateClosed, d.State())

	// 打开过程中出现弹层：打开完成后立即关闭
	require.NoError(t, d.Open(ctx))
	require.NoError(t, bus.Publish(ctx, events.PopupOpened{}))
	assert.Equal(t, StateOpening, d.State())
	d.TransitionEnd(ctx)
	assert.Equal(t, StateClosing, d.State())

	// 关闭状态下的弹层事件不产生影响
	d.TransitionEnd(ctx)
	require.NoError(t, bus.Publish(ctx, events.PopupOpened{}))
	assert.Equal(t, StateClosed, d.State())
}

func TestDrawer_Present(t *testing.T) {
	d, _, rec := setup(t, Config{})
	ctx := context.Background()

	require.NoError(t, d.Present(ctx))
	assert.Equal(t, StateOpening, d.State())
	require.NoError(t, d.Present(ctx), "already opening")
	d.TransitionEnd(ctx)
	require.NoError(t, d.Present(ctx), "already open")
	assert.Equal(t, StateOpen, d.State())
	assert.Equal(t, []events.Name{events.CartOpen, events.ScrollLock}, rec.snapshot())
}

// 关闭过程中购物车发生变更：关闭完成后重新打开
func TestDrawer_PresentWhileClosingReopens(t *testing.T) {
	focus := &fakeFocus{}
	d, _, rec := setup(t, Config{Focus: focus})
	ctx := context.Background()

	require.NoError(t, d.Open(ctx))
	d.TransitionEnd(ctx)
	require.NoError(t, d.Close(ctx))

	require.NoError(t, d.Present(ctx))
	assert.Equal(t, StateClosing, d.State())

	assert.True(t, d.TransitionEnd(ctx))
	assert.Equal(t, StateOpening, d.State())
	assert.Equal(t, []events.Name{
		events.CartOpen, events.ScrollLock, events.CartClose, events.ScrollUnlock, events.CartOpen, events.ScrollLock,
	}, rec.snapshot())
	assert.Equal(t, 2, focus.trapped)

	// 只重新打开一次
	d.TransitionEnd(ctx)
	require.NoError(t, d.Close(ctx))
	d.TransitionEnd(ctx)
	assert.Equal(t, StateClosed, d.State())
}

// 弹层优先：关闭中出现弹层时放弃重新打开
func TestDrawer_PopupCancelsQueuedReopen(t *testing.T) {
	d, bus, _ := setup(t, Config{})
	ctx := context.Background()

	require.NoError(t, d.Open(ctx))
	d.TransitionEnd(ctx)
	require.NoError(t, d.Close(ctx))
	require.NoError(t, d.Present(ctx))

	require.NoError(t, bus.Publish(ctx, events.PopupOpened{Source: "newsletter"}))
	d.TransitionEnd(ctx)
	assert.Equal(t, StateClosed, d.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closing", StateClosing.String())
	assert.Equal(t, "Unknown", State(42).String())
}
