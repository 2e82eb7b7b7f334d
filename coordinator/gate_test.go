package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_AcquireRelease(t *testing.T) {
	g := NewGate()
	release, ok := g.TryAcquire(GateLines)
	require.True(t, ok)
	assert.True(t, g.Pending(GateLines))

	_, ok = g.TryAcquire(GateLines)
	assert.False(t, ok, "pending target rejects a second acquire")

	other, ok := g.TryAcquire(AddGate("product-form"))
	require.True(t, ok)
	assert.Equal(t, []string{"add:product-form", "lines"}, g.Keys())

	release()
	release()
	other()
	assert.False(t, g.Pending(GateLines))
	assert.Empty(t, g.Keys())
}

// 阻塞目标在途时占用失败，且不会留下 Pending 状态
func TestGate_Blockers(t *testing.T) {
	g := NewGate()
	lines, ok := g.TryAcquire(GateLines)
	require.True(t, ok)

	_, ok = g.TryAcquire(AddGate("product-form"), GateLines)
	assert.False(t, ok)
	assert.False(t, g.Pending(AddGate("product-form")))

	lines()
	release, ok := g.TryAcquire(AddGate("product-form"), GateLines)
	require.True(t, ok)
	assert.Equal(t, []string{"add:product-form"}, g.Keys())
	release()
}

func TestGate_Wait(t *testing.T) {
	g := NewGate()
	assert.NoError(t, g.Wait(context.Background(), GateLines))

	release, ok := g.TryAcquire(GateLines)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), GateLines) }()

	time.AfterFunc(10*time.Millisecond, release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after release")
	}

	release, ok = g.TryAcquire(GateLines)
	require.True(t, ok)
	defer release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx, GateLines), context.DeadlineExceeded)
}
