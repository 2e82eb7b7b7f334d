package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartsync/cart"
	"cartsync/drawer"
	"cartsync/errors"
	"cartsync/events"
	"cartsync/logging"
	"cartsync/notice"
	"cartsync/render"
	"cartsync/retry"
	"cartsync/storefront"
	"cartsync/stub"
)

type harness struct {
	shop   *stub.Server
	coord  *Coordinator
	store  *cart.Store
	bus    *events.Bus
	drawer *drawer.Drawer

	mu    sync.Mutex
	added []events.Reconciled
}

func (h *harness) addedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.added)
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	logger := logging.NewNoopLogger()

	shop := stub.New(stub.Config{Logger: logger})
	srv := httptest.NewServer(shop.Handler())
	t.Cleanup(srv.Close)

	client, err := storefront.NewClient(storefront.Config{BaseURL: srv.URL, Logger: logger})
	require.NoError(t, err)

	bus, err := events.NewLocalBus(context.Background(), logger)
	require.NoError(t, err)
	store := cart.NewStore(logger)
	d, err := drawer.New(bus, drawer.Config{Logger: logger})
	require.NoError(t, err)

	cfg := Config{
		SectionID:      "cart-drawer",
		Mode:           ModeDrawer,
		RequestTimeout: 2 * time.Second,
		Retry:          retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 5 * time.Millisecond},
		Logger:         logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	coord, err := New(Deps{Client: client, Store: store, Bus: bus, Presenter: d}, cfg)
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	h := &harness{shop: shop, coord: coord, store: store, bus: bus, drawer: d}
	_, err = events.Subscribe(bus, func(ctx context.Context, p events.Reconciled) error {
		h.mu.Lock()
		h.added = append(h.added, p)
		h.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return h
}

func (h *harness) refresh(t *testing.T) *cart.Snapshot {
	t.Helper()
	s, err := h.coord.Refresh(context.Background())
	require.NoError(t, err)
	return s
}

func variants(s *cart.Snapshot) []string {
	out := make([]string, 0, len(s.Lines))
	for _, l := range s.Lines {
		out = append(out, l.VariantID)
	}
	return out
}

// 空购物车加购两件：对账后一行、数量 2，cart:added 只触发一次
func TestScenarioA_AddToEmptyCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.Equal(t, uint(0), h.refresh(t).Totals.ItemCount)

	require.NoError(t, h.coord.SubmitAdd(ctx, storefront.AddPayload{VariantID: "101", Quantity: 2}))
	s := h.refresh(t)

	assert.Equal(t, uint(2), s.Totals.ItemCount)
	require.Len(t, s.Lines, 1)
	assert.Equal(t, "101", s.Lines[0].VariantID)
	assert.Equal(t, uint(2), s.Lines[0].Quantity)
	assert.Equal(t, cart.LineIndex(1), s.Lines[0].Index)

	assert.Equal(t, 1, h.addedCount())
	assert.Equal(t, uint(2), h.added[0].ItemCount)
	assert.Equal(t, int64(9000), h.added[0].Subtotal)
	assert.Equal(t, "USD", h.added[0].Currency)

	assert.Equal(t, drawer.StateOpening, h.drawer.State(), "drawer opens after a mutation in drawer mode")
	assert.Len(t, h.coord.View().Lines(), 1)
}

// 抽屉收起过程中加购成功：收起完成后重新展开
func TestPresent_ReopensAfterClosing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.SubmitAdd(ctx, storefront.AddPayload{VariantID: "101", Quantity: 1}))
	h.drawer.TransitionEnd(ctx)
	require.NoError(t, h.drawer.Close(ctx))

	require.NoError(t, h.coord.SubmitAdd(ctx, storefront.AddPayload{VariantID: "202", Quantity: 1}))
	assert.Equal(t, drawer.StateClosing, h.drawer.State())

	h.drawer.TransitionEnd(ctx)
	assert.Equal(t, drawer.StateOpening, h.drawer.State())
}

// 删除唯一的一行后购物车为空
func TestScenarioB_RemoveOnlyLine(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 3)
	s := h.refresh(t)
	require.Len(t, s.Lines, 1)
	assert.Equal(t, uint(3), s.Lines[0].Quantity)

	require.NoError(t, h.coord.SubmitLineChange(context.Background(), 1, 0))
	s = h.refresh(t)
	assert.Empty(t, s.Lines)
	assert.Equal(t, uint(0), s.Totals.ItemCount)
}

// 售罄：展示表单级错误，合计不变，不重新拉取，控件重新可用
func TestScenarioC_SoldOut(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 1)
	before := h.refresh(t).Totals
	reads := h.shop.Calls(stub.EndpointRead)

	err := h.coord.SubmitAdd(context.Background(), storefront.AddPayload{VariantID: "303", Quantity: 1})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	rec, ok := h.coord.Notices().For(DefaultOrigin)
	require.True(t, ok)
	assert.Equal(t, "Sold out: Variant unavailable", rec.Message)
	assert.Equal(t, cart.ScopeForm, rec.Scope)

	assert.Equal(t, before, h.store.Current().Totals)
	assert.Equal(t, reads, h.shop.Calls(stub.EndpointRead), "structured failure does not refetch")
	assert.False(t, h.coord.Gate().Pending(AddGate(DefaultOrigin)))
	assert.Equal(t, 0, h.addedCount())

	// 之后同一表单成功加购会清除错误
	require.NoError(t, h.coord.SubmitAdd(context.Background(), storefront.AddPayload{VariantID: "101", Quantity: 1}))
	_, ok = h.coord.Notices().For(DefaultOrigin)
	assert.False(t, ok)
}

func TestRefresh_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 1)
	h.shop.Seed("202", 2)

	first := h.refresh(t)
	second := h.refresh(t)
	assert.Equal(t, first.Totals, second.Totals)
	assert.Equal(t, first.Lines, second.Lines)
	assert.Greater(t, second.Generation, first.Generation)
	assert.Equal(t, 0, h.addedCount(), "plain refresh is not a mutation")
	assert.Equal(t, drawer.StateClosed, h.drawer.State())
}

func TestSubmitLineChange_ZeroShiftsIndices(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 1)
	h.shop.Seed("202", 1)
	h.shop.Seed("404", 1)
	h.refresh(t)

	require.NoError(t, h.coord.SubmitLineChange(context.Background(), 1, 0))
	s := h.store.Current()
	assert.Equal(t, []string{"202", "404"}, variants(s))
	assert.Equal(t, cart.LineIndex(1), s.Lines[0].Index)
	assert.Equal(t, cart.LineIndex(2), s.Lines[1].Index)
	assert.Equal(t, 1, h.addedCount())
}

// 对账后已不存在的行号不会误改重新编号后的其他行
func TestSubmitLineChange_StaleIndexIsNoop(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 1)
	h.shop.Seed("202", 4)
	h.refresh(t)

	staleControl, ok := h.coord.View().ControlFor(render.ControlQuantity, h.store.Current().Lines[1].Key)
	require.True(t, ok)

	require.NoError(t, h.coord.SubmitLineChange(context.Background(), 2, 0))
	changes := h.shop.Calls(stub.EndpointChange)

	require.NoError(t, h.coord.SubmitLineChange(context.Background(), 2, 7))
	require.NoError(t, staleControl.Activate(context.Background(), 7))
	assert.Equal(t, changes, h.shop.Calls(stub.EndpointChange), "no request for a stale reference")

	s := h.refresh(t)
	require.Len(t, s.Lines, 1)
	assert.Equal(t, "101", s.Lines[0].VariantID)
	assert.Equal(t, uint(1), s.Lines[0].Quantity)
	assert.Empty(t, h.coord.Notices().Records(), "stale references are not rendered")
}

// 请求在途期间同一目标的再次提交被拒绝
func TestLocking_RejectsWhilePending(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 1)
	h.shop.Seed("202", 1)
	h.refresh(t)
	ctx := context.Background()
	view := h.coord.View()
	firstKey := h.store.Current().Lines[0].Key

	release := h.shop.Hold(stub.EndpointChange)
	done := make(chan error, 1)
	go func() { done <- h.coord.SubmitLineChange(ctx, 1, 3) }()

	require.Eventually(t, func() bool {
		return view.Locked() && h.shop.Calls(stub.EndpointChange) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, h.coord.Gate().Pending(GateLines))
	assert.True(t, view.Lines()[0].Pending)
	assert.Len(t, h.coord.Pending(), 1)

	err := h.coord.SubmitLineChange(ctx, 2, 5)
	assert.True(t, errors.IsConflict(err))
	c, ok := view.ControlFor(render.ControlRemove, firstKey)
	require.True(t, ok)
	assert.True(t, errors.IsConflict(c.Activate(ctx, 0)))

	release()
	require.NoError(t, <-done)

	assert.Equal(t, 1, h.shop.Calls(stub.EndpointChange))
	assert.False(t, view.Locked())
	assert.False(t, view.Lines()[0].Pending)
	assert.Empty(t, h.coord.Pending())
	assert.Equal(t, uint(3), h.store.Current().Lines[0].Quantity)
}

func TestLocking_AddFormGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := h.shop.Hold(stub.EndpointAdd)
	done := make(chan error, 1)
	go func() {
		done <- h.coord.SubmitAdd(ctx, storefront.AddPayload{Origin: "quick-add", VariantID: "101", Quantity: 1})
	}()
	require.Eventually(t, func() bool { return h.coord.Gate().Pending(AddGate("quick-add")) }, time.Second, time.Millisecond)

	err := h.coord.SubmitAdd(ctx, storefront.AddPayload{Origin: "quick-add", VariantID: "101", Quantity: 1})
	assert.True(t, errors.IsConflict(err))
	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.shop.ItemCount())
}

// 行内修改在途时加购被拒绝，请求不会发出
func TestLocking_AddRejectedDuringLineChange(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 1)
	h.refresh(t)
	ctx := context.Background()
	view := h.coord.View()

	release := h.shop.Hold(stub.EndpointChange)
	done := make(chan error, 1)
	go func() { done <- h.coord.SubmitLineChange(ctx, 1, 3) }()
	require.Eventually(t, func() bool {
		return view.Locked() && h.shop.Calls(stub.EndpointChange) == 1
	}, time.Second, time.Millisecond)

	err := h.coord.SubmitAdd(ctx, storefront.AddPayload{VariantID: "202", Quantity: 1})
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, 0, h.shop.Calls(stub.EndpointAdd))
	assert.False(t, h.coord.Gate().Pending(AddGate(DefaultOrigin)))

	release()
	require.NoError(t, <-done)

	require.NoError(t, h.coord.SubmitAdd(ctx, storefront.AddPayload{VariantID: "202", Quantity: 1}))
	assert.Equal(t, 1, h.shop.Calls(stub.EndpointAdd))
	assert.Equal(t, uint(4), h.store.Current().Totals.ItemCount)
}

// 校验失败不改变合计，错误显示在行上，成功后自动清除
func TestErrorIsolation_LineValidation(t *testing.T) {
	h := newHarness(t)
	key := h.shop.Seed("202", 1)
	before := h.refresh(t).Totals
	reads := h.shop.Calls(stub.EndpointRead)

	err := h.coord.SubmitLineChange(context.Background(), 1, 9)
	require.True(t, errors.IsValidation(err))
	assert.Equal(t, before, h.store.Current().Totals)
	assert.Equal(t, reads, h.shop.Calls(stub.EndpointRead))

	rec, ok := h.coord.Notices().For(render.LineTarget(key))
	require.True(t, ok)
	assert.Equal(t, cart.ScopeLine, rec.Scope)
	assert.Contains(t, rec.Message, "You can only add 5")
	lines := h.coord.View().Lines()
	require.NotNil(t, lines[0].Error)
	assert.False(t, h.coord.View().Locked())

	require.NoError(t, h.coord.SubmitLineChange(context.Background(), 1, 2))
	_, ok = h.coord.Notices().For(render.LineTarget(key))
	assert.False(t, ok)
}

func TestNetworkError_LeavesStoreUntouched(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 1)
	before := h.refresh(t)

	h.shop.FailNext(stub.EndpointAdd, http.StatusBadGateway, nil)
	err := h.coord.SubmitAdd(context.Background(), storefront.AddPayload{VariantID: "101", Quantity: 1})
	require.True(t, errors.IsNetwork(err))

	rec, ok := h.coord.Notices().For(DefaultOrigin)
	require.True(t, ok)
	assert.Equal(t, notice.GenericNetworkMessage, rec.Message)
	assert.Same(t, before, h.store.Current())
	assert.False(t, h.coord.Gate().Pending(AddGate(DefaultOrigin)))
}

// 改数量返回 400：整体重新拉取并保留行级错误
func TestChange400_RefetchesAndRendersLineError(t *testing.T) {
	h := newHarness(t)
	key := h.shop.Seed("101", 2)
	h.refresh(t)
	reads := h.shop.Calls(stub.EndpointRead)

	h.shop.FailNext(stub.EndpointChange, http.StatusBadRequest, map[string]any{
		"status": 400, "message": "Cart Error", "description": "Line is out of range",
	})
	err := h.coord.SubmitLineChange(context.Background(), 1, 1)
	require.True(t, errors.IsErrorCode(err, errors.ErrCodeUnrecoverable))

	assert.Equal(t, reads+1, h.shop.Calls(stub.EndpointRead))
	_, ok := h.coord.Notices().For(render.LineTarget(key))
	assert.True(t, ok)
	assert.Equal(t, 0, h.addedCount())
}

func TestRequestTimeout_BecomesNetworkError(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequestTimeout = 30 * time.Millisecond })
	release := h.shop.Hold(stub.EndpointAdd)
	defer release()

	err := h.coord.SubmitAdd(context.Background(), storefront.AddPayload{VariantID: "101", Quantity: 1})
	require.Error(t, err)
	assert.True(t, errors.IsNetwork(err))
	assert.False(t, h.coord.Gate().Pending(AddGate(DefaultOrigin)), "controls re-enabled after timeout")
}

func TestRefresh_MalformedFragmentKeepsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 1)
	before := h.refresh(t)

	h.shop.FailNext(stub.EndpointRead, http.StatusOK, map[string]any{"unexpected": true})
	_, err := h.coord.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeMalformed))
	assert.Same(t, before, h.store.Current())
}

func TestRefresh_RetriesNetworkErrors(t *testing.T) {
	h := newHarness(t)
	h.shop.FailNext(stub.EndpointRead, http.StatusServiceUnavailable, nil)
	reads := h.shop.Calls(stub.EndpointRead)

	_, err := h.coord.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reads+2, h.shop.Calls(stub.EndpointRead))
}

func TestPageMode_DoesNotOpenDrawer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Mode = ModePage })
	require.NoError(t, h.coord.SubmitAdd(context.Background(), storefront.AddPayload{VariantID: "101", Quantity: 1}))
	assert.Equal(t, drawer.StateClosed, h.drawer.State())
	assert.Equal(t, 1, h.addedCount())
}

func TestSubmitAdd_ValidationBeforeNetwork(t *testing.T) {
	h := newHarness(t)
	err := h.coord.SubmitAdd(context.Background(), storefront.AddPayload{
		Origin:    "gift-form",
		VariantID: "404",
		Quantity:  1,
		Recipient: &storefront.Recipient{Email: "nope"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, h.shop.Calls(stub.EndpointAdd))

	rec, ok := h.coord.Notices().For("gift-form")
	require.True(t, ok)
	assert.Contains(t, rec.FieldErrors, "email")
	assert.Contains(t, rec.FieldErrors, "name")
}

// 任何时刻读到的快照都是完整的：行数量之和等于合计
func TestSnapshotAtomicity_UnderConcurrentMutations(t *testing.T) {
	h := newHarness(t)
	h.shop.Seed("101", 1)
	h.refresh(t)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := h.store.Current()
			var sum uint
			for _, l := range s.Lines {
				sum += l.Quantity
			}
			assert.Equal(t, s.Totals.ItemCount, sum)
		}
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.coord.SubmitAdd(ctx, storefront.AddPayload{VariantID: "101", Quantity: 1}))
		_, _ = h.coord.Refresh(ctx)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint(6), h.store.Current().Totals.ItemCount)
}
