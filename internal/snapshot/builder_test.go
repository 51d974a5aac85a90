package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"clmm-lp-bot/internal/gateway/rest"
	"clmm-lp-bot/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateway struct {
	quote        rest.Quote
	priceErr     error
	balances     rest.Balances
	balanceErr   error
	balanceCalls int
	positions    map[string]rest.Position
	positionErr  error
}

func (f *fakeGateway) Price(context.Context) (rest.Quote, error) {
	return f.quote, f.priceErr
}

func (f *fakeGateway) Balances(context.Context) (rest.Balances, error) {
	f.balanceCalls++
	return f.balances, f.balanceErr
}

func (f *fakeGateway) Position(_ context.Context, id string) (rest.Position, error) {
	if f.positionErr != nil {
		return rest.Position{}, f.positionErr
	}
	pos, ok := f.positions[id]
	if !ok {
		return rest.Position{}, rest.ErrNotFound
	}
	return pos, nil
}

type fakeStatuses map[string]rest.ActionStatus

func (f fakeStatuses) Status(_ context.Context, id string) (rest.ActionStatus, error) {
	st, ok := f[id]
	if !ok {
		return rest.ActionStatus{}, rest.ErrNotFound
	}
	return st, nil
}

type fakeFeed struct {
	price float64
	ok    bool
}

func (f fakeFeed) Latest() (float64, time.Time, bool) {
	return f.price, time.Time{}, f.ok
}

type builderHarness struct {
	gw       *fakeGateway
	statuses fakeStatuses
	builder  *Builder
	now      time.Time
}

func newBuilderHarness(t *testing.T, cfg Config, feed PriceFeed) *builderHarness {
	t.Helper()
	h := &builderHarness{
		gw: &fakeGateway{
			quote:     rest.Quote{Price: 100},
			balances:  rest.Balances{Base: dec("1"), Quote: dec("100")},
			positions: map[string]rest.Position{},
		},
		statuses: fakeStatuses{},
		now:      time.Unix(1_700_000_000, 0),
	}
	h.builder = NewBuilder(cfg, h.gw, h.statuses, feed, zap.NewNop())
	h.builder.now = func() time.Time { return h.now }
	return h
}

func defaultBuilderConfig() Config {
	return Config{
		PriceMaxAge:    30 * time.Second,
		BalanceRefresh: 10 * time.Second,
		BalanceMaxAge:  30 * time.Second,
		LedgerWindow:   time.Minute,
	}
}

func TestBuilderPrefersStreamPrice(t *testing.T) {
	cfg := defaultBuilderConfig()
	cfg.PoolInverted = true
	h := newBuilderHarness(t, cfg, fakeFeed{price: 0.01, ok: true})

	snap := h.builder.Build(context.Background(), strategy.Watch{})
	require.True(t, snap.HasPrice)
	assert.InDelta(t, 100, snap.Price, 1e-9)
}

func TestBuilderRejectsStaleAndInvalidPrice(t *testing.T) {
	h := newBuilderHarness(t, defaultBuilderConfig(), fakeFeed{price: -1, ok: true})
	h.gw.quote = rest.Quote{Price: 100, At: h.now.Add(-time.Minute)}

	snap := h.builder.Build(context.Background(), strategy.Watch{})
	assert.False(t, snap.HasPrice)

	h.gw.quote = rest.Quote{Price: 100, At: h.now}
	snap = h.builder.Build(context.Background(), strategy.Watch{})
	assert.True(t, snap.HasPrice)

	h.gw.priceErr = errors.New("boom")
	snap = h.builder.Build(context.Background(), strategy.Watch{})
	assert.False(t, snap.HasPrice)
}

func TestBuilderBalanceFreshness(t *testing.T) {
	h := newBuilderHarness(t, defaultBuilderConfig(), nil)

	snap := h.builder.Build(context.Background(), strategy.Watch{})
	assert.True(t, snap.BalanceFresh)
	assert.Equal(t, 1.0, snap.WalletBase)
	assert.Equal(t, 100.0, snap.WalletQuote)
	assert.Equal(t, 1, h.gw.balanceCalls)

	h.now = h.now.Add(5 * time.Second)
	h.builder.Build(context.Background(), strategy.Watch{})
	assert.Equal(t, 1, h.gw.balanceCalls, "expected cached balances inside the refresh interval")

	h.gw.balanceErr = errors.New("rpc down")
	h.now = h.now.Add(40 * time.Second)
	snap = h.builder.Build(context.Background(), strategy.Watch{})
	assert.False(t, snap.BalanceFresh)
	assert.Equal(t, 1.0, snap.WalletBase)
}

func TestBuilderCompletedCloseRecordsEvent(t *testing.T) {
	h := newBuilderHarness(t, defaultBuilderConfig(), nil)
	h.builder.Build(context.Background(), strategy.Watch{})
	since := h.now

	h.builder.Track(strategy.Action{ID: "close-pos-1", Kind: strategy.ActionClose, PositionID: "pos-1"})
	h.statuses["close-pos-1"] = rest.ActionStatus{State: rest.ActionPending}
	h.now = h.now.Add(2 * time.Second)
	snap := h.builder.Build(context.Background(), strategy.Watch{PositionID: "pos-1"})
	assert.False(t, snap.Events.HasEvent("pos-1", strategy.EventPositionClose, since))

	h.statuses["close-pos-1"] = rest.ActionStatus{State: rest.ActionCompleted, Delta0: dec("1"), Delta1: dec("100")}
	h.gw.balances = rest.Balances{Base: dec("2"), Quote: dec("200")}
	h.now = h.now.Add(2 * time.Second)
	snap = h.builder.Build(context.Background(), strategy.Watch{PositionID: "pos-1"})

	assert.True(t, snap.Events.HasEvent("pos-1", strategy.EventPositionClose, since))
	assert.Equal(t, 2, h.gw.balanceCalls, "expected refresh after a finished action")
	assert.Equal(t, 2.0, snap.WalletBase)
	assert.True(t, snap.Ledger.Recent)
	assert.Nil(t, snap.Position)
}

func TestBuilderResolvesPositionFromOpenAction(t *testing.T) {
	cfg := defaultBuilderConfig()
	cfg.PoolInverted = true
	h := newBuilderHarness(t, cfg, nil)
	h.gw.quote = rest.Quote{Price: 0.01}
	h.builder.Track(strategy.Action{ID: "open-1", Kind: strategy.ActionOpen})
	h.statuses["open-1"] = rest.ActionStatus{State: rest.ActionCompleted, PositionID: "pos-9", Delta0: dec("-500"), Delta1: dec("-5")}
	h.gw.positions["pos-9"] = rest.Position{
		ID:      "pos-9",
		State:   "OPEN",
		Lower:   0.008,
		Upper:   0.0125,
		Amount0: 500,
		Amount1: 5,
		Price:   0.01,
	}

	snap := h.builder.Build(context.Background(), strategy.Watch{OpenActionID: "open-1"})
	require.NotNil(t, snap.Position)
	pos := snap.Position
	assert.Equal(t, "pos-9", pos.ID)
	assert.Equal(t, "open-1", pos.ActionID)
	assert.Equal(t, strategy.PositionInRange, pos.State)
	assert.InDelta(t, 80, pos.Lower, 1e-9)
	assert.InDelta(t, 125, pos.Upper, 1e-9)
	assert.Equal(t, 5.0, pos.BaseAmount)
	assert.Equal(t, 500.0, pos.QuoteAmount)
	assert.True(t, snap.Events.HasEvent("pos-9", strategy.EventPositionOpen, h.now))
}

func TestBuilderPositionErrors(t *testing.T) {
	h := newBuilderHarness(t, defaultBuilderConfig(), nil)

	snap := h.builder.Build(context.Background(), strategy.Watch{PositionID: "gone"})
	assert.Nil(t, snap.Position)
	assert.False(t, snap.PositionUnavailable)

	h.gw.positionErr = errors.New("timeout")
	snap = h.builder.Build(context.Background(), strategy.Watch{PositionID: "pos-1"})
	assert.Nil(t, snap.Position)
	assert.True(t, snap.PositionUnavailable)
}

func TestBuilderPositionStateFromPrice(t *testing.T) {
	h := newBuilderHarness(t, defaultBuilderConfig(), nil)
	h.gw.quote = rest.Quote{Price: 120}
	h.gw.positions["pos-1"] = rest.Position{ID: "pos-1", State: "ACTIVE", Lower: 90, Upper: 110}

	snap := h.builder.Build(context.Background(), strategy.Watch{PositionID: "pos-1"})
	require.NotNil(t, snap.Position)
	assert.Equal(t, strategy.PositionOutOfRange, snap.Position.State)

	h.gw.positions["pos-1"] = rest.Position{ID: "pos-1", State: "IN_RANGE", Lower: 110, Upper: 90}
	snap = h.builder.Build(context.Background(), strategy.Watch{PositionID: "pos-1"})
	assert.False(t, snap.Position.HasBounds())
}

func TestBuilderSwapViews(t *testing.T) {
	h := newBuilderHarness(t, defaultBuilderConfig(), nil)
	h.builder.Track(strategy.Action{ID: "swap-1", Kind: strategy.ActionSwap, Side: strategy.SideSell, Purpose: strategy.PurposeLiquidation})
	h.statuses["swap-1"] = rest.ActionStatus{State: rest.ActionPending}

	snap := h.builder.Build(context.Background(), strategy.Watch{})
	require.Len(t, snap.Swaps, 1)
	assert.Equal(t, strategy.SwapPending, snap.Swaps[0].State)
	assert.Equal(t, 1, snap.ActiveSwaps())

	h.statuses["swap-1"] = rest.ActionStatus{State: rest.ActionFailed, Error: "slippage"}
	h.now = h.now.Add(time.Second)
	snap = h.builder.Build(context.Background(), strategy.Watch{})
	require.Len(t, snap.Swaps, 1)
	assert.Equal(t, strategy.SwapFailed, snap.Swaps[0].State)
	assert.Equal(t, h.now, snap.Swaps[0].UpdatedAt)
	assert.Equal(t, 0, snap.ActiveSwaps())

	h.now = h.now.Add(trackedRetention + time.Second)
	snap = h.builder.Build(context.Background(), strategy.Watch{})
	assert.Empty(t, snap.Swaps)
}

func TestBuilderForceResetsStaleLedger(t *testing.T) {
	h := newBuilderHarness(t, defaultBuilderConfig(), nil)
	h.builder.Build(context.Background(), strategy.Watch{})

	h.gw.balances = rest.Balances{Base: dec("3"), Quote: dec("100")}
	h.now = h.now.Add(2 * time.Minute)
	snap := h.builder.Build(context.Background(), strategy.Watch{})
	assert.True(t, snap.Ledger.NeedsReconcile)

	h.now = h.now.Add(30 * time.Second)
	snap = h.builder.Build(context.Background(), strategy.Watch{})
	assert.True(t, snap.Ledger.NeedsReconcile)

	h.now = h.now.Add(40 * time.Second)
	snap = h.builder.Build(context.Background(), strategy.Watch{})
	assert.False(t, snap.Ledger.NeedsReconcile)
	base, _, _ := h.builder.Ledger().Balances()
	assert.True(t, base.Equal(dec("3")))
}

func TestBuilderAbandonsStuckActions(t *testing.T) {
	cfg := defaultBuilderConfig()
	cfg.ActionTimeout = 10 * time.Minute
	h := newBuilderHarness(t, cfg, nil)
	h.builder.Track(strategy.Action{ID: "close-pos-1", Kind: strategy.ActionClose, PositionID: "pos-1"})
	h.builder.Track(strategy.Action{ID: "swap-1", Kind: strategy.ActionSwap, Side: strategy.SideSell, Purpose: strategy.PurposeLiquidation})
	h.statuses["swap-1"] = rest.ActionStatus{State: rest.ActionPending}

	snap := h.builder.Build(context.Background(), strategy.Watch{PositionID: "pos-1"})
	require.Len(t, snap.Actions, 1)
	assert.Equal(t, strategy.ActionPending, snap.Actions[0].State)
	assert.Equal(t, "pos-1", snap.Actions[0].PositionID)
	assert.Equal(t, 1, snap.ActiveSwaps())

	h.now = h.now.Add(6 * time.Hour)
	snap = h.builder.Build(context.Background(), strategy.Watch{PositionID: "pos-1"})
	require.Len(t, snap.Actions, 1)
	assert.Equal(t, "close-pos-1", snap.Actions[0].ID)
	assert.Equal(t, strategy.ActionFailed, snap.Actions[0].State)
	require.Len(t, snap.Swaps, 1)
	assert.Equal(t, strategy.SwapFailed, snap.Swaps[0].State)
	assert.Equal(t, 0, snap.ActiveSwaps())
}

func TestBuilderWatchesAbandonedOpen(t *testing.T) {
	cfg := defaultBuilderConfig()
	cfg.ActionTimeout = 10 * time.Minute
	h := newBuilderHarness(t, cfg, nil)
	h.builder.Track(strategy.Action{ID: "open-1", Kind: strategy.ActionOpen})
	h.statuses["open-1"] = rest.ActionStatus{State: rest.ActionPending}
	watch := strategy.Watch{OrphanOpenIDs: []string{"open-1"}}

	h.builder.Build(context.Background(), watch)
	h.now = h.now.Add(11 * time.Minute)
	snap := h.builder.Build(context.Background(), watch)
	require.Len(t, snap.Actions, 1)
	assert.Equal(t, strategy.ActionFailed, snap.Actions[0].State)
	assert.Empty(t, snap.Orphans)

	h.statuses["open-1"] = rest.ActionStatus{State: rest.ActionPending, PositionID: "pos-5"}
	h.gw.positions["pos-5"] = rest.Position{ID: "pos-5", State: "OPEN", Lower: 90, Upper: 110}
	h.now = h.now.Add(trackedRetention + time.Minute)
	snap = h.builder.Build(context.Background(), watch)
	require.Len(t, snap.Orphans, 1)
	assert.Equal(t, "pos-5", snap.Orphans[0].ID)
	assert.Equal(t, "open-1", snap.Orphans[0].ActionID)
	assert.Equal(t, strategy.PositionInRange, snap.Orphans[0].State)
	assert.Nil(t, snap.Position)

	h.statuses["open-1"] = rest.ActionStatus{State: rest.ActionCompleted, PositionID: "pos-5"}
	h.now = h.now.Add(time.Second)
	snap = h.builder.Build(context.Background(), watch)
	require.Len(t, snap.Actions, 1)
	assert.Equal(t, strategy.ActionCompleted, snap.Actions[0].State)
	require.Len(t, snap.Orphans, 1)

	h.now = h.now.Add(trackedRetention + time.Minute)
	snap = h.builder.Build(context.Background(), strategy.Watch{})
	assert.Empty(t, snap.Actions)
}
