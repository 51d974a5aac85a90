package snapshot

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"clmm-lp-bot/internal/gateway/rest"
	"clmm-lp-bot/internal/strategy"

	"go.uber.org/zap"
)

const trackedRetention = 10 * time.Minute

type Gateway interface {
	Price(ctx context.Context) (rest.Quote, error)
	Balances(ctx context.Context) (rest.Balances, error)
	Position(ctx context.Context, id string) (rest.Position, error)
}

// StatusSource resolves an action by the id the controller minted for it.
type StatusSource interface {
	Status(ctx context.Context, actionID string) (rest.ActionStatus, error)
}

// PriceFeed is an optional streamed pool price.
type PriceFeed interface {
	Latest() (float64, time.Time, bool)
}

type Config struct {
	PoolInverted   bool
	PriceMaxAge    time.Duration
	BalanceRefresh time.Duration
	BalanceMaxAge  time.Duration
	LedgerWindow   time.Duration
	// ActionTimeout abandons an action whose status stays unknown or pending
	// for this long. Zero disables it.
	ActionTimeout time.Duration
}

type tracked struct {
	action   strategy.Action
	since    time.Time
	status   rest.ActionStatus
	done     bool
	doneAt   time.Time
	timedOut bool
}

// Builder assembles one immutable strategy.Snapshot per tick from the gateway,
// the executor and the price stream.
type Builder struct {
	cfg     Config
	gw      Gateway
	actions StatusSource
	feed    PriceFeed
	ledger  *Ledger
	orient  strategy.Orientation
	log     *zap.Logger
	now     func() time.Time

	mu            sync.Mutex
	tracked       map[string]*tracked
	balances      rest.Balances
	balancesAt    time.Time
	balancesDirty bool
	staleSince    time.Time
}

func NewBuilder(cfg Config, gw Gateway, actions StatusSource, feed PriceFeed, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		cfg:     cfg,
		gw:      gw,
		actions: actions,
		feed:    feed,
		ledger:  NewLedger(cfg.LedgerWindow, log),
		orient:  strategy.Orientation{Inverted: cfg.PoolInverted},
		log:     log,
		now:     time.Now,
		tracked: make(map[string]*tracked),
	}
}

func (b *Builder) Ledger() *Ledger {
	return b.ledger
}

// Track starts polling an emitted action. Tracking the same id twice is a no-op.
func (b *Builder) Track(action strategy.Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tracked[action.ID]; ok {
		return
	}
	b.tracked[action.ID] = &tracked{action: action, since: b.now()}
}

func (b *Builder) Build(ctx context.Context, watch strategy.Watch) strategy.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	snap := strategy.Snapshot{Now: now, Events: b.ledger}

	snap.Price, snap.HasPrice = b.price(ctx, now)
	events := b.pollActions(ctx, now, watched(watch))

	fresh := b.refreshBalances(ctx, now)
	snap.BalanceFresh = fresh
	snap.WalletBase = b.balances.Base.InexactFloat64()
	snap.WalletQuote = b.balances.Quote.InexactFloat64()

	snap.Position, snap.PositionUnavailable = b.position(ctx, watch, snap.Price)
	snap.Orphans = b.orphans(ctx, watch, snap.Price)
	snap.Swaps = b.swapViews(now)
	snap.Actions = b.actionViews()
	snap.Ledger = b.updateLedger(events, fresh, now)
	return snap
}

func (b *Builder) price(ctx context.Context, now time.Time) (float64, bool) {
	if b.feed != nil {
		if p, _, ok := b.feed.Latest(); ok && validPrice(p) {
			return b.orient.PriceToStrategy(p), true
		}
	}
	quote, err := b.gw.Price(ctx)
	if err != nil {
		b.log.Warn("price fetch failed", zap.Error(err))
		return 0, false
	}
	if !validPrice(quote.Price) {
		b.log.Warn("price rejected", zap.Float64("price", quote.Price))
		return 0, false
	}
	at := quote.At
	if at.IsZero() {
		at = now
	}
	if b.cfg.PriceMaxAge > 0 && now.Sub(at) > b.cfg.PriceMaxAge {
		b.log.Warn("price stale", zap.Time("at", at))
		return 0, false
	}
	return b.orient.PriceToStrategy(quote.Price), true
}

func validPrice(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p > 0
}

func watched(w strategy.Watch) map[string]bool {
	ids := make(map[string]bool, len(w.OrphanOpenIDs)+1)
	if w.OpenActionID != "" {
		ids[w.OpenActionID] = true
	}
	for _, id := range w.OrphanOpenIDs {
		ids[id] = true
	}
	return ids
}

// pollActions refreshes every tracked action. Opens the controller still
// watches are kept past retention, and polled past their timeout, so a late
// position can be found.
func (b *Builder) pollActions(ctx context.Context, now time.Time, watch map[string]bool) []BalanceEvent {
	var events []BalanceEvent
	for id, t := range b.tracked {
		if t.done && !(t.timedOut && watch[id]) {
			if now.Sub(t.doneAt) > trackedRetention && !watch[id] {
				delete(b.tracked, id)
			}
			continue
		}
		status, err := b.actions.Status(ctx, id)
		if err != nil {
			b.log.Debug("action status unavailable", zap.String("action_id", id), zap.Error(err))
			b.expire(id, t, now)
			continue
		}
		if t.timedOut && !status.Done() {
			t.status.PositionID = status.PositionID
			continue
		}
		t.status = status
		if !status.Done() {
			b.expire(id, t, now)
			continue
		}
		t.timedOut = false
		t.done = true
		t.doneAt = now
		b.balancesDirty = true
		b.log.Info("action finished",
			zap.String("action_id", id),
			zap.String("kind", string(t.action.Kind)),
			zap.String("state", string(status.State)),
			zap.String("error", status.Error),
		)
		if status.State == rest.ActionCompleted {
			if ev, ok := b.eventFor(t, now); ok {
				events = append(events, ev)
			}
		}
	}
	return events
}

// expire gives up on an action that never reached a final state.
func (b *Builder) expire(id string, t *tracked, now time.Time) {
	if t.done || b.cfg.ActionTimeout <= 0 || now.Sub(t.since) < b.cfg.ActionTimeout {
		return
	}
	t.done = true
	t.timedOut = true
	t.doneAt = now
	t.status.State = rest.ActionFailed
	if t.status.Error == "" {
		t.status.Error = "status timeout"
	}
	b.balancesDirty = true
	b.log.Warn("action abandoned",
		zap.String("action_id", id),
		zap.String("kind", string(t.action.Kind)),
		zap.Duration("age", now.Sub(t.since)),
	)
}

func (b *Builder) eventFor(t *tracked, now time.Time) (BalanceEvent, bool) {
	base, quote := t.status.Delta0, t.status.Delta1
	if b.orient.Inverted {
		base, quote = quote, base
	}
	ev := BalanceEvent{Seq: 1, BaseDelta: base, QuoteDelta: quote, At: now}
	switch t.action.Kind {
	case strategy.ActionSwap:
		ev.Kind, ev.Source = strategy.EventSwap, t.action.ID
	case strategy.ActionClose:
		ev.Kind, ev.Source = strategy.EventPositionClose, t.action.PositionID
	case strategy.ActionOpen:
		ev.Kind, ev.Source = strategy.EventPositionOpen, t.status.PositionID
	default:
		return BalanceEvent{}, false
	}
	if ev.Source == "" {
		return BalanceEvent{}, false
	}
	return ev, true
}

func (b *Builder) refreshBalances(ctx context.Context, now time.Time) bool {
	due := b.balancesAt.IsZero() || b.balancesDirty || now.Sub(b.balancesAt) >= b.cfg.BalanceRefresh
	if due {
		bal, err := b.gw.Balances(ctx)
		if err != nil {
			b.log.Warn("balance fetch failed", zap.Error(err))
		} else {
			b.balances = bal
			b.balancesAt = now
			b.balancesDirty = false
		}
	}
	if b.balancesAt.IsZero() {
		return false
	}
	return b.cfg.BalanceMaxAge <= 0 || now.Sub(b.balancesAt) <= b.cfg.BalanceMaxAge
}

func (b *Builder) position(ctx context.Context, watch strategy.Watch, price float64) (*strategy.PositionView, bool) {
	id := watch.PositionID
	actionID := ""
	if id == "" && watch.OpenActionID != "" {
		if t, ok := b.tracked[watch.OpenActionID]; ok && t.status.State != rest.ActionFailed {
			id = t.status.PositionID
			actionID = watch.OpenActionID
		}
	}
	if id == "" {
		return nil, false
	}
	raw, err := b.gw.Position(ctx, id)
	if errors.Is(err, rest.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		b.log.Warn("position fetch failed", zap.String("position_id", id), zap.Error(err))
		return nil, true
	}
	view := b.positionView(raw, price)
	if actionID != "" {
		view.ActionID = actionID
	}
	return view, false
}

// orphans resolves the positions of abandoned opens the controller still
// watches.
func (b *Builder) orphans(ctx context.Context, watch strategy.Watch, price float64) []strategy.PositionView {
	var out []strategy.PositionView
	for _, actionID := range watch.OrphanOpenIDs {
		t, ok := b.tracked[actionID]
		if !ok || t.status.PositionID == "" {
			continue
		}
		raw, err := b.gw.Position(ctx, t.status.PositionID)
		if err != nil {
			if !errors.Is(err, rest.ErrNotFound) {
				b.log.Warn("orphan position fetch failed", zap.String("action_id", actionID), zap.Error(err))
			}
			continue
		}
		view := b.positionView(raw, price)
		view.ActionID = actionID
		out = append(out, *view)
	}
	return out
}

func (b *Builder) positionView(p rest.Position, price float64) *strategy.PositionView {
	base, quote := b.orient.AmountsToStrategy(p.Amount0, p.Amount1)
	baseFee, quoteFee := b.orient.AmountsToStrategy(p.Fee0, p.Fee1)
	lower, upper := b.orient.BoundsToStrategy(p.Lower, p.Upper)
	view := &strategy.PositionView{
		ID:              p.ID,
		ActionID:        p.ActionID,
		Lower:           lower,
		Upper:           upper,
		BaseAmount:      base,
		QuoteAmount:     quote,
		BaseFee:         baseFee,
		QuoteFee:        quoteFee,
		Price:           b.orient.PriceToStrategy(p.Price),
		OutOfRangeSince: p.OutOfRangeSince,
	}
	if !view.HasBounds() {
		b.log.Warn("position bounds invalid", zap.String("position_id", p.ID), zap.Float64("lower", lower), zap.Float64("upper", upper))
		view.Lower, view.Upper = 0, 0
	}
	if price <= 0 {
		price = view.Price
	}
	view.State = positionState(p.State, price, view.Lower, view.Upper)
	return view
}

func positionState(raw string, price, lower, upper float64) strategy.PositionState {
	switch raw {
	case "IN_RANGE":
		return strategy.PositionInRange
	case "OUT_OF_RANGE":
		return strategy.PositionOutOfRange
	case "OPEN", "ACTIVE":
		if price > 0 && lower > 0 && (price < lower || price > upper) {
			return strategy.PositionOutOfRange
		}
		return strategy.PositionInRange
	case "CLOSING":
		return strategy.PositionClosing
	case "CLOSED":
		return strategy.PositionClosed
	case "FAILED", "RETRIES_EXCEEDED":
		return strategy.PositionFailed
	}
	return strategy.PositionOpening
}

func (b *Builder) swapViews(now time.Time) []strategy.SwapView {
	var out []strategy.SwapView
	for id, t := range b.tracked {
		if t.action.Kind != strategy.ActionSwap {
			continue
		}
		view := strategy.SwapView{
			ID:        id,
			State:     strategy.SwapPending,
			Side:      t.action.Side,
			Purpose:   t.action.Purpose,
			AmountIn:  t.status.AmountIn.InexactFloat64(),
			AmountOut: t.status.AmountOut.InexactFloat64(),
			UpdatedAt: t.status.UpdatedAt,
		}
		switch t.status.State {
		case rest.ActionCompleted:
			view.State = strategy.SwapCompleted
		case rest.ActionFailed:
			view.State = strategy.SwapFailed
		}
		if t.done && (view.UpdatedAt.IsZero() || view.UpdatedAt.Before(t.since)) {
			view.UpdatedAt = t.doneAt
		}
		out = append(out, view)
	}
	return out
}

func (b *Builder) actionViews() []strategy.ActionView {
	var out []strategy.ActionView
	for id, t := range b.tracked {
		if t.action.Kind == strategy.ActionSwap {
			continue
		}
		view := strategy.ActionView{
			ID:         id,
			Kind:       t.action.Kind,
			State:      strategy.ActionPending,
			PositionID: t.status.PositionID,
			UpdatedAt:  t.status.UpdatedAt,
		}
		if view.PositionID == "" {
			view.PositionID = t.action.PositionID
		}
		switch {
		case t.timedOut, t.status.State == rest.ActionFailed:
			view.State = strategy.ActionFailed
		case t.status.State == rest.ActionCompleted:
			view.State = strategy.ActionCompleted
		}
		if t.done && view.UpdatedAt.IsZero() {
			view.UpdatedAt = t.doneAt
		}
		out = append(out, view)
	}
	return out
}

// updateLedger feeds the ledger and, once it has disagreed with the wallet
// for a full window, resets it to the wallet.
func (b *Builder) updateLedger(events []BalanceEvent, fresh bool, now time.Time) strategy.LedgerStatus {
	status := b.ledger.Update(events, b.balances.Base, b.balances.Quote, fresh, now)
	if !status.NeedsReconcile || !fresh {
		b.staleSince = time.Time{}
		return status
	}
	if b.staleSince.IsZero() {
		b.staleSince = now
		return status
	}
	if now.Sub(b.staleSince) < b.ledger.window {
		return status
	}
	b.ledger.ForceReset(b.balances.Base, b.balances.Quote, now)
	b.staleSince = time.Time{}
	return b.ledger.Update(nil, b.balances.Base, b.balances.Quote, fresh, now)
}
