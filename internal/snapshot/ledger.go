package snapshot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"clmm-lp-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultLedgerWindow = 120 * time.Second
	seenRetention       = 24 * time.Hour
)

var reconcileEpsilon = decimal.New(1, -8)

// BalanceEvent is one wallet-affecting outcome of an executor action, in
// strategy orientation.
type BalanceEvent struct {
	Source     string
	Seq        int
	Kind       strategy.EventKind
	BaseDelta  decimal.Decimal
	QuoteDelta decimal.Decimal
	At         time.Time
}

func (e BalanceEvent) key() string {
	return fmt.Sprintf("%s/%s/%d", e.Source, e.Kind, e.Seq)
}

type eventKey struct {
	source string
	kind   strategy.EventKind
}

// Ledger tracks the expected wallet balance from executor events. Inside the
// window it is authoritative; outside it the wallet snapshot must agree with
// it to within reconcileEpsilon.
type Ledger struct {
	window time.Duration
	log    *zap.Logger

	mu          sync.RWMutex
	base        decimal.Decimal
	quote       decimal.Decimal
	hasBalance  bool
	lastEventAt time.Time
	seen        map[string]time.Time
	lastByKey   map[eventKey]time.Time
	pending     map[string]BalanceEvent
}

func NewLedger(window time.Duration, log *zap.Logger) *Ledger {
	if window <= 0 {
		window = defaultLedgerWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		window:    window,
		log:       log,
		seen:      make(map[string]time.Time),
		lastByKey: make(map[eventKey]time.Time),
		pending:   make(map[string]BalanceEvent),
	}
}

// Update applies new events and compares the ledger with the wallet snapshot.
// Events that arrive before the first fresh snapshot are held back.
func (l *Ledger) Update(events []BalanceEvent, walletBase, walletQuote decimal.Decimal, fresh bool, now time.Time) strategy.LedgerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasBalance {
		if !fresh {
			l.stash(events)
			return strategy.LedgerStatus{}
		}
		l.base, l.quote, l.hasBalance = walletBase, walletQuote, true
		held := make([]BalanceEvent, 0, len(l.pending))
		for _, ev := range l.pending {
			held = append(held, ev)
		}
		l.pending = make(map[string]BalanceEvent)
		l.apply(held)
	}
	l.apply(events)
	l.prune(now)

	status := strategy.LedgerStatus{HasBalance: true, Recent: l.recent(now)}
	if !status.Recent && fresh {
		status.Reconciled = l.reconcile(walletBase, walletQuote)
	}
	status.NeedsReconcile = !status.Recent && !status.Reconciled
	return status
}

// ForceReset makes the wallet snapshot authoritative again. Events applied
// before the reset no longer confirm anything.
func (l *Ledger) ForceReset(walletBase, walletQuote decimal.Decimal, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Warn("ledger reset to wallet snapshot",
		zap.String("ledger_base", l.base.String()),
		zap.String("ledger_quote", l.quote.String()),
		zap.String("wallet_base", walletBase.String()),
		zap.String("wallet_quote", walletQuote.String()),
	)
	l.base, l.quote, l.hasBalance = walletBase, walletQuote, true
	l.lastEventAt = now
	l.pending = make(map[string]BalanceEvent)
	l.lastByKey = make(map[eventKey]time.Time)
}

// HasEvent reports whether an event of kind from source was applied at or
// after since.
func (l *Ledger) HasEvent(source string, kind strategy.EventKind, since time.Time) bool {
	if since.IsZero() {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	at, ok := l.lastByKey[eventKey{source: source, kind: kind}]
	return ok && !at.Before(since)
}

func (l *Ledger) Balances() (decimal.Decimal, decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base, l.quote, l.hasBalance
}

func (l *Ledger) stash(events []BalanceEvent) {
	for _, ev := range events {
		key := ev.key()
		if _, ok := l.seen[key]; ok {
			continue
		}
		if _, ok := l.pending[key]; ok {
			continue
		}
		l.pending[key] = ev
	}
}

func (l *Ledger) apply(events []BalanceEvent) {
	ordered := append([]BalanceEvent(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].At.Equal(ordered[j].At) {
			return ordered[i].At.Before(ordered[j].At)
		}
		return ordered[i].key() < ordered[j].key()
	})
	for _, ev := range ordered {
		key := ev.key()
		if _, ok := l.seen[key]; ok {
			continue
		}
		if !l.lastEventAt.IsZero() && ev.At.Before(l.lastEventAt) {
			l.log.Debug("ledger skipped out of order event", zap.String("event", key))
			continue
		}
		l.base = l.base.Add(ev.BaseDelta)
		l.quote = l.quote.Add(ev.QuoteDelta)
		l.seen[key] = ev.At
		l.lastEventAt = ev.At
		l.lastByKey[eventKey{source: ev.Source, kind: ev.Kind}] = ev.At
	}
}

func (l *Ledger) recent(now time.Time) bool {
	if l.lastEventAt.IsZero() {
		return false
	}
	return now.Sub(l.lastEventAt) <= l.window
}

func (l *Ledger) reconcile(walletBase, walletQuote decimal.Decimal) bool {
	if l.base.Sub(walletBase).Abs().GreaterThan(reconcileEpsilon) ||
		l.quote.Sub(walletQuote).Abs().GreaterThan(reconcileEpsilon) {
		return false
	}
	l.base, l.quote = walletBase, walletQuote
	return true
}

func (l *Ledger) prune(now time.Time) {
	cutoff := now.Add(-seenRetention)
	for key, at := range l.seen {
		if at.Before(cutoff) {
			delete(l.seen, key)
		}
	}
}
