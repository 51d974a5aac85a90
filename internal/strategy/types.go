package strategy

import "time"

type State string

const (
	StateIdle           State = "IDLE"
	StateEntryOpen      State = "ENTRY_OPEN"
	StateActive         State = "ACTIVE"
	StateRebalanceStop  State = "REBALANCE_STOP"
	StateRebalanceOpen  State = "REBALANCE_OPEN"
	StateTakeProfitStop State = "TAKE_PROFIT_STOP"
	StateStopLossStop   State = "STOPLOSS_STOP"
	StateExitSwap       State = "EXIT_SWAP"
	StateCooldown       State = "COOLDOWN"
	StateManualStop     State = "MANUAL_STOP"
	StateFailureLock    State = "FAILURE_LOCK"
)

type PositionState string

const (
	PositionOpening    PositionState = "OPENING"
	PositionInRange    PositionState = "IN_RANGE"
	PositionOutOfRange PositionState = "OUT_OF_RANGE"
	PositionClosing    PositionState = "CLOSING"
	PositionClosed     PositionState = "CLOSED"
	PositionFailed     PositionState = "FAILED"
)

type SwapState string

const (
	SwapPending   SwapState = "PENDING"
	SwapCompleted SwapState = "COMPLETED"
	SwapFailed    SwapState = "FAILED"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type SwapPurpose string

const (
	PurposeInventory   SwapPurpose = "inventory"
	PurposeLiquidation SwapPurpose = "liquidation"
)

type ActionKind string

const (
	ActionOpen  ActionKind = "OPEN"
	ActionClose ActionKind = "CLOSE"
	ActionSwap  ActionKind = "SWAP"
)

// PositionView is the executor's projection of one LP position, already in
// strategy orientation (base/quote as configured, prices quote per base).
type PositionView struct {
	ID              string
	ActionID        string
	State           PositionState
	Lower           float64
	Upper           float64
	BaseAmount      float64
	QuoteAmount     float64
	BaseFee         float64
	QuoteFee        float64
	Price           float64
	OutOfRangeSince time.Time
}

func (p PositionView) Open() bool {
	return p.State == PositionInRange || p.State == PositionOutOfRange
}

func (p PositionView) Closed() bool {
	return p.State == PositionClosed
}

func (p PositionView) InTransition() bool {
	return p.State == PositionOpening || p.State == PositionClosing
}

func (p PositionView) Failed() bool {
	return p.State == PositionFailed
}

func (p PositionView) HasBounds() bool {
	return p.Lower > 0 && p.Upper > 0 && p.Lower < p.Upper
}

// Value is the position worth in quote at price, uncollected fees included.
func (p PositionView) Value(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return (p.BaseAmount+p.BaseFee)*price + p.QuoteAmount + p.QuoteFee
}

type SwapView struct {
	ID        string
	State     SwapState
	Side      Side
	Purpose   SwapPurpose
	AmountIn  float64
	AmountOut float64
	UpdatedAt time.Time
}

func (s SwapView) Done() bool {
	return s.State == SwapCompleted || s.State == SwapFailed
}

// ActionState is the executor's view of a non-swap action.
type ActionState string

const (
	ActionPending   ActionState = "PENDING"
	ActionCompleted ActionState = "COMPLETED"
	ActionFailed    ActionState = "FAILED"
)

// ActionView summarises an emitted OPEN or CLOSE. PositionID is the position
// the executor reports for it, once known.
type ActionView struct {
	ID         string
	Kind       ActionKind
	State      ActionState
	PositionID string
	UpdatedAt  time.Time
}

type EventKind string

const (
	EventPositionOpen  EventKind = "position_open"
	EventPositionClose EventKind = "position_close"
	EventSwap          EventKind = "swap"
)

// EventLog answers whether a balance-affecting event from source was applied
// at or after since.
type EventLog interface {
	HasEvent(source string, kind EventKind, since time.Time) bool
}

type LedgerStatus struct {
	HasBalance     bool
	Recent         bool
	Reconciled     bool
	NeedsReconcile bool
}

// Snapshot is rebuilt every tick and never patched.
type Snapshot struct {
	Now                 time.Time
	Price               float64
	HasPrice            bool
	WalletBase          float64
	WalletQuote         float64
	BalanceFresh        bool
	Ledger              LedgerStatus
	Events              EventLog
	Position            *PositionView
	PositionUnavailable bool
	Swaps               []SwapView
	Actions             []ActionView
	// Orphans are positions opened by abandoned OPEN attempts.
	Orphans []PositionView
}

func (s Snapshot) hasEvent(source string, kind EventKind, since time.Time) bool {
	if s.Events == nil || source == "" {
		return false
	}
	return s.Events.HasEvent(source, kind, since)
}

func (s Snapshot) swap(id string) (SwapView, bool) {
	for _, sw := range s.Swaps {
		if sw.ID == id {
			return sw, true
		}
	}
	return SwapView{}, false
}

func (s Snapshot) action(id string) (ActionView, bool) {
	for _, a := range s.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return ActionView{}, false
}

func (s Snapshot) orphan(actionID string) (PositionView, bool) {
	for _, p := range s.Orphans {
		if p.ActionID == actionID {
			return p, true
		}
	}
	return PositionView{}, false
}

func (s Snapshot) ActiveSwaps() int {
	n := 0
	for _, sw := range s.Swaps {
		if !sw.Done() {
			n++
		}
	}
	return n
}

type Action struct {
	ID   string
	Kind ActionKind

	// CLOSE
	PositionID string

	// OPEN, strategy orientation
	Lower float64
	Upper float64
	Base  float64
	Quote float64

	// SWAP
	Side          Side
	Amount        float64
	AmountIsQuote bool
	ApplyBuffer   bool
	Purpose       SwapPurpose
	MaxSlippage   float64
}

type Decision struct {
	Actions   []Action
	NextState State
	Reason    string
}

// Inputs are operator intents sampled once per tick.
type Inputs struct {
	ManualStop     bool
	Unlock         bool
	ReenterEnabled bool
}

// Watch tells the snapshot builder which executor objects the controller
// currently cares about.
type Watch struct {
	PositionID    string
	OpenActionID  string
	OrphanOpenIDs []string
}

// IDSource mints action ids. Close ids must be deterministic per position and
// attempt so that reissued closes deduplicate downstream while a failed close
// can be retried under a new id.
type IDSource interface {
	OpenID() string
	SwapID() string
	CloseID(positionID string, attempt int) string
}
