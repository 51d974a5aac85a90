package strategy

import "time"

// Status is the read-only view published after every tick.
type Status struct {
	State             State
	StateSince        time.Time
	TimeInState       time.Duration
	Reason            string
	AnchorEquity      float64
	HasAnchor         bool
	Equity            float64
	CooldownRemaining time.Duration
	RebalanceDue      bool
	ActivePositions   int
	ActiveSwaps       int
	FeeRate           float64
	PositionID        string
	PendingActionID   string
	PendingKind       ActionKind
	OrphanOpenIDs     []string
	LastExitReason    string
	FailureReason     string
	Stats             Stats
	UpdatedAt         time.Time
}
