package strategy

import "time"

const (
	maxRebalanceHistory = 200
	maxOrphanOpens      = 8
	orphanWatch         = 30 * time.Minute
)

type Retries struct {
	Open          int
	InventorySwap int
	ExitSwap      int
	Close         int
}

// AbandonedOpen is an OPEN given up on after its timeout. It stays watched so
// a late position can be closed.
type AbandonedOpen struct {
	ActionID      string
	Since         time.Time
	CloseAttempts int
}

// ControllerContext is the controller's memory between ticks. Only the
// controller mutates it.
type ControllerContext struct {
	State      State
	StateSince time.Time

	AnchorEquity float64
	HasAnchor    bool

	CooldownUntil       time.Time
	RebalanceTimestamps []time.Time
	Fee                 FeeEstimator

	PendingActionID string
	PendingKind     ActionKind
	PendingPurpose  SwapPurpose
	PendingSince    time.Time

	PositionID      string
	OutOfRangeSince time.Time
	Retries         Retries
	// CloseBase is the close attempt count at the last operator unlock.
	CloseBase int

	ReopenPending      bool
	ReopenAfter        time.Time
	PendingLiquidation bool
	PendingRealized    bool

	AbandonedOpens []AbandonedOpen

	LastExitReason string
	FailureReason  string
	LastReason     string
}

// reset ends a lifecycle. Fields that gate the next lifecycle survive.
func (c *ControllerContext) reset() {
	*c = ControllerContext{
		State:               c.State,
		StateSince:          c.StateSince,
		CooldownUntil:       c.CooldownUntil,
		RebalanceTimestamps: c.RebalanceTimestamps,
		AbandonedOpens:      c.AbandonedOpens,
		LastExitReason:      c.LastExitReason,
		FailureReason:       c.FailureReason,
		LastReason:          c.LastReason,
	}
}

func (c *ControllerContext) setPending(kind ActionKind, id string, now time.Time) {
	c.PendingKind = kind
	c.PendingActionID = id
	c.PendingSince = now
	c.PendingPurpose = ""
}

func (c *ControllerContext) clearPending() {
	c.PendingKind = ""
	c.PendingActionID = ""
	c.PendingPurpose = ""
	c.PendingSince = time.Time{}
}

func (c *ControllerContext) recordRebalance(now time.Time) {
	c.RebalanceTimestamps = append(c.RebalanceTimestamps, now)
	if n := len(c.RebalanceTimestamps); n > maxRebalanceHistory {
		c.RebalanceTimestamps = append([]time.Time(nil), c.RebalanceTimestamps[n-maxRebalanceHistory:]...)
	}
}

func (c ControllerContext) rebalancesSince(now time.Time) int {
	cutoff := now.Add(-rebalanceWindow)
	n := 0
	for _, ts := range c.RebalanceTimestamps {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

func (c *ControllerContext) abandonOpen(id string, now time.Time) {
	if id == "" {
		return
	}
	c.AbandonedOpens = append(c.AbandonedOpens, AbandonedOpen{ActionID: id, Since: now})
	if n := len(c.AbandonedOpens); n > maxOrphanOpens {
		c.AbandonedOpens = append([]AbandonedOpen(nil), c.AbandonedOpens[n-maxOrphanOpens:]...)
	}
}

func (c ControllerContext) orphanIDs() []string {
	if len(c.AbandonedOpens) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.AbandonedOpens))
	for _, a := range c.AbandonedOpens {
		ids = append(ids, a.ActionID)
	}
	return ids
}

func (c ControllerContext) clone() ControllerContext {
	out := c
	out.RebalanceTimestamps = append([]time.Time(nil), c.RebalanceTimestamps...)
	out.AbandonedOpens = append([]AbandonedOpen(nil), c.AbandonedOpens...)
	return out
}
