package strategy

import (
	"math"

	"clmm-lp-bot/internal/config"
)

// AnchorTracker computes the equity figures that stop-loss, take-profit and
// reopen sizing are measured against.
type AnchorTracker struct {
	mode string
	cap  float64
}

func NewAnchorTracker(cfg config.StrategyConfig) AnchorTracker {
	mode := cfg.EquityMode
	if mode == "" {
		mode = config.EquityModeBudget
	}
	return AnchorTracker{mode: mode, cap: math.Max(0, cfg.PositionValueQuote)}
}

// Equity values the managed capital at price. In budget mode the wallet only
// contributes the slice that tops the position up to the cap, so unrelated
// wallet funds never mask a loss.
func (a AnchorTracker) Equity(price, walletBase, walletQuote float64, pos *PositionView, anchor float64) (float64, bool) {
	if !(price > 0) {
		return 0, false
	}
	lp := 0.0
	if pos != nil && !pos.Closed() {
		lp = pos.Value(price)
	}
	if a.mode == config.EquityModePosition {
		if pos == nil || !pos.Open() {
			return 0, false
		}
		return lp, true
	}
	return a.budgetEquity(price, walletBase, walletQuote, lp, anchor), true
}

// ExitEquity values capital after a close, when only the wallet is left.
func (a AnchorTracker) ExitEquity(price, walletBase, walletQuote, anchor float64) (float64, bool) {
	if !(price > 0) {
		return 0, false
	}
	return a.budgetEquity(price, walletBase, walletQuote, 0, anchor), true
}

func (a AnchorTracker) budgetEquity(price, walletBase, walletQuote, lp, anchor float64) float64 {
	wallet := walletBase*price + walletQuote
	limit := anchor
	if limit <= 0 {
		limit = a.cap
	}
	if limit <= 0 {
		return lp + wallet
	}
	return lp + math.Min(wallet, math.Max(0, limit-lp))
}

// Baseline turns the first observed equity into the lifecycle anchor.
func (a AnchorTracker) Baseline(equity float64) float64 {
	if a.cap <= 0 {
		return equity
	}
	return math.Min(equity, a.cap)
}

// ReopenBudget caps a rebalance reopen so profits are not compounded into
// position size.
func (a AnchorTracker) ReopenBudget(anchor, walletValue float64) float64 {
	if anchor <= 0 {
		return math.Min(a.cap, walletValue)
	}
	return math.Min(anchor, walletValue)
}

// Stats accumulates realized results across lifecycles.
type Stats struct {
	RealizedPnL    float64
	RealizedVolume float64
	Closes         int
	Rebalances     int
}

func (s *Stats) RecordClose(equity, anchor float64) {
	s.RealizedPnL += equity - anchor
	s.RealizedVolume += anchor
	s.Closes++
}
