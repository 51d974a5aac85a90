package strategy

import (
	"time"

	"clmm-lp-bot/internal/config"
)

const rebalanceWindow = time.Hour

type RebalanceInput struct {
	Now                time.Time
	Price              float64
	Lower              float64
	Upper              float64
	PositionValue      float64
	OutOfRangeSince    time.Time
	CooldownUntil      time.Time
	RebalancesLastHour int
	FeeRateEWMA        float64
	HasFeeRate         bool
}

type RebalanceSignal struct {
	Rebalance bool
	Reason    string
	Deviation float64
	Cost      CostDecision
}

// EvaluateRebalance runs the out-of-range predicate and, when it passes, the
// cost filter. Reasons are reported in evaluation order.
func EvaluateRebalance(cfg config.StrategyConfig, in RebalanceInput) RebalanceSignal {
	if in.Lower <= 0 || in.Upper <= 0 || in.Lower >= in.Upper {
		return RebalanceSignal{Reason: "bounds_unavailable"}
	}
	if !(in.Price > 0) {
		return RebalanceSignal{Reason: "price_unavailable"}
	}
	if in.Price >= in.Lower && in.Price <= in.Upper {
		return RebalanceSignal{Reason: "in_range"}
	}
	deviation := OutOfRangeDeviation(in.Price, in.Lower, in.Upper)
	if deviation < cfg.Rebalance.HysteresisRatio {
		return RebalanceSignal{Reason: "hysteresis_guard", Deviation: deviation}
	}
	if in.OutOfRangeSince.IsZero() {
		return RebalanceSignal{Reason: "out_of_range_timer_missing", Deviation: deviation}
	}
	outOfRange := in.Now.Sub(in.OutOfRangeSince)
	if outOfRange < cfg.Rebalance.Delay {
		return RebalanceSignal{Reason: "out_of_range_wait", Deviation: deviation}
	}
	if in.Now.Before(in.CooldownUntil) {
		return RebalanceSignal{Reason: "cooldown", Deviation: deviation}
	}
	if cfg.Rebalance.MaxPerHour > 0 && in.RebalancesLastHour >= cfg.Rebalance.MaxPerHour {
		return RebalanceSignal{Reason: "max_rebalances", Deviation: deviation}
	}
	cost := EvaluateCost(cfg.CostFilter, CostInput{
		Price:          in.Price,
		PositionValue:  in.PositionValue,
		FeeRateEWMA:    in.FeeRateEWMA,
		HasFeeRate:     in.HasFeeRate,
		AutoSwap:       cfg.Swap.AutoSwapValue(),
		SlippageRatio:  cfg.Swap.SlippageRatio,
		OutOfRange:     outOfRange,
		RebalanceDelay: cfg.Rebalance.Delay,
	})
	if !cost.Approved {
		return RebalanceSignal{Reason: "cost_filter", Deviation: deviation, Cost: cost}
	}
	return RebalanceSignal{Rebalance: true, Reason: "out_of_range_rebalance", Deviation: deviation, Cost: cost}
}

// OutOfRangeDeviation is the distance past the nearest bound as a fraction of
// that bound; zero inside the range.
func OutOfRangeDeviation(price, lower, upper float64) float64 {
	switch {
	case price < lower && lower > 0:
		return (lower - price) / lower
	case price > upper && upper > 0:
		return (price - upper) / upper
	}
	return 0
}
