package strategy

import (
	"math"
	"time"

	"clmm-lp-bot/internal/config"
)

const (
	feeEWMAAlpha       = 0.1
	feeSampleMin       = 10 * time.Second
	inRangeWindow      = 3600.0
	swapNotionalShare  = 0.5
	swapFeeBufferPct   = 0.3
	feeRateFloor       = 1e-9
	costSafetyFactor   = 2.0
	forceMultiplier    = 10
	forceMinOutOfRange = 600 * time.Second
)

// FeeEstimator smooths the fee accrual rate (quote per second) of the current
// position with an EWMA.
type FeeEstimator struct {
	PositionID string
	LastAt     time.Time
	LastBase   float64
	LastQuote  float64
	HasLast    bool
	RateEWMA   float64
	HasRate    bool
}

// Update feeds the cumulative uncollected fees observed at now. A new position
// id restarts the estimate; a fee decrease (collection) re-baselines it.
func (f *FeeEstimator) Update(now time.Time, positionID string, baseFee, quoteFee, price float64) {
	if positionID == "" {
		return
	}
	if f.PositionID != positionID {
		*f = FeeEstimator{PositionID: positionID}
		return
	}
	if !f.HasLast {
		f.mark(now, baseFee, quoteFee)
		return
	}
	dt := now.Sub(f.LastAt)
	if dt <= 0 || dt < feeSampleMin {
		return
	}
	deltaBase := baseFee - f.LastBase
	deltaQuote := quoteFee - f.LastQuote
	if deltaBase < 0 || deltaQuote < 0 {
		f.mark(now, baseFee, quoteFee)
		return
	}
	deltaFee := deltaBase*price + deltaQuote
	if deltaFee < 0 {
		f.mark(now, baseFee, quoteFee)
		return
	}
	rate := deltaFee / dt.Seconds()
	if !f.HasRate {
		f.RateEWMA = rate
		f.HasRate = true
	} else {
		f.RateEWMA = f.RateEWMA*(1-feeEWMAAlpha) + rate*feeEWMAAlpha
	}
	f.mark(now, baseFee, quoteFee)
}

func (f *FeeEstimator) mark(now time.Time, baseFee, quoteFee float64) {
	f.LastAt = now
	f.LastBase = baseFee
	f.LastQuote = quoteFee
	f.HasLast = true
}

func (f FeeEstimator) Rate() (float64, bool) {
	return f.RateEWMA, f.HasRate
}

type CostInput struct {
	Price          float64
	PositionValue  float64
	FeeRateEWMA    float64
	HasFeeRate     bool
	AutoSwap       bool
	SlippageRatio  float64
	OutOfRange     time.Duration
	RebalanceDelay time.Duration
}

type CostDecision struct {
	Approved    bool
	Reason      string
	FeeRate     float64
	ExpectedFee float64
	Cost        float64
	Payback     float64
}

// EvaluateCost decides whether a rebalance pays for itself. It is pure: the
// only state it sees is the EWMA passed in.
func EvaluateCost(cfg config.CostFilterConfig, in CostInput) CostDecision {
	if !cfg.Enabled {
		return CostDecision{Approved: true, Reason: "disabled"}
	}
	if !(in.Price > 0) {
		return CostDecision{Reason: "invalid_price"}
	}
	rate := 0.0
	if in.HasFeeRate && in.FeeRateEWMA > 0 {
		rate = in.FeeRateEWMA
	} else if cfg.FeeRateBootstrapQuotePerHour > 0 {
		rate = cfg.FeeRateBootstrapQuotePerHour / 3600
	}
	out := CostDecision{FeeRate: rate, ExpectedFee: rate * inRangeWindow}

	swapCost := 0.0
	if in.AutoSwap {
		slippagePct := math.Max(0, in.SlippageRatio*100)
		swapCost = math.Max(0, in.PositionValue) * swapNotionalShare * (slippagePct + swapFeeBufferPct) / 100
	}
	out.Cost = math.Max(0, cfg.FixedCostQuote) + swapCost
	if out.Cost <= 0 {
		out.Approved = true
		out.Reason = "zero_cost"
		return out
	}
	out.Payback = out.Cost / math.Max(rate, feeRateFloor)

	reject := ""
	switch {
	case out.ExpectedFee < out.Cost*costSafetyFactor:
		reject = "expected_fee_below_threshold"
		if rate == 0 {
			reject = "fee_rate_zero"
		}
	case cfg.MaxPayback > 0 && out.Payback > cfg.MaxPayback.Seconds():
		reject = "payback_exceeded"
	}
	if reject == "" {
		out.Approved = true
		out.Reason = "approved"
		return out
	}
	if ShouldForceRebalance(in.OutOfRange, in.RebalanceDelay) {
		out.Approved = true
		out.Reason = "force_rebalance"
		return out
	}
	out.Reason = reject
	return out
}

// ShouldForceRebalance reports whether the position has been out of range long
// enough that the cost filter must give way.
func ShouldForceRebalance(outOfRange, delay time.Duration) bool {
	if delay <= 0 {
		return false
	}
	threshold := delay * forceMultiplier
	if threshold < forceMinOutOfRange {
		threshold = forceMinOutOfRange
	}
	return outOfRange >= threshold
}
