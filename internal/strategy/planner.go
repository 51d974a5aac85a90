package strategy

import (
	"fmt"
	"math"

	"clmm-lp-bot/internal/config"
)

type OpenPlan struct {
	Lower           float64
	Upper           float64
	Budget          float64
	TargetBase      float64
	TargetQuote     float64
	DeltaBase       float64
	DeltaQuoteValue float64
	OpenBase        float64
	OpenQuote       float64
	MinSwapValue    float64
}

// NeedsSwap reports whether inventory must be rebalanced before opening.
// Positive DeltaBase buys base, negative sells it.
func (p OpenPlan) NeedsSwap() bool {
	return p.DeltaQuoteValue > 0 && p.DeltaQuoteValue >= p.MinSwapValue
}

// GeometricRange centres a range on price so that upper/lower = 1 + width/100.
func GeometricRange(center, widthPct float64) (float64, float64, bool) {
	if !(center > 0) {
		return 0, 0, false
	}
	factor := math.Sqrt(1 + math.Max(0, widthPct)/100)
	lower := center / factor
	upper := center * factor
	if lower <= 0 || upper <= 0 || lower >= upper {
		return 0, 0, false
	}
	return lower, upper, true
}

// QuotePerBaseRatio is the quote value required per unit of base for a
// concentrated position over [lower, upper] at price.
func QuotePerBaseRatio(price, lower, upper float64) (float64, bool) {
	if price <= 0 || lower <= 0 || upper <= 0 || lower >= upper {
		return 0, false
	}
	if !(lower < price && price < upper) {
		return 0, false
	}
	sqrtP := math.Sqrt(price)
	sqrtA := math.Sqrt(lower)
	sqrtB := math.Sqrt(upper)
	denom := sqrtB - sqrtP
	numer := sqrtP * sqrtB * (sqrtP - sqrtA)
	if denom <= 0 || numer <= 0 {
		return 0, false
	}
	return numer / denom, true
}

// TargetAmounts splits a quote value into the base and quote legs for ratio.
func TargetAmounts(value, price, ratio float64) (float64, float64, bool) {
	if value <= 0 || price <= 0 || ratio <= 0 {
		return 0, 0, false
	}
	base := value / (price + ratio)
	if base <= 0 {
		return 0, 0, false
	}
	quote := value - base*price
	if quote < 0 {
		return 0, 0, false
	}
	return base, quote, true
}

// PlanOpen sizes a new position against the wallet. budget is the quote value
// the position may deploy; the wallet and the fixed-cost reserve cap it further.
func PlanOpen(cfg config.StrategyConfig, price, walletBase, walletQuote, budget float64) (OpenPlan, error) {
	if !(price > 0) {
		return OpenPlan{}, ErrPriceUnavailable
	}
	if budget <= 0 {
		return OpenPlan{}, ErrBudgetUnavailable
	}
	lower, upper, ok := GeometricRange(price, cfg.PositionWidthPct)
	if !ok {
		return OpenPlan{}, ErrRangeUnavailable
	}
	ratio, ok := QuotePerBaseRatio(price, lower, upper)
	if !ok {
		return OpenPlan{}, ErrRatioUnavailable
	}
	walletValue := walletBase*price + walletQuote
	effective := math.Min(budget, walletValue)
	if reserve := math.Max(0, cfg.CostFilter.FixedCostQuote); reserve > 0 {
		effective = math.Max(0, effective-reserve)
	}
	if effective <= 0 {
		return OpenPlan{}, fmt.Errorf("wallet value %.6f: %w", walletValue, ErrInsufficient)
	}
	targetBase, targetQuote, ok := TargetAmounts(effective, price, ratio)
	if !ok {
		return OpenPlan{}, ErrRatioUnavailable
	}
	plan := OpenPlan{
		Lower:        lower,
		Upper:        upper,
		Budget:       effective,
		TargetBase:   targetBase,
		TargetQuote:  targetQuote,
		OpenBase:     math.Min(walletBase, targetBase),
		OpenQuote:    math.Min(walletQuote, targetQuote),
		MinSwapValue: effective * math.Max(0, cfg.Swap.MinValueRatio),
	}
	if plan.OpenBase <= 0 && plan.OpenQuote <= 0 {
		return OpenPlan{}, ErrInsufficient
	}
	baseDeficit := math.Max(0, targetBase-walletBase)
	quoteDeficit := math.Max(0, targetQuote-walletQuote)
	switch {
	case baseDeficit > 0 && quoteDeficit > 0:
		return OpenPlan{}, ErrInsufficient
	case baseDeficit > 0:
		surplus := math.Max(0, walletQuote-targetQuote)
		if surplus <= 0 {
			return OpenPlan{}, ErrInsufficient
		}
		plan.DeltaBase = math.Min(baseDeficit, surplus/price)
	case quoteDeficit > 0:
		surplus := math.Max(0, walletBase-targetBase)
		if surplus <= 0 {
			return OpenPlan{}, ErrInsufficient
		}
		plan.DeltaBase = -math.Min(surplus, quoteDeficit/price)
	}
	plan.DeltaQuoteValue = math.Abs(plan.DeltaBase * price)
	if plan.OpenBase <= 0 || plan.OpenQuote <= 0 {
		// One-sided wallet: only a swap can make the position openable.
		if !cfg.Swap.AutoSwapValue() || !plan.NeedsSwap() {
			return OpenPlan{}, ErrSwapRequired
		}
	}
	return plan, nil
}
