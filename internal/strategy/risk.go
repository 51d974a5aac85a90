package strategy

import (
	"errors"
	"fmt"

	"clmm-lp-bot/internal/config"
)

var (
	ErrStopLoss          = errors.New("stop loss triggered")
	ErrTakeProfit        = errors.New("take profit triggered")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrStaleBalances     = errors.New("wallet balances stale")
	ErrBudgetUnavailable = errors.New("budget unavailable")
	ErrRangeUnavailable  = errors.New("range unavailable")
	ErrRatioUnavailable  = errors.New("ratio unavailable")
	ErrInsufficient      = errors.New("insufficient balance")
	ErrSwapRequired      = errors.New("inventory swap required")
)

// CheckExit compares equity with the lifecycle anchor. Stop-loss wins over
// take-profit; a non-positive ratio or anchor disables the check.
func CheckExit(cfg config.ExitConfig, anchor, equity float64) error {
	if anchor <= 0 {
		return nil
	}
	if cfg.StopLossRatio > 0 {
		trigger := anchor * (1 - cfg.StopLossRatio)
		if equity <= trigger {
			return fmt.Errorf("equity %.6f <= %.6f (anchor %.6f): %w", equity, trigger, anchor, ErrStopLoss)
		}
	}
	if cfg.TakeProfitRatio > 0 {
		trigger := anchor * (1 + cfg.TakeProfitRatio)
		if equity >= trigger {
			return fmt.Errorf("equity %.6f >= %.6f (anchor %.6f): %w", equity, trigger, anchor, ErrTakeProfit)
		}
	}
	return nil
}

func reasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrStaleBalances):
		return "balance_stale"
	case errors.Is(err, ErrBudgetUnavailable):
		return "budget_unavailable"
	case errors.Is(err, ErrRangeUnavailable):
		return "range_unavailable"
	case errors.Is(err, ErrRatioUnavailable):
		return "ratio_unavailable"
	case errors.Is(err, ErrInsufficient):
		return "insufficient_balance"
	case errors.Is(err, ErrSwapRequired):
		return "swap_required"
	case errors.Is(err, ErrStopLoss):
		return "stop_loss"
	case errors.Is(err, ErrTakeProfit):
		return "take_profit"
	}
	return "error"
}
