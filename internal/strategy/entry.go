package strategy

import "clmm-lp-bot/internal/config"

const (
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
	ExitManual     = "manual_stop"
)

// EntryTriggered applies the price gate. Equality enters in both directions.
func EntryTriggered(cfg config.EntryConfig, price float64, hasPrice bool) bool {
	if cfg.TargetPrice <= 0 {
		return true
	}
	if !hasPrice || !(price > 0) {
		return false
	}
	if cfg.TriggerAboveValue() {
		return price >= cfg.TargetPrice
	}
	return price <= cfg.TargetPrice
}

// CanReenter blocks automatic re-entry after a risk exit unless the operator
// opted in.
func CanReenter(lastExitReason string, reenterEnabled bool) bool {
	if reenterEnabled {
		return true
	}
	return lastExitReason != ExitStopLoss && lastExitReason != ExitTakeProfit
}
