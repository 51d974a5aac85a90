package strategy

import (
	"errors"
	"sync"
	"time"

	"clmm-lp-bot/internal/config"

	"go.uber.org/zap"
)

// transitions lists the legal edges besides MANUAL_STOP and FAILURE_LOCK,
// which every state may enter.
var transitions = map[State][]State{
	StateIdle:           {StateEntryOpen},
	StateEntryOpen:      {StateActive, StateIdle, StateCooldown},
	StateActive:         {StateRebalanceStop, StateStopLossStop, StateTakeProfitStop, StateIdle},
	StateRebalanceStop:  {StateRebalanceOpen, StateStopLossStop, StateExitSwap, StateCooldown, StateIdle},
	StateRebalanceOpen:  {StateActive, StateIdle, StateCooldown, StateExitSwap},
	StateTakeProfitStop: {StateExitSwap, StateCooldown},
	StateStopLossStop:   {StateExitSwap, StateCooldown},
	StateExitSwap:       {StateCooldown},
	StateCooldown:       {StateIdle},
	StateManualStop:     {StateActive, StateIdle},
	StateFailureLock:    {StateActive, StateIdle},
}

func transitionAllowed(from, to State) bool {
	if to == StateManualStop || to == StateFailureLock {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Controller is the CLMM position state machine. Step is called once per tick
// from a single goroutine; Status may be read from anywhere.
type Controller struct {
	cfg    config.StrategyConfig
	ids    IDSource
	log    *zap.Logger
	anchor AnchorTracker

	stepMu       sync.Mutex
	ctx          ControllerContext
	stats        Stats
	snap         Snapshot
	in           Inputs
	rebalanceDue bool

	mu     sync.RWMutex
	status Status
}

// ReasonTickInProgress is returned when Step is called while another Step runs.
const ReasonTickInProgress = "tick_in_progress"

func NewController(cfg config.StrategyConfig, ids IDSource, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		ids:    ids,
		log:    log,
		anchor: NewAnchorTracker(cfg),
		ctx:    ControllerContext{State: StateIdle},
		status: Status{State: StateIdle},
	}
}

// Step evaluates one snapshot and returns exactly one decision. A concurrent
// call returns immediately without touching state.
func (c *Controller) Step(snap Snapshot, in Inputs) Decision {
	if !c.stepMu.TryLock() {
		return Decision{NextState: c.Status().State, Reason: ReasonTickInProgress}
	}
	defer c.stepMu.Unlock()

	c.snap = snap
	c.in = in
	c.rebalanceDue = false
	if c.ctx.State == "" {
		c.ctx.State = StateIdle
	}
	if c.ctx.StateSince.IsZero() {
		c.ctx.StateSince = snap.Now
	}
	c.observeFees()
	c.pruneOrphans()

	d := c.evaluate()
	c.ctx.LastReason = d.Reason
	out := Decision{
		Actions:   append([]Action(nil), d.Actions...),
		NextState: c.ctx.State,
		Reason:    d.Reason,
	}
	c.publish(out)
	return out
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Context returns a copy of the controller memory.
func (c *Controller) Context() ControllerContext {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	return c.ctx.clone()
}

// Watch names the executor objects the next snapshot must observe.
func (c *Controller) Watch() Watch {
	st := c.Status()
	w := Watch{PositionID: st.PositionID, OrphanOpenIDs: st.OrphanOpenIDs}
	if st.PendingKind == ActionOpen {
		w.OpenActionID = st.PendingActionID
	}
	return w
}

func (c *Controller) evaluate() Decision {
	if c.in.ManualStop {
		return c.manualStop()
	}
	if c.ctx.State == StateManualStop {
		if c.ctx.FailureReason != "" {
			return c.transition(StateFailureLock, "failure_lock")
		}
		return c.release("manual_release")
	}
	if c.ctx.State == StateFailureLock || c.ctx.FailureReason != "" {
		return c.failureLocked()
	}
	if pos := c.ownPosition(); pos != nil && pos.Failed() {
		c.ctx.PositionID = pos.ID
		return c.lock("position_failed")
	}
	if c.snap.ActiveSwaps() > 0 {
		return c.stay("swap_in_progress")
	}
	if d, busy := c.guardOrphans(); busy {
		return d
	}

	switch c.ctx.State {
	case StateIdle:
		return c.handleIdle()
	case StateEntryOpen:
		return c.openStep(false)
	case StateActive:
		return c.handleActive()
	case StateRebalanceStop:
		return c.handleRebalanceStop()
	case StateRebalanceOpen:
		return c.openStep(true)
	case StateStopLossStop:
		return c.handleExitStop("stoploss")
	case StateTakeProfitStop:
		return c.handleExitStop("take_profit")
	case StateExitSwap:
		return c.handleExitSwap()
	case StateCooldown:
		return c.handleCooldown()
	}
	return c.lock("unknown_state")
}

func (c *Controller) manualStop() Decision {
	c.ctx.LastExitReason = ExitManual
	c.ctx.ReopenPending = false
	c.ctx.PendingLiquidation = false
	pos := c.ownPosition()
	if c.ctx.State != StateManualStop {
		if pos != nil && !pos.Closed() && !pos.Failed() {
			c.ctx.PendingRealized = c.ctx.HasAnchor
			if act, ok := c.closeAction(pos); ok {
				return c.transition(StateManualStop, "manual_stop", act)
			}
		}
		return c.transition(StateManualStop, "manual_stop")
	}
	if pos != nil && !pos.Closed() && !pos.Failed() {
		act, ok := c.closeAction(pos)
		if !ok {
			c.ctx.FailureReason = reasonCloseExhausted
			return c.stay(reasonCloseExhausted)
		}
		return c.stay("manual_stop_close", act)
	}
	c.recordRealized()
	return c.stay("manual_stop_hold")
}

func (c *Controller) failureLocked() Decision {
	if c.ctx.State != StateFailureLock {
		return c.transition(StateFailureLock, "failure_lock")
	}
	if !c.in.Unlock {
		return c.stay("failure_lock")
	}
	c.log.Warn("failure lock released by operator", zap.String("failure", c.ctx.FailureReason))
	c.ctx.FailureReason = ""
	c.ctx.CloseBase = c.ctx.Retries.Close
	c.releaseOrphans()
	return c.release("failure_unlocked")
}

// release hands control back after an operator override.
func (c *Controller) release(reason string) Decision {
	if pos := c.ownPosition(); pos != nil && (pos.Open() || pos.InTransition()) {
		c.ctx.PositionID = pos.ID
		return c.transition(StateActive, reason+"_active")
	}
	return c.transition(StateIdle, reason)
}

func (c *Controller) handleIdle() Decision {
	if !CanReenter(c.ctx.LastExitReason, c.in.ReenterEnabled) {
		return c.stay("reenter_disabled")
	}
	if !EntryTriggered(c.cfg.Entry, c.snap.Price, c.snap.HasPrice) {
		if !c.snap.HasPrice {
			return c.stay("price_unavailable")
		}
		return c.stay("idle")
	}
	if !c.snap.BalanceFresh {
		return c.stay("balance_stale")
	}
	if d, blocked := c.ledgerGuard(); blocked {
		return d
	}
	if _, err := c.planOpen(false); err != nil {
		return c.stay(reasonFor(err))
	}
	if !c.moveTo(StateEntryOpen, "entry_triggered") {
		return c.lockedDecision()
	}
	return c.openStep(false)
}

// openStep drives ENTRY_OPEN and REBALANCE_OPEN: optional inventory swap, then
// one OPEN with a timeout and a bounded number of attempts.
func (c *Controller) openStep(rebalance bool) Decision {
	prefix := "entry"
	if rebalance {
		prefix = "rebalance"
	}
	now := c.snap.Now
	if pos := c.ownPosition(); pos != nil {
		if pos.Open() {
			c.ctx.PositionID = pos.ID
			c.ctx.clearPending()
			c.ctx.Retries.Open = 0
			c.setAnchorIfReady(pos)
			return c.transition(StateActive, prefix+"_opened")
		}
		if pos.InTransition() {
			if now.Sub(c.ctx.PendingSince) < c.cfg.Rebalance.OpenTimeout {
				return c.stay("open_in_progress")
			}
			return c.stay("open_stalled")
		}
	}
	if c.ctx.PendingKind == ActionOpen {
		av, known := c.snap.action(c.ctx.PendingActionID)
		failed := known && av.State == ActionFailed
		if !failed && now.Sub(c.ctx.PendingSince) < c.cfg.Rebalance.OpenTimeout {
			return c.stay("open_in_progress")
		}
		c.log.Warn("open abandoned",
			zap.String("action_id", c.ctx.PendingActionID),
			zap.Int("attempt", c.ctx.Retries.Open),
			zap.Bool("failed", failed),
		)
		c.ctx.abandonOpen(c.ctx.PendingActionID, now)
		c.ctx.clearPending()
		if limit := c.cfg.Rebalance.MaxOpenAttempts; limit > 0 && c.ctx.Retries.Open >= limit {
			return c.transition(StateIdle, "open_attempts_exhausted")
		}
	}
	if c.ctx.PendingKind == ActionSwap {
		done, completed := c.resolveSwap(PurposeInventory)
		if !done {
			if d, waiting := c.guardPendingSwap(); waiting {
				return d
			}
		} else if completed {
			c.ctx.Retries.InventorySwap = 0
		}
	}
	if !rebalance && !EntryTriggered(c.cfg.Entry, c.snap.Price, c.snap.HasPrice) {
		return c.transition(StateIdle, "entry_not_triggered")
	}
	if rebalance {
		if d, exited := c.checkFlatStopLoss("stop_loss_rebalance"); exited {
			return d
		}
	}
	if !c.snap.BalanceFresh {
		return c.stay("balance_stale")
	}
	if d, blocked := c.ledgerGuard(); blocked {
		return d
	}
	if limit := c.cfg.Swap.MaxInventoryAttempts; limit > 0 && c.ctx.Retries.InventorySwap >= limit {
		c.ctx.CooldownUntil = now.Add(c.cfg.Rebalance.Cooldown)
		return c.transition(StateCooldown, "swap_attempts_exhausted")
	}
	plan, err := c.planOpen(rebalance)
	if err != nil {
		if errors.Is(err, ErrPriceUnavailable) {
			return c.stay(reasonFor(err))
		}
		c.log.Info("open plan unavailable", zap.String("flow", prefix), zap.Error(err))
		return c.transition(StateIdle, reasonFor(err))
	}
	if plan.NeedsSwap() && c.cfg.Swap.AutoSwapValue() {
		if swap, ok := c.inventorySwap(plan); ok {
			c.ctx.setPending(ActionSwap, swap.ID, now)
			c.ctx.PendingPurpose = PurposeInventory
			c.ctx.Retries.InventorySwap++
			return c.stay(prefix+"_inventory_swap", swap)
		}
	}
	open := Action{
		ID:    c.ids.OpenID(),
		Kind:  ActionOpen,
		Lower: plan.Lower,
		Upper: plan.Upper,
		Base:  plan.OpenBase,
		Quote: plan.OpenQuote,
	}
	c.ctx.setPending(ActionOpen, open.ID, now)
	c.ctx.Retries.Open++
	return c.stay(prefix+"_open", open)
}

func (c *Controller) handleActive() Decision {
	pos := c.ownPosition()
	if pos == nil {
		if c.snap.PositionUnavailable {
			return c.stay("position_unavailable")
		}
		return c.transition(StateIdle, "position_missing")
	}
	if pos.Closed() {
		return c.transition(StateIdle, "position_closed_externally")
	}
	if pos.InTransition() {
		return c.stay("position_in_transition")
	}
	c.ctx.PositionID = pos.ID
	if c.ctx.PendingKind == ActionOpen {
		c.ctx.clearPending()
	}
	c.trackOutOfRange(pos)
	c.setAnchorIfReady(pos)
	if d, exited := c.checkExit(pos, true); exited {
		return d
	}

	now := c.snap.Now
	price, _ := c.effectivePrice(pos)
	rate, hasRate := c.ctx.Fee.Rate()
	sig := EvaluateRebalance(c.cfg, RebalanceInput{
		Now:                now,
		Price:              price,
		Lower:              pos.Lower,
		Upper:              pos.Upper,
		PositionValue:      pos.Value(price),
		OutOfRangeSince:    c.ctx.OutOfRangeSince,
		CooldownUntil:      c.ctx.CooldownUntil,
		RebalancesLastHour: c.ctx.rebalancesSince(now),
		FeeRateEWMA:        rate,
		HasFeeRate:         hasRate,
	})
	switch sig.Reason {
	case "cooldown", "max_rebalances", "cost_filter", "out_of_range_rebalance":
		c.rebalanceDue = true
	}
	if !sig.Rebalance {
		return c.stay(sig.Reason)
	}
	c.ctx.recordRebalance(now)
	c.stats.Rebalances++
	c.ctx.CooldownUntil = now.Add(c.cfg.Rebalance.Cooldown)
	c.ctx.PendingRealized = c.ctx.HasAnchor
	c.log.Info("rebalance triggered",
		zap.String("position_id", pos.ID),
		zap.Float64("price", price),
		zap.Float64("deviation", sig.Deviation),
		zap.String("cost_reason", sig.Cost.Reason),
	)
	act, ok := c.closeAction(pos)
	if !ok {
		return c.lock(reasonCloseExhausted)
	}
	return c.transition(StateRebalanceStop, sig.Reason, act)
}

func (c *Controller) handleRebalanceStop() Decision {
	pos := c.ownPosition()
	if !c.ctx.ReopenPending {
		if c.closeConfirmed(pos) {
			c.recordRealized()
			c.ctx.clearPending()
			c.ctx.PositionID = ""
			c.ctx.OutOfRangeSince = time.Time{}
			c.ctx.Retries = Retries{}
			c.ctx.CloseBase = 0
			c.ctx.ReopenPending = true
			c.ctx.ReopenAfter = c.snap.Now.Add(c.cfg.Rebalance.ReopenDelay)
			return c.stay("rebalance_closed")
		}
		if pos != nil && !pos.Closed() {
			if d, exited := c.checkExit(pos, false); exited {
				return d
			}
			return c.closeOrLock("rebalance_close", pos)
		}
		if c.snap.PositionUnavailable {
			return c.stay("position_unavailable")
		}
		return c.stay("rebalance_wait_close")
	}
	if d, exited := c.checkFlatStopLoss("stop_loss_rebalance"); exited {
		return d
	}
	if c.snap.Now.Before(c.ctx.ReopenAfter) {
		return c.stay("reopen_wait")
	}
	c.ctx.ReopenPending = false
	if !c.moveTo(StateRebalanceOpen, "reopen_due") {
		return c.lockedDecision()
	}
	return c.openStep(true)
}

func (c *Controller) handleExitStop(prefix string) Decision {
	pos := c.ownPosition()
	if c.closeConfirmed(pos) {
		return c.afterExitClose(prefix + "_closed")
	}
	if pos != nil && !pos.Closed() {
		return c.closeOrLock(prefix+"_close", pos)
	}
	if c.snap.PositionUnavailable {
		return c.stay("position_unavailable")
	}
	return c.stay(prefix + "_wait_close")
}

func (c *Controller) handleExitSwap() Decision {
	c.recordRealized()
	if c.ctx.PendingKind == ActionSwap {
		done, completed := c.resolveSwap(PurposeLiquidation)
		if done && completed {
			c.ctx.Retries.ExitSwap = 0
			return c.finishExit("exit_swap_done")
		}
		if !done {
			if d, waiting := c.guardPendingSwap(); waiting {
				return d
			}
		}
	}
	if !c.snap.BalanceFresh {
		return c.stay("balance_stale")
	}
	if limit := c.cfg.Swap.MaxExitAttempts; limit > 0 && c.ctx.Retries.ExitSwap >= limit {
		return c.finishExit("exit_swap_failed")
	}
	if d, blocked := c.ledgerGuard(); blocked {
		return d
	}
	if c.snap.WalletBase <= 0 {
		return c.finishExit("exit_no_base")
	}
	swap := Action{
		ID:          c.ids.SwapID(),
		Kind:        ActionSwap,
		Side:        SideSell,
		Amount:      c.snap.WalletBase,
		Purpose:     PurposeLiquidation,
		MaxSlippage: c.cfg.Swap.SlippageRatio,
	}
	c.ctx.setPending(ActionSwap, swap.ID, c.snap.Now)
	c.ctx.PendingPurpose = PurposeLiquidation
	c.ctx.Retries.ExitSwap++
	return c.stay("exit_swap", swap)
}

func (c *Controller) handleCooldown() Decision {
	if c.snap.Now.Before(c.ctx.CooldownUntil) {
		return c.stay("cooldown")
	}
	return c.transition(StateIdle, "cooldown_complete")
}

// checkExit evaluates stop-loss and, when allowed, take-profit against an
// open position.
func (c *Controller) checkExit(pos *PositionView, allowTakeProfit bool) (Decision, bool) {
	if !c.ctx.HasAnchor {
		return Decision{}, false
	}
	price, ok := c.effectivePrice(pos)
	if !ok {
		return Decision{}, false
	}
	if c.cfg.EquityMode != config.EquityModePosition && !c.snap.BalanceFresh {
		return Decision{}, false
	}
	equity, ok := c.anchor.Equity(price, c.snap.WalletBase, c.snap.WalletQuote, pos, c.ctx.AnchorEquity)
	if !ok {
		return Decision{}, false
	}
	err := CheckExit(c.cfg.Exit, c.ctx.AnchorEquity, equity)
	switch {
	case errors.Is(err, ErrStopLoss):
		reason := "stop_loss_triggered"
		if c.ctx.State == StateRebalanceStop {
			reason = "stop_loss_rebalance"
		}
		c.beginExit(ExitStopLoss, err)
		act, ok := c.closeAction(pos)
		if !ok {
			return c.lock(reasonCloseExhausted), true
		}
		return c.transition(StateStopLossStop, reason, act), true
	case errors.Is(err, ErrTakeProfit) && allowTakeProfit:
		c.beginExit(ExitTakeProfit, err)
		act, ok := c.closeAction(pos)
		if !ok {
			return c.lock(reasonCloseExhausted), true
		}
		return c.transition(StateTakeProfitStop, "take_profit_triggered", act), true
	}
	return Decision{}, false
}

// checkFlatStopLoss guards the window between a rebalance close and the
// reopen, when only wallet funds back the anchor.
func (c *Controller) checkFlatStopLoss(reason string) (Decision, bool) {
	if !c.ctx.HasAnchor || !c.snap.BalanceFresh || !c.snap.HasPrice {
		return Decision{}, false
	}
	if c.ctx.PendingKind != "" {
		return Decision{}, false
	}
	equity, ok := c.anchor.ExitEquity(c.snap.Price, c.snap.WalletBase, c.snap.WalletQuote, c.ctx.AnchorEquity)
	if !ok {
		return Decision{}, false
	}
	err := CheckExit(c.cfg.Exit, c.ctx.AnchorEquity, equity)
	if !errors.Is(err, ErrStopLoss) {
		return Decision{}, false
	}
	c.beginExit(ExitStopLoss, err)
	return c.afterExitClose(reason), true
}

func (c *Controller) beginExit(exit string, err error) {
	c.ctx.LastExitReason = exit
	c.ctx.CooldownUntil = c.snap.Now.Add(c.cfg.Exit.Pause)
	c.ctx.ReopenPending = false
	if c.ctx.HasAnchor && c.ctx.PositionID != "" {
		c.ctx.PendingRealized = true
	}
	c.log.Warn("exit triggered", zap.String("exit", exit), zap.Error(err))
}

func (c *Controller) afterExitClose(reason string) Decision {
	c.recordRealized()
	c.ctx.clearPending()
	c.ctx.PositionID = ""
	if c.cfg.Exit.LiquidateValue() {
		c.ctx.PendingLiquidation = true
		return c.transition(StateExitSwap, reason)
	}
	return c.transition(StateCooldown, reason)
}

func (c *Controller) finishExit(reason string) Decision {
	c.ctx.PendingLiquidation = false
	return c.transition(StateCooldown, reason)
}

// resolveSwap settles the pending swap from the ledger, its own view, or the
// most recent finished swap of the same purpose. done reports that the swap
// is no longer pending; completed that it succeeded.
func (c *Controller) resolveSwap(purpose SwapPurpose) (done bool, completed bool) {
	id := c.ctx.PendingActionID
	if id == "" {
		return true, false
	}
	if c.snap.hasEvent(id, EventSwap, c.ctx.PendingSince) {
		c.ctx.clearPending()
		return true, true
	}
	sw, found := c.snap.swap(id)
	if !found {
		sw, found = c.recentFinishedSwap(purpose)
	}
	if !found || !sw.Done() {
		return false, false
	}
	c.ctx.clearPending()
	if sw.State != SwapCompleted {
		c.log.Warn("swap failed", zap.String("swap_id", sw.ID), zap.String("purpose", string(purpose)))
		return true, false
	}
	return true, true
}

func (c *Controller) recentFinishedSwap(purpose SwapPurpose) (SwapView, bool) {
	if c.ctx.PendingSince.IsZero() {
		return SwapView{}, false
	}
	var best SwapView
	found := false
	for _, sw := range c.snap.Swaps {
		if sw.Purpose != purpose || !sw.Done() || sw.UpdatedAt.Before(c.ctx.PendingSince) {
			continue
		}
		if !found || sw.UpdatedAt.After(best.UpdatedAt) {
			best = sw
			found = true
		}
	}
	return best, found
}

// guardPendingSwap keeps waiting for an unresolved swap until the grace
// period lapses, then abandons it.
func (c *Controller) guardPendingSwap() (Decision, bool) {
	if sw, found := c.snap.swap(c.ctx.PendingActionID); found && !sw.Done() {
		return c.stay("swap_pending"), true
	}
	if c.snap.Now.Sub(c.ctx.PendingSince) < c.cfg.Swap.PendingGrace {
		return c.stay("swap_pending"), true
	}
	c.log.Warn("pending swap abandoned", zap.String("swap_id", c.ctx.PendingActionID))
	c.ctx.clearPending()
	return Decision{}, false
}

func (c *Controller) ledgerGuard() (Decision, bool) {
	if !c.snap.Ledger.HasBalance {
		return c.stay("ledger_not_ready"), true
	}
	if c.snap.Ledger.NeedsReconcile {
		return c.stay("ledger_stale"), true
	}
	return Decision{}, false
}

func (c *Controller) closeConfirmed(pos *PositionView) bool {
	if c.snap.hasEvent(c.ctx.PositionID, EventPositionClose, c.ctx.StateSince) {
		return true
	}
	gone := pos == nil && !c.snap.PositionUnavailable
	if gone || (pos != nil && pos.Closed()) {
		return c.snap.Ledger.Reconciled
	}
	return false
}

const reasonCloseExhausted = "close_attempts_exhausted"

// closeAction returns the CLOSE for pos. A close the executor reports as
// failed is retried under the next attempt id; ok is false once the attempt
// limit is spent.
func (c *Controller) closeAction(pos *PositionView) (Action, bool) {
	c.ctx.PositionID = pos.ID
	if c.ctx.PendingKind == ActionClose {
		if av, found := c.snap.action(c.ctx.PendingActionID); found && av.State == ActionFailed {
			c.log.Warn("close failed",
				zap.String("action_id", av.ID),
				zap.String("position_id", pos.ID),
				zap.Int("attempt", c.ctx.Retries.Close),
			)
			c.ctx.Retries.Close++
			c.ctx.clearPending()
		}
	}
	if limit := c.cfg.Rebalance.MaxCloseAttempts; limit > 0 && c.ctx.Retries.Close-c.ctx.CloseBase >= limit {
		return Action{}, false
	}
	id := c.ids.CloseID(pos.ID, c.ctx.Retries.Close)
	if c.ctx.PendingActionID != id {
		c.ctx.setPending(ActionClose, id, c.snap.Now)
	}
	return Action{ID: id, Kind: ActionClose, PositionID: pos.ID}, true
}

func (c *Controller) closeOrLock(reason string, pos *PositionView) Decision {
	act, ok := c.closeAction(pos)
	if !ok {
		return c.lock(reasonCloseExhausted)
	}
	return c.stay(reason, act)
}

// pruneOrphans forgets abandoned opens whose position has closed, or that
// never produced one within the watch window.
func (c *Controller) pruneOrphans() {
	if len(c.ctx.AbandonedOpens) == 0 {
		return
	}
	kept := make([]AbandonedOpen, 0, len(c.ctx.AbandonedOpens))
	for _, a := range c.ctx.AbandonedOpens {
		pos, seen := c.snap.orphan(a.ActionID)
		if seen && (pos.Closed() || pos.Failed()) {
			c.log.Info("orphan position settled", zap.String("action_id", a.ActionID), zap.String("position_id", pos.ID))
			continue
		}
		if !seen && !c.snap.PositionUnavailable && c.snap.Now.Sub(a.Since) >= orphanWatch {
			continue
		}
		kept = append(kept, a)
	}
	c.ctx.AbandonedOpens = kept
}

// guardOrphans closes positions that landed after their OPEN was abandoned.
// No new position is opened while one is still settling.
func (c *Controller) guardOrphans() (Decision, bool) {
	var closes []Action
	settling := false
	for i := range c.ctx.AbandonedOpens {
		a := &c.ctx.AbandonedOpens[i]
		pos, ok := c.snap.orphan(a.ActionID)
		if !ok || pos.Closed() || pos.Failed() {
			continue
		}
		if !pos.Open() {
			settling = true
			continue
		}
		id := c.ids.CloseID(pos.ID, a.CloseAttempts)
		if av, found := c.snap.action(id); found && av.State == ActionFailed {
			a.CloseAttempts++
			if limit := c.cfg.Rebalance.MaxCloseAttempts; limit > 0 && a.CloseAttempts >= limit {
				return c.lock("orphan_close_failed"), true
			}
			id = c.ids.CloseID(pos.ID, a.CloseAttempts)
		}
		c.log.Warn("closing orphan position",
			zap.String("action_id", a.ActionID),
			zap.String("position_id", pos.ID),
			zap.Int("attempt", a.CloseAttempts),
		)
		closes = append(closes, Action{ID: id, Kind: ActionClose, PositionID: pos.ID})
	}
	if len(closes) > 0 {
		return c.stay("orphan_close", closes...), true
	}
	if settling && c.mayOpen() {
		return c.stay("orphan_in_transition"), true
	}
	return Decision{}, false
}

// releaseOrphans drops orphans whose close attempts are spent. The operator
// owns them after an unlock.
func (c *Controller) releaseOrphans() {
	limit := c.cfg.Rebalance.MaxCloseAttempts
	if limit <= 0 {
		return
	}
	kept := c.ctx.AbandonedOpens[:0]
	for _, a := range c.ctx.AbandonedOpens {
		if a.CloseAttempts >= limit {
			c.log.Warn("orphan released to operator", zap.String("action_id", a.ActionID))
			continue
		}
		kept = append(kept, a)
	}
	c.ctx.AbandonedOpens = kept
}

func (c *Controller) mayOpen() bool {
	switch c.ctx.State {
	case StateIdle, StateEntryOpen, StateRebalanceOpen, StateRebalanceStop:
		return true
	}
	return false
}

func (c *Controller) inventorySwap(plan OpenPlan) (Action, bool) {
	swap := Action{
		ID:          c.ids.SwapID(),
		Kind:        ActionSwap,
		Purpose:     PurposeInventory,
		MaxSlippage: c.cfg.Swap.SlippageRatio,
	}
	switch {
	case plan.DeltaBase > 0:
		swap.Side = SideBuy
		swap.Amount = plan.DeltaBase * c.snap.Price
		swap.AmountIsQuote = true
	case plan.DeltaBase < 0:
		swap.Side = SideSell
		swap.Amount = -plan.DeltaBase
		swap.ApplyBuffer = true
	default:
		return Action{}, false
	}
	return swap, true
}

func (c *Controller) planOpen(rebalance bool) (OpenPlan, error) {
	if !c.snap.HasPrice {
		return OpenPlan{}, ErrPriceUnavailable
	}
	price := c.snap.Price
	budget := c.cfg.PositionValueQuote
	if rebalance && c.ctx.HasAnchor {
		walletValue := c.snap.WalletBase*price + c.snap.WalletQuote
		budget = c.anchor.ReopenBudget(c.ctx.AnchorEquity, walletValue)
	}
	return PlanOpen(c.cfg, price, c.snap.WalletBase, c.snap.WalletQuote, budget)
}

func (c *Controller) setAnchorIfReady(pos *PositionView) {
	if c.ctx.HasAnchor {
		return
	}
	price, ok := c.effectivePrice(pos)
	if !ok {
		return
	}
	if c.cfg.EquityMode != config.EquityModePosition && !c.snap.BalanceFresh {
		return
	}
	equity, ok := c.anchor.Equity(price, c.snap.WalletBase, c.snap.WalletQuote, pos, 0)
	if !ok || equity <= 0 {
		return
	}
	c.ctx.AnchorEquity = c.anchor.Baseline(equity)
	c.ctx.HasAnchor = true
	c.log.Info("anchor set", zap.Float64("anchor", c.ctx.AnchorEquity), zap.Float64("equity", equity))
}

func (c *Controller) recordRealized() {
	if !c.ctx.PendingRealized || !c.ctx.HasAnchor {
		return
	}
	if !c.snap.HasPrice || !c.snap.BalanceFresh {
		return
	}
	equity, ok := c.anchor.ExitEquity(c.snap.Price, c.snap.WalletBase, c.snap.WalletQuote, c.ctx.AnchorEquity)
	if !ok {
		return
	}
	c.stats.RecordClose(equity, c.ctx.AnchorEquity)
	c.ctx.PendingRealized = false
	c.log.Info("realized lifecycle result",
		zap.Float64("equity", equity),
		zap.Float64("anchor", c.ctx.AnchorEquity),
		zap.Float64("realized_pnl", c.stats.RealizedPnL),
	)
}

func (c *Controller) trackOutOfRange(pos *PositionView) {
	if !pos.HasBounds() {
		return
	}
	price, ok := c.effectivePrice(pos)
	if !ok {
		return
	}
	if price >= pos.Lower && price <= pos.Upper {
		c.ctx.OutOfRangeSince = time.Time{}
		return
	}
	if !c.ctx.OutOfRangeSince.IsZero() {
		return
	}
	since := c.snap.Now
	if !pos.OutOfRangeSince.IsZero() && pos.OutOfRangeSince.Before(since) {
		since = pos.OutOfRangeSince
	}
	c.ctx.OutOfRangeSince = since
}

func (c *Controller) observeFees() {
	pos := c.ownPosition()
	if pos == nil || pos.State != PositionInRange {
		return
	}
	price, ok := c.effectivePrice(pos)
	if !ok {
		return
	}
	c.ctx.Fee.Update(c.snap.Now, pos.ID, pos.BaseFee, pos.QuoteFee, price)
}

// ownPosition returns the snapshot position only if it belongs to the current
// lifecycle. Late confirmations for abandoned opens fail this check.
func (c *Controller) ownPosition() *PositionView {
	p := c.snap.Position
	if p == nil {
		return nil
	}
	if c.ctx.PositionID != "" && p.ID == c.ctx.PositionID {
		return p
	}
	if c.ctx.PendingKind == ActionOpen && c.ctx.PendingActionID != "" && p.ActionID == c.ctx.PendingActionID {
		return p
	}
	return nil
}

func (c *Controller) effectivePrice(pos *PositionView) (float64, bool) {
	if c.snap.HasPrice && c.snap.Price > 0 {
		return c.snap.Price, true
	}
	if pos != nil && pos.Price > 0 {
		return pos.Price, true
	}
	return 0, false
}

func (c *Controller) stay(reason string, actions ...Action) Decision {
	return Decision{Actions: actions, NextState: c.ctx.State, Reason: reason}
}

func (c *Controller) transition(next State, reason string, actions ...Action) Decision {
	if !c.moveTo(next, reason) {
		return c.lockedDecision()
	}
	return Decision{Actions: actions, NextState: next, Reason: reason}
}

// moveTo is the only place the state changes. Entering IDLE or COOLDOWN ends
// the lifecycle.
func (c *Controller) moveTo(next State, reason string) bool {
	from := c.ctx.State
	if from == next {
		return true
	}
	if !transitionAllowed(from, next) {
		c.log.Error("invalid transition",
			zap.String("from", string(from)),
			zap.String("to", string(next)),
			zap.String("reason", reason),
		)
		c.lock("invalid_transition")
		return false
	}
	c.ctx.State = next
	c.ctx.StateSince = c.snap.Now
	if next == StateIdle || next == StateCooldown {
		c.ctx.reset()
	}
	c.log.Info("controller state change",
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("reason", reason),
	)
	return true
}

func (c *Controller) lock(reason string) Decision {
	from := c.ctx.State
	c.ctx.FailureReason = reason
	c.ctx.State = StateFailureLock
	c.ctx.StateSince = c.snap.Now
	c.log.Error("controller failure lock",
		zap.String("from", string(from)),
		zap.String("reason", reason),
		zap.String("position_id", c.ctx.PositionID),
	)
	return Decision{NextState: StateFailureLock, Reason: reason}
}

func (c *Controller) lockedDecision() Decision {
	return Decision{NextState: StateFailureLock, Reason: c.ctx.FailureReason}
}

func (c *Controller) publish(d Decision) {
	now := c.snap.Now
	pos := c.ownPosition()
	st := Status{
		State:           c.ctx.State,
		StateSince:      c.ctx.StateSince,
		TimeInState:     now.Sub(c.ctx.StateSince),
		Reason:          d.Reason,
		AnchorEquity:    c.ctx.AnchorEquity,
		HasAnchor:       c.ctx.HasAnchor,
		RebalanceDue:    c.rebalanceDue,
		ActiveSwaps:     c.snap.ActiveSwaps(),
		PositionID:      c.ctx.PositionID,
		PendingActionID: c.ctx.PendingActionID,
		PendingKind:     c.ctx.PendingKind,
		OrphanOpenIDs:   c.ctx.orphanIDs(),
		LastExitReason:  c.ctx.LastExitReason,
		FailureReason:   c.ctx.FailureReason,
		Stats:           c.stats,
		UpdatedAt:       now,
	}
	if c.ctx.CooldownUntil.After(now) {
		st.CooldownRemaining = c.ctx.CooldownUntil.Sub(now)
	}
	if pos != nil && (pos.Open() || pos.InTransition()) {
		st.ActivePositions = 1
	}
	if rate, ok := c.ctx.Fee.Rate(); ok {
		st.FeeRate = rate
	}
	if price, ok := c.effectivePrice(pos); ok {
		if equity, ok := c.anchor.Equity(price, c.snap.WalletBase, c.snap.WalletQuote, pos, c.ctx.AnchorEquity); ok {
			st.Equity = equity
		}
	}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}
