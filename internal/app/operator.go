package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clmm-lp-bot/internal/alerts"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey = "telegram:operator:last_update_id"
	auditKeyPrefix    = "ops:audit:"
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID      int64     `json:"update_id"`
	Time          time.Time `json:"time"`
	Action        string    `json:"action"`
	Command       string    `json:"command"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	StoppedBefore bool      `json:"stopped_before"`
	StoppedAfter  bool      `json:"stopped_after"`
	StateBefore   string    `json:"state_before"`
}

func auditKey(at time.Time, updateID int64) string {
	return fmt.Sprintf("%s%019d:%d", auditKeyPrefix, at.UnixNano(), updateID)
}

func (a *App) operatorSettings() (int64, map[int64]struct{}, bool) {
	if a.alerts == nil || !a.alerts.Enabled() || !a.cfg.Telegram.OperatorEnabled {
		return 0, nil, false
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return 0, nil, false
	}
	allowed := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return chatID, allowed, true
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			a.log.Warn("operator command from unknown user", zap.Int64("user_id", msg.From.ID))
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// "/status@my_bot" in group chats
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "stop":
		before := a.control.Flags().ManualStop
		if err := a.control.SetManualStop(true); err != nil {
			a.log.Warn("manual stop not persisted", zap.Error(err))
		}
		a.audit(ctx, "stop", meta, before, true)
		if before {
			return "manual stop already engaged", nil
		}
		return "manual stop engaged", nil
	case "resume":
		before := a.control.Flags().ManualStop
		if err := a.control.SetManualStop(false); err != nil {
			a.log.Warn("manual stop release not persisted", zap.Error(err))
		}
		a.audit(ctx, "resume", meta, before, false)
		if !before {
			return "manual stop not engaged", nil
		}
		return "manual stop released", nil
	case "unlock":
		stopped := a.control.Flags().ManualStop
		a.unlock.Store(true)
		a.audit(ctx, "unlock", meta, stopped, stopped)
		a.poke()
		return "unlock requested", nil
	case "reenter":
		if len(args) != 1 {
			return "", errors.New("usage: /reenter on|off")
		}
		on, err := parseSwitch(args[0])
		if err != nil {
			return "", err
		}
		stopped := a.control.Flags().ManualStop
		if err := a.control.SetReenterEnabled(on); err != nil {
			a.log.Warn("re-entry flag not persisted", zap.Error(err))
		}
		action := "reenter_off"
		if on {
			action = "reenter_on"
		}
		a.audit(ctx, action, meta, stopped, stopped)
		return fmt.Sprintf("re-entry enabled: %t", on), nil
	default:
		return operatorHelpText(), nil
	}
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func (a *App) operatorStatus() string {
	st := a.controller.Status()
	flags := a.control.Flags()
	a.statusMu.RLock()
	snap := a.lastSnap
	a.statusMu.RUnlock()
	price := "n/a"
	if snap.HasPrice {
		price = strconv.FormatFloat(snap.Price, 'f', -1, 64)
	}
	position := "none"
	if snap.Position != nil {
		position = fmt.Sprintf("%s %s [%.6g, %.6g]", snap.Position.ID, snap.Position.State, snap.Position.Lower, snap.Position.Upper)
	}
	lines := []string{
		fmt.Sprintf("state: %s (%s)", st.State, st.TimeInState.Truncate(time.Second)),
		fmt.Sprintf("reason: %s", st.Reason),
		fmt.Sprintf("price: %s", price),
		fmt.Sprintf("position: %s", position),
		fmt.Sprintf("wallet: %.6f base / %.2f quote", snap.WalletBase, snap.WalletQuote),
		fmt.Sprintf("anchor: %.2f equity: %.2f", st.AnchorEquity, st.Equity),
		fmt.Sprintf("realized_pnl: %.2f closes: %d rebalances: %d", st.Stats.RealizedPnL, st.Stats.Closes, st.Stats.Rebalances),
		fmt.Sprintf("manual_stop: %t reenter: %t", flags.ManualStop, flags.ReenterEnabled),
	}
	if st.CooldownRemaining > 0 {
		lines = append(lines, fmt.Sprintf("cooldown: %s", st.CooldownRemaining.Truncate(time.Second)))
	}
	if st.FailureReason != "" {
		lines = append(lines, fmt.Sprintf("failure: %s", st.FailureReason))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current controller status",
		"/stop - engage manual stop (closes the position)",
		"/resume - release manual stop",
		"/unlock - clear a failure lock",
		"/reenter on|off - allow entry after a stop loss or take profit",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) audit(ctx context.Context, action string, meta operatorMeta, stoppedBefore, stoppedAfter bool) {
	if a.store == nil {
		return
	}
	now := a.now().UTC()
	event := operatorAuditEvent{
		UpdateID:      meta.UpdateID,
		Time:          now,
		Action:        action,
		Command:       meta.Raw,
		UserID:        meta.UserID,
		Username:      meta.Username,
		ChatID:        meta.ChatID,
		StoppedBefore: stoppedBefore,
		StoppedAfter:  stoppedAfter,
		StateBefore:   string(a.controller.Status().State),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := a.store.Set(ctx, auditKey(now, meta.UpdateID), string(payload)); err != nil {
		a.log.Warn("operator audit persist failed", zap.Error(err))
	}
}
