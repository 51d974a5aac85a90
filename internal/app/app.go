package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clmm-lp-bot/internal/alerts"
	"clmm-lp-bot/internal/config"
	"clmm-lp-bot/internal/exec"
	"clmm-lp-bot/internal/gateway/rest"
	"clmm-lp-bot/internal/gateway/ws"
	"clmm-lp-bot/internal/metrics"
	"clmm-lp-bot/internal/snapshot"
	"clmm-lp-bot/internal/state"
	"clmm-lp-bot/internal/state/sqlite"
	"clmm-lp-bot/internal/strategy"
	"clmm-lp-bot/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type snapshotSource interface {
	Build(ctx context.Context, watch strategy.Watch) strategy.Snapshot
	Track(action strategy.Action)
}

type actionSink interface {
	Emit(ctx context.Context, action strategy.Action) (string, error)
}

type notifier interface {
	Enabled() bool
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	control    *config.Control
	stream     *ws.Client
	prices     *ws.PriceCache
	snapshots  snapshotSource
	actions    actionSink
	controller *strategy.Controller
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	alerts     notifier
	timescale  *timescale.Writer
	now        func() time.Time

	wake           chan struct{}
	unlock         atomic.Bool
	operatorWarned bool

	statusMu   sync.RWMutex
	lastSnap   strategy.Snapshot
	lastReason string
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	base, quote, err := config.SplitPair(cfg.Strategy.TradingPair)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.Strategy.PoolInverted {
		base, quote = quote, base
	}
	client := rest.New(cfg.Gateway.BaseURL, cfg.Gateway.Timeout, cfg.Gateway.RequestsPerSec, log)
	gateway := rest.NewGateway(client, rest.Identity{
		Chain:     cfg.Gateway.Chain,
		Connector: cfg.Gateway.Connector,
		Wallet:    cfg.Gateway.WalletAddress,
		Pool:      cfg.Gateway.PoolAddress,
		Base:      base,
		Quote:     quote,
	})

	var (
		stream *ws.Client
		prices *ws.PriceCache
		feed   snapshot.PriceFeed
	)
	if strings.TrimSpace(cfg.Gateway.WSURL) != "" {
		stream = ws.New(cfg.Gateway.WSURL, cfg.Gateway.ReconnectDelay, cfg.Gateway.PingInterval, log)
		prices = ws.NewPriceCache(cfg.Gateway.PoolAddress, cfg.Gateway.PriceMaxAge)
		feed = prices
	}

	executor := exec.New(gateway, store, log)
	builder := snapshot.NewBuilder(snapshot.Config{
		PoolInverted:   cfg.Strategy.PoolInverted,
		PriceMaxAge:    cfg.Gateway.PriceMaxAge,
		BalanceRefresh: cfg.Balance.RefreshInterval,
		BalanceMaxAge:  cfg.Balance.MaxAge,
		LedgerWindow:   cfg.Balance.LedgerWindow,
		ActionTimeout:  cfg.Gateway.ActionTimeout,
	}, gateway, executor, feed, log)

	control, err := config.NewControl(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		writer = nil
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	a := &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		control:    control,
		stream:     stream,
		prices:     prices,
		snapshots:  builder,
		actions:    exec.NewEmitter(executor, cfg.Strategy, log),
		controller: strategy.NewController(cfg.Strategy, exec.NewActionIDs(cfg.Strategy.ID), log),
		metrics:    m,
		prom:       prom,
		alerts:     alerts.NewTelegram(cfg.Telegram, log),
		timescale:  writer,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
	control.OnChange(func(flags config.ControlFlags) {
		a.log.Info("control flags changed", zap.Bool("manual_stop", flags.ManualStop), zap.Bool("reenter_enabled", flags.ReenterEnabled))
		a.poke()
	})
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if rec, ok, err := state.LoadStatus(ctx, a.store); err != nil {
		a.log.Warn("previous status unreadable", zap.Error(err))
	} else if ok {
		a.log.Info("previous run status",
			zap.String("state", rec.State),
			zap.String("reason", rec.Reason),
			zap.String("position_id", rec.PositionID),
			zap.Time("updated_at", time.UnixMilli(rec.UpdatedAtMS)),
		)
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.stream != nil {
		g.Go(func() error {
			return ws.Stream(ctx, a.stream, a.prices)
		})
	}
	a.timescale.Start(ctx)
	if srv := a.httpServer(); srv != nil {
		g.Go(func() error {
			return serveHTTP(ctx, srv, a.log)
		})
	}
	if chatID, allowed, ok := a.operatorSettings(); ok {
		g.Go(func() error {
			a.operatorLoop(ctx, chatID, allowed, a.cfg.Telegram.OperatorPollInterval)
			return nil
		})
	}
	sched, err := a.newScheduler(ctx)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	g.Go(func() error {
		return a.loop(ctx)
	})
	return g.Wait()
}

func (a *App) loop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer ticker.Stop()
	for {
		if err := a.tick(ctx); err != nil {
			a.metrics.TickFailed.Inc()
			a.log.Warn("strategy tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

func (a *App) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// tick runs one snapshot, decide, emit cycle.
func (a *App) tick(ctx context.Context) error {
	flags := a.control.Flags()
	before := a.controller.Status()
	snap := a.snapshots.Build(ctx, a.controller.Watch())
	decision := a.controller.Step(snap, strategy.Inputs{
		ManualStop:     flags.ManualStop,
		Unlock:         a.unlock.Swap(false),
		ReenterEnabled: flags.ReenterEnabled,
	})
	if decision.Reason == strategy.ReasonTickInProgress {
		return nil
	}
	var emitErr error
	for _, action := range decision.Actions {
		if _, err := a.actions.Emit(ctx, action); err != nil {
			a.metrics.ActionsFailed.Inc()
			emitErr = errors.Join(emitErr, fmt.Errorf("emit %s %s: %w", action.Kind, action.ID, err))
			continue
		}
		a.metrics.ActionsSubmitted.Inc()
		a.snapshots.Track(action)
	}
	after := a.controller.Status()
	a.statusMu.Lock()
	a.lastSnap = snap
	a.lastReason = decision.Reason
	a.statusMu.Unlock()
	a.observe(ctx, before, after, decision, snap)
	return emitErr
}

func (a *App) observe(ctx context.Context, before, after strategy.Status, decision strategy.Decision, snap strategy.Snapshot) {
	a.updateMetrics(after, decision)
	if err := state.SaveStatus(ctx, a.store, statusRecord(after, a.now())); err != nil {
		a.log.Warn("status persist failed", zap.Error(err))
	}
	a.timescale.EnqueueSnapshot(tickSnapshot(a.cfg.Strategy.ID, after, decision, snap))
	if before.State == after.State {
		return
	}
	kinds := make([]string, 0, len(decision.Actions))
	for _, action := range decision.Actions {
		kinds = append(kinds, string(action.Kind))
	}
	a.timescale.EnqueueTransition(timescale.Transition{
		Time:       snap.Now,
		StrategyID: a.cfg.Strategy.ID,
		FromState:  string(before.State),
		ToState:    string(after.State),
		Reason:     decision.Reason,
		Actions:    kinds,
	})
	switch after.State {
	case strategy.StateRebalanceStop:
		a.metrics.Rebalances.Inc()
	case strategy.StateStopLossStop:
		a.metrics.StopLosses.Inc()
		a.notify(ctx, fmt.Sprintf("stop loss triggered: equity %.2f anchor %.2f", after.Equity, after.AnchorEquity))
	case strategy.StateTakeProfitStop:
		a.metrics.TakeProfits.Inc()
		a.notify(ctx, fmt.Sprintf("take profit triggered: equity %.2f anchor %.2f", after.Equity, after.AnchorEquity))
	case strategy.StateFailureLock:
		a.metrics.FailureLocks.Inc()
		a.notify(ctx, fmt.Sprintf("failure lock engaged: %s (use /unlock after checking the position)", after.FailureReason))
	case strategy.StateManualStop:
		a.notify(ctx, "manual stop engaged")
	}
}

func (a *App) updateMetrics(st strategy.Status, decision strategy.Decision) {
	m := a.metrics
	m.State.Set(string(st.State))
	m.Reasons.Inc(decision.Reason)
	m.TimeInState.Set(st.TimeInState.Seconds())
	m.Anchor.Set(st.AnchorEquity)
	m.CooldownRemaining.Set(st.CooldownRemaining.Seconds())
	m.RebalanceDue.Set(boolGauge(st.RebalanceDue))
	m.ActivePositions.Set(float64(st.ActivePositions))
	m.ActiveSwaps.Set(float64(st.ActiveSwaps))
	m.FeeRateEWMA.Set(st.FeeRate)
	m.RealizedPnL.Set(st.Stats.RealizedPnL)
}

func (a *App) notify(ctx context.Context, message string) {
	if a.alerts == nil || !a.alerts.Enabled() {
		return
	}
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("telegram alert failed", zap.Error(err))
	}
}

func (a *App) close() {
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

func statusRecord(st strategy.Status, now time.Time) state.StatusRecord {
	return state.StatusRecord{
		State:          string(st.State),
		StateSinceMS:   st.StateSince.UnixMilli(),
		Reason:         st.Reason,
		PositionID:     st.PositionID,
		AnchorEquity:   st.AnchorEquity,
		Equity:         st.Equity,
		RealizedPnL:    st.Stats.RealizedPnL,
		RealizedVolume: st.Stats.RealizedVolume,
		FailureReason:  st.FailureReason,
		UpdatedAtMS:    now.UnixMilli(),
	}
}

func tickSnapshot(strategyID string, st strategy.Status, decision strategy.Decision, snap strategy.Snapshot) timescale.TickSnapshot {
	row := timescale.TickSnapshot{
		Time:         snap.Now,
		StrategyID:   strategyID,
		State:        string(st.State),
		Reason:       decision.Reason,
		Price:        snap.Price,
		HasPrice:     snap.HasPrice,
		WalletBase:   snap.WalletBase,
		WalletQuote:  snap.WalletQuote,
		Equity:       st.Equity,
		AnchorEquity: st.AnchorEquity,
		RealizedPnL:  st.Stats.RealizedPnL,
		FeeRate:      st.FeeRate,
		Rebalances:   st.Stats.Rebalances,
	}
	if pos := snap.Position; pos != nil {
		row.PositionID = pos.ID
		row.PositionState = string(pos.State)
		row.Lower = pos.Lower
		row.Upper = pos.Upper
		if snap.HasPrice {
			row.PositionValue = pos.Value(snap.Price)
		}
	}
	return row
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
