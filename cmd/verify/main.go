package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"clmm-lp-bot/internal/config"
	"clmm-lp-bot/internal/exec"
	"clmm-lp-bot/internal/gateway/rest"
	"clmm-lp-bot/internal/logging"
	"clmm-lp-bot/internal/strategy"

	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

// frame is one recorded tick fed to the controller in replay mode.
type frame struct {
	Time         int64           `json:"t"`
	Price        float64         `json:"price"`
	WalletBase   float64         `json:"wallet_base"`
	WalletQuote  float64         `json:"wallet_quote"`
	BalanceStale bool            `json:"balance_stale"`
	Ledger       string          `json:"ledger"`
	Position     *framePosition  `json:"position"`
	Unavailable  bool            `json:"position_unavailable"`
	Swaps        []frameSwap     `json:"swaps"`
	Actions      []frameAction   `json:"actions"`
	Orphans      []framePosition `json:"orphans"`
	Events       []frameEvent    `json:"events"`
	ManualStop   bool            `json:"manual_stop"`
	Unlock       bool            `json:"unlock"`
	Reenter      bool            `json:"reenter"`
}

type framePosition struct {
	ID              string  `json:"id"`
	ActionID        string  `json:"action_id"`
	State           string  `json:"state"`
	Lower           float64 `json:"lower"`
	Upper           float64 `json:"upper"`
	Base            float64 `json:"base"`
	Quote           float64 `json:"quote"`
	BaseFee         float64 `json:"base_fee"`
	QuoteFee        float64 `json:"quote_fee"`
	OutOfRangeSince int64   `json:"out_of_range_since"`
}

type frameSwap struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Side    string `json:"side"`
	Purpose string `json:"purpose"`
}

// frameAction reports the executor state of an OPEN or CLOSE by the id a
// previous decision line printed.
type frameAction struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	State string `json:"state"`
}

type frameEvent struct {
	Source string `json:"source"`
	Kind   string `json:"kind"`
}

type eventSet map[string]struct{}

func (e eventSet) HasEvent(source string, kind strategy.EventKind, since time.Time) bool {
	if since.IsZero() {
		return false
	}
	_, ok := e[source+"/"+string(kind)]
	return ok
}

type decisionLine struct {
	Tick    int               `json:"tick"`
	Time    string            `json:"time"`
	State   strategy.State    `json:"state"`
	Reason  string            `json:"reason"`
	Actions []strategy.Action `json:"actions,omitempty"`
	Equity  float64           `json:"equity"`
	Anchor  float64           `json:"anchor"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	replayPath := flag.String("replay", "", "JSON lines file of snapshot frames to replay through the controller")
	probe := flag.Bool("probe", false, "fetch price and balances from the gateway once and exit")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	switch {
	case *probe:
		if err := runProbe(cfg, log); err != nil {
			fatal(err)
		}
	case *replayPath != "":
		file, err := os.Open(*replayPath)
		if err != nil {
			fatal(err)
		}
		defer file.Close()
		if err := replay(cfg.Strategy, file, os.Stdout, log); err != nil {
			fatal(err)
		}
	default:
		fatal(errors.New("one of -probe or -replay is required"))
	}
}

func runProbe(cfg *config.Config, log *zap.Logger) error {
	base, quote, err := config.SplitPair(cfg.Strategy.TradingPair)
	if err != nil {
		return err
	}
	if cfg.Strategy.PoolInverted {
		base, quote = quote, base
	}
	client := rest.New(cfg.Gateway.BaseURL, cfg.Gateway.Timeout, cfg.Gateway.RequestsPerSec, log)
	gw := rest.NewGateway(client, rest.Identity{
		Chain:     cfg.Gateway.Chain,
		Connector: cfg.Gateway.Connector,
		Wallet:    cfg.Gateway.WalletAddress,
		Pool:      cfg.Gateway.PoolAddress,
		Base:      base,
		Quote:     quote,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Gateway.Timeout)
	defer cancel()
	q, err := gw.Price(ctx)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	bal, err := gw.Balances(ctx)
	if err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	orient := strategy.Orientation{Inverted: cfg.Strategy.PoolInverted}
	fmt.Printf("pool price: %v (strategy %v)\n", q.Price, orient.PriceToStrategy(q.Price))
	fmt.Printf("balances: %s %s / %s %s\n", bal.Base, base, bal.Quote, quote)
	return nil
}

func replay(cfg config.StrategyConfig, r io.Reader, w io.Writer, log *zap.Logger) error {
	controller := strategy.NewController(cfg, exec.NewActionIDs(cfg.ID), log)
	enc := json.NewEncoder(w)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	tick := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			return fmt.Errorf("frame %d: %w", tick+1, err)
		}
		tick++
		snap := f.snapshot()
		d := controller.Step(snap, strategy.Inputs{ManualStop: f.ManualStop, Unlock: f.Unlock, ReenterEnabled: f.Reenter})
		st := controller.Status()
		if err := enc.Encode(decisionLine{
			Tick:    tick,
			Time:    snap.Now.UTC().Format(time.RFC3339),
			State:   d.NextState,
			Reason:  d.Reason,
			Actions: d.Actions,
			Equity:  st.Equity,
			Anchor:  st.AnchorEquity,
		}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (f frame) snapshot() strategy.Snapshot {
	events := eventSet{}
	for _, ev := range f.Events {
		events[ev.Source+"/"+ev.Kind] = struct{}{}
	}
	snap := strategy.Snapshot{
		Now:                 time.Unix(f.Time, 0),
		Price:               f.Price,
		HasPrice:            f.Price > 0,
		WalletBase:          f.WalletBase,
		WalletQuote:         f.WalletQuote,
		BalanceFresh:        !f.BalanceStale,
		Ledger:              ledgerStatus(f.Ledger),
		Events:              events,
		PositionUnavailable: f.Unavailable,
	}
	if p := f.Position; p != nil {
		snap.Position = p.view(f.Price)
	}
	for _, p := range f.Orphans {
		snap.Orphans = append(snap.Orphans, *p.view(f.Price))
	}
	for _, a := range f.Actions {
		snap.Actions = append(snap.Actions, strategy.ActionView{
			ID:        a.ID,
			Kind:      strategy.ActionKind(strings.ToUpper(a.Kind)),
			State:     strategy.ActionState(strings.ToUpper(a.State)),
			UpdatedAt: snap.Now,
		})
	}
	for _, s := range f.Swaps {
		snap.Swaps = append(snap.Swaps, strategy.SwapView{
			ID:        s.ID,
			State:     strategy.SwapState(strings.ToUpper(s.State)),
			Side:      strategy.Side(strings.ToUpper(s.Side)),
			Purpose:   strategy.SwapPurpose(s.Purpose),
			UpdatedAt: snap.Now,
		})
	}
	return snap
}

func (p framePosition) view(price float64) *strategy.PositionView {
	pos := &strategy.PositionView{
		ID:          p.ID,
		ActionID:    p.ActionID,
		State:       strategy.PositionState(strings.ToUpper(p.State)),
		Lower:       p.Lower,
		Upper:       p.Upper,
		BaseAmount:  p.Base,
		QuoteAmount: p.Quote,
		BaseFee:     p.BaseFee,
		QuoteFee:    p.QuoteFee,
		Price:       price,
	}
	if p.OutOfRangeSince > 0 {
		pos.OutOfRangeSince = time.Unix(p.OutOfRangeSince, 0)
	}
	return pos
}

func ledgerStatus(v string) strategy.LedgerStatus {
	switch v {
	case "none":
		return strategy.LedgerStatus{}
	case "recent":
		return strategy.LedgerStatus{HasBalance: true, Recent: true}
	case "stale":
		return strategy.LedgerStatus{HasBalance: true, NeedsReconcile: true}
	}
	return strategy.LedgerStatus{HasBalance: true, Reconciled: true}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify: %v\n", err)
	os.Exit(1)
}
