package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"clmm-lp-bot/internal/config"
	"clmm-lp-bot/internal/strategy"

	"go.uber.org/zap"
)

func replayConfig() config.StrategyConfig {
	cfg, err := config.Parse([]byte(`
gateway:
  chain: solana
  wallet_address: wallet-1
  pool_address: pool-1
strategy:
  id: replay
  trading_pair: SOL-USDC
  position_value_quote: 1000
  position_width_pct: 10
`))
	if err != nil {
		panic(err)
	}
	return cfg.Strategy
}

func TestReplayEntryFlow(t *testing.T) {
	input := strings.Join([]string{
		`# entry`,
		`{"t":1700000000,"price":100,"wallet_base":6,"wallet_quote":600}`,
		``,
		`{"t":1700000005,"price":100,"wallet_base":6,"wallet_quote":600,"ledger":"none"}`,
	}, "\n")
	var out bytes.Buffer
	if err := replay(replayConfig(), strings.NewReader(input), &out, zap.NewNop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 decisions, got %d:\n%s", len(lines), out.String())
	}
	var first decisionLine
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.State != strategy.StateEntryOpen || first.Reason != "entry_open" || len(first.Actions) != 1 {
		t.Fatalf("unexpected first decision %+v", first)
	}
	if first.Actions[0].Kind != strategy.ActionOpen {
		t.Fatalf("expected OPEN, got %s", first.Actions[0].Kind)
	}
	var second decisionLine
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Reason != "open_in_progress" {
		t.Fatalf("expected open_in_progress, got %s", second.Reason)
	}
}

func TestReplayRejectsBadFrame(t *testing.T) {
	var out bytes.Buffer
	if err := replay(replayConfig(), strings.NewReader("{nope"), &out, zap.NewNop()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestLedgerStatusMapping(t *testing.T) {
	if s := ledgerStatus(""); !s.Reconciled || !s.HasBalance {
		t.Fatalf("expected reconciled default, got %+v", s)
	}
	if s := ledgerStatus("stale"); !s.NeedsReconcile {
		t.Fatalf("expected needs reconcile, got %+v", s)
	}
	if s := ledgerStatus("none"); s.HasBalance {
		t.Fatalf("expected no balance, got %+v", s)
	}
}

func TestFrameSnapshotCarriesActionsAndOrphans(t *testing.T) {
	var f frame
	line := `{"t":1700000000,"price":100,"actions":[{"id":"close-1","kind":"close","state":"failed"}],"orphans":[{"id":"pos-9","action_id":"open-1","state":"in_range","lower":95,"upper":105}]}`
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	snap := f.snapshot()
	if len(snap.Actions) != 1 || snap.Actions[0].State != strategy.ActionFailed || snap.Actions[0].Kind != strategy.ActionClose {
		t.Fatalf("unexpected actions %+v", snap.Actions)
	}
	if len(snap.Orphans) != 1 || snap.Orphans[0].ActionID != "open-1" || !snap.Orphans[0].Open() {
		t.Fatalf("unexpected orphans %+v", snap.Orphans)
	}
}
