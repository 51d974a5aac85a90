package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const validYAML = `
gateway:
  wallet_address: "0x52908400098527886e0f7030069857d2e4169ee7"
  pool_address: "0xde709f2102306220921060314715629080e2fb77"
strategy:
  trading_pair: WETH-USDC
  position_value_quote: 100
`

func TestStrategyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	s := cfg.Strategy
	if s.PositionWidthPct != 12 {
		t.Fatalf("expected width 12, got %v", s.PositionWidthPct)
	}
	if s.Rebalance.Delay != 60*time.Second {
		t.Fatalf("expected rebalance delay 60s, got %v", s.Rebalance.Delay)
	}
	if s.Rebalance.HysteresisRatio != 0.002 {
		t.Fatalf("expected hysteresis 0.002, got %v", s.Rebalance.HysteresisRatio)
	}
	if s.Rebalance.Cooldown != 30*time.Second {
		t.Fatalf("expected cooldown 30s, got %v", s.Rebalance.Cooldown)
	}
	if s.Rebalance.MaxPerHour != 20 {
		t.Fatalf("expected max per hour 20, got %d", s.Rebalance.MaxPerHour)
	}
	if s.Rebalance.OpenTimeout != 120*time.Second {
		t.Fatalf("expected open timeout 120s, got %v", s.Rebalance.OpenTimeout)
	}
	if s.Rebalance.MaxOpenAttempts != 3 {
		t.Fatalf("expected max open attempts 3, got %d", s.Rebalance.MaxOpenAttempts)
	}
	if s.Rebalance.MaxCloseAttempts != 3 {
		t.Fatalf("expected max close attempts 3, got %d", s.Rebalance.MaxCloseAttempts)
	}
	if cfg.Gateway.ActionTimeout != 10*time.Minute {
		t.Fatalf("expected action timeout 10m, got %v", cfg.Gateway.ActionTimeout)
	}
	if s.CostFilter.Enabled {
		t.Fatalf("expected cost filter disabled default")
	}
	if s.CostFilter.MaxPayback != time.Hour {
		t.Fatalf("expected max payback 1h, got %v", s.CostFilter.MaxPayback)
	}
	if !s.Swap.AutoSwapValue() {
		t.Fatalf("expected auto swap enabled default")
	}
	if s.Swap.SafetyBufferRatio != 0.02 {
		t.Fatalf("expected safety buffer 0.02, got %v", s.Swap.SafetyBufferRatio)
	}
	if s.Swap.MaxExitAttempts != 5 {
		t.Fatalf("expected exit attempts 5, got %d", s.Swap.MaxExitAttempts)
	}
	if s.Exit.Pause != 30*time.Minute {
		t.Fatalf("expected exit pause 30m, got %v", s.Exit.Pause)
	}
	if s.EquityMode != EquityModeBudget {
		t.Fatalf("expected budget equity mode, got %q", s.EquityMode)
	}
	if !s.Entry.TriggerAboveValue() {
		t.Fatalf("expected trigger above default")
	}
}

func TestGatewayDefaults(t *testing.T) {
	cfg := &Config{Gateway: GatewayConfig{BaseURL: "https://gw.example.com/"}}
	applyDefaults(cfg)
	if cfg.Gateway.WSURL != "wss://gw.example.com/ws" {
		t.Fatalf("expected derived ws url, got %q", cfg.Gateway.WSURL)
	}
	if cfg.Balance.LedgerWindow != 120*time.Second {
		t.Fatalf("expected ledger window 120s, got %v", cfg.Balance.LedgerWindow)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Metrics.Enabled == nil || !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Address == "" {
		t.Fatalf("expected metrics address default")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestParseChecksumsAddresses(t *testing.T) {
	unsetEnv(t, "CLMM_WALLET_ADDRESS")
	unsetEnv(t, "CLMM_POOL_ADDRESS")
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Gateway.WalletAddress != "0x52908400098527886E0F7030069857D2E4169EE7" {
		t.Fatalf("expected checksummed wallet, got %q", cfg.Gateway.WalletAddress)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	data := validYAML + "  stop_loss_pnl_pct: 5\n"
	if _, err := Parse([]byte(data)); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestParseRejectsPercentPointsInRatio(t *testing.T) {
	data := validYAML + "  exit:\n    stop_loss_ratio: 5\n"
	_, err := Parse([]byte(data))
	if err == nil {
		t.Fatalf("expected ratio validation error")
	}
	if !strings.Contains(err.Error(), "stop_loss_ratio") {
		t.Fatalf("expected stop_loss_ratio in error, got %v", err)
	}
}

func TestParseRequiresTradingPair(t *testing.T) {
	data := `
gateway:
  wallet_address: "0x52908400098527886e0f7030069857d2e4169ee7"
  pool_address: "0xde709f2102306220921060314715629080e2fb77"
`
	if _, err := Parse([]byte(data)); err == nil {
		t.Fatalf("expected missing trading pair error")
	}
}

func TestParseRejectsBadEVMAddress(t *testing.T) {
	unsetEnv(t, "CLMM_WALLET_ADDRESS")
	data := strings.Replace(validYAML, "0x52908400098527886e0f7030069857d2e4169ee7", "not-an-address", 1)
	if _, err := Parse([]byte(data)); err == nil {
		t.Fatalf("expected address validation error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLMM_TELEGRAM_TOKEN", "secret")
	t.Setenv("CLMM_MANUAL_STOP", "true")
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "secret" {
		t.Fatalf("expected token from env, got %q", cfg.Telegram.Token)
	}
	if !cfg.Control.ManualStop {
		t.Fatalf("expected manual stop from env")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy.TradingPair != "WETH-USDC" {
		t.Fatalf("expected trading pair, got %q", cfg.Strategy.TradingPair)
	}
}

func TestSplitPair(t *testing.T) {
	base, quote, err := SplitPair("SOL-USDC")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if base != "SOL" || quote != "USDC" {
		t.Fatalf("expected SOL/USDC, got %s/%s", base, quote)
	}
	if _, _, err := SplitPair("SOLUSDC"); err == nil {
		t.Fatalf("expected error for pair without separator")
	}
}

func TestControlStaticFlags(t *testing.T) {
	cfg := &Config{}
	cfg.Control.ManualStop = true
	cfg.Strategy.Entry.ReenterEnabled = true
	ctrl, err := NewControl(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new control: %v", err)
	}
	flags := ctrl.Flags()
	if !flags.ManualStop || !flags.ReenterEnabled {
		t.Fatalf("expected static flags, got %+v", flags)
	}
	var seen ControlFlags
	ctrl.OnChange(func(f ControlFlags) { seen = f })
	ctrl.SetManualStop(false)
	if seen.ManualStop {
		t.Fatalf("expected listener to see manual stop cleared")
	}
}

func TestControlReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.yaml")
	if err := os.WriteFile(path, []byte("manual_stop: true\n"), 0o600); err != nil {
		t.Fatalf("write control: %v", err)
	}
	cfg := &Config{}
	cfg.Control.Path = path
	cfg.Strategy.Entry.ReenterEnabled = true
	ctrl, err := NewControl(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new control: %v", err)
	}
	flags := ctrl.Flags()
	if !flags.ManualStop {
		t.Fatalf("expected manual stop from file")
	}
	if !flags.ReenterEnabled {
		t.Fatalf("expected reenter default preserved")
	}
}

func TestControlPersistsOperatorChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.yaml")
	if err := os.WriteFile(path, []byte("manual_stop: false\nnote: keep\n"), 0o600); err != nil {
		t.Fatalf("write control: %v", err)
	}
	cfg := &Config{}
	cfg.Control.Path = path
	ctrl, err := NewControl(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new control: %v", err)
	}
	if err := ctrl.SetManualStop(true); err != nil {
		t.Fatalf("set manual stop: %v", err)
	}
	if err := ctrl.SetReenterEnabled(true); err != nil {
		t.Fatalf("set reenter: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read control: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse control: %v", err)
	}
	if doc["manual_stop"] != true || doc["reenter_enabled"] != true || doc["note"] != "keep" {
		t.Fatalf("unexpected control file %v", doc)
	}

	restarted, err := NewControl(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("reload control: %v", err)
	}
	if flags := restarted.Flags(); !flags.ManualStop || !flags.ReenterEnabled {
		t.Fatalf("expected persisted flags after restart, got %+v", flags)
	}
}
