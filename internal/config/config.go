package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Balance   BalanceConfig   `yaml:"balance"`
	Control   ControlConfig   `yaml:"control"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type GatewayConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	WSURL          string        `yaml:"ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PriceMaxAge    time.Duration `yaml:"price_max_age"`
	ActionTimeout  time.Duration `yaml:"action_timeout"`
	Chain          string        `yaml:"chain"`
	Connector      string        `yaml:"connector"`
	WalletAddress  string        `yaml:"wallet_address"`
	PoolAddress    string        `yaml:"pool_address"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// StrategyConfig holds every knob the controller reads. Keys carry their unit:
// *_ratio fields are fractions in [0,1), *_pct fields are percent points and
// durations use Go duration strings.
type StrategyConfig struct {
	ID                 string        `yaml:"id"`
	TradingPair        string        `yaml:"trading_pair"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	PoolInverted       bool          `yaml:"pool_inverted"`
	BaseDecimals       int32         `yaml:"base_decimals"`
	QuoteDecimals      int32         `yaml:"quote_decimals"`
	PositionValueQuote float64       `yaml:"position_value_quote"`
	PositionWidthPct   float64       `yaml:"position_width_pct"`
	EquityMode         string        `yaml:"equity_mode"`

	Entry      EntryConfig      `yaml:"entry"`
	Rebalance  RebalanceConfig  `yaml:"rebalance"`
	CostFilter CostFilterConfig `yaml:"cost_filter"`
	Swap       SwapConfig       `yaml:"swap"`
	Exit       ExitConfig       `yaml:"exit"`
}

type EntryConfig struct {
	TargetPrice    float64 `yaml:"target_price"`
	TriggerAbove   *bool   `yaml:"trigger_above"`
	ReenterEnabled bool    `yaml:"reenter_enabled"`
}

func (e EntryConfig) TriggerAboveValue() bool {
	if e.TriggerAbove == nil {
		return true
	}
	return *e.TriggerAbove
}

type RebalanceConfig struct {
	Delay            time.Duration `yaml:"delay"`
	HysteresisRatio  float64       `yaml:"hysteresis_ratio"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxPerHour       int           `yaml:"max_per_hour"`
	ReopenDelay      time.Duration `yaml:"reopen_delay"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	MaxOpenAttempts  int           `yaml:"max_open_attempts"`
	MaxCloseAttempts int           `yaml:"max_close_attempts"`
}

type CostFilterConfig struct {
	Enabled                      bool          `yaml:"enabled"`
	FeeRateBootstrapQuotePerHour float64       `yaml:"fee_rate_bootstrap_quote_per_hour"`
	FixedCostQuote               float64       `yaml:"fixed_cost_quote"`
	MaxPayback                   time.Duration `yaml:"max_payback"`
}

type SwapConfig struct {
	AutoSwapEnabled      *bool         `yaml:"auto_swap_enabled"`
	SlippageRatio        float64       `yaml:"slippage_ratio"`
	SafetyBufferRatio    float64       `yaml:"safety_buffer_ratio"`
	MinValueRatio        float64       `yaml:"min_value_ratio"`
	MaxInventoryAttempts int           `yaml:"max_inventory_attempts"`
	MaxExitAttempts      int           `yaml:"max_exit_attempts"`
	PendingGrace         time.Duration `yaml:"pending_grace"`
}

func (s SwapConfig) AutoSwapValue() bool {
	if s.AutoSwapEnabled == nil {
		return true
	}
	return *s.AutoSwapEnabled
}

type ExitConfig struct {
	StopLossRatio   float64       `yaml:"stop_loss_ratio"`
	TakeProfitRatio float64       `yaml:"take_profit_ratio"`
	Pause           time.Duration `yaml:"pause"`
	LiquidateOnExit *bool         `yaml:"liquidate_on_exit"`
}

func (e ExitConfig) LiquidateValue() bool {
	if e.LiquidateOnExit == nil {
		return true
	}
	return *e.LiquidateOnExit
}

type BalanceConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxAge          time.Duration `yaml:"max_age"`
	LedgerWindow    time.Duration `yaml:"ledger_window"`
}

type ControlConfig struct {
	Path       string `yaml:"path"`
	ManualStop bool   `yaml:"manual_stop"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type SchedulerConfig struct {
	SummaryCron    string        `yaml:"summary_cron"`
	PruneCron      string        `yaml:"prune_cron"`
	AuditRetention time.Duration `yaml:"audit_retention"`
}

const (
	EquityModeBudget   = "budget"
	EquityModePosition = "position"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes strictly: keys from another unit convention (for example
// stop_loss_pnl_pct) are rejected instead of being reinterpreted.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = "http://localhost:15888"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Gateway.RequestsPerSec == 0 {
		cfg.Gateway.RequestsPerSec = 10
	}
	if cfg.Gateway.WSURL == "" {
		cfg.Gateway.WSURL = deriveWSURL(cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.ReconnectDelay == 0 {
		cfg.Gateway.ReconnectDelay = 3 * time.Second
	}
	if cfg.Gateway.PingInterval == 0 {
		cfg.Gateway.PingInterval = 20 * time.Second
	}
	if cfg.Gateway.PriceMaxAge == 0 {
		cfg.Gateway.PriceMaxAge = 15 * time.Second
	}
	if cfg.Gateway.ActionTimeout == 0 {
		cfg.Gateway.ActionTimeout = 10 * time.Minute
	}
	if cfg.Gateway.Chain == "" {
		cfg.Gateway.Chain = "ethereum"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/clmm-lp-bot.db"
	}
	applyStrategyDefaults(&cfg.Strategy)
	if cfg.Balance.RefreshInterval == 0 {
		cfg.Balance.RefreshInterval = 20 * time.Second
	}
	if cfg.Balance.MaxAge == 0 {
		cfg.Balance.MaxAge = 30 * time.Second
	}
	if cfg.Balance.LedgerWindow == 0 {
		cfg.Balance.LedgerWindow = 120 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Scheduler.SummaryCron == "" {
		cfg.Scheduler.SummaryCron = "0 0 * * * *"
	}
	if cfg.Scheduler.PruneCron == "" {
		cfg.Scheduler.PruneCron = "0 30 3 * * *"
	}
	if cfg.Scheduler.AuditRetention == 0 {
		cfg.Scheduler.AuditRetention = 30 * 24 * time.Hour
	}
}

func applyStrategyDefaults(s *StrategyConfig) {
	if s.ID == "" {
		s.ID = "clmm-lp"
	}
	if s.TickInterval == 0 {
		s.TickInterval = 5 * time.Second
	}
	if s.BaseDecimals == 0 {
		s.BaseDecimals = 9
	}
	if s.QuoteDecimals == 0 {
		s.QuoteDecimals = 6
	}
	if s.PositionWidthPct == 0 {
		s.PositionWidthPct = 12
	}
	if s.EquityMode == "" {
		s.EquityMode = EquityModeBudget
	}
	if s.Rebalance.Delay == 0 {
		s.Rebalance.Delay = 60 * time.Second
	}
	if s.Rebalance.HysteresisRatio == 0 {
		s.Rebalance.HysteresisRatio = 0.002
	}
	if s.Rebalance.Cooldown == 0 {
		s.Rebalance.Cooldown = 30 * time.Second
	}
	if s.Rebalance.MaxPerHour == 0 {
		s.Rebalance.MaxPerHour = 20
	}
	if s.Rebalance.ReopenDelay == 0 {
		s.Rebalance.ReopenDelay = 5 * time.Second
	}
	if s.Rebalance.OpenTimeout == 0 {
		s.Rebalance.OpenTimeout = 120 * time.Second
	}
	if s.Rebalance.MaxOpenAttempts == 0 {
		s.Rebalance.MaxOpenAttempts = 3
	}
	if s.Rebalance.MaxCloseAttempts == 0 {
		s.Rebalance.MaxCloseAttempts = 3
	}
	if s.CostFilter.MaxPayback == 0 {
		s.CostFilter.MaxPayback = time.Hour
	}
	if s.Swap.SlippageRatio == 0 {
		s.Swap.SlippageRatio = 0.01
	}
	if s.Swap.SafetyBufferRatio == 0 {
		s.Swap.SafetyBufferRatio = 0.02
	}
	if s.Swap.MinValueRatio == 0 {
		s.Swap.MinValueRatio = 0.005
	}
	if s.Swap.MaxInventoryAttempts == 0 {
		s.Swap.MaxInventoryAttempts = 3
	}
	if s.Swap.MaxExitAttempts == 0 {
		s.Swap.MaxExitAttempts = 5
	}
	if s.Swap.PendingGrace == 0 {
		s.Swap.PendingGrace = 30 * time.Second
	}
	if s.Exit.Pause == 0 {
		s.Exit.Pause = 30 * time.Minute
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := strings.TrimSpace(os.Getenv("CLMM_WALLET_ADDRESS")); val != "" {
		cfg.Gateway.WalletAddress = val
	}
	if val := strings.TrimSpace(os.Getenv("CLMM_POOL_ADDRESS")); val != "" {
		cfg.Gateway.PoolAddress = val
	}
	if val := strings.TrimSpace(os.Getenv("CLMM_GATEWAY_URL")); val != "" {
		cfg.Gateway.BaseURL = val
	}
	if val := strings.TrimSpace(os.Getenv("CLMM_TELEGRAM_TOKEN")); val != "" {
		cfg.Telegram.Token = val
	}
	if val := strings.TrimSpace(os.Getenv("CLMM_TELEGRAM_CHAT_ID")); val != "" {
		cfg.Telegram.ChatID = val
	}
	if val := strings.TrimSpace(os.Getenv("CLMM_TIMESCALE_DSN")); val != "" {
		cfg.Timescale.DSN = val
	}
	if val := strings.TrimSpace(os.Getenv("CLMM_MANUAL_STOP")); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			cfg.Control.ManualStop = parsed
		}
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if strings.TrimSpace(s.TradingPair) == "" {
		return errors.New("strategy.trading_pair is required")
	}
	if _, _, err := SplitPair(s.TradingPair); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Gateway.WalletAddress) == "" {
		return errors.New("gateway.wallet_address is required")
	}
	if strings.TrimSpace(cfg.Gateway.PoolAddress) == "" {
		return errors.New("gateway.pool_address is required")
	}
	if isEVM(cfg.Gateway.Chain) {
		wallet, err := checksumAddress("gateway.wallet_address", cfg.Gateway.WalletAddress)
		if err != nil {
			return err
		}
		pool, err := checksumAddress("gateway.pool_address", cfg.Gateway.PoolAddress)
		if err != nil {
			return err
		}
		cfg.Gateway.WalletAddress = wallet
		cfg.Gateway.PoolAddress = pool
	}
	if s.PositionValueQuote <= 0 {
		return errors.New("strategy.position_value_quote must be > 0")
	}
	if s.PositionWidthPct <= 0 || s.PositionWidthPct >= 1000 {
		return errors.New("strategy.position_width_pct must be in (0, 1000) percent points")
	}
	if s.EquityMode != EquityModeBudget && s.EquityMode != EquityModePosition {
		return fmt.Errorf("strategy.equity_mode must be %q or %q", EquityModeBudget, EquityModePosition)
	}
	if s.Entry.TargetPrice < 0 {
		return errors.New("strategy.entry.target_price must be >= 0")
	}
	ratios := []struct {
		name  string
		value float64
	}{
		{"strategy.rebalance.hysteresis_ratio", s.Rebalance.HysteresisRatio},
		{"strategy.swap.slippage_ratio", s.Swap.SlippageRatio},
		{"strategy.swap.safety_buffer_ratio", s.Swap.SafetyBufferRatio},
		{"strategy.swap.min_value_ratio", s.Swap.MinValueRatio},
		{"strategy.exit.stop_loss_ratio", s.Exit.StopLossRatio},
		{"strategy.exit.take_profit_ratio", s.Exit.TakeProfitRatio},
	}
	for _, r := range ratios {
		if err := validateRatio(r.name, r.value); err != nil {
			return err
		}
	}
	if s.Rebalance.MaxPerHour < 0 {
		return errors.New("strategy.rebalance.max_per_hour must be >= 0")
	}
	if s.Rebalance.MaxOpenAttempts < 0 || s.Rebalance.MaxCloseAttempts < 0 || s.Swap.MaxInventoryAttempts < 0 || s.Swap.MaxExitAttempts < 0 {
		return errors.New("attempt limits must be >= 0")
	}
	if s.CostFilter.FeeRateBootstrapQuotePerHour < 0 {
		return errors.New("strategy.cost_filter.fee_rate_bootstrap_quote_per_hour must be >= 0")
	}
	if s.CostFilter.FixedCostQuote < 0 {
		return errors.New("strategy.cost_filter.fixed_cost_quote must be >= 0")
	}
	if s.BaseDecimals < 0 || s.QuoteDecimals < 0 {
		return errors.New("token decimals must be >= 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

// validateRatio rejects percent-point values on ratio fields; 5 meaning 5% must
// be written 0.05.
func validateRatio(name string, value float64) error {
	if value < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	if value >= 1 {
		return fmt.Errorf("%s is a ratio in [0,1), got %v (percent points are not accepted)", name, value)
	}
	return nil
}

func checksumAddress(name, raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	if !common.IsHexAddress(clean) {
		return "", fmt.Errorf("%s is not a valid hex address: %q", name, raw)
	}
	return common.HexToAddress(clean).Hex(), nil
}

func isEVM(chain string) bool {
	switch strings.ToLower(strings.TrimSpace(chain)) {
	case "ethereum", "arbitrum", "base", "optimism", "polygon", "bsc", "avalanche":
		return true
	}
	return false
}

// SplitPair splits "BASE-QUOTE".
func SplitPair(pair string) (string, string, error) {
	base, quote, ok := strings.Cut(strings.TrimSpace(pair), "-")
	if !ok || base == "" || quote == "" {
		return "", "", fmt.Errorf("trading pair must be BASE-QUOTE, got %q", pair)
	}
	return base, quote, nil
}

func deriveWSURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		return "wss://" + strings.TrimPrefix(trimmed, "https://") + "/ws"
	case strings.HasPrefix(trimmed, "http://"):
		return "ws://" + strings.TrimPrefix(trimmed, "http://") + "/ws"
	}
	return ""
}
