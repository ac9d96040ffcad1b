// Package config defines the typed configuration tree for the sniper and
// its runtime-update path. All tunables live in concrete structs; updates
// go through Apply, which validates a mutated copy before swapping it in.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	General    GeneralConfig    `yaml:"general"`
	RPC        RPCConfig        `yaml:"rpc"`
	Wallet     WalletConfig     `yaml:"wallet"`
	Relay      RelayConfig      `yaml:"relay"`
	Journal    JournalConfig    `yaml:"journal"`
	Filters    FiltersConfig    `yaml:"filters"`
	Risk       RiskConfig       `yaml:"risk"`
	TakeProfit TakeProfitConfig `yaml:"take_profit"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Momentum   MomentumConfig   `yaml:"momentum"`
	Creator    CreatorConfig    `yaml:"creator"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Timing     TimingConfig     `yaml:"timing"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	Mode       string `yaml:"mode"` // live|simulation
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|text
}

// RPCEndpointConfig describes one upstream endpoint and its pool role.
type RPCEndpointConfig struct {
	URL   string `yaml:"url"`
	WSURL string `yaml:"ws_url"`
	Role  string `yaml:"role"` // fast|cold|relay
}

type RPCConfig struct {
	Endpoints      []RPCEndpointConfig `yaml:"endpoints"`
	RequestTimeout int                 `yaml:"request_timeout_ms"`
}

type WalletConfig struct {
	PrivateKey string `yaml:"private_key"` // base58-encoded 64-byte secret
	KeyFile    string `yaml:"key_file"`    // JSON byte-array file, used when private_key is empty
}

type RelayConfig struct {
	BlockEngineURL string   `yaml:"block_engine_url"`
	TipAccounts    []string `yaml:"tip_accounts"`
	TipAmountSOL   float64  `yaml:"tip_amount_sol"`
}

type JournalConfig struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

type FiltersConfig struct {
	MinLiquiditySOL     float64 `yaml:"min_liquidity_sol"`
	MinLiquidityFastBuy float64 `yaml:"min_liquidity_fast_buy"`
	MaxInitialBuySOL    float64 `yaml:"max_initial_buy_sol"`
	FastBuyEnabled      bool    `yaml:"fast_buy_enabled"`
}

type KillSwitchConfig struct {
	Enabled          bool    `yaml:"enabled"`
	MaxTimeSeconds   int     `yaml:"max_time_seconds"`
	DropThresholdPct float64 `yaml:"drop_threshold_pct"`
	VelocityDumpPct  float64 `yaml:"velocity_dump_pct"`
}

// StopLossTiers holds the loss thresholds (negative percentages) selected
// by a position's risk tier.
type StopLossTiers struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
	Ultra  float64 `yaml:"ultra"`
}

type TrailingConfig struct {
	StartPct    float64 `yaml:"start_pct"`
	DistancePct float64 `yaml:"distance_pct"`
}

type RiskConfig struct {
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
	StopLoss   StopLossTiers    `yaml:"stop_loss"`
	Trailing   TrailingConfig   `yaml:"trailing"`
}

// TakeProfitLevel is one rung of the ladder: at GainPct unrealized profit,
// sell SellPct of the remaining position. Each rung fires at most once.
type TakeProfitLevel struct {
	GainPct float64 `yaml:"gain_pct"`
	SellPct float64 `yaml:"sell_pct"`
}

type TakeProfitConfig struct {
	TP1 TakeProfitLevel `yaml:"tp1"`
	TP2 TakeProfitLevel `yaml:"tp2"`
	TP3 TakeProfitLevel `yaml:"tp3"`
}

type ScoringWeights struct {
	RugCheck  float64 `yaml:"rug_check"`
	Liquidity float64 `yaml:"liquidity"`
	Momentum  float64 `yaml:"momentum"`
	Creator   float64 `yaml:"creator"`
}

type ScoringThresholds struct {
	FastBuy    float64 `yaml:"fast_buy"`
	MinScore   float64 `yaml:"min_score"`
	UltraScore float64 `yaml:"ultra_score"`
}

type ScoringConfig struct {
	Weights    ScoringWeights    `yaml:"weights"`
	Thresholds ScoringThresholds `yaml:"thresholds"`
}

type MomentumConfig struct {
	CheckWindowMs    int     `yaml:"check_window_ms"`
	MinBuys          int     `yaml:"min_buys"`
	MinVolumeSOL     float64 `yaml:"min_volume_sol"`
	MinUniqueWallets int     `yaml:"min_unique_wallets"`
}

type CreatorConfig struct {
	MinTokens           int     `yaml:"min_tokens"`
	BadWinrateThreshold float64 `yaml:"bad_winrate_threshold"`
	HighRiskThreshold   float64 `yaml:"high_risk_threshold"`
}

type ExecutionConfig struct {
	MaxOpenPositions   int     `yaml:"max_open_positions"`
	MaxInFlightBuys    int     `yaml:"max_in_flight_buys"`
	BuySlippagePct     float64 `yaml:"buy_slippage_pct"`
	SellSlippagePct    float64 `yaml:"sell_slippage_pct"`
	OnePerToken        bool    `yaml:"one_per_token"`
	HaltIntakeWhenFull bool    `yaml:"halt_intake_when_full"`
}

// TimingConfig groups the hot-path intervals and the bonding-curve
// readiness poll schedule.
type TimingConfig struct {
	EvalIntervalMs        int `yaml:"eval_interval_ms"`
	PriceUpdateIntervalMs int `yaml:"price_update_interval_ms"`
	MaxPositionAgeMs      int `yaml:"max_position_age_ms"`
	CandidateMaxAgeMs     int `yaml:"candidate_max_age_ms"`
	ReadinessPollMinMs    int `yaml:"readiness_poll_min_ms"`
	ReadinessPollMaxMs    int `yaml:"readiness_poll_max_ms"`
	ReadinessTimeoutMs    int `yaml:"readiness_timeout_ms"`
	ParseAttempts         int `yaml:"parse_attempts"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration, the same values Load falls
// back to for fields a file omits.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "pulse-1"
	}
	if cfg.General.Mode == "" {
		cfg.General.Mode = "simulation"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.RPC.RequestTimeout == 0 {
		cfg.RPC.RequestTimeout = 5000
	}
	if cfg.Relay.TipAmountSOL == 0 {
		cfg.Relay.TipAmountSOL = 0.015
	}
	if cfg.Filters.MinLiquiditySOL == 0 {
		cfg.Filters.MinLiquiditySOL = 0.5
	}
	if cfg.Filters.MinLiquidityFastBuy == 0 {
		cfg.Filters.MinLiquidityFastBuy = 1.0
	}
	if cfg.Filters.MaxInitialBuySOL == 0 {
		cfg.Filters.MaxInitialBuySOL = 0.03
		cfg.Filters.FastBuyEnabled = true
	}
	if cfg.Risk.KillSwitch.MaxTimeSeconds == 0 {
		cfg.Risk.KillSwitch = KillSwitchConfig{
			Enabled:          true,
			MaxTimeSeconds:   40,
			DropThresholdPct: -12,
			VelocityDumpPct:  -15,
		}
	}
	if cfg.Risk.StopLoss.Low == 0 {
		cfg.Risk.StopLoss = StopLossTiers{Low: -10, Medium: -12, High: -15, Ultra: -20}
	}
	if cfg.Risk.Trailing.StartPct == 0 {
		cfg.Risk.Trailing = TrailingConfig{StartPct: 15, DistancePct: 10}
	}
	if cfg.TakeProfit.TP1.GainPct == 0 {
		cfg.TakeProfit = TakeProfitConfig{
			TP1: TakeProfitLevel{GainPct: 100, SellPct: 50},
			TP2: TakeProfitLevel{GainPct: 200, SellPct: 25},
			TP3: TakeProfitLevel{GainPct: 500, SellPct: 25},
		}
	}
	if cfg.Scoring.Weights.Momentum == 0 {
		cfg.Scoring.Weights = ScoringWeights{RugCheck: 0.25, Liquidity: 0.15, Momentum: 0.40, Creator: 0.20}
	}
	if cfg.Scoring.Thresholds.MinScore == 0 {
		cfg.Scoring.Thresholds = ScoringThresholds{FastBuy: 85, MinScore: 70, UltraScore: 90}
	}
	if cfg.Momentum.CheckWindowMs == 0 {
		cfg.Momentum = MomentumConfig{CheckWindowMs: 5000, MinBuys: 3, MinVolumeSOL: 0.15, MinUniqueWallets: 3}
	}
	if cfg.Creator.MinTokens == 0 {
		cfg.Creator = CreatorConfig{MinTokens: 5, BadWinrateThreshold: 30, HighRiskThreshold: 70}
	}
	if cfg.Execution.MaxOpenPositions == 0 {
		cfg.Execution.MaxOpenPositions = 30
		cfg.Execution.OnePerToken = true
		cfg.Execution.HaltIntakeWhenFull = true
	}
	if cfg.Execution.MaxInFlightBuys == 0 {
		cfg.Execution.MaxInFlightBuys = 3
	}
	if cfg.Execution.BuySlippagePct == 0 {
		cfg.Execution.BuySlippagePct = 25
	}
	if cfg.Execution.SellSlippagePct == 0 {
		cfg.Execution.SellSlippagePct = 25
	}
	if cfg.Timing.EvalIntervalMs == 0 {
		cfg.Timing.EvalIntervalMs = 150
	}
	if cfg.Timing.PriceUpdateIntervalMs == 0 {
		cfg.Timing.PriceUpdateIntervalMs = 150
	}
	if cfg.Timing.MaxPositionAgeMs == 0 {
		cfg.Timing.MaxPositionAgeMs = 60000
	}
	if cfg.Timing.CandidateMaxAgeMs == 0 {
		cfg.Timing.CandidateMaxAgeMs = 8000
	}
	if cfg.Timing.ReadinessPollMinMs == 0 {
		cfg.Timing.ReadinessPollMinMs = 250
	}
	if cfg.Timing.ReadinessPollMaxMs == 0 {
		cfg.Timing.ReadinessPollMaxMs = 400
	}
	if cfg.Timing.ReadinessTimeoutMs == 0 {
		cfg.Timing.ReadinessTimeoutMs = 8000
	}
	if cfg.Timing.ParseAttempts == 0 {
		cfg.Timing.ParseAttempts = 2
	}
}

// Validate checks cross-field consistency. It is called by Load and again
// by Apply before a runtime update is accepted.
func (c *Config) Validate() error {
	switch c.General.Mode {
	case "live", "simulation":
	default:
		return fmt.Errorf("config: invalid mode %q (want live or simulation)", c.General.Mode)
	}
	if c.General.Mode == "live" && len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("config: live mode requires at least one rpc endpoint")
	}
	for i, ep := range c.RPC.Endpoints {
		switch ep.Role {
		case "fast", "cold", "relay":
		default:
			return fmt.Errorf("config: endpoint %d has invalid role %q", i, ep.Role)
		}
		if ep.URL == "" {
			return fmt.Errorf("config: endpoint %d has no url", i)
		}
	}
	if c.Filters.MaxInitialBuySOL <= 0 {
		return fmt.Errorf("config: max_initial_buy_sol must be positive")
	}
	if c.Execution.MaxInFlightBuys <= 0 {
		return fmt.Errorf("config: max_in_flight_buys must be positive")
	}
	if c.Execution.BuySlippagePct < 0 || c.Execution.BuySlippagePct > 100 {
		return fmt.Errorf("config: buy_slippage_pct out of range")
	}
	if c.Scoring.Thresholds.MinScore > c.Scoring.Thresholds.FastBuy {
		return fmt.Errorf("config: min_score above fast_buy threshold")
	}
	if c.Risk.Trailing.StartPct <= 0 || c.Risk.Trailing.DistancePct <= 0 {
		return fmt.Errorf("config: trailing percentages must be positive")
	}
	for _, sl := range []float64{c.Risk.StopLoss.Low, c.Risk.StopLoss.Medium, c.Risk.StopLoss.High, c.Risk.StopLoss.Ultra} {
		if sl >= 0 {
			return fmt.Errorf("config: stop-loss tiers must be negative")
		}
	}
	if c.Timing.ReadinessPollMinMs > c.Timing.ReadinessPollMaxMs {
		return fmt.Errorf("config: readiness_poll_min_ms above readiness_poll_max_ms")
	}
	return nil
}

// Clone returns a deep copy; endpoint and tip-account slices are copied so
// a mutated clone never aliases the original.
func (c *Config) Clone() *Config {
	cp := *c
	cp.RPC.Endpoints = append([]RPCEndpointConfig(nil), c.RPC.Endpoints...)
	cp.Relay.TipAccounts = append([]string(nil), c.Relay.TipAccounts...)
	return &cp
}

// Apply runs mutate against a copy of the current config, validates the
// result, and returns it. The caller swaps the returned config in only on
// success; a failed validation leaves the running config untouched.
func (c *Config) Apply(mutate func(*Config)) (*Config, error) {
	next := c.Clone()
	mutate(next)
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("config update rejected: %w", err)
	}
	return next, nil
}
