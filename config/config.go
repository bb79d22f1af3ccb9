package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the single, fully-defaulted configuration for one grid bot process.
// One process manages exactly one symbol's grid on one venue.
type Config struct {
	Binance  BinanceConfig  `json:"binance"`
	Grid     GridConfig     `json:"grid"`
	Sizing   SizingConfig   `json:"sizing"`
	Factors  FactorsConfig  `json:"factors"`
	Safety   SafetyConfig   `json:"safety"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Vault    VaultConfig    `json:"vault"`
	Logging  LoggingConfig  `json:"logging"`
	State    StateConfig    `json:"state"`
}

// BinanceConfig holds venue connection settings
type BinanceConfig struct {
	APIKey              string `json:"api_key"`
	SecretKey           string `json:"secret_key"`
	BaseURL             string `json:"base_url"`
	TestNet             bool   `json:"testnet"`
	MockMode            bool   `json:"mock_mode"` // simulated venue, no real orders
	ClientOrderIDPrefix string `json:"client_order_id_prefix"`
	CallDelayMs         int    `json:"call_delay_ms"` // fixed delay between consecutive venue calls
}

// GridConfig holds the manually chosen range and level construction settings
type GridConfig struct {
	Symbol            string  `json:"symbol"`
	Timeframe         string  `json:"timeframe"`
	Support           float64 `json:"support"`
	Resistance        float64 `json:"resistance"`
	LevelsPerSide     int     `json:"levels_per_side"`
	MinReturn         float64 `json:"min_return"`         // minimum per-trade return, fraction (0.005 = 0.5%)
	FeeRate           float64 `json:"fee_rate"`           // one-way fee, fraction
	SpacingMultiplier float64 `json:"spacing_multiplier"` // scales the cost-covering spacing floor
	ATRPeriod         int     `json:"atr_period"`
	Leverage          int     `json:"leverage"`
	MaxFillsPerBar    int     `json:"max_fills_per_bar"`
	ActiveLevelBand   int     `json:"active_level_band"` // 0 = all levels armed
	CrossBuffer       float64 `json:"cross_buffer"`      // fraction of price; desired orders inside it are withheld
	ShortOverlay      bool    `json:"short_overlay"`     // enable short open/cover legs
}

// SizingConfig holds order sizing knobs
type SizingConfig struct {
	RiskBudget         float64 `json:"risk_budget"`           // fraction of equity per level
	EquityFloor        float64 `json:"equity_floor"`          // USD floor used by the capacity check
	CapacityThreshold  float64 `json:"capacity_threshold"`    // gross notional cap = equity_floor*leverage*threshold
	CapacityExponent   float64 `json:"capacity_exponent"`     // regime scaling exponent of buy/sell budget ratio
	BuyBudgetRatio     float64 `json:"buy_budget_ratio"`      // share of budget on the buy side, (0,1)
	QtyTolerance       float64 `json:"qty_tolerance"`         // relative qty drift that avoids cancel/replace
	MinOrderNotional   float64 `json:"min_order_notional"`    // venue minimum, orders below are suppressed
	CostBasisZonePct   float64 `json:"cost_basis_zone_pct"`   // buy throttle kicks in this far below avg cost
	CostBasisZoneFloor float64 `json:"cost_basis_zone_floor"` // multiplier inside the zone, 0 blocks buys
}

// FactorConfig is one independently clamped risk factor
type FactorConfig struct {
	Enabled bool    `json:"enabled"`
	Floor   float64 `json:"floor"`   // multiplier never goes below this (unless blocked)
	Ceiling float64 `json:"ceiling"` // multiplier never exceeds this
}

// RiskTier is one tier of the market-maker risk zone
type RiskTier struct {
	FromRangePos float64 `json:"from_range_pos"` // tier starts at this range position in [0,1]
	Multiplier   float64 `json:"multiplier"`
}

// FactorsConfig composes all sizing risk factors
type FactorsConfig struct {
	Breakout         FactorConfig `json:"breakout"`          // proximity to range boundary
	BreakoutBandPct  float64      `json:"breakout_band_pct"` // distance from boundary that counts as "near"
	RangePosition    FactorConfig `json:"range_position"`
	Funding          FactorConfig `json:"funding"`
	FundingBlockAbs  float64      `json:"funding_block_abs"` // |rate| above this hard-blocks the exposed side
	Volatility       FactorConfig `json:"volatility"`
	HighVolATRPct    float64      `json:"high_vol_atr_pct"` // ATR/price above this is a high-vol regime
	Trend            FactorConfig `json:"trend"`
	TrendStrength    float64      `json:"trend_strength"` // EMA divergence that counts as trending
	Capacity         FactorConfig `json:"capacity"`
	CostBasis        FactorConfig `json:"cost_basis"`
	MMRiskZones      []RiskTier   `json:"mm_risk_zones"`
	Deleverage       FactorConfig `json:"deleverage"`
	DeleverageLevels []float64    `json:"deleverage_levels"` // daily drawdown fractions that force de-risking
}

// SafetyConfig holds the SafetyGovernor limits
type SafetyConfig struct {
	MaxOrdersPerMinute   int     `json:"max_orders_per_minute"`
	MaxCancelsPerMinute  int     `json:"max_cancels_per_minute"`
	MaxNotionalPerMinute float64 `json:"max_notional_per_minute"`
	MaxAPIErrorStreak    int     `json:"max_api_error_streak"`
	StaleDataSeconds     int     `json:"stale_data_seconds"`
	KillSwitchFile       string  `json:"kill_switch_file"`
	KillSwitchEnv        string  `json:"kill_switch_env"`
}

// DatabaseConfig holds PostgreSQL settings for the audit store
type DatabaseConfig struct {
	Enabled          bool   `json:"enabled"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	User             string `json:"user"`
	Password         string `json:"password"`
	Database         string `json:"database"`
	SSLMode          string `json:"ssl_mode"`
	OutboxPath       string `json:"outbox_path"`
	OutboxDrainBatch int    `json:"outbox_drain_batch"`
}

// RedisConfig holds Redis settings for the live order mirror
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration for venue credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LoggingConfig controls the zerolog output
type LoggingConfig struct {
	Level      string `json:"level"` // debug, info, warn, error
	JSONFormat bool   `json:"json_format"`
}

// StateConfig holds local persisted-output paths
type StateConfig struct {
	SnapshotPath  string `json:"snapshot_path"`
	BarLogPath    string `json:"bar_log_path"`
	StreamEnabled bool   `json:"stream_enabled"` // kline websocket feeding the bar log
}

// Default returns a Config with every knob set to a safe default.
func Default() *Config {
	return &Config{
		Binance: BinanceConfig{
			BaseURL:             "https://fapi.binance.com",
			ClientOrderIDPrefix: "grid_",
			CallDelayMs:         120,
		},
		Grid: GridConfig{
			Symbol:            "BTCUSDT",
			Timeframe:         "1m",
			LevelsPerSide:     5,
			MinReturn:         0.005,
			FeeRate:           0.0002,
			SpacingMultiplier: 1.0,
			ATRPeriod:         14,
			Leverage:          3,
			MaxFillsPerBar:    1,
			CrossBuffer:       0.0005,
		},
		Sizing: SizingConfig{
			RiskBudget:         0.02,
			EquityFloor:        1000,
			CapacityThreshold:  0.8,
			CapacityExponent:   1.0,
			BuyBudgetRatio:     0.5,
			QtyTolerance:       0.20,
			MinOrderNotional:   10,
			CostBasisZonePct:   0.03,
			CostBasisZoneFloor: 0,
		},
		Factors: FactorsConfig{
			Breakout:         FactorConfig{Enabled: true, Floor: 0.25, Ceiling: 1.0},
			BreakoutBandPct:  0.01,
			RangePosition:    FactorConfig{Enabled: true, Floor: 0.5, Ceiling: 1.0},
			Funding:          FactorConfig{Enabled: true, Floor: 0.5, Ceiling: 1.0},
			FundingBlockAbs:  0.0015,
			Volatility:       FactorConfig{Enabled: true, Floor: 0.4, Ceiling: 1.0},
			HighVolATRPct:    0.015,
			Trend:            FactorConfig{Enabled: true, Floor: 0.5, Ceiling: 1.2},
			TrendStrength:    0.01,
			Capacity:         FactorConfig{Enabled: true, Floor: 0, Ceiling: 1.0},
			CostBasis:        FactorConfig{Enabled: true, Floor: 0, Ceiling: 1.0},
			MMRiskZones:      []RiskTier{{FromRangePos: 0.85, Multiplier: 0.5}, {FromRangePos: 0.95, Multiplier: 0.25}},
			Deleverage:       FactorConfig{Enabled: true, Floor: 0, Ceiling: 1.0},
			DeleverageLevels: []float64{0.03, 0.05},
		},
		Safety: SafetyConfig{
			MaxOrdersPerMinute:   20,
			MaxCancelsPerMinute:  30,
			MaxNotionalPerMinute: 50000,
			MaxAPIErrorStreak:    5,
			StaleDataSeconds:     180,
			KillSwitchFile:       "KILL_SWITCH",
			KillSwitchEnv:        "GRID_KILL_SWITCH",
		},
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             5432,
			User:             "postgres",
			Database:         "gridbot",
			SSLMode:          "disable",
			OutboxPath:       "data/outbox.jsonl",
			OutboxDrainBatch: 50,
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		Vault: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "grid-bot/api-keys",
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
		State: StateConfig{
			SnapshotPath: "data/status.json",
			BarLogPath:   "data/bars.jsonl",
		},
	}
}

// Load reads config.json if present, applies env overrides and validates.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile("config.json"); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config.json: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment takes precedence over the file.
func applyEnvOverrides(cfg *Config) {
	cfg.Binance.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Binance.APIKey)
	cfg.Binance.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.Binance.SecretKey)
	cfg.Binance.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.Binance.BaseURL)
	cfg.Binance.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.Binance.TestNet)
	cfg.Binance.MockMode = getEnvBoolOrDefault("MOCK_MODE", cfg.Binance.MockMode)

	cfg.Grid.Symbol = getEnvOrDefault("GRID_SYMBOL", cfg.Grid.Symbol)
	cfg.Grid.Support = getEnvFloatOrDefault("GRID_SUPPORT", cfg.Grid.Support)
	cfg.Grid.Resistance = getEnvFloatOrDefault("GRID_RESISTANCE", cfg.Grid.Resistance)
	cfg.Grid.LevelsPerSide = getEnvIntOrDefault("GRID_LEVELS_PER_SIDE", cfg.Grid.LevelsPerSide)
	cfg.Grid.Leverage = getEnvIntOrDefault("GRID_LEVERAGE", cfg.Grid.Leverage)

	cfg.Database.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)
}

// Validate enforces every invariant the rest of the bot assumes.
// A Config that passes Validate never raises configuration errors later.
func (c *Config) Validate() error {
	g := c.Grid
	if g.Symbol == "" {
		return fmt.Errorf("invalid configuration: symbol is required")
	}
	if g.Support <= 0 || g.Resistance <= 0 {
		return fmt.Errorf("invalid configuration: support and resistance must be positive")
	}
	if g.Support >= g.Resistance {
		return fmt.Errorf("invalid configuration: support %.2f must be below resistance %.2f", g.Support, g.Resistance)
	}
	if g.LevelsPerSide <= 0 {
		return fmt.Errorf("invalid configuration: levels_per_side must be positive")
	}
	if g.MinReturn <= 0 || g.FeeRate < 0 {
		return fmt.Errorf("invalid configuration: min_return must be positive and fee_rate non-negative")
	}
	if g.SpacingMultiplier <= 0 {
		return fmt.Errorf("invalid configuration: spacing_multiplier must be positive")
	}
	if g.Leverage < 1 {
		return fmt.Errorf("invalid configuration: leverage must be >= 1")
	}
	if g.MaxFillsPerBar < 1 {
		return fmt.Errorf("invalid configuration: max_fills_per_bar must be >= 1")
	}

	s := c.Sizing
	if s.RiskBudget <= 0 || s.RiskBudget > 1 {
		return fmt.Errorf("invalid configuration: risk_budget must be in (0,1]")
	}
	if s.QtyTolerance < 0 || s.QtyTolerance >= 1 {
		return fmt.Errorf("invalid configuration: qty_tolerance must be in [0,1)")
	}
	if s.EquityFloor <= 0 || s.CapacityThreshold <= 0 {
		return fmt.Errorf("invalid configuration: equity_floor and capacity_threshold must be positive")
	}
	if s.BuyBudgetRatio <= 0 || s.BuyBudgetRatio >= 1 {
		return fmt.Errorf("invalid configuration: buy_budget_ratio must be in (0,1)")
	}

	sf := c.Safety
	if sf.MaxOrdersPerMinute <= 0 || sf.MaxCancelsPerMinute <= 0 || sf.MaxNotionalPerMinute <= 0 {
		return fmt.Errorf("invalid configuration: safety limits must be positive")
	}
	if sf.MaxAPIErrorStreak <= 0 {
		return fmt.Errorf("invalid configuration: max_api_error_streak must be positive")
	}

	for _, f := range []FactorConfig{c.Factors.Breakout, c.Factors.RangePosition, c.Factors.Funding,
		c.Factors.Volatility, c.Factors.Trend, c.Factors.Capacity, c.Factors.CostBasis, c.Factors.Deleverage} {
		if f.Floor < 0 || f.Ceiling < f.Floor {
			return fmt.Errorf("invalid configuration: factor floor/ceiling out of order")
		}
	}
	for i := 1; i < len(c.Factors.MMRiskZones); i++ {
		if c.Factors.MMRiskZones[i].FromRangePos <= c.Factors.MMRiskZones[i-1].FromRangePos {
			return fmt.Errorf("invalid configuration: mm_risk_zones must be in ascending order")
		}
	}

	return nil
}

// StaleDataWindow converts the configured staleness threshold to a duration
func (c *Config) StaleDataWindow() time.Duration {
	return time.Duration(c.Safety.StaleDataSeconds) * time.Second
}

// CallDelay converts the inter-call throttle to a duration
func (c *Config) CallDelay() time.Duration {
	return time.Duration(c.Binance.CallDelayMs) * time.Millisecond
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
