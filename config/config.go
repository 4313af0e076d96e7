// config/config.go
package config

import (
	"fmt"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"
)

// EngineConfig holds capital, leverage and concurrency parameters for the
// trading engine.
type EngineConfig struct {
	CapitalCeilingUSDT float64 `yaml:"capital_ceiling_usdt"`
	BasePercent        float64 `yaml:"base_percent"`
	DailyLossPct       float64 `yaml:"daily_loss_pct"`
	MaxSpreadPct       float64 `yaml:"max_spread_pct"`
	FloorNotionalUSDT  float64 `yaml:"floor_notional_usdt"`
	ReferenceSLPct     float64 `yaml:"reference_sl_pct"`
	MaxSLPct           float64 `yaml:"max_sl_pct"`

	LeverageLadder []int `yaml:"leverage_ladder"`
	LeverageBase   int   `yaml:"leverage_base"`

	CooldownCandles        int `yaml:"cooldown_candles"`
	GlobalCooldownCandles  int `yaml:"global_cooldown_candles"`
	MaxStrategyFailures    int `yaml:"max_strategy_failures"`
	NeutralCooldownMinutes int `yaml:"neutral_cooldown_minutes"`
	CandleMinutes          int `yaml:"candle_minutes"`

	MaxTradesGlobal      int `yaml:"max_trades_global"`
	MaxTradesPerStrategy int `yaml:"max_trades_per_strategy"`
	MaxTradesPerSide     int `yaml:"max_trades_per_side"`
}

// BreakEvenConfig controls when a winning trade's stop is moved to a
// guaranteed-profit offset.
type BreakEvenConfig struct {
	TriggerRatio float64 `yaml:"trigger_ratio"`
	MinROIPct    float64 `yaml:"min_roi_pct"`
	OffsetPct    float64 `yaml:"offset_pct"`
}

// ThresholdConfig holds the base probability thresholds and the parameters of
// their dynamic calibration.
type ThresholdConfig struct {
	MacroBase              float64            `yaml:"macro_base"`
	TacticalBase           map[string]float64 `yaml:"tactical_base"`
	VIPWindowCandles       int                `yaml:"vip_window_candles"`
	VIPDiscount            float64            `yaml:"vip_discount"`
	BiasWindowTrades       int                `yaml:"bias_window_trades"`
	BiasForgivenessMinutes int                `yaml:"bias_forgiveness_minutes"`
	SkewWindowTrades       int                `yaml:"skew_window_trades"`
	SkewMinSample          int                `yaml:"skew_min_sample"`
}

// StrategyConfig describes one external signal strategy: how wide its targets
// are (in ATR multiples), its base admission threshold, and the target-move
// benchmark used by position sizing.
type StrategyConfig struct {
	TPAtr           float64 `yaml:"tp_atr"`
	SLAtr           float64 `yaml:"sl_atr"`
	Threshold       float64 `yaml:"threshold"`
	TargetBenchmark float64 `yaml:"target_benchmark"`
}

// ManagerSideThresholds are the veto/aggressive cut points for one
// strategy+side pair of the secondary ("manager") classifier.
type ManagerSideThresholds struct {
	Veto       float64 `yaml:"veto"`
	Aggressive float64 `yaml:"aggressive"`
}

// ManagerConfig controls the secondary classifier's leverage override.
type ManagerConfig struct {
	Enabled            bool                                        `yaml:"enabled"`
	DefensiveLeverage  int                                         `yaml:"defensive_leverage"`
	AggressiveLeverage int                                         `yaml:"aggressive_leverage"`
	Thresholds         map[string]map[string]ManagerSideThresholds `yaml:"thresholds"`
}

// VolatilityConfig parameterizes the hourly kill-switch.
type VolatilityConfig struct {
	LimitPct   float64 `yaml:"limit_pct"`
	BlockHours int     `yaml:"block_hours"`
	MinBars    int     `yaml:"min_bars"`
}

// SignalsConfig points at the external model server that computes signals,
// probabilities and regimes.
type SignalsConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NormalConfig holds all general, non-strategy-specific configuration.
type NormalConfig struct {
	HTTPTimeoutSeconds       int    `yaml:"http_timeout_seconds"`
	RecvWindowSeconds        int    `yaml:"recv_window_seconds"`
	IdleCycleSeconds         int    `yaml:"idle_cycle_seconds"`
	BusyCycleSeconds         int    `yaml:"busy_cycle_seconds"`
	SyncEveryCycles          int    `yaml:"sync_every_cycles"`
	HeartbeatIntervalMinutes int    `yaml:"heartbeat_interval_minutes"`
	TimeSyncIntervalMinutes  int    `yaml:"time_sync_interval_minutes"`
	StatusListenAddr         string `yaml:"status_listen_addr"`
	LogDirectory             string `yaml:"log_directory"`
	StateDirectory           string `yaml:"state_directory"`
}

// Config is the top-level configuration structure.
type Config struct {
	Symbols       []string                  `yaml:"symbols"`
	UseSimulation bool                      `yaml:"use_simulation"`
	MarginType    string                    `yaml:"margin_type"`
	Engine        *EngineConfig             `yaml:"engine"`
	BreakEven     *BreakEvenConfig          `yaml:"breakeven"`
	Thresholds    *ThresholdConfig          `yaml:"thresholds"`
	Strategies    map[string]StrategyConfig `yaml:"strategies"`
	Manager       *ManagerConfig            `yaml:"manager"`
	Volatility    *VolatilityConfig         `yaml:"volatility"`
	Signals       *SignalsConfig            `yaml:"signals"`
	Normal        *NormalConfig             `yaml:"normal_config"`
	Logs          *LogConfig                `yaml:"logs"`
}

// NewConfig creates a new Config struct with essential allocations but no magic
// numbers. All critical strategy parameters MUST be provided in config.yaml.
func NewConfig() *Config {
	return &Config{
		UseSimulation: true,
		Engine:        &EngineConfig{},
		BreakEven:     &BreakEvenConfig{},
		Thresholds:    &ThresholdConfig{TacticalBase: make(map[string]float64)},
		Strategies:    make(map[string]StrategyConfig),
		Manager:       &ManagerConfig{},
		Volatility:    &VolatilityConfig{},
		Signals:       &SignalsConfig{},
		Normal:        &NormalConfig{},
		Logs:          &LogConfig{},
	}
}

// LoadConfig loads configuration from a given path and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s, the engine cannot run without one", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the logical consistency and completeness of the configuration.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("critical config missing: 'symbols' must list at least one trading pair")
	}
	if c.MarginType != "" && c.MarginType != "ISOLATED" && c.MarginType != "CROSSED" {
		return fmt.Errorf("config error: margin_type if specified must be 'ISOLATED' or 'CROSSED'")
	}

	e := c.Engine
	if e == nil {
		return fmt.Errorf("critical config missing: 'engine' block must be provided")
	}
	if e.CapitalCeilingUSDT <= 0 {
		return fmt.Errorf("critical config missing: 'engine.capital_ceiling_usdt' must be positive")
	}
	if e.BasePercent <= 0 || e.BasePercent > 1 {
		return fmt.Errorf("config error: engine.base_percent must be in (0,1]")
	}
	if e.DailyLossPct <= 0 || e.DailyLossPct > 1 {
		return fmt.Errorf("config error: engine.daily_loss_pct must be in (0,1]")
	}
	if e.MaxSpreadPct <= 0 {
		return fmt.Errorf("critical config missing: 'engine.max_spread_pct' must be positive")
	}
	if e.FloorNotionalUSDT <= 0 {
		return fmt.Errorf("critical config missing: 'engine.floor_notional_usdt' must be positive")
	}
	if e.ReferenceSLPct <= 0 {
		return fmt.Errorf("critical config missing: 'engine.reference_sl_pct' must be positive")
	}
	if e.MaxSLPct <= 0 {
		return fmt.Errorf("critical config missing: 'engine.max_sl_pct' must be positive")
	}
	if len(e.LeverageLadder) < 2 {
		return fmt.Errorf("config error: engine.leverage_ladder needs at least two rungs")
	}
	for i := 1; i < len(e.LeverageLadder); i++ {
		if e.LeverageLadder[i] <= e.LeverageLadder[i-1] {
			return fmt.Errorf("config error: engine.leverage_ladder must be strictly ascending")
		}
	}
	baseOnLadder := false
	for _, lv := range e.LeverageLadder {
		if lv == e.LeverageBase {
			baseOnLadder = true
			break
		}
	}
	if !baseOnLadder {
		return fmt.Errorf("config error: engine.leverage_base (%d) must be a rung of the ladder", e.LeverageBase)
	}
	if e.CooldownCandles <= 0 || e.GlobalCooldownCandles <= 0 {
		return fmt.Errorf("critical config missing: engine cooldown candle counts must be positive")
	}
	if e.MaxStrategyFailures <= 0 {
		return fmt.Errorf("critical config missing: 'engine.max_strategy_failures' must be positive")
	}
	if e.NeutralCooldownMinutes <= 0 {
		return fmt.Errorf("critical config missing: 'engine.neutral_cooldown_minutes' must be positive")
	}
	if e.CandleMinutes <= 0 {
		return fmt.Errorf("critical config missing: 'engine.candle_minutes' must be positive")
	}
	if e.MaxTradesGlobal <= 0 || e.MaxTradesPerStrategy <= 0 || e.MaxTradesPerSide <= 0 {
		return fmt.Errorf("critical config missing: engine concurrency caps must be positive")
	}

	if c.BreakEven == nil || c.BreakEven.TriggerRatio <= 0 || c.BreakEven.TriggerRatio > 1 {
		return fmt.Errorf("config error: breakeven.trigger_ratio must be in (0,1]")
	}
	if c.BreakEven.MinROIPct <= 0 || c.BreakEven.OffsetPct <= 0 {
		return fmt.Errorf("critical config missing: breakeven.min_roi_pct and breakeven.offset_pct must be positive")
	}

	t := c.Thresholds
	if t == nil || t.MacroBase <= 0 {
		return fmt.Errorf("critical config missing: 'thresholds.macro_base' must be positive")
	}
	if len(t.TacticalBase) == 0 {
		return fmt.Errorf("critical config missing: 'thresholds.tactical_base' must map regimes to thresholds")
	}
	if t.VIPWindowCandles <= 0 || t.VIPDiscount <= 0 {
		return fmt.Errorf("critical config missing: thresholds VIP settings must be positive")
	}
	if t.BiasWindowTrades <= 0 || t.BiasForgivenessMinutes <= 0 {
		return fmt.Errorf("critical config missing: thresholds bias settings must be positive")
	}
	if t.SkewWindowTrades <= 0 || t.SkewMinSample <= 0 {
		return fmt.Errorf("critical config missing: thresholds skew settings must be positive")
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("critical config missing: 'strategies' must define at least one strategy")
	}
	for name, s := range c.Strategies {
		if s.TPAtr <= 0 || s.SLAtr <= 0 {
			return fmt.Errorf("config error: strategy %s needs positive tp_atr and sl_atr", name)
		}
		if s.Threshold <= 0 || s.Threshold >= 1 {
			return fmt.Errorf("config error: strategy %s threshold must be in (0,1)", name)
		}
		if s.TargetBenchmark <= 0 {
			return fmt.Errorf("config error: strategy %s needs a positive target_benchmark", name)
		}
	}

	if c.Manager != nil && c.Manager.Enabled {
		if c.Manager.DefensiveLeverage <= 0 || c.Manager.AggressiveLeverage <= 0 {
			return fmt.Errorf("config error: manager leverage overrides must be positive")
		}
	}

	v := c.Volatility
	if v == nil || v.LimitPct <= 0 || v.BlockHours <= 0 || v.MinBars <= 0 {
		return fmt.Errorf("critical config missing: 'volatility' block must set limit_pct, block_hours and min_bars")
	}

	// Simulation runs may use the static provider instead of the model server.
	if c.Signals == nil || (c.Signals.Endpoint == "" && !c.UseSimulation) {
		return fmt.Errorf("critical config missing: 'signals.endpoint' must point at the model server")
	}
	if c.Signals != nil && c.Signals.Endpoint != "" && c.Signals.TimeoutSeconds <= 0 {
		return fmt.Errorf("critical config missing: 'signals.timeout_seconds' must be positive")
	}

	n := c.Normal
	if n == nil {
		return fmt.Errorf("critical config missing: 'normal_config' block must be provided")
	}
	if n.HTTPTimeoutSeconds <= 0 || n.RecvWindowSeconds <= 0 {
		return fmt.Errorf("critical config missing: normal_config HTTP timeout and recv window must be positive")
	}
	if n.IdleCycleSeconds <= 0 || n.BusyCycleSeconds <= 0 {
		return fmt.Errorf("critical config missing: normal_config cycle cadences must be positive")
	}
	if n.SyncEveryCycles <= 0 {
		return fmt.Errorf("critical config missing: 'normal_config.sync_every_cycles' must be positive")
	}
	if n.HeartbeatIntervalMinutes <= 0 || n.TimeSyncIntervalMinutes <= 0 {
		return fmt.Errorf("critical config missing: normal_config heartbeat and time sync intervals must be positive")
	}
	if n.LogDirectory == "" || n.StateDirectory == "" {
		return fmt.Errorf("critical config missing: normal_config log_directory and state_directory must be set")
	}

	l := c.Logs
	if l == nil || l.LogLevel == "" {
		return fmt.Errorf("critical config missing: 'logs.log_level' must be set (e.g. 'info')")
	}
	if l.MaxSizeMB <= 0 || l.MaxBackups <= 0 || l.MaxAgeDays <= 0 {
		return fmt.Errorf("critical config missing: logs rotation settings must be positive")
	}

	return nil
}

// EnvConfig carries secrets that never belong in the yaml file.
type EnvConfig struct {
	ApiKey         string
	ApiSecret      string
	BaseURL        string
	TelegramToken  string
	TelegramChatID string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		ApiKey:         os.Getenv("BINANCE_API_KEY"),
		ApiSecret:      os.Getenv("BINANCE_SECRET_KEY"),
		BaseURL:        os.Getenv("BINANCE_BASE_URL"),
		TelegramToken:  os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID: os.Getenv("TELEGRAM_CHAT_ID"),
	}
}
