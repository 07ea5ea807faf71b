// Package config loads and validates the platform configuration: traders,
// leverage policy, kill-switch limits and the multi-agent consensus setup.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Supported provider and consensus-mode values.
var (
	validModels = map[string]bool{
		"groq":     true,
		"qwen":     true,
		"deepseek": true,
		"custom":   true,
	}
	validConsensusModes = map[string]bool{
		"voting":    true,
		"weighted":  true,
		"unanimous": true,
		"best":      true,
	}
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Market     MarketConfig     `mapstructure:"market"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`

	Traders            []TraderConfig `mapstructure:"traders"`
	Leverage           LeverageConfig `mapstructure:"leverage"`
	AutoTakeProfitPct  float64        `mapstructure:"auto_take_profit_pct"`
	MaxDailyLoss       float64        `mapstructure:"max_daily_loss"`
	MaxDrawdown        float64        `mapstructure:"max_drawdown"`
	StopTradingMinutes int            `mapstructure:"stop_trading_minutes"`

	MultiAgent MultiAgentConfig `mapstructure:"multi_agent"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

// JournalConfig selects and configures the decision-journal backend.
type JournalConfig struct {
	Backend     string `mapstructure:"backend"` // sqlite or postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	DatabaseURL string `mapstructure:"database_url"`
	LogDir      string `mapstructure:"log_dir"` // backtest reports land here
}

// MarketConfig points at the market-data service serving snapshots.
type MarketConfig struct {
	SnapshotURL string `mapstructure:"snapshot_url"`
}

// RedisConfig configures the optional market snapshot cache.
type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// MonitoringConfig contains Prometheus settings.
type MonitoringConfig struct {
	EnableMetrics  bool `mapstructure:"enable_metrics"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// TelegramConfig configures halt/error alerting.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// TraderConfig describes one independent trader loop.
type TraderConfig struct {
	ID                  string  `mapstructure:"id"`
	Name                string  `mapstructure:"name"`
	AIModel             string  `mapstructure:"ai_model"` // groq, qwen, deepseek, custom
	APIKey              string  `mapstructure:"api_key"`
	BaseURL             string  `mapstructure:"base_url"`   // required for custom
	ModelName           string  `mapstructure:"model_name"` // required for custom
	InitialBalance      float64 `mapstructure:"initial_balance"`
	ScanIntervalMinutes int     `mapstructure:"scan_interval_minutes"`
}

// LeverageConfig carries the per-class leverage caps.
type LeverageConfig struct {
	BTCETHLeverage  int `mapstructure:"btc_eth_leverage"`
	AltcoinLeverage int `mapstructure:"altcoin_leverage"`
}

// AgentConfig describes one consensus agent.
type AgentConfig struct {
	ID        string  `mapstructure:"id"`
	Name      string  `mapstructure:"name"`
	Model     string  `mapstructure:"model"` // groq, qwen, deepseek, custom
	APIKey    string  `mapstructure:"api_key"`
	BaseURL   string  `mapstructure:"base_url"`
	ModelName string  `mapstructure:"model_name"`
	Role      string  `mapstructure:"role"`
	Weight    float64 `mapstructure:"weight"` // 0 = unset, defaults to 1/n
}

// MultiAgentConfig configures the consensus engine.
type MultiAgentConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ConsensusMode string        `mapstructure:"consensus_mode"` // voting, weighted, unanimous, best
	FastFirst     bool          `mapstructure:"fast_first"`
	MinAgents     int           `mapstructure:"min_agents"`
	MaxWaitTime   int           `mapstructure:"max_wait_time"` // seconds
	Agents        []AgentConfig `mapstructure:"agents"`
}

// Load loads configuration from the JSON file at configPath plus environment
// overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEQUORUM")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradequorum")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("journal.backend", "sqlite")
	v.SetDefault("journal.sqlite_path", "decision_logs/journal.db")
	v.SetDefault("journal.log_dir", "decision_logs")

	v.SetDefault("market.snapshot_url", "http://localhost:8090/snapshot")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl_seconds", 30)

	v.SetDefault("monitoring.enable_metrics", false)
	v.SetDefault("monitoring.prometheus_port", 9090)

	v.SetDefault("leverage.btc_eth_leverage", 5)
	v.SetDefault("leverage.altcoin_leverage", 5)
	v.SetDefault("stop_trading_minutes", 60)

	v.SetDefault("multi_agent.enabled", false)
	v.SetDefault("multi_agent.consensus_mode", "voting")
	v.SetDefault("multi_agent.min_agents", 1)
	v.SetDefault("multi_agent.max_wait_time", 300)
}

// Validate checks cross-field constraints. Any violation is fatal at startup.
func (c *Config) Validate() error {
	if len(c.Traders) == 0 {
		return fmt.Errorf("config: at least one trader is required")
	}

	traderIDs := make(map[string]bool, len(c.Traders))
	for i, trader := range c.Traders {
		if trader.ID == "" {
			return fmt.Errorf("config: trader %d has no id", i)
		}
		if traderIDs[trader.ID] {
			return fmt.Errorf("config: duplicate trader id %q", trader.ID)
		}
		traderIDs[trader.ID] = true

		if !validModels[trader.AIModel] {
			return fmt.Errorf("config: trader %q has unknown ai_model %q", trader.ID, trader.AIModel)
		}
		if trader.AIModel == "custom" {
			if trader.BaseURL == "" || trader.APIKey == "" || trader.ModelName == "" {
				return fmt.Errorf("config: trader %q with custom model requires base_url, api_key and model_name", trader.ID)
			}
		}
		if trader.InitialBalance <= 0 {
			return fmt.Errorf("config: trader %q requires a positive initial_balance", trader.ID)
		}
		if trader.ScanIntervalMinutes <= 0 {
			return fmt.Errorf("config: trader %q requires a positive scan_interval_minutes", trader.ID)
		}
	}

	switch c.Journal.Backend {
	case "sqlite":
		if c.Journal.SQLitePath == "" {
			return fmt.Errorf("config: sqlite journal requires sqlite_path")
		}
	case "postgres":
		if c.Journal.DatabaseURL == "" {
			return fmt.Errorf("config: postgres journal requires database_url")
		}
	default:
		return fmt.Errorf("config: unknown journal backend %q", c.Journal.Backend)
	}

	if c.MultiAgent.Enabled {
		if err := c.MultiAgent.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (m *MultiAgentConfig) validate() error {
	if !validConsensusModes[m.ConsensusMode] {
		return fmt.Errorf("config: unknown consensus_mode %q", m.ConsensusMode)
	}
	if len(m.Agents) == 0 {
		return fmt.Errorf("config: multi_agent enabled but no agents configured")
	}
	if m.MinAgents < 1 {
		return fmt.Errorf("config: min_agents must be >= 1")
	}
	if m.MinAgents > len(m.Agents) {
		return fmt.Errorf("config: min_agents %d exceeds agent count %d", m.MinAgents, len(m.Agents))
	}

	agentIDs := make(map[string]bool, len(m.Agents))
	for i, agent := range m.Agents {
		if agent.ID == "" {
			return fmt.Errorf("config: agent %d has no id", i)
		}
		if agentIDs[agent.ID] {
			return fmt.Errorf("config: duplicate agent id %q", agent.ID)
		}
		agentIDs[agent.ID] = true

		if !validModels[agent.Model] {
			return fmt.Errorf("config: agent %q has unknown model %q", agent.ID, agent.Model)
		}
		if agent.Model == "custom" && (agent.BaseURL == "" || agent.APIKey == "" || agent.ModelName == "") {
			return fmt.Errorf("config: agent %q with custom model requires base_url, api_key and model_name", agent.ID)
		}
		if agent.Weight < 0 || agent.Weight > 1 {
			return fmt.Errorf("config: agent %q weight %.3f outside [0,1]", agent.ID, agent.Weight)
		}
	}

	return nil
}
