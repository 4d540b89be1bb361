package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	Clock     ClockConfig     `yaml:"clock"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Close     CloseConfig     `yaml:"close"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Symbols   SymbolsConfig   `yaml:"symbols"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	History   HistoryConfig   `yaml:"history"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type ClockConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
	RTTWarning   time.Duration `yaml:"rtt_warning"`
}

type StrategyConfig struct {
	MarginUSD          float64       `yaml:"margin_usd"`
	Leverage           int           `yaml:"leverage"`
	MinFundingRate     float64       `yaml:"min_funding_rate"`
	MaxSpread          float64       `yaml:"max_spread"`
	DefaultSpread      float64       `yaml:"default_spread"`
	SpreadTTL          time.Duration `yaml:"spread_ttl"`
	SpreadRefreshRate  float64       `yaml:"spread_refresh_per_sec"`
	EntryLead          time.Duration `yaml:"entry_lead"`
	EntryWindow        time.Duration `yaml:"entry_window"`
	EntryLockCooldown  time.Duration `yaml:"entry_lock_cooldown"`
	MaxEntryRetry      int           `yaml:"max_entry_retry"`
	EntryRetryInterval time.Duration `yaml:"entry_retry_interval"`
	LeverageCacheTTL   time.Duration `yaml:"leverage_cache_ttl"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	TradingHourStart   int           `yaml:"trading_hour_start"`
	TradingHourEnd     int           `yaml:"trading_hour_end"`
}

type CloseConfig struct {
	Strategy          string        `yaml:"strategy"`
	Lead              time.Duration `yaml:"lead"`
	DelayAfterEntry   time.Duration `yaml:"delay_after_entry"`
	MaxRetry          int           `yaml:"max_retry"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	ForceCloseGrace   time.Duration `yaml:"force_close_grace"`
	QuantityTolerance float64       `yaml:"quantity_tolerance"`
}

type ReconcileConfig struct {
	Interval        time.Duration `yaml:"interval"`
	HotInterval     time.Duration `yaml:"hot_interval"`
	HotWindow       time.Duration `yaml:"hot_window"`
	PositionTimeout time.Duration `yaml:"position_timeout"`
}

type SymbolsConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type LedgerConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	QueueSize  int    `yaml:"queue_size"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TelegramConfig enables operator alerts. The bot token comes from the
// TELEGRAM_BOT_TOKEN environment variable, never from the config file.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	ChatID  string `yaml:"chat_id"`
}

const (
	CloseStrategyFast    = "fast"
	CloseStrategyCareful = "careful"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://fapi.binance.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RequestsPerSec == 0 {
		cfg.REST.RequestsPerSec = 10
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://fstream.binance.com/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 2 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.WS.ReadTimeout == 0 {
		cfg.WS.ReadTimeout = 90 * time.Second
	}
	if cfg.Clock.SyncInterval == 0 {
		cfg.Clock.SyncInterval = 5 * time.Minute
	}
	if cfg.Clock.RTTWarning == 0 {
		cfg.Clock.RTTWarning = 100 * time.Millisecond
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 1
	}
	if cfg.Strategy.DefaultSpread == 0 {
		cfg.Strategy.DefaultSpread = 0.0005
	}
	if cfg.Strategy.SpreadTTL == 0 {
		cfg.Strategy.SpreadTTL = 30 * time.Second
	}
	if cfg.Strategy.SpreadRefreshRate == 0 {
		cfg.Strategy.SpreadRefreshRate = 2
	}
	if cfg.Strategy.EntryLead == 0 {
		cfg.Strategy.EntryLead = 5 * time.Second
	}
	if cfg.Strategy.EntryWindow == 0 {
		cfg.Strategy.EntryWindow = 3 * time.Second
	}
	if cfg.Strategy.EntryLockCooldown == 0 {
		cfg.Strategy.EntryLockCooldown = 30 * time.Second
	}
	if cfg.Strategy.MaxEntryRetry == 0 {
		cfg.Strategy.MaxEntryRetry = 5
	}
	if cfg.Strategy.EntryRetryInterval == 0 {
		cfg.Strategy.EntryRetryInterval = time.Second
	}
	if cfg.Strategy.LeverageCacheTTL == 0 {
		cfg.Strategy.LeverageCacheTTL = time.Hour
	}
	if cfg.Strategy.TickInterval == 0 {
		cfg.Strategy.TickInterval = 500 * time.Millisecond
	}
	if cfg.Close.Strategy == "" {
		cfg.Close.Strategy = CloseStrategyCareful
	}
	if cfg.Close.Lead == 0 {
		cfg.Close.Lead = 2 * time.Second
	}
	if cfg.Close.MaxRetry == 0 {
		cfg.Close.MaxRetry = 3
	}
	if cfg.Close.RetryInterval == 0 {
		cfg.Close.RetryInterval = time.Second
	}
	if cfg.Close.ForceCloseGrace == 0 {
		cfg.Close.ForceCloseGrace = 10 * time.Second
	}
	if cfg.Close.QuantityTolerance == 0 {
		cfg.Close.QuantityTolerance = 0.001
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 60 * time.Second
	}
	if cfg.Reconcile.HotInterval == 0 {
		cfg.Reconcile.HotInterval = 5 * time.Second
	}
	if cfg.Reconcile.HotWindow == 0 {
		cfg.Reconcile.HotWindow = 2 * time.Minute
	}
	if cfg.Reconcile.PositionTimeout == 0 {
		cfg.Reconcile.PositionTimeout = 5 * time.Minute
	}
	if cfg.Ledger.SQLitePath == "" {
		cfg.Ledger.SQLitePath = "data/funding-sniper.db"
	}
	if cfg.Ledger.QueueSize == 0 {
		cfg.Ledger.QueueSize = 64
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.SampleInterval == 0 {
		cfg.History.SampleInterval = time.Minute
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.MarginUSD <= 0 {
		return errors.New("strategy.margin_usd must be > 0")
	}
	if cfg.Strategy.Leverage < 1 || cfg.Strategy.Leverage > 125 {
		return errors.New("strategy.leverage must be between 1 and 125")
	}
	if cfg.Strategy.MinFundingRate <= 0 {
		return errors.New("strategy.min_funding_rate must be > 0")
	}
	if cfg.Strategy.MaxSpread <= 0 {
		return errors.New("strategy.max_spread must be > 0")
	}
	if cfg.Close.Strategy != CloseStrategyFast && cfg.Close.Strategy != CloseStrategyCareful {
		return fmt.Errorf("close.strategy must be %q or %q", CloseStrategyFast, CloseStrategyCareful)
	}
	if cfg.Close.Lead >= cfg.Strategy.EntryLead {
		return errors.New("close.lead must be shorter than strategy.entry_lead")
	}
	if cfg.Strategy.TradingHourStart < 0 || cfg.Strategy.TradingHourStart > 23 {
		return errors.New("strategy.trading_hour_start must be within 0..23")
	}
	if cfg.Strategy.TradingHourEnd < 0 || cfg.Strategy.TradingHourEnd > 24 {
		return errors.New("strategy.trading_hour_end must be within 0..24")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	if cfg.Telegram.Enabled && cfg.Telegram.ChatID == "" {
		return errors.New("telegram.chat_id is required when telegram is enabled")
	}
	return nil
}
