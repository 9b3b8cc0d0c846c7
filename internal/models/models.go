package models

import (
	"fmt"
	"time"
	_ "time/tzdata" // market timezones must resolve inside minimal containers
)

// Config holds every tunable of the bot. It is loaded once at startup and
// injected into the components that need it.
type Config struct {
	// Strategy thresholds
	RSIWindow           int     `json:"rsi_window" yaml:"rsi_window"`
	RSIOversold         float64 `json:"rsi_oversold" yaml:"rsi_oversold"`
	RSIOverbought       float64 `json:"rsi_overbought" yaml:"rsi_overbought"`
	MACDFast            int     `json:"macd_fast" yaml:"macd_fast"`
	MACDSlow            int     `json:"macd_slow" yaml:"macd_slow"`
	MACDSignal          int     `json:"macd_signal" yaml:"macd_signal"`
	MinConfidence       float64 `json:"min_confidence" yaml:"min_confidence"`               // BUY signals below this are ignored
	MACDConfidenceScale float64 `json:"macd_confidence_scale" yaml:"macd_confidence_scale"` // MACD gap that maps to full confidence

	// Exit rules
	ProfitTargetPct float64 `json:"profit_target_pct" yaml:"profit_target_pct"` // e.g. 0.05 = +5%
	StopLossPct     float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`         // positive, e.g. 0.08 = -8%
	MaxHoldDays     int     `json:"max_hold_days" yaml:"max_hold_days"`
	MarketTimezone  string  `json:"market_timezone" yaml:"market_timezone"` // calendar used for max_hold_days

	// Capital and position sizing
	InitialCapital        float64 `json:"initial_capital" yaml:"initial_capital"`
	MaxPositions          int     `json:"max_positions" yaml:"max_positions"`
	MaxInvestmentPerTrade float64 `json:"max_investment_per_trade" yaml:"max_investment_per_trade"`
	MaxEntriesPerScan     int     `json:"max_entries_per_scan" yaml:"max_entries_per_scan"`

	// Portfolio drawdown alerts, as fractions of initial_capital
	DrawdownWarnPct     float64 `json:"drawdown_warn_pct" yaml:"drawdown_warn_pct"`
	DrawdownCriticalPct float64 `json:"drawdown_critical_pct" yaml:"drawdown_critical_pct"`

	// Scheduling, in seconds
	ScanIntervalSec    int  `json:"scan_interval" yaml:"scan_interval"`
	MonitorIntervalSec int  `json:"monitor_interval" yaml:"monitor_interval"`
	RunScanOnStart     bool `json:"run_scan_on_start" yaml:"run_scan_on_start"`

	// Watchlists: name -> symbols
	Watchlists map[string][]string `json:"watchlists" yaml:"watchlists"`

	// Venue
	Venue               string `json:"venue" yaml:"venue"` // "paper" or "alpaca"
	AlpacaBaseURL       string `json:"alpaca_base_url" yaml:"alpaca_base_url"`
	DataFeed            string `json:"data_feed" yaml:"data_feed"` // "iex" or "sip"
	BarSize             string `json:"bar_size" yaml:"bar_size"`   // "1Min", "5Min", "1Hour", "1Day"
	HistoryLookback     int    `json:"history_lookback" yaml:"history_lookback"`
	CallTimeoutSec      int    `json:"call_timeout_sec" yaml:"call_timeout_sec"`
	RetryAttempts       int    `json:"retry_attempts" yaml:"retry_attempts"`
	RetryInitialDelayMs int    `json:"retry_initial_delay_ms" yaml:"retry_initial_delay_ms"`
	RetryMaxDelayMs     int    `json:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`

	// Storage
	DBPath       string `json:"db_path" yaml:"db_path"`             // badger directory
	SnapshotPath string `json:"snapshot_path" yaml:"snapshot_path"` // JSON snapshot for readers
	JournalPath  string `json:"journal_path" yaml:"journal_path"`   // sqlite trade journal

	MetricsAddr string    `json:"metrics_addr" yaml:"metrics_addr"` // empty disables the endpoint
	LogConfig   LogConfig `json:"log" yaml:"log"`

	// Credentials are read from the environment, never from the file.
	APIKey    string `json:"-" yaml:"-"`
	APISecret string `json:"-" yaml:"-"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // log file path
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // MB per file
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // days
	Compress   bool   `json:"compress" yaml:"compress"`
}

// DefaultConfig returns the configuration the bot runs with when a field is
// absent from the config file.
func DefaultConfig() *Config {
	return &Config{
		RSIWindow:           14,
		RSIOversold:         30,
		RSIOverbought:       70,
		MACDFast:            12,
		MACDSlow:            26,
		MACDSignal:          9,
		MinConfidence:       0.1,
		MACDConfidenceScale: 0.5,

		ProfitTargetPct: 0.05,
		StopLossPct:     0.08,
		MaxHoldDays:     10,
		MarketTimezone:  "America/New_York",

		InitialCapital:        10000,
		MaxPositions:          3,
		MaxInvestmentPerTrade: 1000,
		MaxEntriesPerScan:     3,

		DrawdownWarnPct:     0.10,
		DrawdownCriticalPct: 0.20,

		ScanIntervalSec:    300,
		MonitorIntervalSec: 60,
		RunScanOnStart:     true,

		Watchlists: map[string][]string{
			"breakout": {"CSCO", "GOOGL", "META", "MSFT", "APP", "BSX"},
			"oversold": {"ACVA", "AIV", "CE"},
			"momentum": {"AAPL", "TSLA", "NVDA", "AMZN"},
		},

		Venue:               "paper",
		AlpacaBaseURL:       "https://paper-api.alpaca.markets",
		DataFeed:            "iex",
		BarSize:             "1Day",
		HistoryLookback:     60,
		CallTimeoutSec:      10,
		RetryAttempts:       3,
		RetryInitialDelayMs: 500,
		RetryMaxDelayMs:     5000,

		DBPath:       "data/state",
		SnapshotPath: "data/bot_state.json",
		JournalPath:  "data/journal.db",

		LogConfig: LogConfig{
			Level:      "info",
			Output:     "console",
			File:       "logs/bot.log",
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// ScanInterval is the period of the entry phase.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

// MonitorInterval is the period of the exit phase.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSec) * time.Second
}

// CallTimeout bounds every single call to the venue.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// MinHistory is the shortest close series the indicator engine accepts.
func (c *Config) MinHistory() int {
	return MinHistory(c.RSIWindow, c.MACDSlow, c.MACDSignal)
}

// MinHistory is max(rsi_window, macd_slow) + macd_signal + 1.
func MinHistory(rsiWindow, macdSlow, macdSignal int) int {
	return max(rsiWindow, macdSlow) + macdSignal + 1
}

// Location resolves MarketTimezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.MarketTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.MarketTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.RSIWindow < 2 {
		return fmt.Errorf("rsi_window must be >= 2, got %d", c.RSIWindow)
	}
	if c.RSIOversold <= 0 || c.RSIOverbought >= 100 || c.RSIOversold >= c.RSIOverbought {
		return fmt.Errorf("rsi thresholds must satisfy 0 < oversold < overbought < 100, got %.2f/%.2f", c.RSIOversold, c.RSIOverbought)
	}
	if c.MACDFast < 1 || c.MACDSlow <= c.MACDFast || c.MACDSignal < 1 {
		return fmt.Errorf("macd periods must satisfy 1 <= fast < slow and signal >= 1, got %d/%d/%d", c.MACDFast, c.MACDSlow, c.MACDSignal)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0,1], got %.4f", c.MinConfidence)
	}
	if c.MACDConfidenceScale <= 0 {
		return fmt.Errorf("macd_confidence_scale must be > 0")
	}
	if c.ProfitTargetPct <= 0 {
		return fmt.Errorf("profit_target_pct must be > 0")
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("stop_loss_pct must be within (0,1), got %.4f", c.StopLossPct)
	}
	if c.MaxHoldDays < 1 {
		return fmt.Errorf("max_hold_days must be >= 1")
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("max_positions must be >= 1")
	}
	if c.MaxInvestmentPerTrade <= 0 {
		return fmt.Errorf("max_investment_per_trade must be > 0")
	}
	if c.InitialCapital < 0 {
		return fmt.Errorf("initial_capital must be >= 0")
	}
	if c.MaxEntriesPerScan < 1 {
		return fmt.Errorf("max_entries_per_scan must be >= 1")
	}
	if c.DrawdownWarnPct <= 0 || c.DrawdownCriticalPct < c.DrawdownWarnPct || c.DrawdownCriticalPct >= 1 {
		return fmt.Errorf("drawdown thresholds must satisfy 0 < warn <= critical < 1, got %.4f/%.4f", c.DrawdownWarnPct, c.DrawdownCriticalPct)
	}
	if c.ScanIntervalSec <= 0 || c.MonitorIntervalSec <= 0 {
		return fmt.Errorf("scan_interval and monitor_interval must be > 0")
	}
	if c.HistoryLookback < c.MinHistory() {
		return fmt.Errorf("history_lookback must be >= %d for the configured indicator windows, got %d", c.MinHistory(), c.HistoryLookback)
	}
	if c.CallTimeoutSec <= 0 {
		return fmt.Errorf("call_timeout_sec must be > 0")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be >= 1")
	}
	if c.Venue != "paper" && c.Venue != "alpaca" {
		return fmt.Errorf("unknown venue %q: use paper or alpaca", c.Venue)
	}
	if len(c.Symbols()) == 0 {
		return fmt.Errorf("watchlists contain no symbols")
	}
	if _, err := time.LoadLocation(c.MarketTimezone); err != nil {
		return fmt.Errorf("invalid market_timezone %q: %w", c.MarketTimezone, err)
	}
	return nil
}

// Symbols flattens the watchlists into a de-duplicated, sorted symbol list.
func (c *Config) Symbols() []string {
	return UniqueSymbols(c.Watchlists)
}

// Side is the direction of a signal or an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Signal is a buy or sell candidate produced by one scan cycle. It is never
// persisted; only the ledger mutations it causes are.
type Signal struct {
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Confidence     float64   `json:"confidence"`
	TriggeringRule string    `json:"triggering_rule"`
	Price          float64   `json:"price"`
	Timestamp      time.Time `json:"timestamp"`
}

// IndicatorSnapshot is the indicator state of one symbol at its latest
// completed bar. Prev* values belong to the bar right before it.
type IndicatorSnapshot struct {
	Symbol     string    `json:"symbol"`
	BarTime    time.Time `json:"bar_time"`
	Close      float64   `json:"close"`
	RSI        float64   `json:"rsi"`
	MACD       float64   `json:"macd"`
	PrevMACD   float64   `json:"prev_macd"`
	Signal     float64   `json:"signal"`
	PrevSignal float64   `json:"prev_signal"`
	Histogram  float64   `json:"histogram"`
}

// BullishCross reports a MACD crossing above its signal line on the last bar.
func (s IndicatorSnapshot) BullishCross() bool {
	return s.PrevMACD <= s.PrevSignal && s.MACD > s.Signal
}

// BearishCross reports a MACD crossing below its signal line on the last bar.
func (s IndicatorSnapshot) BearishCross() bool {
	return s.PrevMACD >= s.PrevSignal && s.MACD < s.Signal
}

// ExitReason names the exit rule that closed a position.
type ExitReason string

const (
	ExitStopLoss      ExitReason = "stop_loss"
	ExitProfitTarget  ExitReason = "profit_target"
	ExitMaxHold       ExitReason = "max_hold"
	ExitRSIOverbought ExitReason = "rsi_overbought"
	ExitMACDBearish   ExitReason = "macd_bearish_cross"
)
