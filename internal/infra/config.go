package infra

import (
	"fmt"
	"os"
	"time"

	"rotator_go/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the application. Secrets can be overridden
// through environment variables after the file is loaded.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	// Bridge is the common unit of account every tracked coin is priced in.
	Bridge string `yaml:"bridge"`

	// Coins is the tracked asset set, excluding the bridge.
	Coins []string `yaml:"coins"`

	Exchange struct {
		RestURL        string  `yaml:"rest_url"`
		WSURL          string  `yaml:"ws_url"`
		APIKey         string  `yaml:"api_key"`
		APISecret      string  `yaml:"api_secret"`
		Paper          bool    `yaml:"paper"`
		FeeRatio       float64 `yaml:"fee_ratio"`
		CallTimeoutSec int     `yaml:"call_timeout_sec"`
	} `yaml:"exchange"`

	Scout struct {
		IntervalSec           int     `yaml:"interval_sec"`
		JumpThreshold         float64 `yaml:"jump_threshold"`
		StalenessSec          int     `yaml:"staleness_sec"`
		InitialCoin           string  `yaml:"initial_coin"`
		HistoryRetentionHours int     `yaml:"history_retention_hours"`
		StopLossRatio         float64 `yaml:"stop_loss_ratio"`
		StopLossWindowHours   int     `yaml:"stop_loss_window_hours"`
	} `yaml:"scout"`

	Engine struct {
		RetryCeiling int `yaml:"retry_ceiling"`
		BackoffMinMS int `yaml:"backoff_min_ms"`
		BackoffMaxMS int `yaml:"backoff_max_ms"`
	} `yaml:"engine"`

	API struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"api"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity. Every violation is reported as a
// *domain.ConfigError naming the offending field.
func (c *Config) Validate() error {
	if c.Bridge == "" {
		return &domain.ConfigError{Field: "bridge", Err: fmt.Errorf("bridge currency is required")}
	}
	if len(c.Coins) == 0 {
		return &domain.ConfigError{Field: "coins", Err: fmt.Errorf("at least one tracked coin is required")}
	}
	for _, coin := range c.Coins {
		if coin == c.Bridge {
			return &domain.ConfigError{Field: "coins", Err: fmt.Errorf("tracked coins must not include the bridge %s", c.Bridge)}
		}
	}
	if c.Scout.IntervalSec <= 0 {
		return &domain.ConfigError{Field: "scout.interval_sec", Err: fmt.Errorf("scout interval must be positive")}
	}
	if c.Scout.JumpThreshold < 0 {
		return &domain.ConfigError{Field: "scout.jump_threshold", Err: fmt.Errorf("jump threshold must not be negative")}
	}
	if c.Scout.StalenessSec <= 0 {
		return &domain.ConfigError{Field: "scout.staleness_sec", Err: fmt.Errorf("staleness threshold must be positive")}
	}
	if c.Scout.StopLossRatio < 0 || c.Scout.StopLossRatio >= 1 {
		return &domain.ConfigError{Field: "scout.stop_loss_ratio", Err: fmt.Errorf("stop loss ratio must be in [0, 1)")}
	}
	if c.Scout.StopLossRatio > 0 && c.Scout.StopLossWindowHours <= 0 {
		return &domain.ConfigError{Field: "scout.stop_loss_window_hours", Err: fmt.Errorf("stop loss window must be positive when the stop is enabled")}
	}
	if c.Engine.RetryCeiling < 1 {
		return &domain.ConfigError{Field: "engine.retry_ceiling", Err: fmt.Errorf("retry ceiling must be at least 1")}
	}
	if c.Engine.BackoffMinMS <= 0 || c.Engine.BackoffMaxMS < c.Engine.BackoffMinMS {
		return &domain.ConfigError{Field: "engine.backoff", Err: fmt.Errorf("backoff window is invalid: min=%dms max=%dms", c.Engine.BackoffMinMS, c.Engine.BackoffMaxMS)}
	}
	if c.Exchange.FeeRatio < 0 || c.Exchange.FeeRatio >= 1 {
		return &domain.ConfigError{Field: "exchange.fee_ratio", Err: fmt.Errorf("fee ratio must be in [0, 1)")}
	}
	return nil
}

// overrideWithEnv applies environment variables over the file values.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("ROTATOR_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("ROTATOR_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if path := os.Getenv("ROTATOR_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
}

// ScoutInterval returns the rotation cadence.
func (c *Config) ScoutInterval() time.Duration {
	return time.Duration(c.Scout.IntervalSec) * time.Second
}

// StalenessThreshold returns the maximum usable price sample age.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Scout.StalenessSec) * time.Second
}

// CallTimeout returns the bound on a single exchange call. Defaults to 10s
// when unset.
func (c *Config) CallTimeout() time.Duration {
	if c.Exchange.CallTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Exchange.CallTimeoutSec) * time.Second
}

// JumpThresholdDecimal returns the switch threshold as a decimal.
func (c *Config) JumpThresholdDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Scout.JumpThreshold)
}

// FeeRatioDecimal returns the per-order fee ratio as a decimal.
func (c *Config) FeeRatioDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Exchange.FeeRatio)
}

// StopLossRatioDecimal returns the trailing stop drop as a decimal. Zero
// disables the stop.
func (c *Config) StopLossRatioDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Scout.StopLossRatio)
}

// StopLossWindow returns the lookback over which the trailing high is kept.
func (c *Config) StopLossWindow() time.Duration {
	return time.Duration(c.Scout.StopLossWindowHours) * time.Hour
}

// BackoffMin returns the initial retry delay.
func (c *Config) BackoffMin() time.Duration {
	return time.Duration(c.Engine.BackoffMinMS) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Engine.BackoffMaxMS) * time.Millisecond
}
