// Package config holds the tunables of the frame and network layers and
// consolidates them from defaults, JSON and the environment.
package config

import (
	"encoding/json"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/frameflow/env"
)

// Default values.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultNetworkIdleWindow = 500 * time.Millisecond
	DefaultLogLevel          = "info"
)

// DefaultRetryBackoff is the polling schedule of retrying actions. The
// last value is repeated once the schedule is exhausted.
func DefaultRetryBackoff() []time.Duration {
	return []time.Duration{
		0,
		20 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
		500 * time.Millisecond,
	}
}

// Config holds all the tunables of the browser core.
//
//nolint:lll
type Config struct {
	BaseURL           null.String   `json:"baseURL" envconfig:"K6_BROWSER_BASE_URL"`
	Timeout           NullDuration  `json:"timeout" envconfig:"K6_BROWSER_TIMEOUT"`
	NavigationTimeout NullDuration  `json:"navigationTimeout" envconfig:"K6_BROWSER_NAVIGATION_TIMEOUT"`
	SlowMo            NullDuration  `json:"slowMo" envconfig:"K6_BROWSER_SLOWMO"`
	StrictSelectors   null.Bool     `json:"strictSelectors" envconfig:"K6_BROWSER_STRICT_SELECTORS"`

	// The quiet period without inflight requests after which a frame
	// reports networkidle.
	NetworkIdleWindow NullDuration  `json:"networkIdleWindow" envconfig:"K6_BROWSER_NETWORK_IDLE_WINDOW"`
	RetryBackoff      NullDurations `json:"retryBackoff" envconfig:"K6_BROWSER_RETRY_BACKOFF"`

	LogLevel          null.String `json:"logLevel" envconfig:"K6_BROWSER_LOG_LEVEL"`
	LogCategoryFilter null.String `json:"logCategoryFilter" envconfig:"K6_BROWSER_LOG_CATEGORY_FILTER"`
	LogFile           null.String `json:"logFile" envconfig:"K6_BROWSER_LOG_FILE"`
}

// NewConfig creates a new Config instance with default values for some fields.
func NewConfig() Config {
	return Config{
		Timeout:           NullDurationFrom(DefaultTimeout),
		NetworkIdleWindow: NullDurationFrom(DefaultNetworkIdleWindow),
		RetryBackoff:      NullDurationsFrom(DefaultRetryBackoff()...),
		StrictSelectors:   null.NewBool(false, false),
		LogLevel:          null.NewString(DefaultLogLevel, false),
	}
}

// Apply saves config non-zero config values from the passed config in the receiver.
//
//nolint:cyclop
func (c Config) Apply(cfg Config) Config {
	if cfg.BaseURL.Valid {
		c.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.NavigationTimeout.Valid {
		c.NavigationTimeout = cfg.NavigationTimeout
	}
	if cfg.SlowMo.Valid {
		c.SlowMo = cfg.SlowMo
	}
	if cfg.StrictSelectors.Valid {
		c.StrictSelectors = cfg.StrictSelectors
	}
	if cfg.NetworkIdleWindow.Valid {
		c.NetworkIdleWindow = cfg.NetworkIdleWindow
	}
	if cfg.RetryBackoff.Valid && len(cfg.RetryBackoff.Durations) > 0 {
		c.RetryBackoff = cfg.RetryBackoff
	}
	if cfg.LogLevel.Valid {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogCategoryFilter.Valid {
		c.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.LogFile.Valid {
		c.LogFile = cfg.LogFile
	}
	return c
}

// NavigationTimeoutOrDefault returns the navigation timeout falling back
// to the default timeout.
func (c Config) NavigationTimeoutOrDefault() time.Duration {
	if c.NavigationTimeout.Valid {
		return c.NavigationTimeout.Duration
	}
	return c.Timeout.Duration
}

// GetConsolidatedConfig combines the default config values with the JSON config
// values and environment variables and returns the final result.
func GetConsolidatedConfig(jsonRawConf json.RawMessage, lookup env.LookupFunc) (Config, error) {
	result := NewConfig()
	if jsonRawConf != nil {
		jsonConf := Config{}
		if err := json.Unmarshal(jsonRawConf, &jsonConf); err != nil {
			return result, err
		}
		result = result.Apply(jsonConf)
	}

	if lookup == nil {
		lookup = env.EmptyLookup
	}
	envConfig := Config{}
	if err := envconfig.Process("", &envConfig, lookup); err != nil {
		return result, err
	}
	result = result.Apply(envConfig)

	return result, nil
}
