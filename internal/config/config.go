package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects one of the built-in trailing-stop threshold tables.
type Mode string

const (
	ModeAggressive   Mode = "aggressive"
	ModeModerate     Mode = "moderate"
	ModeConservative Mode = "conservative"
)

// ParseMode validates a mode name from the CLI.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAggressive, ModeModerate, ModeConservative:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want aggressive|moderate|conservative)", s)
	}
}

// Thresholds is the immutable per-mode parameter set for the stop
// engine. Fractions throughout: 0.02 means 2%.
type Thresholds struct {
	ActivationThreshold float64 `yaml:"activation_threshold"`
	MinTrail            float64 `yaml:"min_trail"`
	MaxTrail            float64 `yaml:"max_trail"`
	VolMultiplier       float64 `yaml:"volatility_multiplier"`
	TimeDecayFactor     float64 `yaml:"time_decay_factor"`
}

var modeTable = map[Mode]Thresholds{
	ModeAggressive: {
		ActivationThreshold: 0.02,
		MinTrail:            0.01,
		MaxTrail:            0.03,
		VolMultiplier:       1.5,
		TimeDecayFactor:     0.7,
	},
	ModeModerate: {
		ActivationThreshold: 0.03,
		MinTrail:            0.015,
		MaxTrail:            0.04,
		VolMultiplier:       2.0,
		TimeDecayFactor:     0.8,
	},
	ModeConservative: {
		ActivationThreshold: 0.05,
		MinTrail:            0.02,
		MaxTrail:            0.05,
		VolMultiplier:       2.5,
		TimeDecayFactor:     0.85,
	},
}

// ThresholdsFor returns the threshold table for a mode.
func ThresholdsFor(mode Mode) Thresholds { return modeTable[mode] }

// Config is the full session configuration: the selected mode's
// thresholds plus timing, feed, and output settings. A YAML file may
// override any field; CLI flags override the file.
type Config struct {
	Mode       Mode       `yaml:"mode"`
	Thresholds Thresholds `yaml:"thresholds"`

	// DecayAfterHour is the exchange-local hour after which the trail
	// width is tightened by the mode's decay factor.
	DecayAfterHour int `yaml:"decay_after_hour"`

	// EODWindow is how close to market close the forced-exit check
	// engages; EODMinGain is the minimum gain it liquidates.
	EODWindow  time.Duration `yaml:"eod_window"`
	EODMinGain float64       `yaml:"eod_min_gain"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	FillTimeout       time.Duration `yaml:"fill_timeout"`

	SeriesCapacity int `yaml:"series_capacity"`
	Lookback       int `yaml:"lookback"`

	EventsDir string `yaml:"events_dir"`
	DryRun    bool   `yaml:"dry_run"`

	Feed FeedConfig `yaml:"feed"`
}

// FeedConfig holds push-feed connection settings.
type FeedConfig struct {
	URL string `yaml:"url"`
}

// Default returns the production configuration for a mode.
func Default(mode Mode) Config {
	return Config{
		Mode:              mode,
		Thresholds:        modeTable[mode],
		DecayAfterHour:    14,
		EODWindow:         5 * time.Minute,
		EODMinGain:        0.01,
		PollInterval:      45 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		FillTimeout:       30 * time.Second,
		SeriesCapacity:    100,
		Lookback:          14,
		EventsDir:         "out/events",
		Feed: FeedConfig{
			URL: "wss://delayed.polygon.io/stocks",
		},
	}
}

// Load layers a YAML file over the mode defaults. A missing path keeps
// the defaults; a present but unreadable or invalid file is an error.
func Load(path string, mode Mode) (Config, error) {
	cfg := Default(mode)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Mode != mode && cfg.Mode != "" {
		// The file may pin a different mode; its thresholds win only
		// when the file actually sets them.
		cfg.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants the stop engine depends on.
func (c Config) Validate() error {
	t := c.Thresholds
	if t.ActivationThreshold <= 0 {
		return fmt.Errorf("thresholds.activation_threshold must be positive")
	}
	if t.MinTrail <= 0 || t.MaxTrail <= 0 {
		return fmt.Errorf("thresholds trail bounds must be positive")
	}
	if t.MinTrail > t.MaxTrail {
		return fmt.Errorf("thresholds.min_trail %.4f exceeds max_trail %.4f", t.MinTrail, t.MaxTrail)
	}
	if t.VolMultiplier <= 0 {
		return fmt.Errorf("thresholds.volatility_multiplier must be positive")
	}
	if t.TimeDecayFactor <= 0 || t.TimeDecayFactor > 1 {
		return fmt.Errorf("thresholds.time_decay_factor must be in (0,1]")
	}
	if c.DecayAfterHour < 0 || c.DecayAfterHour > 23 {
		return fmt.Errorf("decay_after_hour must be an hour of day")
	}
	if c.EODMinGain < 0 {
		return fmt.Errorf("eod_min_gain must not be negative")
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval below 10s would hammer the broker")
	}
	if c.Lookback < 2 {
		return fmt.Errorf("lookback must be at least 2")
	}
	if c.SeriesCapacity < c.Lookback+1 {
		return fmt.Errorf("series_capacity %d cannot hold lookback %d", c.SeriesCapacity, c.Lookback)
	}
	return nil
}

// OverrideActivation replaces the activation threshold, used by the
// --min-profit flag. The value is a percentage (3.0 means 3%).
func (c *Config) OverrideActivation(pct float64) error {
	if pct <= 0 {
		return fmt.Errorf("min profit override must be positive, got %.2f", pct)
	}
	c.Thresholds.ActivationThreshold = pct / 100.0
	return nil
}
