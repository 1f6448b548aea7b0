package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scienceol/killswitch/internal/host"
)

type Config struct {
	Token string `yaml:"token"`
	URL   string `yaml:"url"`

	// InputMaxAge bounds how old the last pushed input state may be
	// before reads fail. Zero disables the check.
	InputMaxAge Duration `yaml:"input_max_age"`

	// MirrorOSInhibit holds a local OS sleep inhibitor while suspend
	// queries are being denied.
	MirrorOSInhibit bool `yaml:"mirror_os_inhibit"`

	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Log         LogConfig         `yaml:"log"`
	Status      StatusConfig      `yaml:"status"`
	SwitchGuard SwitchGuardConfig `yaml:"switch_guard"`
	HoldGuard   HoldGuardConfig   `yaml:"hold_guard"`
}

type ReconnectConfig struct {
	Min Duration `yaml:"min"`
	Max Duration `yaml:"max"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StatusConfig controls the HTTP status server. An empty Listen
// disables it.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

type SwitchGuardConfig struct {
	Enabled       bool     `yaml:"enabled"`
	OverrideCombo string   `yaml:"override_combo"`
	Ceiling       int      `yaml:"ceiling"`
	JoinTimeout   Duration `yaml:"join_timeout"`
}

type HoldGuardConfig struct {
	Enabled      bool     `yaml:"enabled"`
	HoldSignal   string   `yaml:"hold_signal"`
	PollInterval Duration `yaml:"poll_interval"`
	Window       Duration `yaml:"window"`
	JoinTimeout  Duration `yaml:"join_timeout"`
}

// Overrides carries command-line values. Empty fields are ignored.
type Overrides struct {
	ConfigPath   string
	Token        string
	URL          string
	LogLevel     string
	StatusListen string
}

// Default returns the configuration used before any file, env or flag
// is applied.
func Default() *Config {
	return &Config{
		Reconnect: ReconnectConfig{
			Min: Duration(time.Second),
			Max: Duration(60 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
		SwitchGuard: SwitchGuardConfig{
			Enabled:       true,
			OverrideCombo: "home",
			Ceiling:       10,
			JoinTimeout:   Duration(2 * time.Second),
		},
		HoldGuard: HoldGuardConfig{
			Enabled:      true,
			HoldSignal:   "hold",
			PollInterval: Duration(50 * time.Millisecond),
			Window:       Duration(time.Second),
			JoinTimeout:  Duration(2 * time.Second),
		},
	}
}

// Load resolves configuration from flags > env > config file > defaults.
func Load(o Overrides) (*Config, error) {
	cfg := Default()

	// 1. Config file as base
	// An explicitly named file must exist; the default one may not.
	path, explicit := o.ConfigPath, true
	if path == "" {
		path = os.Getenv("KILLSWITCH_CONFIG")
	}
	if path == "" {
		path, explicit = defaultFilePath(), false
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
			// No config file yet; defaults apply.
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// 2. Environment variables override config file
	if v := os.Getenv("KILLSWITCH_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("KILLSWITCH_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("KILLSWITCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("KILLSWITCH_STATUS_LISTEN"); v != "" {
		cfg.Status.Listen = v
	}

	// 3. CLI flags override everything
	if o.Token != "" {
		cfg.Token = o.Token
	}
	if o.URL != "" {
		cfg.URL = o.URL
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.StatusListen != "" {
		cfg.Status.Listen = o.StatusListen
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start an agent.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("host bus URL is required (--url, KILLSWITCH_URL, or config file)")
	}
	if !c.SwitchGuard.Enabled && !c.HoldGuard.Enabled {
		return fmt.Errorf("no engine enabled: enable switch_guard, hold_guard or both")
	}
	if c.InputMaxAge < 0 {
		return fmt.Errorf("input_max_age must not be negative")
	}
	if c.SwitchGuard.Enabled {
		if _, err := c.SwitchGuard.Combo(); err != nil {
			return fmt.Errorf("switch_guard.override_combo: %w", err)
		}
		if c.SwitchGuard.Ceiling < 1 {
			return fmt.Errorf("switch_guard.ceiling must be at least 1, got %d", c.SwitchGuard.Ceiling)
		}
	}
	if c.HoldGuard.Enabled {
		if _, err := c.HoldGuard.Signal(); err != nil {
			return fmt.Errorf("hold_guard.hold_signal: %w", err)
		}
		if c.HoldGuard.PollInterval <= 0 {
			return fmt.Errorf("hold_guard.poll_interval must be positive")
		}
		if c.HoldGuard.Window <= 0 {
			return fmt.Errorf("hold_guard.window must be positive")
		}
	}
	return nil
}

// Combo parses the override combo.
func (s SwitchGuardConfig) Combo() (host.Signal, error) {
	return host.ParseSignals(s.OverrideCombo)
}

// Signal parses the hold signal.
func (h HoldGuardConfig) Signal() (host.Signal, error) {
	return host.ParseSignals(h.HoldSignal)
}

func defaultFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".killswitch", "config.yaml")
}
