// Package config loads the controller configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mintenance/critic-controller/internal/critic"
	"github.com/mintenance/critic-controller/internal/model"
	"github.com/mintenance/critic-controller/internal/retry"
	"github.com/mintenance/critic-controller/internal/state"
)

var validate = validator.New()

// #region types
// Config is the full controller configuration.
type Config struct {
	DBPath      string `yaml:"db_path" validate:"required"`
	ListenAddr  string `yaml:"listen_addr" validate:"required"`
	FeatureAddr string `yaml:"feature_addr"`

	Log    LogConfig    `yaml:"log"`
	Model  ModelConfig  `yaml:"model"`
	Critic CriticConfig `yaml:"critic"`
	Retry  RetryConfig  `yaml:"retry"`

	SafetyCritical []string     `yaml:"safety_critical"`
	Experiments    []Experiment `yaml:"experiments" validate:"required,min=1,dive"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type ModelConfig struct {
	Dim    int     `yaml:"dim" validate:"gt=0"`
	Lambda float64 `yaml:"lambda" validate:"gt=0"`
	Alpha  float64 `yaml:"alpha" validate:"gte=0"`
}

type CriticConfig struct {
	SafetyThreshold float64       `yaml:"safety_threshold" validate:"gte=0"`
	DecideTimeout   time.Duration `yaml:"decide_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ReadBackoff     time.Duration `yaml:"read_backoff" validate:"gte=0"`
}

type RetryConfig struct {
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gt=0"`
	Burst         int           `yaml:"burst" validate:"gt=0"`
}

// Experiment declares the arms of one experiment.
type Experiment struct {
	ID   string      `yaml:"id" validate:"required"`
	Arms []state.Arm `yaml:"arms" validate:"min=2"`
}

// #endregion types

// #region defaults
// Default returns a runnable configuration with one automate/escalate experiment.
func Default() Config {
	m := model.DefaultConfig()
	c := critic.DefaultConfig()
	r := retry.DefaultConfig()
	return Config{
		DBPath:      "critic.db",
		ListenAddr:  ":8080",
		FeatureAddr: "",
		Log:         LogConfig{Level: "info"},
		Model:       ModelConfig{Dim: m.Dim, Lambda: m.Lambda, Alpha: m.Alpha},
		Critic: CriticConfig{
			SafetyThreshold: c.SafetyThreshold,
			DecideTimeout:   c.DecideTimeout,
			WriteTimeout:    c.PersistTimeout,
			ReadBackoff:     state.DefaultStoreConfig().ReadBackoff,
		},
		Retry: RetryConfig{Interval: r.Interval, RatePerSecond: r.RatePerSecond, Burst: r.Burst},
		Experiments: []Experiment{{
			ID: "default",
			Arms: []state.Arm{
				{ID: "automate", Label: "Auto-approve assessment"},
				{ID: "escalate", Label: "Escalate to human review", SafeDefault: true},
			},
		}},
	}
}

// #endregion defaults

// #region load
// Load reads path over Default() and applies environment overrides. An empty path
// yields the defaults with overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.DBPath = envOr("CRITIC_DB", cfg.DBPath)
	cfg.ListenAddr = envOr("CRITIC_LISTEN_ADDR", cfg.ListenAddr)
	cfg.FeatureAddr = envOr("CRITIC_FEATURE_ADDR", cfg.FeatureAddr)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate runs the struct tags and the experiment checks. Failures wrap model.ErrConfig.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", model.ErrConfig, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	seen := make(map[string]bool, len(c.Experiments))
	for _, e := range c.Experiments {
		if seen[e.ID] {
			return fmt.Errorf("%w: duplicate experiment %q", model.ErrConfig, e.ID)
		}
		seen[e.ID] = true
		if err := checkArms(e); err != nil {
			return err
		}
	}
	return c.ModelConfig().Validate()
}

func checkArms(e Experiment) error {
	ids := make(map[string]bool, len(e.Arms))
	defaults := 0
	for _, a := range e.Arms {
		if a.ID == "" {
			return fmt.Errorf("%w: experiment %q has an arm without id", model.ErrConfig, e.ID)
		}
		if ids[a.ID] {
			return fmt.Errorf("%w: experiment %q repeats arm %q", model.ErrConfig, e.ID, a.ID)
		}
		ids[a.ID] = true
		if a.SafeDefault {
			defaults++
		}
	}
	if defaults != 1 {
		return fmt.Errorf("%w: experiment %q needs exactly one safe default, has %d", model.ErrConfig, e.ID, defaults)
	}
	return nil
}

// #endregion load

// #region accessors
func (c Config) ModelConfig() model.Config {
	return model.Config{Dim: c.Model.Dim, Lambda: c.Model.Lambda, Alpha: c.Model.Alpha}
}

func (c Config) StoreConfig() state.StoreConfig {
	s := state.DefaultStoreConfig()
	s.Model = c.ModelConfig()
	s.ReadBackoff = c.Critic.ReadBackoff
	s.WriteTimeout = c.Critic.WriteTimeout
	return s
}

func (c Config) CriticConfig() critic.Config {
	return critic.Config{
		SafetyThreshold: c.Critic.SafetyThreshold,
		DecideTimeout:   c.Critic.DecideTimeout,
		PersistTimeout:  c.Critic.WriteTimeout,
	}
}

func (c Config) RetryConfig() retry.Config {
	r := retry.DefaultConfig()
	r.Interval = c.Retry.Interval
	r.RatePerSecond = c.Retry.RatePerSecond
	r.Burst = c.Retry.Burst
	r.AttemptTimeout = c.Critic.WriteTimeout
	return r
}

// Experiment returns the experiment with the given id.
func (c Config) Experiment(id string) (Experiment, bool) {
	for _, e := range c.Experiments {
		if e.ID == id {
			return e, true
		}
	}
	return Experiment{}, false
}

// #endregion accessors

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
