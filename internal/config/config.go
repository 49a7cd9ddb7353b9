// Package config loads runtime settings from an optional YAML file, .env
// files, PRYCE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const EnvPrefix = "PRYCE"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Market      MarketConfig      `mapstructure:"market"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Simulation  SimulationConfig  `mapstructure:"simulation"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type MarketConfig struct {
	Provider    string  `mapstructure:"provider"`
	Fallback    string  `mapstructure:"fallback"`
	DataDir     string  `mapstructure:"data_dir"`
	APIKey      string  `mapstructure:"api_key"`
	RequestRate float64 `mapstructure:"request_rate"`
	ExpiryMatch string  `mapstructure:"expiry_match"`
	Rate        float64 `mapstructure:"rate"`
	Yield       float64 `mapstructure:"yield"`
}

type CalibrationConfig struct {
	FitWindow      float64 `mapstructure:"fit_window"`
	DefaultWindow  float64 `mapstructure:"default_window"`
	MinWindow      float64 `mapstructure:"min_window"`
	MaxWindow      float64 `mapstructure:"max_window"`
	MaxIterations  int     `mapstructure:"max_iterations"`
	MaxEvaluations int     `mapstructure:"max_evaluations"`
	MaxRMSE        float64 `mapstructure:"max_rmse"`
	Restarts       int     `mapstructure:"restarts"`
}

type SimulationConfig struct {
	Paths              int     `mapstructure:"paths"`
	Steps              int     `mapstructure:"steps"`
	Seed               uint64  `mapstructure:"seed"`
	BarrierMultiplier  float64 `mapstructure:"barrier_multiplier"`
	ChooserTauFraction float64 `mapstructure:"chooser_tau_fraction"`
	Outer              int     `mapstructure:"outer"`
	Inner              int     `mapstructure:"inner"`
	CompoundK1         float64 `mapstructure:"compound_k1"`
	CompoundT1Fraction float64 `mapstructure:"compound_t1_fraction"`
	CompoundInner      string  `mapstructure:"compound_inner"`
	MaxPaths           int     `mapstructure:"max_paths"`
	MaxSteps           int     `mapstructure:"max_steps"`
	MaxNestedTrials    int     `mapstructure:"max_nested_trials"`
	Workers            int     `mapstructure:"workers"`
}

type CacheConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	Capacity    int           `mapstructure:"capacity"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
}

type LogConfig struct {
	Verbosity int `mapstructure:"verbosity"`
}

var defaults = map[string]any{
	"server.addr":            ":8000",
	"server.cors_origins":    []string{"http://localhost:5173", "http://localhost:3000", "http://127.0.0.1:5173"},
	"server.request_timeout": 2 * time.Minute,

	"market.provider":     "synthetic",
	"market.fallback":     "",
	"market.data_dir":     "data",
	"market.api_key":      "",
	"market.request_rate": 5.0,
	"market.expiry_match": "exact",
	"market.rate":         0.04,
	"market.yield":        0.0,

	"calibration.fit_window":      0.20,
	"calibration.default_window":  0.30,
	"calibration.min_window":      0.05,
	"calibration.max_window":      0.60,
	"calibration.max_iterations":  2000,
	"calibration.max_evaluations": 4000,
	"calibration.max_rmse":        0.05,
	"calibration.restarts":        1,

	"simulation.paths":                30000,
	"simulation.steps":                252,
	"simulation.seed":                 42,
	"simulation.barrier_multiplier":   1.2,
	"simulation.chooser_tau_fraction": 0.25,
	"simulation.outer":                3000,
	"simulation.inner":                250,
	"simulation.compound_k1":          10.0,
	"simulation.compound_t1_fraction": 0.5,
	"simulation.compound_inner":       "montecarlo",
	"simulation.max_paths":            500000,
	"simulation.max_steps":            2000,
	"simulation.max_nested_trials":    5000000,
	"simulation.workers":              0,

	"cache.ttl":          15 * time.Minute,
	"cache.capacity":     64,
	"cache.redis_addr":   "",
	"cache.redis_prefix": "pryce:",

	"log.verbosity": 1,
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"addr":       "server.addr",
	"provider":   "market.provider",
	"fallback":   "market.fallback",
	"data-dir":   "market.data_dir",
	"rate":       "market.rate",
	"yield":      "market.yield",
	"workers":    "simulation.workers",
	"redis-addr": "cache.redis_addr",
	"verbosity":  "log.verbosity",
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration. path may be empty; flags may be nil. Values
// from .env in the working directory are exported to the environment
// first without overriding variables already set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if cfg.Market.APIKey == "" {
		cfg.Market.APIKey = os.Getenv("MASSIVE_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var err error
	add := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	cal := c.Calibration
	add(cal.MinWindow > 0 && cal.MinWindow <= cal.MaxWindow && cal.MaxWindow < 1,
		"calibration window bounds must satisfy 0 < min <= max < 1, got [%v, %v]", cal.MinWindow, cal.MaxWindow)
	add(cal.DefaultWindow >= cal.MinWindow && cal.DefaultWindow <= cal.MaxWindow,
		"calibration.default_window %v outside [%v, %v]", cal.DefaultWindow, cal.MinWindow, cal.MaxWindow)
	add(cal.FitWindow > 0 && cal.FitWindow < 1, "calibration.fit_window must be in (0, 1), got %v", cal.FitWindow)
	add(cal.MaxIterations > 0, "calibration.max_iterations must be positive")
	add(cal.MaxEvaluations > 0, "calibration.max_evaluations must be positive")
	add(cal.MaxRMSE > 0, "calibration.max_rmse must be positive")
	add(cal.Restarts >= 0, "calibration.restarts must not be negative")

	sim := c.Simulation
	add(sim.Paths > 0 && sim.Paths <= sim.MaxPaths, "simulation.paths %d outside (0, %d]", sim.Paths, sim.MaxPaths)
	add(sim.Steps > 0 && sim.Steps <= sim.MaxSteps, "simulation.steps %d outside (0, %d]", sim.Steps, sim.MaxSteps)
	add(sim.Outer > 0 && sim.Inner > 0 && sim.Outer*sim.Inner <= sim.MaxNestedTrials,
		"simulation.outer*inner must be positive and at most %d", sim.MaxNestedTrials)
	add(sim.BarrierMultiplier > 0, "simulation.barrier_multiplier must be positive")
	add(sim.ChooserTauFraction > 0 && sim.ChooserTauFraction < 1, "simulation.chooser_tau_fraction must be in (0, 1)")
	add(sim.CompoundT1Fraction > 0 && sim.CompoundT1Fraction < 1, "simulation.compound_t1_fraction must be in (0, 1)")
	add(sim.CompoundK1 >= 0, "simulation.compound_k1 must not be negative")
	add(sim.CompoundInner == "montecarlo" || sim.CompoundInner == "analytic",
		"simulation.compound_inner must be montecarlo or analytic, got %q", sim.CompoundInner)

	add(c.Cache.Capacity > 0, "cache.capacity must be positive")
	add(c.Cache.TTL > 0, "cache.ttl must be positive")
	add(c.Log.Verbosity >= 0, "log.verbosity must not be negative")

	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}
