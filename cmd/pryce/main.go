// Command pryce calibrates Heston models to option chains and prices
// exotic payoffs, either once from the command line or behind an HTTP API.
package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/contactkeval/pryce/internal/cache"
	"github.com/contactkeval/pryce/internal/config"
	"github.com/contactkeval/pryce/internal/data"
	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/service"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "pryce",
	Short:         "Heston calibration and Monte Carlo pricing of exotic options",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to a YAML config file")
	pf.Int("verbosity", 1, "log verbosity: 0 errors, 1 info, 2 debug, 3 trace")
	pf.String("provider", "synthetic", "market data provider: massive, local or synthetic")
	pf.String("fallback", "", "secondary provider used when the primary has no data")
	pf.String("data-dir", "data", "directory of <TICKER>.csv chains for the local provider")
	pf.Float64("rate", 0.04, "risk-free rate")
	pf.Float64("yield", 0, "dividend yield")
	pf.Int("workers", 0, "simulation workers, 0 for GOMAXPROCS")
	pf.String("redis-addr", "", "share calibrations through redis at this address")

	rootCmd.AddCommand(serveCmd, calibrateCmd, priceCmd, payoffCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// newService loads the configuration for cmd and wires the provider chain
// and calibration cache behind a service.
func newService(ctx context.Context, cmd *cobra.Command) (*service.Service, error) {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger.SetVerbosity(cfg.Log.Verbosity)

	prov, err := data.New(data.Options{
		Kind:      cfg.Market.Provider,
		Fallback:  cfg.Market.Fallback,
		Dir:       cfg.Market.DataDir,
		APIKey:    cfg.Market.APIKey,
		RateLimit: cfg.Market.RequestRate,
		Match:     data.DateMatchType(cfg.Market.ExpiryMatch),
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("%s provider enabled", prov.Name())

	var store cache.Store[*service.CalibrationView]
	if cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrapf(err, "redis %s", cfg.Cache.RedisAddr)
		}
		store = cache.NewRedisStore[*service.CalibrationView](client, cfg.Cache.RedisPrefix)
		logger.Infof("sharing calibrations through redis at %s", cfg.Cache.RedisAddr)
	}
	return service.New(cfg, prov, store), nil
}
