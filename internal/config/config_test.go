package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Len(t, cfg.Server.CORSOrigins, 3)
	assert.Equal(t, 0.04, cfg.Market.Rate)
	assert.Equal(t, 0.30, cfg.Calibration.DefaultWindow)
	assert.Equal(t, 30000, cfg.Simulation.Paths)
	assert.Equal(t, 252, cfg.Simulation.Steps)
	assert.Equal(t, uint64(42), cfg.Simulation.Seed)
	assert.Equal(t, 3000, cfg.Simulation.Outer)
	assert.Equal(t, 250, cfg.Simulation.Inner)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 64, cfg.Cache.Capacity)
}

func TestFileEnvAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pryce.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
market:
  rate: 0.05
  provider: local
simulation:
  paths: 1000
cache:
  ttl: 5m
`), 0o644))

	t.Setenv("PRYCE_MARKET_RATE", "0.06")
	t.Setenv("PRYCE_SERVER_CORS_ORIGINS", "https://a.example,https://b.example")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("provider", "", "")
	require.NoError(t, flags.Parse([]string{"--provider=massive"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 0.06, cfg.Market.Rate, "env beats file")
	assert.Equal(t, "massive", cfg.Market.Provider, "flag beats file")
	assert.Equal(t, 1000, cfg.Simulation.Paths)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Calibration.DefaultWindow = 0.9
	cfg.Simulation.Paths = cfg.Simulation.MaxPaths + 1
	cfg.Simulation.CompoundInner = "quadrature"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_window")
	assert.Contains(t, err.Error(), "simulation.paths")
	assert.Contains(t, err.Error(), "compound_inner")
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
