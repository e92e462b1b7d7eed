package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAppliesDefaultsAndIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "risk.toml", `
[risk]
risk_fraction = 0.02
max_leverage = 5
`)
	main := writeFile(t, dir, "agent.toml", `
include = ["risk.toml"]

[app]
mode = "paper"

[scan]
symbols = ["btc/usdt", "ETHUSDT", "BTCUSDT"]
interval = "15m"

[signal.weights]
volume = 0.5
`)
	cfg, err := Load(main)
	require.NoError(t, err)

	assert.True(t, cfg.App.Paper())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Scan.Symbols)
	assert.Equal(t, 900, cfg.Scan.ScanIntervalSeconds)
	assert.Equal(t, 0.02, cfg.Risk.RiskFraction)
	assert.Equal(t, 5, cfg.Risk.MaxLeverage)
	assert.Equal(t, defaultStopDistancePct, cfg.Risk.StopDistancePct)
	assert.Equal(t, 0.5, cfg.Signal.Weights["volume"])
	assert.Equal(t, 1.0, cfg.Signal.Weights["trend"])
	assert.Equal(t, defaultConfirmThreshold, cfg.Signal.ConfirmationThreshold)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.True(t, cfg.Scan.RunImmediately)
}

func TestLoadRejectsScanFasterThanCandle(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "agent.toml", `
[app]
mode = "paper"

[scan]
symbols = ["BTCUSDT"]
interval = "1h"
scan_interval_seconds = 60
`)
	_, err := Load(main)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan_interval_seconds")
}

func TestLoadLiveRequiresCredentials(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "agent.toml", `
[scan]
symbols = ["BTCUSDT"]
`)
	_, err := Load(main)
	require.Error(t, err)

	t.Setenv("PERPAGENT_EXCHANGE_API_KEY", "k")
	t.Setenv("PERPAGENT_EXCHANGE_API_SECRET", "s")
	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.Exchange.APIKey)
}

func TestIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.toml", `include = ["b.toml"]`)
	writeFile(t, dir, "b.toml", `include = ["a.toml"]`)
	_, err := Load(filepath.Join(dir, "a.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestSignalValidate(t *testing.T) {
	sc := SignalConfig{
		ConfirmationThreshold: 5,
		ActionableStrength:    0.5,
		Weights:               map[string]float64{"trend": 1},
		VolatilityMin:         0.1,
		VolatilityMax:         0.9,
	}
	assert.Error(t, sc.Validate())
	sc.ConfirmationThreshold = 3
	assert.NoError(t, sc.Validate())
	sc.Weights["sentiment"] = 1
	assert.Error(t, sc.Validate())
}

func TestEnvModeOverridesFile(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "agent.toml", `
[app]
mode = "live"

[scan]
symbols = ["BTCUSDT"]
`)
	t.Setenv("PERPAGENT_APP_MODE", "paper")
	cfg, err := Load(main)
	require.NoError(t, err)
	assert.True(t, cfg.App.Paper())
	assert.Equal(t, defaultAppHTTPAddr, cfg.App.HTTPAddr)
}
