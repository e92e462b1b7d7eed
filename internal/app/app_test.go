package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpagent/internal/config"
)

func writeReplay(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("interval: 15m\nsymbols:\n  BTCUSDT:\n")
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < 320; i++ {
		open := start.Add(time.Duration(i) * 15 * time.Minute)
		next := price * 1.002
		fmt.Fprintf(&b, "    - {open_time: %d, close_time: %d, open: %.4f, high: %.4f, low: %.4f, close: %.4f, volume: %d}\n",
			open.UnixMilli(), open.Add(15*time.Minute).UnixMilli()-1, price, next*1.001, price*0.999, next, 100+i)
		price = next
	}
	p := filepath.Join(dir, "replay.yaml")
	require.NoError(t, os.WriteFile(p, []byte(b.String()), 0o644))
	return p
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	replay := writeReplay(t, dir)
	body := fmt.Sprintf(`
[app]
mode = "paper"
http_addr = "127.0.0.1:0"
log_level = "warn"

[exchange.paper]
replay_file = %q

[scan]
symbols = ["BTCUSDT"]
interval = "15m"
lookback = 300

[store]
path = %q
`, replay, filepath.Join(dir, "ledger.db"))
	p := filepath.Join(dir, "agent.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestAppRunsPaperReplay(t *testing.T) {
	path := writeConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	a, err := NewApp(cfg, path)
	require.NoError(t, err)
	require.Len(t, a.Traders(), 1)
	assert.Contains(t, a.Summary.String(), "模式: paper")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	tr := a.Traders()[0]
	require.Eventually(t, func() bool {
		return !tr.Status().LastScanAt.IsZero()
	}, 5*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}
	st := tr.Status()
	assert.Empty(t, st.InFlight)
	assert.Equal(t, "BTCUSDT", st.Symbol)
}

func TestNewAppRejectsNilConfig(t *testing.T) {
	_, err := NewApp(nil, "")
	assert.Error(t, err)
}
