package adminhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"perpagent/internal/account"
	"perpagent/internal/decision"
	"perpagent/internal/position"
	"perpagent/internal/store/sqlite"
	"perpagent/internal/trader"
)

type stubTarget struct {
	paused map[string]bool
	closed map[string]string
	halted bool
}

func (s *stubTarget) Symbols() []string { return []string{"BTCUSDT", "ETHUSDT"} }

func (s *stubTarget) Pause(sym string) error {
	s.paused[sym] = true
	return nil
}

func (s *stubTarget) Resume(sym string) error {
	s.paused[sym] = false
	return nil
}

func (s *stubTarget) ForceClose(sym, reason string) error {
	if sym == "ETHUSDT" {
		return trader.ErrNoPosition
	}
	s.closed[sym] = reason
	return nil
}

func (s *stubTarget) ResumeHalt() { s.halted = false }

func (s *stubTarget) Halted() (bool, string) {
	if s.halted {
		return true, "auth"
	}
	return false, ""
}

func (s *stubTarget) Statuses() []trader.Status {
	return []trader.Status{
		{Symbol: "BTCUSDT", State: position.StateOpen, Paused: s.paused["BTCUSDT"]},
		{Symbol: "ETHUSDT", State: position.StateFlat, Paused: s.paused["ETHUSDT"]},
	}
}

type stubCharts struct{}

func (stubCharts) RenderHTML(_ context.Context, sym string) ([]byte, error) {
	return []byte("<html>chart " + sym + "</html>"), nil
}

func newTestServer(t *testing.T) (*Server, *stubTarget, *sqlite.SqliteStore) {
	t.Helper()
	ledger, err := sqlite.NewSqliteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	target := &stubTarget{paused: map[string]bool{}, closed: map[string]string{}, halted: true}
	acct := account.NewStore()
	acct.Replace(account.State{Balance: 1000, Available: 900, UsedMargin: 100})
	srv, err := NewServer(ServerConfig{Target: target, Ledger: ledger, Charts: stubCharts{}, Account: acct})
	require.NoError(t, err)
	return srv, target, ledger
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestStatusAndHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(srv, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.Bytes()
	assert.True(t, gjson.GetBytes(body, "halted").Bool())
	assert.Equal(t, "auth", gjson.GetBytes(body, "halt_reason").String())
	assert.Equal(t, "open", gjson.GetBytes(body, "traders.0.state").String())
	assert.Equal(t, 1000.0, gjson.GetBytes(body, "account.balance").Float())

	w = do(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSymbolCommands(t *testing.T) {
	srv, target, _ := newTestServer(t)

	w := do(srv, http.MethodPost, "/api/symbols/btc-usdt/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, target.paused["BTCUSDT"])

	w = do(srv, http.MethodPost, "/api/symbols/BTCUSDT/close", `{"reason":"news"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "news", target.closed["BTCUSDT"])

	w = do(srv, http.MethodPost, "/api/symbols/ETHUSDT/close", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(srv, http.MethodPost, "/api/symbols/DOGEUSDT/pause", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, http.MethodPost, "/api/symbols/%3F%3F/pause", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, http.MethodPost, "/api/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, target.halted)
	assert.False(t, target.paused["BTCUSDT"])
}

func TestClosedPositionsAndChart(t *testing.T) {
	srv, _, ledger := newTestServer(t)
	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.RecordClosed(context.Background(), position.ClosedPosition{
		Symbol: "BTCUSDT", Side: decision.DirectionLong, EntryPrice: 100, ExitPrice: 110, Size: 1,
		Leverage: 3, RealizedPnL: 10, Reason: "take_profit", OpenedAt: at, ClosedAt: at.Add(time.Hour),
	}))

	w := do(srv, http.MethodGet, "/api/positions/closed?symbol=btcusdt&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), gjson.GetBytes(w.Body.Bytes(), "count").Int())

	w = do(srv, http.MethodGet, "/api/positions/closed?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), gjson.GetBytes(w.Body.Bytes(), "count").Int())

	w = do(srv, http.MethodGet, "/api/pnl/chart?symbol=BTCUSDT", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "chart BTCUSDT")
}

func TestNewServerRequiresTarget(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}
