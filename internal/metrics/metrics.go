// Package metrics exposes Prometheus collectors for the agent.
//
//   - perpagent_scans_total{symbol,result}        scan steps by outcome (ok|skipped|paused|pending|busy|halted|error|panic)
//   - perpagent_decisions_total{symbol,direction}  evaluator output
//   - perpagent_orders_total{symbol,purpose,status} executor results
//   - perpagent_order_attempts_total{symbol}       exchange submit attempts
//   - perpagent_transitions_total{symbol,to}       position state changes
//   - perpagent_realized_pnl_usd{symbol}          cumulative realized pnl
//   - perpagent_position_state{symbol,state}       1 for the active state
//   - perpagent_halted                            1 while the executor is halted
//   - perpagent_notify_dropped_total               events dropped on hub overflow
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "perpagent_scans_total", Help: "Scan steps by outcome"},
		[]string{"symbol", "result"},
	)
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "perpagent_decisions_total", Help: "Decisions produced"},
		[]string{"symbol", "direction"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "perpagent_orders_total", Help: "Order intents by final status"},
		[]string{"symbol", "purpose", "status"},
	)
	OrderAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "perpagent_order_attempts_total", Help: "Exchange submit attempts"},
		[]string{"symbol"},
	)
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "perpagent_transitions_total", Help: "Position state transitions"},
		[]string{"symbol", "to"},
	)
	RealizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "perpagent_realized_pnl_usd", Help: "Cumulative realized pnl"},
		[]string{"symbol"},
	)
	PositionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "perpagent_position_state", Help: "Current position state (1 = active)"},
		[]string{"symbol", "state"},
	)
	Halted = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "perpagent_halted", Help: "1 while the executor is halted"},
	)
	NotifyDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "perpagent_notify_dropped_total", Help: "Notification events dropped on overflow"},
	)
)

var positionStates = []string{"flat", "entering", "open", "adjusting", "closing"}

func init() {
	Registry.MustRegister(
		ScansTotal,
		DecisionsTotal,
		OrdersTotal,
		OrderAttemptsTotal,
		TransitionsTotal,
		RealizedPnL,
		PositionState,
		Halted,
		NotifyDropped,
	)
}

// SetPositionState 把 state 对应的序列置 1，其余置 0。
func SetPositionState(symbol, state string) {
	for _, s := range positionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		PositionState.WithLabelValues(symbol, s).Set(v)
	}
}

func SetHalted(halted bool) {
	if halted {
		Halted.Set(1)
		return
	}
	Halted.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
