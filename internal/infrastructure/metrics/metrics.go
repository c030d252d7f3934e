// Package metrics exposes Prometheus instrumentation and the /metrics server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and turns every record call into a no-op, so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	ticksTotal        prometheus.Counter
	signalsTotal      *prometheus.CounterVec
	ordersPlaced      *prometheus.CounterVec
	ordersCancelled   prometheus.Counter
	slotsOpen         prometheus.Gauge
	accumulatedLoss   *prometheus.GaugeVec
	streamReconnects  *prometheus.CounterVec
	closuresTotal     *prometheus.CounterVec
	emergencyCloses   prometheus.Counter
	tickDuration      prometheus.Histogram
	exchangeCallFails prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_ticks_total",
			Help: "Control loop ticks executed.",
		}),
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Validated entry signals by side.",
		}, []string{"symbol", "side"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_placed_total",
			Help: "Orders placed by type.",
		}, []string{"symbol", "type"}),
		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_orders_cancelled_total",
			Help: "Working orders cancelled.",
		}),
		slotsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_active_slots",
			Help: "Trade slots currently pending or open.",
		}),
		accumulatedLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_accumulated_loss",
			Help: "Martingale accumulated loss per slot key.",
		}, []string{"slot_key"}),
		streamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_stream_reconnects_total",
			Help: "Kline stream reconnect attempts.",
		}, []string{"symbol", "interval"}),
		closuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_trade_closures_total",
			Help: "Trade closures by reason.",
		}, []string{"symbol", "reason"}),
		emergencyCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_emergency_closes_total",
			Help: "Emergency market closes executed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_tick_duration_seconds",
			Help:    "Duration of one control-loop tick.",
			Buckets: prometheus.DefBuckets,
		}),
		exchangeCallFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_exchange_call_failures_total",
			Help: "Failed exchange REST calls after retries.",
		}),
	}

	reg.MustRegister(
		m.ticksTotal, m.signalsTotal, m.ordersPlaced, m.ordersCancelled,
		m.slotsOpen, m.accumulatedLoss, m.streamReconnects, m.closuresTotal,
		m.emergencyCloses, m.tickDuration, m.exchangeCallFails,
	)
	return m
}

func (m *Metrics) IncTick() {
	if m == nil {
		return
	}
	m.ticksTotal.Inc()
}

func (m *Metrics) ObserveTickDuration(seconds float64) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(seconds)
}

func (m *Metrics) IncSignal(symbol, side string) {
	if m == nil {
		return
	}
	m.signalsTotal.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) IncOrderPlaced(symbol, orderType string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(symbol, orderType).Inc()
}

func (m *Metrics) IncOrderCancelled() {
	if m == nil {
		return
	}
	m.ordersCancelled.Inc()
}

func (m *Metrics) SetActiveSlots(n int) {
	if m == nil {
		return
	}
	m.slotsOpen.Set(float64(n))
}

func (m *Metrics) SetAccumulatedLoss(slotKey string, v float64) {
	if m == nil {
		return
	}
	m.accumulatedLoss.WithLabelValues(slotKey).Set(v)
}

func (m *Metrics) IncStreamReconnect(symbol, interval string) {
	if m == nil {
		return
	}
	m.streamReconnects.WithLabelValues(symbol, interval).Inc()
}

func (m *Metrics) IncClosure(symbol, reason string) {
	if m == nil {
		return
	}
	m.closuresTotal.WithLabelValues(symbol, reason).Inc()
}

func (m *Metrics) IncEmergencyClose() {
	if m == nil {
		return
	}
	m.emergencyCloses.Inc()
}

func (m *Metrics) IncExchangeCallFailure() {
	if m == nil {
		return
	}
	m.exchangeCallFails.Inc()
}
