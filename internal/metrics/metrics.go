package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"

	"github.com/dliu42/algorithmic-trading-bot/internal/logging"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairs_events_total", Help: "Structured engine events by name"},
		[]string{"event"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairs_signals_total", Help: "Trade signals generated"},
		[]string{"pair", "direction"},
	)
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairs_order_transitions_total", Help: "Order lifecycle transitions by target state"},
		[]string{"to"},
	)
	DiscrepanciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairs_discrepancies_total", Help: "Reconciliation discrepancies by kind"},
		[]string{"kind"},
	)
	MarketEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairs_market_events_total", Help: "Normalized market events accepted by the feed"},
		[]string{"symbol"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pairs_queue_depth", Help: "Events waiting for the decision loop"},
	)
)

func init() {
	prometheus.MustRegister(EventsTotal, SignalsTotal, OrderTransitionsTotal, DiscrepanciesTotal, MarketEventsTotal, QueueDepth)
}

// Sink counts engine events; it is combined with the zap sink via logging.Multi
type Sink struct{}

// Emit implements logging.Sink
func (Sink) Emit(_ zapcore.Level, ev logging.Event) {
	EventsTotal.WithLabelValues(ev.Name).Inc()

	switch ev.Name {
	case logging.EventSignal:
		pair, _ := ev.Field("pair")
		dir, _ := ev.Field("direction")
		SignalsTotal.WithLabelValues(pair, dir).Inc()
	case logging.EventOrderTransition:
		to, _ := ev.Field("to")
		OrderTransitionsTotal.WithLabelValues(to).Inc()
	case logging.EventDiscrepancy:
		kind, _ := ev.Field("kind")
		DiscrepanciesTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveMarketEvent counts one accepted market event
func ObserveMarketEvent(symbol string) {
	MarketEventsTotal.WithLabelValues(symbol).Inc()
}

// SetQueueDepth records the decision loop backlog
func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// Serve exposes /metrics on addr in the background
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
