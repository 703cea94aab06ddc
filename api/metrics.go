package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	stockReadOK          = "ok"
	stockReadNotModified = "not_modified"
	stockReadNotFound    = "not_found"
)

// Metrics holds the API's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	movementCounter *prometheus.CounterVec
	replayCounter   prometheus.Counter
	stockReads      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers collectors with reg. Pass prometheus.NewRegistry()
// in tests so routers do not share global state.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		movementCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stock",
				Subsystem: "ledger",
				Name:      "movements_created_total",
				Help:      "Counter of recorded movements by direction.",
			}, []string{"type"}),

		replayCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "stock",
				Subsystem: "ledger",
				Name:      "idempotent_replays_total",
				Help:      "Counter of requests answered from an idempotency record.",
			}),

		stockReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stock",
				Subsystem: "projector",
				Name:      "reads_total",
				Help:      "Counter of stock reads by outcome.",
			}, []string{"result"}),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "stock",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Bucketed histogram of HTTP request processing time (s).",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
			}, []string{"method", "route", "status"}),

		gatherer: reg,
	}

	reg.MustRegister(m.movementCounter, m.replayCounter, m.stockReads, m.requestDuration)
	return m
}

func (m *Metrics) observeMovement(direction string, replayed bool) {
	if m == nil {
		return
	}
	if replayed {
		m.replayCounter.Inc()
		return
	}
	m.movementCounter.WithLabelValues(direction).Inc()
}

func (m *Metrics) observeStockRead(result string) {
	if m == nil {
		return
	}
	m.stockReads.WithLabelValues(result).Inc()
}

// Handler serves the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request durations labelled by chi route pattern, so
// product ids do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.requestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
