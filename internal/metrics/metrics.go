// Package metrics holds the Prometheus collectors shared by the ledger-service
// components.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfer attempts by outcome.",
	}, []string{"outcome"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciliations_total",
		Help: "External updates applied, by resulting action and inbound channel.",
	}, []string{"action", "source"})

	RevertFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_revert_failures_total",
		Help: "Compensating reverts that could not be written.",
	})

	RevertFailedTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_revert_failed_transactions",
		Help: "Failed transactions still waiting for their compensating revert.",
	})

	UnreferencedSettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_unreferenced_settlements_total",
		Help: "Transfers the settlement network accepted without returning a transaction id.",
	})

	UnrecordedSettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_unrecorded_settlements_total",
		Help: "Settlement answers that could not be written to their transaction row.",
	})

	UnreferencedPendingTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_unreferenced_pending_transactions",
		Help: "Pending transactions without an external id, older than the reconcile age.",
	})

	SettlementDivergenceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_settlement_divergence_total",
		Help: "Success notifications received for transactions already reverted locally.",
	})

	SettlementCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_settlement_call_duration_seconds",
		Help:    "Latency of settlement backend calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	BalanceGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_balance_grants_total",
		Help: "Value created outside the transfer path, by reason.",
	}, []string{"reason"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// ObserveSettlementCall records the latency of one settlement call.
func ObserveSettlementCall(operation string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	SettlementCallDuration.WithLabelValues(operation, outcome).Observe(time.Since(started).Seconds())
}

// HTTPMiddleware counts requests by chi route pattern so path parameters do
// not explode label cardinality.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
