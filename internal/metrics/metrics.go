// Package metrics owns the Prometheus registry for the gateway and the
// contract handles.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry       *prometheus.Registry
	contractCalls  *prometheus.CounterVec
	callLatency    *prometheus.HistogramVec
	transactions   *prometheus.CounterVec
	txLatency      *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	idempotentHits *prometheus.CounterVec
	sessionChanges *prometheus.CounterVec
	fanoutFailures *prometheus.CounterVec
}

func New() *Registry {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradechain_contract_calls_total",
		Help: "Read-only contract calls by contract, method and result",
	}, []string{"contract", "method", "result"})

	callLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradechain_contract_call_seconds",
		Help:    "Latency of read-only contract calls including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"contract", "method"})

	txs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradechain_transactions_total",
		Help: "State-changing contract calls by contract, method and result",
	}, []string{"contract", "method", "result"})

	txLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradechain_transaction_seconds",
		Help:    "Time from submission to confirmed receipt",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"contract", "method"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradechain_http_requests_total",
		Help: "Gateway requests by route and status code",
	}, []string{"route", "code"})

	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradechain_idempotent_requests_total",
		Help: "Write requests answered from the idempotency store or executed",
	}, []string{"outcome"})

	session := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradechain_session_changes_total",
		Help: "Wallet session transitions",
	}, []string{"kind"})

	fanout := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradechain_fanout_failures_total",
		Help: "Individual reads that failed inside a fan-out",
	}, []string{"op"})

	r := prometheus.NewRegistry()
	r.MustRegister(calls, callLatency, txs, txLatency, requests, hits, session, fanout)

	return &Registry{
		registry:       r,
		contractCalls:  calls,
		callLatency:    callLatency,
		transactions:   txs,
		txLatency:      txLatency,
		httpRequests:   requests,
		idempotentHits: hits,
		sessionChanges: session,
		fanoutFailures: fanout,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCall implements contracts.Observer.
func (m *Registry) ObserveCall(contract, method, result string, elapsed time.Duration) {
	m.contractCalls.WithLabelValues(contract, method, result).Inc()
	m.callLatency.WithLabelValues(contract, method).Observe(elapsed.Seconds())
}

// ObserveTransaction implements contracts.Observer.
func (m *Registry) ObserveTransaction(contract, method, result string, elapsed time.Duration) {
	m.transactions.WithLabelValues(contract, method, result).Inc()
	m.txLatency.WithLabelValues(contract, method).Observe(elapsed.Seconds())
}

func (m *Registry) IncRequest(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// IncIdempotent records "cached", "executed" or "failed" for a keyed write.
func (m *Registry) IncIdempotent(outcome string) {
	m.idempotentHits.WithLabelValues(outcome).Inc()
}

func (m *Registry) IncSession(kind string) {
	m.sessionChanges.WithLabelValues(kind).Inc()
}

func (m *Registry) AddFanoutFailures(op string, n int) {
	if n > 0 {
		m.fanoutFailures.WithLabelValues(op).Add(float64(n))
	}
}
