package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"tradechain/internal/contracts"
)

var _ contracts.Observer = (*Registry)(nil)

func TestObserverCounts(t *testing.T) {
	m := New()
	m.ObserveCall("escrow", "getOrder", "ok", 20*time.Millisecond)
	m.ObserveCall("escrow", "getOrder", "ok", 30*time.Millisecond)
	m.ObserveTransaction("escrow", "createOrder", "reverted", time.Second)
	m.AddFanoutFailures("getOrders", 0)
	m.AddFanoutFailures("getOrders", 2)

	require.Equal(t, 2.0, testutil.ToFloat64(m.contractCalls.WithLabelValues("escrow", "getOrder", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("escrow", "createOrder", "reverted")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.fanoutFailures.WithLabelValues("getOrders")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.IncRequest("/api/v1/health", http.StatusOK)
	m.IncIdempotent("cached")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.Contains(text, `tradechain_http_requests_total{code="200",route="/api/v1/health"} 1`), text)
	require.Contains(t, text, `tradechain_idempotent_requests_total{outcome="cached"} 1`)
}
