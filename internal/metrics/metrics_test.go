package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransfer(t *testing.T) {
	m := New(false)
	m.RecordTransfer(ResultSuccess, decimal.NewFromInt(20))
	m.RecordTransfer(ResultRejected, decimal.Zero)
	m.RecordTransfer(ResultRejected, decimal.Zero)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transfers.WithLabelValues(ResultRejected)))
}

func TestRecordInterest(t *testing.T) {
	m := New(false)
	m.RecordInterest(decimal.RequireFromString("0.03"))
	m.RecordInterest(decimal.RequireFromString("0.02"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.interestAccruals))
	assert.InDelta(t, 0.05, testutil.ToFloat64(m.interestCredited), 1e-9)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTransfer(ResultSuccess, decimal.NewFromInt(1))
	m.RecordInterest(decimal.NewFromInt(1))
	m.RecordProfileCreated()
	m.RecordAssistant("chat", false)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(false)
	m.RecordHTTPRequest("swiftpay", "GET", "/health", "200", 10*time.Millisecond)
	m.RecordAssistant("advice", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "swiftpay_http_requests_total"))
	assert.True(t, strings.Contains(body, `swiftpay_assistant_requests_total{kind="advice",result="ok"} 1`))
}
