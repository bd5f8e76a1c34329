package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phxdata/propflow/internal/ratelimit"
)

// counterValue digs one labeled counter out of a registry gather.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metric:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name && fam.GetType() == dto.MetricType_HISTOGRAM {
			var total uint64
			for _, m := range fam.GetMetric() {
				total += m.GetHistogram().GetSampleCount()
			}
			return total
		}
	}
	return 0
}

func TestLimiterBridgeCountsEvents(t *testing.T) {
	m := New()
	obs := m.Observer()

	obs.RequestMade("maricopa", time.Now())
	obs.RequestMade("maricopa", time.Now())
	obs.RateLimitHit("maricopa", time.Second)
	obs.LimiterReset("phoenix_mls")

	assert.Equal(t, 2.0, counterValue(t, m.Registry(), "propflow_requests_total",
		map[string]string{"source": "maricopa"}))
	assert.Equal(t, 1.0, counterValue(t, m.Registry(), "propflow_rate_limit_hits_total",
		map[string]string{"source": "maricopa"}))
	assert.Equal(t, 1.0, counterValue(t, m.Registry(), "propflow_limiter_resets_total",
		map[string]string{"source": "phoenix_mls"}))
}

func TestBridgeWiredToLimiter(t *testing.T) {
	m := New()
	limiter := ratelimit.NewLimiter(nil, ratelimit.Config{RequestsPerWindow: 100, Window: time.Minute})
	limiter.Register(m.Observer())

	for i := 0; i < 3; i++ {
		_, err := limiter.WaitIfNeeded(context.Background(), "maricopa")
		require.NoError(t, err)
	}
	limiter.Close() // drains observer queues

	assert.Equal(t, 3.0, counterValue(t, m.Registry(), "propflow_requests_total",
		map[string]string{"source": "maricopa"}))
}

func TestObserveItemAndQueueDepth(t *testing.T) {
	m := New()
	m.ObserveItem("phoenix_mls", "success", 120*time.Millisecond)
	m.ObserveItem("phoenix_mls", "failure", 80*time.Millisecond)
	m.SetQueueDepth(7)

	assert.Equal(t, 1.0, counterValue(t, m.Registry(), "propflow_items_processed_total",
		map[string]string{"source": "phoenix_mls", "outcome": "success"}))
	assert.Equal(t, 7.0, counterValue(t, m.Registry(), "propflow_service_queue_depth", nil))
	assert.Equal(t, uint64(2), histogramCount(t, m.Registry(), "propflow_item_processing_seconds"))
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, 1.0, counterValue(t, m.Registry(), "propflow_http_requests_total",
		map[string]string{"route": "/health", "method": "GET", "status": "418"}))
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New()
	m.ObserveCache(true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "propflow_extraction_cache_hits_total 1")
}
