package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phxdata/propflow/internal/adapt"
	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/metrics"
	"github.com/phxdata/propflow/internal/persistence"
	"github.com/phxdata/propflow/internal/pipeline"
	"github.com/phxdata/propflow/internal/validate"
)

// memRepo covers the repo surface the daemon touches.
type memRepo struct {
	mu      sync.Mutex
	byID    map[string]*domain.Property
	pingErr error
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[string]*domain.Property)}
}

func (r *memRepo) Create(_ context.Context, p *domain.Property) (string, error) {
	return r.upsert(p), nil
}

func (r *memRepo) Upsert(_ context.Context, p *domain.Property) (string, bool, error) {
	return r.upsert(p), true, nil
}

func (r *memRepo) upsert(p *domain.Property) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.PropertyID] = p
	return p.PropertyID
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *memRepo) GetByPropertyID(context.Context, string) (*domain.Property, error) {
	return nil, persistence.ErrNotFound
}

func (r *memRepo) SearchByZipcode(context.Context, persistence.SearchQuery) ([]*domain.Property, int, error) {
	return nil, 0, nil
}

func (r *memRepo) GetRecentUpdates(context.Context, time.Time, int) ([]*domain.Property, error) {
	return nil, nil
}

func (r *memRepo) GetPriceStatistics(context.Context, string) (*domain.PriceStatistics, error) {
	return &domain.PriceStatistics{}, nil
}

func (r *memRepo) AddPriceHistory(context.Context, string, domain.PropertyPrice) (bool, error) {
	return false, nil
}

func (r *memRepo) MarkInactive(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *memRepo) Ping(context.Context) error { return r.pingErr }

func assessorPayload(apn string) map[string]interface{} {
	return map[string]interface{}{
		"apn": apn,
		"address": map[string]interface{}{
			"house_number": "456",
			"street_name":  "E Desert Lane",
			"city":         "Phoenix",
			"zipcode":      "85048",
		},
		"property_type": "single_family",
		"features": map[string]interface{}{
			"bedrooms":     float64(3),
			"bathrooms":    float64(2),
			"livable_sqft": float64(1850),
		},
		"valuation": map[string]interface{}{
			"assessed_value": float64(385000),
			"tax_year":       float64(2026),
		},
	}
}

func newTestService(t *testing.T, cfg Config, repo persistence.PropertyRepo) *Service {
	t.Helper()
	pipe := pipeline.New(pipeline.Config{MaxConcurrent: 2}, nil, validate.New(),
		adapt.NewAssessorAdapter("maricopa"))
	return New(cfg, pipe, repo, nil, metrics.New())
}

func postProcess(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(url+"/process", "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func TestProcessQueuesAndPersists(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, Config{QueueSize: 10, Workers: 2}, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	ts := httptest.NewServer(svc.Router())
	defer ts.Close()

	resp := postProcess(t, ts.URL, processRequest{
		Source: "maricopa",
		Data:   assessorPayload("123-45-678"),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, float64(1), body["queue_position"])

	assert.Eventually(t, func() bool { return repo.count() == 1 },
		2*time.Second, 10*time.Millisecond, "queued item should reach the repository")
}

func TestProcessRejectsMalformedBodies(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // no workers needed
	svc.Start(ctx)

	ts := httptest.NewServer(svc.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/process", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postProcess(t, ts.URL, map[string]interface{}{"data": assessorPayload("1")})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing source")

	resp = postProcess(t, ts.URL, map[string]interface{}{"source": "maricopa"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing data")
}

func TestProcessBackpressure(t *testing.T) {
	svc := newTestService(t, Config{QueueSize: 2}, nil)

	// Workers exit immediately; the queue only fills.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Start(ctx)

	ts := httptest.NewServer(svc.Router())
	defer ts.Close()

	for i := 0; i < 2; i++ {
		resp := postProcess(t, ts.URL, processRequest{Source: "maricopa", Data: assessorPayload("1")})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := postProcess(t, ts.URL, processRequest{Source: "maricopa", Data: assessorPayload("1")})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "queue full", body["error"])
}

func TestHealthFollowsAcceptingState(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ts := httptest.NewServer(svc.Router())
	defer ts.Close()

	// Not started yet: not accepting work.
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "llm_processor", body["service"])
}

func TestHealthLLMGradesComponents(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, Config{QueueSize: 10}, repo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Start(ctx)

	ts := httptest.NewServer(svc.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health/llm")
	require.NoError(t, err)
	var report healthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "healthy", report.Components["database"])
	assert.Equal(t, "healthy", report.Components["queue"])

	// Fill past 80%: queue goes degraded, overall follows.
	for i := 0; i < 9; i++ {
		_, err := svc.Enqueue("maricopa", pipeline.Item{JSON: assessorPayload("1")})
		require.NoError(t, err)
	}
	resp, err = http.Get(ts.URL + "/health/llm")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", report.Components["queue"])
	assert.Equal(t, "degraded", report.Status)

	// Unreachable database: overall unhealthy, 503.
	repo.pingErr = assert.AnError
	resp, err = http.Get(ts.URL + "/health/llm")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", report.Components["database"])
	assert.Equal(t, "unhealthy", report.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ts := httptest.NewServer(svc.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	svc := newTestService(t, Config{}, nil)
	ts := httptest.NewServer(svc.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return svc.Hub().ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	sent := Event{Type: "rate_limit_hit", Source: "maricopa", Timestamp: time.Now().UTC()}
	svc.Hub().Broadcast(sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "rate_limit_hit", got.Type)
	assert.Equal(t, "maricopa", got.Source)
}

func TestShutdownDrainsQueue(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, Config{QueueSize: 10, Workers: 2}, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 5; i++ {
		_, err := svc.Enqueue("maricopa", pipeline.Item{JSON: assessorPayload("1")})
		require.NoError(t, err)
	}

	shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sdCancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	assert.Equal(t, 1, repo.count(), "same APN merges to one property")

	_, err := svc.Enqueue("maricopa", pipeline.Item{JSON: assessorPayload("2")})
	require.Error(t, err, "enqueue after shutdown must be refused")
}
