package extract

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/phxdata/propflow/internal/errs"
)

const oakStreetListing = "789 Oak Street, Phoenix, AZ 85033 — $425,000 — 3 bed 2 bath — 1,850 sq ft — Built 2010"

// fakeModel scripts LLM responses and counts invocations.
type fakeModel struct {
	mu       sync.Mutex
	response string
	err      error
	delay    time.Duration
	calls    int64
}

func (f *fakeModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.response}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := f.GenerateContent(ctx, nil)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func newTestExtractor(model llms.Model, breaker Breaker) *Extractor {
	cache := NewCache(CacheConfig{TTL: time.Hour, MaxEntries: 100, MaxBytes: 1 << 20}, nil)
	return NewWithModel(Config{PromptVersion: "v2", Timeout: time.Second}, model, cache, breaker)
}

func TestExtractParsesLLMJSON(t *testing.T) {
	model := &fakeModel{response: `{"street":"789 Oak Street","city":"Phoenix","state":"AZ","zipcode":"85033","price":425000,"bedrooms":3,"bathrooms":2,"square_feet":1850,"year_built":2010}`}
	ex := newTestExtractor(model, nil)

	res, err := ex.Extract(context.Background(), oakStreetListing, "phoenix_mls")
	require.NoError(t, err)
	assert.Equal(t, MethodLLM, res.Method)
	assert.Equal(t, "789 Oak Street", res.Street)
	assert.Equal(t, 425000.0, res.Price)
	assert.Equal(t, 3, res.Bedrooms)
	assert.Greater(t, res.Confidence, 0.5)
}

func TestExtractInvalidJSONFallsBack(t *testing.T) {
	model := &fakeModel{response: "Sure! The property looks like a nice three bedroom home."}
	ex := newTestExtractor(model, nil)

	res, err := ex.Extract(context.Background(), oakStreetListing, "phoenix_mls")
	require.NoError(t, err)

	assert.Equal(t, MethodFallback, res.Method)
	assert.Equal(t, "789 Oak Street", res.Street)
	assert.Equal(t, 425000.0, res.Price)
	assert.Equal(t, 3, res.Bedrooms)
	assert.Equal(t, 2.0, res.Bathrooms)
	assert.Equal(t, 1850, res.SquareFeet)
	assert.Equal(t, 2010, res.YearBuilt)
	assert.LessOrEqual(t, res.Confidence, 0.5)
}

func TestExtractTimeoutFallsBack(t *testing.T) {
	model := &fakeModel{delay: 5 * time.Second}
	cache := NewCache(CacheConfig{TTL: time.Hour}, nil)
	ex := NewWithModel(Config{PromptVersion: "v2", Timeout: 50 * time.Millisecond}, model, cache, nil)

	res, err := ex.Extract(context.Background(), oakStreetListing, "phoenix_mls")
	require.NoError(t, err)
	assert.Equal(t, MethodFallback, res.Method)
}

func TestExtractTimeoutWithoutFallbackIsTyped(t *testing.T) {
	model := &fakeModel{delay: 5 * time.Second}
	cache := NewCache(CacheConfig{TTL: time.Hour}, nil)
	ex := NewWithModel(Config{PromptVersion: "v2", Timeout: 50 * time.Millisecond}, model, cache, nil)

	_, err := ex.Extract(context.Background(), "nothing extractable here", "phoenix_mls")
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
}

func TestExtractUnparseableWithoutFallbackIsExtractionKind(t *testing.T) {
	model := &fakeModel{response: "no json here"}
	ex := newTestExtractor(model, nil)

	_, err := ex.Extract(context.Background(), "nothing extractable here", "phoenix_mls")
	require.Error(t, err)
	assert.Equal(t, errs.KindExtraction, errs.KindOf(err))
}

// openBreaker simulates an open circuit: Execute never runs fn.
type openBreaker struct{}

func (openBreaker) Execute(func() (interface{}, error)) (interface{}, error) {
	return nil, errs.E(errs.KindRateLimit, "llm", "service unavailable: circuit open")
}

func TestExtractBreakerOpenSurfacesWithoutFallback(t *testing.T) {
	model := &fakeModel{response: "{}"}
	ex := newTestExtractor(model, openBreaker{})

	_, err := ex.Extract(context.Background(), oakStreetListing, "phoenix_mls")
	require.Error(t, err)
	assert.Equal(t, errs.KindRateLimit, errs.KindOf(err))
	assert.Zero(t, atomic.LoadInt64(&model.calls), "open breaker must prevent upstream contact")
}

func TestExtractCacheHitSkipsLLM(t *testing.T) {
	model := &fakeModel{response: `{"street":"1 Elm St","zipcode":"85001","price":300000}`}
	ex := newTestExtractor(model, nil)

	_, err := ex.Extract(context.Background(), oakStreetListing, "phoenix_mls")
	require.NoError(t, err)
	_, err = ex.Extract(context.Background(), oakStreetListing, "phoenix_mls")
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&model.calls))
}

func TestExtractSingleFlightCoalescesConcurrentCalls(t *testing.T) {
	model := &fakeModel{
		response: `{"street":"1 Elm St","zipcode":"85001","price":300000}`,
		delay:    100 * time.Millisecond,
	}
	ex := newTestExtractor(model, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ex.Extract(context.Background(), oakStreetListing, "phoenix_mls")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&model.calls),
		"concurrent extractions for one key must share a single upstream call")
}

func TestExtractNetworkErrorPropagates(t *testing.T) {
	model := &fakeModel{err: errors.New("connection refused")}
	ex := newTestExtractor(model, nil)

	_, err := ex.Extract(context.Background(), oakStreetListing, "phoenix_mls")
	require.Error(t, err)
}

func TestCacheKeyIncludesPromptVersion(t *testing.T) {
	a := CacheKey("phoenix_mls", "v1", "text")
	b := CacheKey("phoenix_mls", "v2", "text")
	c := CacheKey("maricopa", "v2", "text")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, b, c)
	assert.Equal(t, a, CacheKey("phoenix_mls", "v1", "text"))
}
