// Package pipeline orchestrates adaptation, LLM extraction, and validation
// over batches of raw source items with bounded concurrency.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phxdata/propflow/internal/adapt"
	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/errs"
	"github.com/phxdata/propflow/internal/extract"
	"github.com/phxdata/propflow/internal/validate"
)

// Item is one raw input. HTML items flow through extraction before
// adaptation; JSON items adapt directly.
type Item struct {
	HTML        string
	JSON        map[string]interface{}
	URL         string
	CollectedAt time.Time
}

// Result is the outcome for one item. Error carries the failure cause for
// invalid items; valid items carry the canonical property and its
// validation verdict.
type Result struct {
	Property   *domain.Property
	Extraction *extract.Result
	Validation *validate.Result
	IsValid    bool
	Error      string
	ErrorKind  errs.Kind
	Duration   time.Duration
}

// Config tunes batch behavior.
type Config struct {
	BatchSize     int
	MaxConcurrent int
	ItemTimeout   time.Duration
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 60 * time.Second
	}
	return c
}

// Metrics is a point-in-time snapshot of pipeline throughput.
type Metrics struct {
	TotalProcessed    int64         `json:"total_processed"`
	Successful        int64         `json:"successful"`
	Failed            int64         `json:"failed"`
	SuccessRate       float64       `json:"success_rate"`
	AvgProcessingTime time.Duration `json:"average_processing_time"`
	AvgConfidence     float64       `json:"average_confidence"`
}

// Pipeline runs items through adapter → extractor → validator. Safe for
// concurrent use; every batch shares the semaphore so total in-flight work
// never exceeds MaxConcurrent.
type Pipeline struct {
	cfg       Config
	extractor *extract.Extractor
	validator *validate.Validator
	adapters  map[string]adapt.Adapter
	sem       chan struct{}
	now       func() time.Time

	mu            sync.Mutex
	total         int64
	successful    int64
	failed        int64
	totalTime     time.Duration
	totalConfid   float64
	confidSamples int64
}

// New wires the pipeline over the given adapters, keyed by source tag.
func New(cfg Config, extractor *extract.Extractor, validator *validate.Validator, adapters ...adapt.Adapter) *Pipeline {
	cfg = cfg.normalized()
	byTag := make(map[string]adapt.Adapter, len(adapters))
	for _, a := range adapters {
		byTag[a.SourceName()] = a
	}
	return &Pipeline{
		cfg:       cfg,
		extractor: extractor,
		validator: validator,
		adapters:  byTag,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		now:       time.Now,
	}
}

// WithClock injects a time source for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// ProcessHTML runs one scraped page through extraction, adaptation, and
// validation.
func (p *Pipeline) ProcessHTML(ctx context.Context, html, sourceTag string) *Result {
	return p.processGated(ctx, Item{HTML: html}, sourceTag)
}

// ProcessJSON runs one structured payload through adaptation and
// validation.
func (p *Pipeline) ProcessJSON(ctx context.Context, obj map[string]interface{}, sourceTag string) *Result {
	return p.processGated(ctx, Item{JSON: obj}, sourceTag)
}

// ProcessBatch processes items in waves of BatchSize under the concurrency
// bound. The returned slice corresponds one-to-one with the inputs; one
// item's failure never cancels its peers.
func (p *Pipeline) ProcessBatch(ctx context.Context, items []Item, sourceTag string) []*Result {
	results := make([]*Result, len(items))
	for start := 0; start < len(items); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = p.processGated(ctx, items[i], sourceTag)
			}(i)
		}
		wg.Wait()
	}
	return results
}

// processGated acquires a concurrency slot and runs one item under the
// per-item timeout.
func (p *Pipeline) processGated(ctx context.Context, item Item, sourceTag string) *Result {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return p.record(&Result{IsValid: false, Error: "cancelled", ErrorKind: errs.KindCancelled})
	}

	itemCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	start := p.now()
	res := p.processOne(itemCtx, item, sourceTag)
	res.Duration = p.now().Sub(start)

	// Distinguish the parent being cancelled from the per-item budget.
	if !res.IsValid && itemCtx.Err() != nil {
		if ctx.Err() != nil {
			res.Error, res.ErrorKind = "cancelled", errs.KindCancelled
		} else if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			res.Error, res.ErrorKind = "timeout", errs.KindTimeout
		}
	}
	return p.record(res)
}

func (p *Pipeline) processOne(ctx context.Context, item Item, sourceTag string) *Result {
	adapter, ok := p.adapters[sourceTag]
	if !ok {
		return &Result{Error: "unknown source " + sourceTag, ErrorKind: errs.KindValidation}
	}

	rec := adapt.RawRecord{
		JSON:        item.JSON,
		HTML:        item.HTML,
		URL:         item.URL,
		CollectedAt: item.CollectedAt,
	}

	if item.HTML != "" {
		ex, err := p.extractor.Extract(ctx, item.HTML, sourceTag)
		if err != nil {
			// The extractor already fell back internally where it could;
			// one last regex pass covers breaker-open and hard failures.
			if fb, ok := extract.FallbackExtract(item.HTML); ok {
				log.Debug().Str("source", sourceTag).Str("kind", string(errs.KindOf(err))).
					Msg("extraction failed, using fallback synthesis")
				ex = fb
			} else {
				return &Result{Error: err.Error(), ErrorKind: errs.KindOf(err)}
			}
		}
		rec.Extraction = ex
	}

	property, err := adapter.Adapt(rec)
	if err != nil {
		return &Result{Extraction: rec.Extraction, Error: err.Error(), ErrorKind: errs.KindOf(err)}
	}

	verdict := p.validator.Validate(property)
	res := &Result{
		Property:   property,
		Extraction: rec.Extraction,
		Validation: verdict,
		IsValid:    verdict.IsValid,
	}
	if !verdict.IsValid {
		res.ErrorKind = errs.KindValidation
		if len(verdict.Errors) > 0 {
			res.Error = verdict.Errors[0]
		}
	}
	return res
}

// record folds one result into the running metrics and passes it through.
func (p *Pipeline) record(res *Result) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total++
	if res.IsValid {
		p.successful++
	} else {
		p.failed++
	}
	p.totalTime += res.Duration
	if res.Validation != nil {
		p.totalConfid += res.Validation.ConfidenceScore
		p.confidSamples++
	}
	return res
}

// Snapshot returns the pipeline's cumulative metrics.
func (p *Pipeline) Snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		TotalProcessed: p.total,
		Successful:     p.successful,
		Failed:         p.failed,
	}
	if p.total > 0 {
		m.SuccessRate = float64(p.successful) / float64(p.total)
		m.AvgProcessingTime = p.totalTime / time.Duration(p.total)
	}
	if p.confidSamples > 0 {
		m.AvgConfidence = p.totalConfid / float64(p.confidSamples)
	}
	return m
}
