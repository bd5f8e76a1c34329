package collect

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/errs"
	progress "github.com/phxdata/propflow/internal/log"
	"github.com/phxdata/propflow/internal/persistence"
	"github.com/phxdata/propflow/internal/pipeline"
	"github.com/phxdata/propflow/internal/ratelimit"
	"github.com/phxdata/propflow/internal/supervise"
)

const resource = "collector"

// Config tunes one collection run.
type Config struct {
	Zipcodes        []string
	MaxParallelZips int
	InactiveAfter   time.Duration
}

func (c Config) normalized() Config {
	if c.MaxParallelZips <= 0 {
		c.MaxParallelZips = 3
	}
	if c.InactiveAfter <= 0 {
		c.InactiveAfter = 30 * 24 * time.Hour
	}
	return c
}

// validate rejects a run before any network traffic happens.
func (c Config) validate() error {
	if len(c.Zipcodes) == 0 {
		return errs.E(errs.KindValidation, resource, "no zipcodes configured")
	}
	for _, zip := range c.Zipcodes {
		if !validZip(zip) {
			return errs.Ef(errs.KindValidation, resource, "invalid zipcode %q", zip)
		}
	}
	return nil
}

func validZip(zip string) bool {
	if len(zip) != 5 {
		return false
	}
	for _, r := range zip {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Collector runs all configured sources over all configured ZIP codes and
// persists the merged results. One Collector is reused across runs.
type Collector struct {
	cfg      Config
	sources  []Source
	pipe     *pipeline.Pipeline
	repo     persistence.PropertyRepo
	reports  persistence.ReportRepo
	sup      *supervise.Supervisor
	recorder *runRecorder
	steps    *progress.StepLogger
	now      func() time.Time
}

// New wires a collector. The limiter may be nil when no source is rate
// limited (tests); otherwise request and throttle counts flow into the
// daily report through a registered observer.
func New(cfg Config, sources []Source, pipe *pipeline.Pipeline, repo persistence.PropertyRepo,
	reports persistence.ReportRepo, sup *supervise.Supervisor, limiter *ratelimit.Limiter) *Collector {

	rec := &runRecorder{}
	if limiter != nil {
		limiter.Register(rec)
	}
	return &Collector{
		cfg:      cfg.normalized(),
		sources:  sources,
		pipe:     pipe,
		repo:     repo,
		reports:  reports,
		sup:      sup,
		recorder: rec,
		now:      time.Now,
	}
}

// WithClock injects a time source for tests.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// WithProgress attaches a step logger for interactive runs.
func (c *Collector) WithProgress(steps *progress.StepLogger) *Collector {
	c.steps = steps
	return c
}

// runStats accumulates per-run report inputs across zip workers.
type runStats struct {
	mu          sync.Mutex
	bySource    map[string]int
	byZip       map[string]int
	prices      []float64
	confidSum   float64
	confidCount int
	errors      int
	warnings    int
}

func newRunStats() *runStats {
	return &runStats{bySource: make(map[string]int), byZip: make(map[string]int)}
}

func (s *runStats) addSuccess(source, zip string, p *domain.Property, confidence float64, warnings int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource[source]++
	s.byZip[zip]++
	if p.CurrentPrice != nil {
		s.prices = append(s.prices, p.CurrentPrice.Amount)
	}
	s.confidSum += confidence
	s.confidCount++
	s.warnings += warnings
}

func (s *runStats) addError(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors += n
}

// Run executes one full collection pass: every source over every ZIP,
// results upserted, failures dead-lettered, then the daily report and the
// inactivity sweep. ZIPs within a source run in parallel under
// MaxParallelZips; sources run in sequence so their limiters stay honest.
func (c *Collector) Run(ctx context.Context) (*domain.DailyReport, error) {
	if err := c.cfg.validate(); err != nil {
		return nil, err
	}
	if err := c.repo.Ping(ctx); err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "database unreachable", err)
	}

	start := c.now().UTC()
	reqBefore, hitsBefore := c.recorder.snapshot()
	stats := newRunStats()

	for _, src := range c.sources {
		if ctx.Err() != nil {
			break
		}
		c.startStep(src.Name(), len(c.cfg.Zipcodes))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.MaxParallelZips)
		for _, zip := range c.cfg.Zipcodes {
			zip := zip
			g.Go(func() error {
				c.collectZip(gctx, src, zip, stats)
				c.advanceStep(1)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			c.finishStep()
			return nil, err
		}
		c.finishStep()
	}

	report := c.buildReport(start, stats, reqBefore, hitsBefore)

	if err := c.reports.SaveReport(ctx, report); err != nil {
		log.Error().Err(err).Msg("daily report save failed")
		stats.addError(1)
		report.ErrorCount++
	}

	cutoff := c.now().UTC().Add(-c.cfg.InactiveAfter)
	deactivated, err := c.repo.MarkInactive(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("inactivity sweep failed")
	} else if deactivated > 0 {
		log.Info().Int64("deactivated", deactivated).Time("cutoff", cutoff).
			Msg("stale terminal listings deactivated")
	}

	if c.steps != nil {
		c.steps.Finish()
	}
	log.Info().Int("errors", report.ErrorCount).
		Int("requests", report.RequestsMade).Int("rate_limit_hits", report.RateLimitHits).
		Float64("duration_s", report.DurationSeconds).Msg("collection run complete")
	return report, nil
}

// collectZip runs one (source, zip) pair end to end. A failed collection
// dead-letters the whole pair; per-item failures dead-letter individually.
func (c *Collector) collectZip(ctx context.Context, src Source, zip string, stats *runStats) {
	items, err := src.CollectZipcode(ctx, zip)
	if err != nil {
		stats.addError(1)
		c.deadLetter(ctx, src.Name(), "collect_zipcode", zipPayload(zip), err)
		if len(items) == 0 {
			return
		}
		// Partial pages still flow through.
	}
	if len(items) == 0 {
		return
	}

	batch := make([]pipeline.Item, len(items))
	for i, it := range items {
		batch[i] = pipeline.Item{HTML: it.HTML, JSON: it.JSON, URL: it.URL, CollectedAt: it.CollectedAt}
	}

	results := c.pipe.ProcessBatch(ctx, batch, src.Name())
	for i, res := range results {
		if !res.IsValid {
			stats.addError(1)
			c.deadLetter(ctx, src.Name(), "pipeline",
				itemPayload(items[i]), errs.E(res.ErrorKind, src.Name(), res.Error))
			continue
		}

		err := c.sup.Do(ctx, "repository", func(ctx context.Context) error {
			_, _, err := c.repo.Upsert(ctx, res.Property)
			return err
		})
		if err != nil {
			stats.addError(1)
			c.deadLetter(ctx, src.Name(), "upsert", itemPayload(items[i]), err)
			continue
		}
		stats.addSuccess(src.Name(), zip, res.Property,
			res.Validation.ConfidenceScore, len(res.Validation.Warnings))
	}
}

// deadLetter preserves a failed work item. Enqueue failing is logged and
// dropped; the run keeps going.
func (c *Collector) deadLetter(ctx context.Context, source, component string, payload json.RawMessage, cause error) {
	if c.sup == nil || c.sup.DLQ() == nil {
		return
	}
	item := supervise.NewDeadLetterItem(source, component, cause, payload, 1, c.now().UTC())
	if err := c.sup.DLQ().Enqueue(ctx, item); err != nil {
		log.Error().Err(err).Str("source", source).Str("component", component).
			Msg("dead letter enqueue failed")
	}
}

func (c *Collector) buildReport(start time.Time, stats *runStats, reqBefore, hitsBefore int) *domain.DailyReport {
	reqAfter, hitsAfter := c.recorder.snapshot()
	stats.mu.Lock()
	defer stats.mu.Unlock()

	report := &domain.DailyReport{
		ReportDate:      start,
		CountsBySource:  stats.bySource,
		CountsByZipcode: stats.byZip,
		PriceStats:      priceStats(stats.prices),
		ErrorCount:      stats.errors,
		WarningCount:    stats.warnings,
		DurationSeconds: c.now().UTC().Sub(start).Seconds(),
		RequestsMade:    reqAfter - reqBefore,
		RateLimitHits:   hitsAfter - hitsBefore,
	}
	if stats.confidCount > 0 {
		report.QualityScore = stats.confidSum / float64(stats.confidCount)
	}
	return report
}

// priceStats summarizes the prices observed during this run, not the whole
// table; the repository's statistics cover the latter.
func priceStats(prices []float64) domain.PriceStatistics {
	if len(prices) == 0 {
		return domain.PriceStatistics{}
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)

	var sum float64
	for _, p := range sorted {
		sum += p
	}
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return domain.PriceStatistics{
		Count:  n,
		Avg:    sum / float64(n),
		Min:    sorted[0],
		Max:    sorted[n-1],
		Median: median,
	}
}

func zipPayload(zip string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"zipcode": zip})
	return b
}

func itemPayload(it RawItem) json.RawMessage {
	payload := map[string]interface{}{}
	if it.ID != "" {
		payload["id"] = it.ID
	}
	if it.URL != "" {
		payload["url"] = errs.Sanitize(it.URL)
	}
	if it.JSON != nil {
		payload["json"] = it.JSON
	}
	if it.HTML != "" && len(it.HTML) <= 4096 {
		payload["html"] = it.HTML
	}
	b, _ := json.Marshal(payload)
	return b
}

func (c *Collector) startStep(name string, total int) {
	if c.steps != nil {
		c.steps.StartStep(name, total)
	}
}

func (c *Collector) advanceStep(n int) {
	if c.steps != nil {
		c.steps.Advance(n)
	}
}

func (c *Collector) finishStep() {
	if c.steps != nil {
		c.steps.FinishStep()
	}
}

// runRecorder counts limiter events for the daily report. Registered once
// per process; Run works off deltas so reruns stay accurate.
type runRecorder struct {
	mu       sync.Mutex
	requests int
	hits     int
}

func (r *runRecorder) RequestMade(string, time.Time) {
	r.mu.Lock()
	r.requests++
	r.mu.Unlock()
}

func (r *runRecorder) RateLimitHit(string, time.Duration) {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
}

func (r *runRecorder) LimiterReset(string) {}

func (r *runRecorder) snapshot() (requests, hits int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests, r.hits
}
