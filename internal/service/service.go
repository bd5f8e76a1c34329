// Package service is the long-running processing daemon: a bounded work
// queue drained by a worker pool into the extraction pipeline, fronted by
// an HTTP surface with health, metrics, and a live event stream.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phxdata/propflow/internal/errs"
	"github.com/phxdata/propflow/internal/metrics"
	"github.com/phxdata/propflow/internal/persistence"
	"github.com/phxdata/propflow/internal/pipeline"
	"github.com/phxdata/propflow/internal/supervise"
)

const resource = "service"

// Config tunes the daemon.
type Config struct {
	ListenAddr      string
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8081"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// job is one queued processing request.
type job struct {
	source   string
	item     pipeline.Item
	queuedAt time.Time
}

// Service owns the queue and the worker pool. Construct with New, start
// with Start, stop with Shutdown.
type Service struct {
	cfg      Config
	pipe     *pipeline.Pipeline
	repo     persistence.PropertyRepo
	breakers *supervise.BreakerRegistry
	met      *metrics.Metrics
	hub      *Hub

	queue     chan job
	wg        sync.WaitGroup
	accepting atomic.Bool
	depth     atomic.Int64
	now       func() time.Time
}

// New wires the daemon. repo may be nil when the daemon runs extraction
// only; valid results are then returned to the event stream but not
// persisted.
func New(cfg Config, pipe *pipeline.Pipeline, repo persistence.PropertyRepo,
	breakers *supervise.BreakerRegistry, met *metrics.Metrics) *Service {

	cfg = cfg.normalized()
	return &Service{
		cfg:      cfg,
		pipe:     pipe,
		repo:     repo,
		breakers: breakers,
		met:      met,
		hub:      NewHub(),
		queue:    make(chan job, cfg.QueueSize),
		now:      time.Now,
	}
}

// WithClock injects a time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Hub exposes the event stream for wiring limiter observers.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Start launches the worker pool. ctx bounds the lifetime of in-flight
// work; Shutdown closes the queue and waits for the drain.
func (s *Service) Start(ctx context.Context) {
	s.accepting.Store(true)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	log.Info().Int("workers", s.cfg.Workers).Int("queue_size", s.cfg.QueueSize).
		Msg("processing service started")
}

// Enqueue admits one job. Returns the queue position after the append, or
// a rate_limit-kind error when the queue is full. Never blocks.
func (s *Service) Enqueue(source string, item pipeline.Item) (int, error) {
	if !s.accepting.Load() {
		return 0, errs.E(errs.KindRateLimit, resource, "service is shutting down")
	}

	select {
	case s.queue <- job{source: source, item: item, queuedAt: s.now()}:
		n := int(s.depth.Add(1))
		if s.met != nil {
			s.met.SetQueueDepth(n)
		}
		return n, nil
	default:
		return 0, errs.E(errs.KindRateLimit, resource, "queue full")
	}
}

// QueueDepth returns the current backlog.
func (s *Service) QueueDepth() int {
	return int(s.depth.Load())
}

// QueueCapacity returns the configured bound.
func (s *Service) QueueCapacity() int {
	return s.cfg.QueueSize
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			n := int(s.depth.Add(-1))
			if s.met != nil {
				s.met.SetQueueDepth(n)
			}
			s.process(ctx, j)
		}
	}
}

func (s *Service) process(ctx context.Context, j job) {
	var res *pipeline.Result
	if j.item.HTML != "" {
		res = s.pipe.ProcessHTML(ctx, j.item.HTML, j.source)
	} else {
		res = s.pipe.ProcessJSON(ctx, j.item.JSON, j.source)
	}

	outcome := "success"
	if !res.IsValid {
		outcome = "failure"
	}
	if s.met != nil {
		s.met.ObserveItem(j.source, outcome, res.Duration)
	}

	if res.IsValid && s.repo != nil {
		if _, _, err := s.repo.Upsert(ctx, res.Property); err != nil {
			log.Error().Err(err).Str("source", j.source).Msg("upsert of queued item failed")
			outcome = "failure"
		}
	}

	ev := Event{
		Type:      "item_processed",
		Source:    j.source,
		Timestamp: s.now().UTC(),
		Fields: map[string]interface{}{
			"outcome":     outcome,
			"duration_ms": res.Duration.Milliseconds(),
		},
	}
	if res.Property != nil {
		ev.Fields["property_id"] = res.Property.PropertyID
	}
	if !res.IsValid {
		ev.Fields["error"] = errs.Sanitize(res.Error)
		ev.Fields["error_kind"] = string(res.ErrorKind)
	}
	s.hub.Broadcast(ev)
}

// Shutdown stops admission, drains the queue until the configured timeout,
// then releases the workers. Safe to call once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.accepting.Store(false)
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("processing service drained")
		return nil
	case <-ctx.Done():
		log.Warn().Int("abandoned", s.QueueDepth()).Msg("shutdown timeout, abandoning backlog")
		return ctx.Err()
	}
}
