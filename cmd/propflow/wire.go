package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/phxdata/propflow/internal/adapt"
	"github.com/phxdata/propflow/internal/config"
	"github.com/phxdata/propflow/internal/extract"
	"github.com/phxdata/propflow/internal/metrics"
	"github.com/phxdata/propflow/internal/persistence"
	"github.com/phxdata/propflow/internal/persistence/postgres"
	"github.com/phxdata/propflow/internal/pipeline"
	"github.com/phxdata/propflow/internal/ratelimit"
	"github.com/phxdata/propflow/internal/session"
	"github.com/phxdata/propflow/internal/supervise"
	"github.com/phxdata/propflow/internal/validate"
)

// app holds the wired component graph shared by the subcommands.
type app struct {
	cfg      *config.Config
	db       *sqlx.DB
	repo     persistence.PropertyRepo
	reports  persistence.ReportRepo
	dlq      persistence.DeadLetterRepo
	limiter  *ratelimit.Limiter
	breakers *supervise.BreakerRegistry
	sup      *supervise.Supervisor
	pipe     *pipeline.Pipeline
	met      *metrics.Metrics
}

// buildApp loads config and wires the graph every subcommand shares. The
// caller owns closing the returned app.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	pgCfg := postgres.Config{
		DSN:           cfg.Repository.ConnectionURI,
		MaxPoolSize:   cfg.Repository.MaxPoolSize,
		InactiveAfter: cfg.Collector.InactiveAfter(),
	}
	db, err := postgres.Open(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{
		cfg:     cfg,
		db:      db,
		repo:    postgres.NewPropertyRepo(db, pgCfg),
		reports: postgres.NewReportRepo(db, pgCfg),
		dlq:     postgres.NewDeadLetterRepo(db, pgCfg),
		met:     metrics.New(),
	}

	limits := make(map[string]ratelimit.Config, len(cfg.Sources))
	for tag, src := range cfg.Sources {
		limits[tag] = ratelimit.Config{
			RequestsPerWindow: src.RateLimitPerWindow,
			Window:            src.Window(),
			SafetyMargin:      src.SafetyMargin,
		}
	}
	a.limiter = ratelimit.NewLimiter(limits, ratelimit.Config{
		RequestsPerWindow: 30, Window: time.Minute, SafetyMargin: 0.10,
	})
	a.limiter.Register(a.met.Observer())

	a.breakers = supervise.NewBreakerRegistry(supervise.DefaultBreakerConfig())
	a.sup = supervise.NewSupervisor(supervise.DefaultRetryPolicy(), a.breakers, a.dlq)

	extractor, err := a.buildExtractor()
	if err != nil {
		db.Close()
		return nil, err
	}

	a.pipe = pipeline.New(pipeline.Config{
		BatchSize:     cfg.Processing.BatchSize,
		MaxConcurrent: cfg.Processing.MaxConcurrent,
		ItemTimeout:   cfg.Processing.ItemTimeout(),
	}, extractor, validate.New(),
		adapt.NewAssessorAdapter(config.SourceTagMaricopa),
		adapt.NewMLSAdapter(config.SourceTagMLS))

	return a, nil
}

func (a *app) buildExtractor() (*extract.Extractor, error) {
	var l2 extract.L2
	if addr := a.cfg.Extraction.RedisAddr; addr != "" {
		l2 = extract.NewRedisL2(redis.NewClient(&redis.Options{Addr: addr}))
	}
	cache := extract.NewCache(extract.CacheConfig{
		TTL:        a.cfg.Extraction.CacheTTL(),
		MaxEntries: a.cfg.Extraction.CacheMaxEntries,
		MaxBytes:   a.cfg.Extraction.CacheMaxBytes,
	}, l2)

	return extract.New(extract.Config{
		Endpoint:      a.cfg.Extraction.LLMEndpoint,
		Model:         a.cfg.Extraction.Model,
		PromptVersion: a.cfg.Extraction.PromptVersion,
		Timeout:       a.cfg.Extraction.Timeout(),
	}, cache, a.breakers.For("llm"))
}

// sessionStore picks Redis when configured, in-process otherwise.
func (a *app) sessionStore() session.Store {
	maxAge := a.cfg.Session.MaxAge()
	if addr := a.cfg.Session.RedisAddr; addr != "" {
		return session.NewRedisStore(session.NewRedisClient(addr), maxAge)
	}
	return session.NewMemoryStore(maxAge)
}

func (a *app) Close() {
	a.limiter.Close()
	if a.db != nil {
		a.db.Close()
	}
}
