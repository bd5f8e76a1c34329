// Package postgres implements the persistence contracts over PostgreSQL
// with one JSONB document per property plus extracted columns for
// indexing.
package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/phxdata/propflow/internal/errs"
)

const resource = "repository"

// Config tunes the connection pool and repo behavior.
type Config struct {
	DSN           string
	MaxPoolSize   int           // capped at 10
	Timeout       time.Duration // per-operation budget
	InactiveAfter time.Duration // staleness window for the activity rule
}

func (c Config) normalized() Config {
	if c.MaxPoolSize <= 0 || c.MaxPoolSize > 10 {
		c.MaxPoolSize = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.InactiveAfter <= 0 {
		c.InactiveAfter = 30 * 24 * time.Hour
	}
	return c
}

// Open connects, configures the pool, and verifies reachability.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	cfg = cfg.normalized()
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "postgres open failed", err)
	}
	db.SetMaxOpenConns(cfg.MaxPoolSize)
	db.SetMaxIdleConns(cfg.MaxPoolSize / 2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindNetwork, resource, "postgres unreachable", err)
	}
	log.Info().Int("pool_size", cfg.MaxPoolSize).Msg("postgres connected")
	return db, nil
}

// schema is idempotent; Migrate applies it on startup.
const schema = `
CREATE TABLE IF NOT EXISTS properties (
	id             BIGSERIAL PRIMARY KEY,
	property_id    TEXT        NOT NULL,
	zipcode        TEXT        NOT NULL,
	listing_status TEXT        NOT NULL DEFAULT 'unknown',
	current_price  NUMERIC,
	first_seen     TIMESTAMPTZ NOT NULL,
	last_updated   TIMESTAMPTZ NOT NULL,
	is_active      BOOLEAN     NOT NULL DEFAULT TRUE,
	sources        TEXT[]      NOT NULL DEFAULT '{}',
	doc            JSONB       NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS properties_property_id_key ON properties (property_id);
CREATE INDEX IF NOT EXISTS properties_zipcode_idx        ON properties (zipcode);
CREATE INDEX IF NOT EXISTS properties_status_idx         ON properties (listing_status);
CREATE INDEX IF NOT EXISTS properties_price_idx          ON properties (current_price);
CREATE INDEX IF NOT EXISTS properties_updated_idx        ON properties (last_updated);
CREATE INDEX IF NOT EXISTS properties_active_idx         ON properties (is_active);
CREATE INDEX IF NOT EXISTS properties_sources_gin        ON properties USING GIN (sources);
CREATE INDEX IF NOT EXISTS properties_zip_status_idx     ON properties (zipcode, listing_status);
CREATE INDEX IF NOT EXISTS properties_zip_price_idx      ON properties (zipcode, current_price DESC);
CREATE INDEX IF NOT EXISTS properties_active_updated_idx ON properties (is_active, last_updated DESC);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT        PRIMARY KEY,
	source         TEXT        NOT NULL,
	component      TEXT        NOT NULL,
	error_kind     TEXT        NOT NULL,
	message        TEXT        NOT NULL,
	payload        JSONB,
	attempts       INT         NOT NULL,
	first_attempt  TIMESTAMPTZ NOT NULL,
	last_attempt   TIMESTAMPTZ NOT NULL,
	correlation_id TEXT        NOT NULL,
	requeued       BOOLEAN     NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS dead_letters_last_attempt_idx ON dead_letters (last_attempt);

CREATE TABLE IF NOT EXISTS daily_reports (
	report_date DATE        PRIMARY KEY,
	doc         JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errs.Wrap(errs.KindInternal, resource, "schema migration failed", err)
	}
	return nil
}
