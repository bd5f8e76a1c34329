package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/errs"
	"github.com/phxdata/propflow/internal/persistence"
)

// deadLetterRepo implements persistence.DeadLetterRepo over the
// dead_letters table. Items arrive already sanitized; this layer never
// inspects payloads.
type deadLetterRepo struct {
	db  *sqlx.DB
	cfg Config
}

// NewDeadLetterRepo builds the Postgres-backed dead-letter store.
func NewDeadLetterRepo(db *sqlx.DB, cfg Config) persistence.DeadLetterRepo {
	return &deadLetterRepo{db: db, cfg: cfg.normalized()}
}

const deadLetterColumns = `id, source, component, error_kind, message, payload,
	attempts, first_attempt, last_attempt, correlation_id, requeued`

func (r *deadLetterRepo) Enqueue(ctx context.Context, item domain.DeadLetterItem) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if item.ID == "" {
		return errs.E(errs.KindValidation, resource, "dead letter id is required")
	}

	var payload interface{}
	if len(item.Payload) > 0 {
		payload = []byte(item.Payload)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.Source, item.Component, item.ErrorKind, item.Message, payload,
		item.Attempts, item.FirstAttempt, item.LastAttempt, item.CorrelationID, item.Requeued)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errs.Ef(errs.KindValidation, resource, "dead letter %s already exists", item.ID)
		}
		return errs.Wrap(errs.KindInternal, resource, "dead letter insert failed", err)
	}
	return nil
}

func (r *deadLetterRepo) List(ctx context.Context, since time.Time, limit int) ([]domain.DeadLetterItem, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE last_attempt >= $1 AND NOT requeued
		ORDER BY last_attempt DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "dead letter list failed", err)
	}
	defer rows.Close()

	var items []domain.DeadLetterItem
	for rows.Next() {
		item, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "dead letter iteration failed", err)
	}
	return items, nil
}

// Requeue marks an item requeued and returns it for reprocessing.
func (r *deadLetterRepo) Requeue(ctx context.Context, id string) (*domain.DeadLetterItem, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		UPDATE dead_letters
		SET requeued = TRUE
		WHERE id = $1 AND NOT requeued
		RETURNING `+deadLetterColumns, id)

	item, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "dead letter requeue failed", err)
	}
	return item, nil
}

func (r *deadLetterRepo) Purge(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE last_attempt < $1`, before)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, resource, "dead letter purge failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, resource, "dead letter purge row count failed", err)
	}
	return n, nil
}

// rowScanner covers both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeadLetter(row rowScanner) (*domain.DeadLetterItem, error) {
	var item domain.DeadLetterItem
	var payload []byte
	err := row.Scan(
		&item.ID, &item.Source, &item.Component, &item.ErrorKind, &item.Message, &payload,
		&item.Attempts, &item.FirstAttempt, &item.LastAttempt, &item.CorrelationID, &item.Requeued)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		item.Payload = payload
	}
	return &item, nil
}
