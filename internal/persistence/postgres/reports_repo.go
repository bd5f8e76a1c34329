package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/errs"
	"github.com/phxdata/propflow/internal/persistence"
)

// reportRepo implements persistence.ReportRepo. One report per UTC day;
// re-runs replace the stored document.
type reportRepo struct {
	db  *sqlx.DB
	cfg Config
}

// NewReportRepo builds the Postgres-backed daily report store.
func NewReportRepo(db *sqlx.DB, cfg Config) persistence.ReportRepo {
	return &reportRepo{db: db, cfg: cfg.normalized()}
}

func (r *reportRepo) SaveReport(ctx context.Context, report *domain.DailyReport) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if report.ReportDate.IsZero() {
		return errs.E(errs.KindValidation, resource, "report_date is required")
	}
	doc, err := json.Marshal(report)
	if err != nil {
		return errs.Wrap(errs.KindInternal, resource, "report encode failed", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO daily_reports (report_date, doc)
		VALUES ($1, $2)
		ON CONFLICT (report_date) DO UPDATE SET doc = EXCLUDED.doc, created_at = now()`,
		report.Day(), doc)
	if err != nil {
		return errs.Wrap(errs.KindInternal, resource, "report save failed", err)
	}
	return nil
}

func (r *reportRepo) GetReport(ctx context.Context, day time.Time) (*domain.DailyReport, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	d := day.UTC()
	day = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)

	var doc []byte
	err := r.db.QueryRowxContext(ctx,
		`SELECT doc FROM daily_reports WHERE report_date = $1`, day).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "report lookup failed", err)
	}

	var report domain.DailyReport
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, errs.Wrap(errs.KindParsing, resource, "stored report unreadable", err)
	}
	return &report, nil
}
