package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/persistence"
)

func newMockReports(t *testing.T) (persistence.ReportRepo, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewReportRepo(sqlx.NewDb(mockDB, "sqlmock"), Config{Timeout: time.Second}), mock
}

func TestSaveReportUpserts(t *testing.T) {
	repo, mock := newMockReports(t)
	report := &domain.DailyReport{
		ReportDate:     time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC),
		CountsBySource: map[string]int{"maricopa": 120},
		QualityScore:   0.84,
	}

	mock.ExpectExec("INSERT INTO daily_reports").
		WithArgs(time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.SaveReport(context.Background(), report))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReportRoundTrip(t *testing.T) {
	repo, mock := newMockReports(t)
	report := &domain.DailyReport{
		ReportDate:     time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		CountsBySource: map[string]int{"maricopa": 120, "phoenix_mls": 45},
		ErrorCount:     3,
	}
	doc, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT doc FROM daily_reports").
		WithArgs(time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))

	got, err := repo.GetReport(context.Background(), time.Date(2026, 8, 25, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 120, got.CountsBySource["maricopa"])
	assert.Equal(t, 3, got.ErrorCount)
}

func TestGetReportMissing(t *testing.T) {
	repo, mock := newMockReports(t)

	mock.ExpectQuery("SELECT doc FROM daily_reports").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err := repo.GetReport(context.Background(), repoNow)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}
