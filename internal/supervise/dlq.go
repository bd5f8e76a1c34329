package supervise

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/errs"
)

// DeadLetters is the durable append-only store of work that exhausted its
// retries or failed non-retryably. The Postgres implementation lives in
// internal/persistence/postgres.
type DeadLetters interface {
	Enqueue(ctx context.Context, item domain.DeadLetterItem) error
	List(ctx context.Context, since time.Time, limit int) ([]domain.DeadLetterItem, error)
	Requeue(ctx context.Context, id string) (*domain.DeadLetterItem, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// NewDeadLetterItem builds a sanitized DLQ item from a failure. The
// payload is stored verbatim for reprocessing; the message never carries
// credentials.
func NewDeadLetterItem(source, component string, err error, payload json.RawMessage, attempts int, firstAttempt time.Time) domain.DeadLetterItem {
	now := time.Now().UTC()
	if firstAttempt.IsZero() {
		firstAttempt = now
	}
	msg := ""
	if err != nil {
		msg = errs.Sanitize(err.Error())
	}
	return domain.DeadLetterItem{
		ID:            uuid.NewString(),
		Source:        source,
		Component:     component,
		ErrorKind:     string(errs.KindOf(err)),
		Message:       msg,
		Payload:       payload,
		Attempts:      attempts,
		FirstAttempt:  firstAttempt,
		LastAttempt:   now,
		CorrelationID: uuid.NewString(),
	}
}

// MemoryDeadLetters is an in-process DLQ for tests and dry runs.
type MemoryDeadLetters struct {
	mu    sync.Mutex
	items []domain.DeadLetterItem
}

// NewMemoryDeadLetters builds an empty in-memory DLQ.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

func (m *MemoryDeadLetters) Enqueue(_ context.Context, item domain.DeadLetterItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return nil
}

func (m *MemoryDeadLetters) List(_ context.Context, since time.Time, limit int) ([]domain.DeadLetterItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.DeadLetterItem, 0, len(m.items))
	for _, it := range m.items {
		if !it.LastAttempt.Before(since) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttempt.Before(out[j].LastAttempt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDeadLetters) Requeue(_ context.Context, id string) (*domain.DeadLetterItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.items {
		if m.items[i].ID == id {
			m.items[i].Requeued = true
			it := m.items[i]
			return &it, nil
		}
	}
	return nil, errs.Ef(errs.KindNotFound, "dlq", "dead letter %s not found", id)
}

func (m *MemoryDeadLetters) Purge(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.items[:0]
	var purged int64
	for _, it := range m.items {
		if it.LastAttempt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, it)
	}
	m.items = kept
	return purged, nil
}
