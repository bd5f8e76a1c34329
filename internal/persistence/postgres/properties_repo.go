package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/errs"
	"github.com/phxdata/propflow/internal/persistence"
)

// propertyRepo implements persistence.PropertyRepo over the properties
// table. The JSONB doc is the source of truth; extracted columns exist
// only for indexing and are rewritten on every write.
type propertyRepo struct {
	db  *sqlx.DB
	cfg Config
	now func() time.Time
}

// NewPropertyRepo builds the Postgres-backed property repository.
func NewPropertyRepo(db *sqlx.DB, cfg Config) persistence.PropertyRepo {
	return &propertyRepo{db: db, cfg: cfg.normalized(), now: time.Now}
}

// NewPropertyRepoWithClock is the test constructor with an injected clock.
func NewPropertyRepoWithClock(db *sqlx.DB, cfg Config, now func() time.Time) persistence.PropertyRepo {
	return &propertyRepo{db: db, cfg: cfg.normalized(), now: now}
}

const propertyColumns = `property_id, zipcode, listing_status, current_price,
	first_seen, last_updated, is_active, sources, doc`

// Create inserts a new property; a duplicate property_id fails with kind
// validation.
func (r *propertyRepo) Create(ctx context.Context, p *domain.Property) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if p.PropertyID == "" {
		return "", errs.E(errs.KindValidation, resource, "property_id is required")
	}
	cols, err := extractColumns(p)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO properties (` + propertyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.db.ExecContext(ctx, query,
		p.PropertyID, cols.zipcode, cols.status, cols.price,
		p.FirstSeen, p.LastUpdated, p.IsActive, pq.Array(cols.sources), cols.doc)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return "", errs.Ef(errs.KindValidation, resource, "property %s already exists", p.PropertyID)
		}
		return "", errs.Wrap(errs.KindInternal, resource, "property insert failed", err)
	}
	return p.PropertyID, nil
}

// errInsertRace marks a unique violation on the upsert's insert path:
// FOR UPDATE locks nothing when the row is absent, so a concurrent writer
// can create it between our lookup and insert. The row exists after the
// race, so the upsert re-runs as a merge.
var errInsertRace = errors.New("insert raced with concurrent upsert")

// Upsert inserts a new property or merges into the existing row. An
// existing row is locked FOR UPDATE so concurrent merges serialize; when
// two first-time upserts race, the loser re-runs against the winner's row
// and merges. Merge semantics live in the domain package.
func (r *propertyRepo) Upsert(ctx context.Context, p *domain.Property) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if p.PropertyID == "" {
		return "", false, errs.E(errs.KindValidation, resource, "property_id is required")
	}

	id, created, err := r.upsertTx(ctx, p)
	if err == errInsertRace {
		id, created, err = r.upsertTx(ctx, p)
		if err == errInsertRace {
			// Only reachable if the winner's row vanished again mid-retry.
			err = errs.Wrap(errs.KindInternal, resource, "upsert raced twice", err)
		}
	}
	return id, created, err
}

func (r *propertyRepo) upsertTx(ctx context.Context, p *domain.Property) (string, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, errs.Wrap(errs.KindInternal, resource, "begin failed", err)
	}
	defer tx.Rollback()

	var docJSON []byte
	err = tx.QueryRowxContext(ctx,
		`SELECT doc FROM properties WHERE property_id = $1 FOR UPDATE`, p.PropertyID).
		Scan(&docJSON)

	created := false
	switch {
	case err == sql.ErrNoRows:
		created = true
		now := r.now().UTC()
		fresh := *p
		if fresh.FirstSeen.IsZero() {
			fresh.FirstSeen = now
		}
		fresh.LastUpdated = now
		fresh.IsActive = fresh.ComputeIsActive(now, r.cfg.InactiveAfter)
		if err := r.insertTx(ctx, tx, &fresh); err != nil {
			return "", false, err
		}
	case err != nil:
		return "", false, errs.Wrap(errs.KindInternal, resource, "upsert lookup failed", err)
	default:
		var existing domain.Property
		if err := json.Unmarshal(docJSON, &existing); err != nil {
			return "", false, errs.Wrap(errs.KindParsing, resource, "stored document unreadable", err)
		}
		merged := mergeProperty(&existing, p, r.now().UTC(), r.cfg.InactiveAfter)
		if err := r.updateTx(ctx, tx, merged); err != nil {
			return "", false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, errs.Wrap(errs.KindInternal, resource, "commit failed", err)
	}
	return p.PropertyID, created, nil
}

// mergeProperty folds an incoming observation into the stored record:
// scalars replace, price history appends unseen tuples, sources set-union,
// raw payloads merge per source tag.
func mergeProperty(existing, incoming *domain.Property, now time.Time, inactiveAfter time.Duration) *domain.Property {
	merged := *existing

	merged.Address = incoming.Address
	if incoming.PropertyType != "" && incoming.PropertyType != domain.TypeUnknown {
		merged.PropertyType = incoming.PropertyType
	}
	merged.Features = incoming.Features
	if incoming.Listing != nil {
		merged.Listing = incoming.Listing
	}
	if incoming.TaxInfo != nil {
		merged.TaxInfo = incoming.TaxInfo
	}

	merged.PriceHistory, _ = domain.AppendPrices(merged.PriceHistory, incoming.PriceHistory...)
	merged.CurrentPrice = domain.DeriveCurrentPrice(merged.PriceHistory)
	merged.Sources = domain.MergeSources(merged.Sources, incoming.Sources)

	if len(incoming.RawData) > 0 {
		if merged.RawData == nil {
			merged.RawData = make(map[string]json.RawMessage, len(incoming.RawData))
		}
		for tag, raw := range incoming.RawData {
			merged.RawData[tag] = raw
		}
	}

	merged.LastUpdated = now
	merged.IsActive = merged.ComputeIsActive(now, inactiveAfter)
	return &merged
}

func (r *propertyRepo) insertTx(ctx context.Context, tx *sqlx.Tx, p *domain.Property) error {
	cols, err := extractColumns(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO properties (`+propertyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.PropertyID, cols.zipcode, cols.status, cols.price,
		p.FirstSeen, p.LastUpdated, p.IsActive, pq.Array(cols.sources), cols.doc)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errInsertRace
		}
		return errs.Wrap(errs.KindInternal, resource, "property insert failed", err)
	}
	return nil
}

func (r *propertyRepo) updateTx(ctx context.Context, tx *sqlx.Tx, p *domain.Property) error {
	cols, err := extractColumns(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE properties
		SET zipcode = $2, listing_status = $3, current_price = $4,
			last_updated = $5, is_active = $6, sources = $7, doc = $8
		WHERE property_id = $1`,
		p.PropertyID, cols.zipcode, cols.status, cols.price,
		p.LastUpdated, p.IsActive, pq.Array(cols.sources), cols.doc)
	if err != nil {
		return errs.Wrap(errs.KindInternal, resource, "property update failed", err)
	}
	return nil
}

func (r *propertyRepo) GetByPropertyID(ctx context.Context, id string) (*domain.Property, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var docJSON []byte
	err := r.db.QueryRowxContext(ctx,
		`SELECT doc FROM properties WHERE property_id = $1`, id).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "property lookup failed", err)
	}
	return decodeDoc(docJSON)
}

func (r *propertyRepo) SearchByZipcode(ctx context.Context, q persistence.SearchQuery) ([]*domain.Property, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	q = q.Normalize()
	if !domain.ValidZipcode(q.Zipcode) {
		return nil, 0, errs.Ef(errs.KindValidation, resource, "invalid zipcode %q", q.Zipcode)
	}

	var total int
	if err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM properties WHERE zipcode = $1`, q.Zipcode).Scan(&total); err != nil {
		return nil, 0, errs.Wrap(errs.KindInternal, resource, "search count failed", err)
	}

	// Sort column comes from the SortField whitelist, never from input.
	order := "last_updated"
	if q.SortBy == persistence.SortByCurrentPrice {
		order = "current_price"
	}
	dir := "DESC"
	if q.SortOrder == persistence.SortAsc {
		dir = "ASC"
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT doc FROM properties
		WHERE zipcode = $1
		ORDER BY `+order+` `+dir+` NULLS LAST
		OFFSET $2 LIMIT $3`, q.Zipcode, q.Skip, q.Limit)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindInternal, resource, "search query failed", err)
	}
	defer rows.Close()

	props, err := scanDocs(rows)
	if err != nil {
		return nil, 0, err
	}
	return props, total, nil
}

func (r *propertyRepo) GetRecentUpdates(ctx context.Context, since time.Time, limit int) ([]*domain.Property, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT doc FROM properties
		WHERE last_updated >= $1
		ORDER BY last_updated DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "recent updates query failed", err)
	}
	defer rows.Close()
	return scanDocs(rows)
}

func (r *propertyRepo) GetPriceStatistics(ctx context.Context, zipcode string) (*domain.PriceStatistics, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if !domain.ValidZipcode(zipcode) {
		return nil, errs.Ef(errs.KindValidation, resource, "invalid zipcode %q", zipcode)
	}

	var stats domain.PriceStatistics
	var avg, min, max, median sql.NullFloat64
	err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(*), AVG(current_price), MIN(current_price), MAX(current_price),
			percentile_cont(0.5) WITHIN GROUP (ORDER BY current_price)
		FROM properties
		WHERE zipcode = $1 AND is_active AND current_price IS NOT NULL`, zipcode).
		Scan(&stats.Count, &avg, &min, &max, &median)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "price statistics query failed", err)
	}
	stats.Avg, stats.Min, stats.Max, stats.Median =
		avg.Float64, min.Float64, max.Float64, median.Float64
	return &stats, nil
}

// AddPriceHistory appends one observation under the same row lock the
// upsert path uses. Returns false when the identity tuple already exists.
func (r *propertyRepo) AddPriceHistory(ctx context.Context, id string, entry domain.PropertyPrice) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, resource, "begin failed", err)
	}
	defer tx.Rollback()

	var docJSON []byte
	err = tx.QueryRowxContext(ctx,
		`SELECT doc FROM properties WHERE property_id = $1 FOR UPDATE`, id).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return false, persistence.ErrNotFound
	}
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, resource, "price append lookup failed", err)
	}

	p, err := decodeDoc(docJSON)
	if err != nil {
		return false, err
	}

	var added int
	p.PriceHistory, added = domain.AppendPrices(p.PriceHistory, entry)
	if added == 0 {
		return false, tx.Commit()
	}
	p.CurrentPrice = domain.DeriveCurrentPrice(p.PriceHistory)
	p.LastUpdated = r.now().UTC()

	if err := r.updateTx(ctx, tx, p); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errs.Wrap(errs.KindInternal, resource, "commit failed", err)
	}
	return true, nil
}

// MarkInactive is the end-of-run sweep: terminal listings with no fresh
// observations go inactive in both the indexed column and the document.
func (r *propertyRepo) MarkInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE properties
		SET is_active = FALSE, doc = jsonb_set(doc, '{is_active}', 'false')
		WHERE is_active
		  AND listing_status IN ('sold', 'off_market', 'withdrawn')
		  AND last_updated < $1`, cutoff)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, resource, "inactive sweep failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, resource, "inactive sweep row count failed", err)
	}
	return n, nil
}

func (r *propertyRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.KindNetwork, resource, "postgres unreachable", err)
	}
	return nil
}

// columns is the extracted-index projection of one property.
type columns struct {
	zipcode string
	status  string
	price   interface{} // float64 or nil
	sources []string
	doc     []byte
}

func extractColumns(p *domain.Property) (*columns, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "document encode failed", err)
	}

	c := &columns{
		zipcode: baseZip(p.Address.Zipcode),
		status:  string(domain.StatusUnknown),
		doc:     doc,
	}
	if p.Listing != nil && p.Listing.Status != "" {
		c.status = string(p.Listing.Status)
	}
	if p.CurrentPrice != nil && p.CurrentPrice.Amount > 0 {
		c.price = p.CurrentPrice.Amount
	}
	seen := make(map[string]struct{}, len(p.Sources))
	for _, s := range p.Sources {
		if _, ok := seen[s.Source]; ok {
			continue
		}
		seen[s.Source] = struct{}{}
		c.sources = append(c.sources, s.Source)
	}
	return c, nil
}

func baseZip(zip string) string {
	if i := strings.IndexByte(zip, '-'); i > 0 {
		return zip[:i]
	}
	return zip
}

func decodeDoc(docJSON []byte) (*domain.Property, error) {
	var p domain.Property
	if err := json.Unmarshal(docJSON, &p); err != nil {
		return nil, errs.Wrap(errs.KindParsing, resource, "stored document unreadable", err)
	}
	return &p, nil
}

func scanDocs(rows *sqlx.Rows) ([]*domain.Property, error) {
	var out []*domain.Property
	for rows.Next() {
		var docJSON []byte
		if err := rows.Scan(&docJSON); err != nil {
			return nil, errs.Wrap(errs.KindInternal, resource, "row scan failed", err)
		}
		p, err := decodeDoc(docJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, resource, "row iteration failed", err)
	}
	return out, nil
}
