package pgconferencia

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ScanBox/internal/models"
)

func (s *Storage) GetDashboard(ctx context.Context, day time.Time) (*models.Dashboard, error) {
	return loadDashboard(ctx, s.db, models.NormalizeDay(day), false)
}

// MutateDashboard locks the day's row with SELECT ... FOR UPDATE so
// concurrent mutations of the same day serialize.
func (s *Storage) MutateDashboard(ctx context.Context, day time.Time, createIfMissing bool, fn func(d *models.Dashboard) error) (*models.Dashboard, error) {
	day = models.NormalizeDay(day)

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if createIfMissing {
		if _, err := tx.Exec(ctx, `INSERT INTO dashboard_cache (day) VALUES ($1) ON CONFLICT (day) DO NOTHING`, day); err != nil {
			return nil, errors.Wrap(err, "insert dashboard")
		}
	}

	cur, err := loadDashboard(ctx, tx, day, true)
	if err != nil {
		return nil, err
	}
	if createIfMissing && len(cur.Carriers) == 0 {
		cur.Carriers = models.ZeroCarrierCounts()
	}

	work := cur.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE dashboard_cache
SET total = $2, pickup = $3, failed = $4, no_status = $5, updated_at = $6
WHERE day = $1
`, day, work.Total, work.Pickup, work.Failed, work.NoStatus, work.UpdatedAt.UTC()); err != nil {
		return nil, errors.Wrap(err, "update dashboard")
	}

	if err := saveCarriers(ctx, tx, day, work.Carriers); err != nil {
		return nil, err
	}
	if err := saveCounted(ctx, tx, day, cur.Counted, work.Counted); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return work, nil
}

func (s *Storage) DeleteDashboard(ctx context.Context, day time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM dashboard_cache WHERE day = $1`, models.NormalizeDay(day))
	if err != nil {
		return false, errors.Wrap(err, "delete dashboard")
	}
	return tag.RowsAffected() > 0, nil
}

func loadDashboard(ctx context.Context, q querier, day time.Time, forUpdate bool) (*models.Dashboard, error) {
	query := `
SELECT day, total, pickup, failed, no_status, updated_at
FROM dashboard_cache
WHERE day = $1`
	if forUpdate {
		query += `
FOR UPDATE`
	}

	d := &models.Dashboard{
		Carriers: map[models.Carrier]int64{},
		Counted:  map[string]struct{}{},
	}
	err := q.QueryRow(ctx, query, day).Scan(&d.Day, &d.Total, &d.Pickup, &d.Failed, &d.NoStatus, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select dashboard")
	}

	rows, err := q.Query(ctx, `SELECT carrier, count FROM dashboard_carrier_counts WHERE day = $1`, day)
	if err != nil {
		return nil, errors.Wrap(err, "select carrier counts")
	}
	for rows.Next() {
		var c string
		var n int64
		if err := rows.Scan(&c, &n); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan carrier count")
		}
		d.Carriers[models.Carrier(c)] = n
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	rows, err = q.Query(ctx, `SELECT code FROM dashboard_counted_codes WHERE day = $1`, day)
	if err != nil {
		return nil, errors.Wrap(err, "select counted codes")
	}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan counted code")
		}
		d.Counted[code] = struct{}{}
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func saveCarriers(ctx context.Context, q querier, day time.Time, carriers map[models.Carrier]int64) error {
	keys := make([]string, 0, len(carriers))
	for c, n := range carriers {
		if _, err := q.Exec(ctx, `
INSERT INTO dashboard_carrier_counts (day, carrier, count)
VALUES ($1, $2, $3)
ON CONFLICT (day, carrier) DO UPDATE SET count = EXCLUDED.count
`, day, string(c), n); err != nil {
			return errors.Wrap(err, "upsert carrier count")
		}
		keys = append(keys, string(c))
	}
	if _, err := q.Exec(ctx, `DELETE FROM dashboard_carrier_counts WHERE day = $1 AND NOT (carrier = ANY($2))`, day, keys); err != nil {
		return errors.Wrap(err, "delete stale carrier counts")
	}
	return nil
}

// saveCounted writes only the difference between the stored and new counted sets.
func saveCounted(ctx context.Context, q querier, day time.Time, before, after map[string]struct{}) error {
	var added, removed []string
	for c := range after {
		if _, ok := before[c]; !ok {
			added = append(added, c)
		}
	}
	for c := range before {
		if _, ok := after[c]; !ok {
			removed = append(removed, c)
		}
	}

	if len(removed) > 0 {
		if _, err := q.Exec(ctx, `DELETE FROM dashboard_counted_codes WHERE day = $1 AND code = ANY($2)`, day, removed); err != nil {
			return errors.Wrap(err, "delete counted codes")
		}
	}
	if len(added) > 0 {
		if _, err := q.Exec(ctx, `
INSERT INTO dashboard_counted_codes (day, code)
SELECT $1::date, unnest($2::text[])
ON CONFLICT (day, code) DO NOTHING
`, day, added); err != nil {
			return errors.Wrap(err, "insert counted codes")
		}
	}
	return nil
}
