package pgconferencia

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ScanBox/internal/models"
)

const scannedCols = `id, code, scanned_at, scan_date, carrier`

func (s *Storage) ImportExpected(ctx context.Context, codes []string, clearExisting bool, at time.Time) (models.ImportResult, error) {
	var res models.ImportResult

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if clearExisting {
		if _, err := tx.Exec(ctx, `DELETE FROM scanned_goods`); err != nil {
			return res, errors.Wrap(err, "clear scanned goods")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM expected_codes`); err != nil {
			return res, errors.Wrap(err, "clear expected codes")
		}
	}

	for _, code := range codes {
		tag, err := tx.Exec(ctx, `
INSERT INTO expected_codes (code, status, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (code) DO NOTHING
`, code, models.StatusPending, at.UTC())
		if err != nil {
			return models.ImportResult{}, errors.Wrap(err, "insert expected code")
		}
		if tag.RowsAffected() == 1 {
			res.Added++
		} else {
			res.Duplicates++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ImportResult{}, errors.Wrap(err, "commit tx")
	}
	return res, nil
}

func (s *Storage) RecordScan(ctx context.Context, code string, at, day time.Time) (*models.ScanRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec := &models.ScanRecord{}

	var e models.ExpectedCode
	err = tx.QueryRow(ctx, `
SELECT id, code, status, created_at
FROM expected_codes
WHERE code = $1
FOR UPDATE
`, code).Scan(&e.ID, &e.Code, &e.Status, &e.CreatedAt)
	switch {
	case err == nil:
		rec.Expected = &e
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, errors.Wrap(err, "select expected code")
	}

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO scanned_goods (code, scanned_at, scan_date)
VALUES ($1, $2, $3)
ON CONFLICT (code) DO NOTHING
RETURNING id
`, code, at.UTC(), models.NormalizeDay(day)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		prior, err := getScanned(ctx, tx, code)
		if err != nil {
			return nil, err
		}
		rec.Prior = prior
		return rec, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert scanned good")
	}

	if rec.Expected != nil && rec.Expected.Status == models.StatusPending {
		if _, err := tx.Exec(ctx, `UPDATE expected_codes SET status = $2 WHERE id = $1`, rec.Expected.ID, models.StatusChecked); err != nil {
			return nil, errors.Wrap(err, "mark expected code checked")
		}
		rec.Expected.Status = models.StatusChecked
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	rec.Good = &models.ScannedGood{
		ID:        id,
		Code:      code,
		ScannedAt: at.UTC(),
		ScanDate:  models.NormalizeDay(day),
	}
	return rec, nil
}

func (s *Storage) ListExpected(ctx context.Context, status *models.ExpectedStatus) ([]*models.ExpectedCode, error) {
	q := squirrel.
		Select("id", "code", "status", "created_at").
		From("expected_codes").
		OrderBy("id").
		PlaceholderFormat(squirrel.Dollar)
	if status != nil {
		q = q.Where(squirrel.Eq{"status": string(*status)})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build expected codes query")
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select expected codes")
	}
	defer rows.Close()

	var out []*models.ExpectedCode
	for rows.Next() {
		var e models.ExpectedCode
		if err := rows.Scan(&e.ID, &e.Code, &e.Status, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan expected code")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) SetExpectedStatus(ctx context.Context, code string, status models.ExpectedStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE expected_codes SET status = $2 WHERE code = $1`, code, status)
	if err != nil {
		return errors.Wrap(err, "update expected status")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Storage) GetScanned(ctx context.Context, code string) (*models.ScannedGood, error) {
	return getScanned(ctx, s.db, code)
}

func getScanned(ctx context.Context, q querier, code string) (*models.ScannedGood, error) {
	g, err := scanGood(q.QueryRow(ctx, `SELECT `+scannedCols+` FROM scanned_goods WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select scanned good")
	}
	return g, nil
}

func (s *Storage) SetCarrier(ctx context.Context, code, carrier string) (*models.ScannedGood, error) {
	g, err := scanGood(s.db.QueryRow(ctx, `
UPDATE scanned_goods SET carrier = $2
WHERE code = $1
RETURNING `+scannedCols, code, carrier))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "update carrier")
	}
	return g, nil
}

func (s *Storage) BulkSetCarrier(ctx context.Context, carrier string) ([]*models.ScannedGood, error) {
	rows, err := s.db.Query(ctx, `
UPDATE scanned_goods g SET carrier = $1
WHERE (g.carrier IS NULL OR btrim(g.carrier) = '' OR btrim(g.carrier) = $2)
  AND EXISTS (SELECT 1 FROM expected_codes e WHERE e.code = g.code)
RETURNING g.id, g.code, g.scanned_at, g.scan_date, g.carrier
`, carrier, models.LegacyUnassignedCarrier)
	if err != nil {
		return nil, errors.Wrap(err, "bulk update carrier")
	}
	defer rows.Close()

	var out []*models.ScannedGood
	for rows.Next() {
		g, err := scanGood(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan updated good")
		}
		out = append(out, g)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) DeleteExpected(ctx context.Context, code string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM expected_codes WHERE code = $1`, code)
	if err != nil {
		return errors.Wrap(err, "delete expected code")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Storage) DeleteScanned(ctx context.Context, code string) (*models.ScannedWithStatus, error) {
	var out models.ScannedWithStatus
	var status *string
	err := s.db.QueryRow(ctx, `
WITH del AS (
  DELETE FROM scanned_goods WHERE code = $1
  RETURNING `+scannedCols+`
)
SELECT del.id, del.code, del.scanned_at, del.scan_date, del.carrier, e.status
FROM del
LEFT JOIN expected_codes e ON e.code = del.code
`, code).Scan(&out.Good.ID, &out.Good.Code, &out.Good.ScannedAt, &out.Good.ScanDate, &out.Good.Carrier, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "delete scanned good")
	}
	out.Status = toStatus(status)
	return &out, nil
}

func (s *Storage) ResetRecords(ctx context.Context) (models.ResetResult, error) {
	var res models.ResetResult

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM scanned_goods`)
	if err != nil {
		return res, errors.Wrap(err, "delete scanned goods")
	}
	res.ScannedRemoved = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM expected_codes`)
	if err != nil {
		return models.ResetResult{}, errors.Wrap(err, "delete expected codes")
	}
	res.ExpectedRemoved = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return models.ResetResult{}, errors.Wrap(err, "commit tx")
	}
	return res, nil
}

func (s *Storage) ListScanned(ctx context.Context, f models.ScannedFilter) ([]models.ScannedWithStatus, error) {
	q := squirrel.
		Select("g.id", "g.code", "g.scanned_at", "g.scan_date", "g.carrier", "e.status").
		From("scanned_goods g").
		LeftJoin("expected_codes e ON e.code = g.code").
		OrderBy("g.id").
		PlaceholderFormat(squirrel.Dollar)

	if f.Day != nil {
		q = q.Where(squirrel.Eq{"g.scan_date": models.NormalizeDay(*f.Day)})
	}
	if f.InBaseOnly {
		q = q.Where(squirrel.NotEq{"e.code": nil})
	}
	if f.Bucket != nil {
		switch *f.Bucket {
		case models.BucketPickup:
			q = q.Where(squirrel.Eq{"e.status": string(models.StatusPickup)})
		case models.BucketFailed:
			q = q.Where(squirrel.Eq{"e.status": string(models.StatusFailed)})
		default:
			q = q.Where(squirrel.Or{
				squirrel.Eq{"e.status": nil},
				squirrel.NotEq{"e.status": []string{string(models.StatusPickup), string(models.StatusFailed)}},
			})
		}
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build scanned goods query")
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select scanned goods")
	}
	defer rows.Close()

	var out []models.ScannedWithStatus
	for rows.Next() {
		var it models.ScannedWithStatus
		var status *string
		if err := rows.Scan(&it.Good.ID, &it.Good.Code, &it.Good.ScannedAt, &it.Good.ScanDate, &it.Good.Carrier, &status); err != nil {
			return nil, errors.Wrap(err, "scan scanned good")
		}
		it.Status = toStatus(status)
		out = append(out, it)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListScannedWithStatus(ctx context.Context, day time.Time) ([]models.ScannedWithStatus, error) {
	return s.ListScanned(ctx, models.ScannedFilter{Day: &day})
}

func (s *Storage) Stats(ctx context.Context) (models.Statistics, error) {
	var st models.Statistics
	err := s.db.QueryRow(ctx, `
SELECT
  (SELECT count(*) FROM expected_codes),
  (SELECT count(*) FROM expected_codes WHERE status = ANY($1)),
  (SELECT count(*) FROM expected_codes WHERE status = $2),
  (SELECT count(*) FROM scanned_goods g WHERE NOT EXISTS (SELECT 1 FROM expected_codes e WHERE e.code = g.code)),
  (SELECT count(*) FROM scanned_goods)
`, []string{string(models.StatusChecked), string(models.StatusPickup), string(models.StatusFailed)}, models.StatusPending).
		Scan(&st.TotalExpected, &st.TotalChecked, &st.TotalPending, &st.TotalOutsideSet, &st.TotalScanned)
	if err != nil {
		return models.Statistics{}, errors.Wrap(err, "select statistics")
	}
	return st, nil
}

func scanGood(row pgx.Row) (*models.ScannedGood, error) {
	var g models.ScannedGood
	if err := row.Scan(&g.ID, &g.Code, &g.ScannedAt, &g.ScanDate, &g.Carrier); err != nil {
		return nil, err
	}
	return &g, nil
}

func toStatus(s *string) *models.ExpectedStatus {
	if s == nil {
		return nil
	}
	st := models.ExpectedStatus(*s)
	return &st
}
