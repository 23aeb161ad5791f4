package pgconferencia

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS expected_codes (
  id BIGSERIAL PRIMARY KEY,
  code TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL DEFAULT 'pending',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_expected_codes_status ON expected_codes(status)`,
		`
CREATE TABLE IF NOT EXISTS scanned_goods (
  id BIGSERIAL PRIMARY KEY,
  code TEXT NOT NULL,
  scanned_at TIMESTAMPTZ NOT NULL,
  scan_date DATE NOT NULL,
  carrier TEXT NULL
)`,
		// A code is scanned at most once.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_scanned_goods_code ON scanned_goods(code)`,
		`CREATE INDEX IF NOT EXISTS idx_scanned_goods_scan_date ON scanned_goods(scan_date)`,
		`
CREATE TABLE IF NOT EXISTS dashboard_cache (
  day DATE PRIMARY KEY,
  total BIGINT NOT NULL DEFAULT 0,
  pickup BIGINT NOT NULL DEFAULT 0,
  failed BIGINT NOT NULL DEFAULT 0,
  no_status BIGINT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS dashboard_carrier_counts (
  day DATE NOT NULL REFERENCES dashboard_cache(day) ON DELETE CASCADE,
  carrier TEXT NOT NULL,
  count BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (day, carrier)
)`,
		`
CREATE TABLE IF NOT EXISTS dashboard_counted_codes (
  day DATE NOT NULL REFERENCES dashboard_cache(day) ON DELETE CASCADE,
  code TEXT NOT NULL,
  PRIMARY KEY (day, code)
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
