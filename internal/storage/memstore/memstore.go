// Package memstore is an in-process record store with the same contract as
// the Postgres storage. Every mutation works on copies and swaps them in only
// on success.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/ScanBox/internal/models"
)

type Store struct {
	mu sync.Mutex

	nextExpectedID uint64
	nextScannedID  uint64

	expected   map[string]*models.ExpectedCode
	scanned    map[uint64]*models.ScannedGood
	dashboards map[string]*models.Dashboard
}

func New() *Store {
	return &Store{
		expected:   map[string]*models.ExpectedCode{},
		scanned:    map[uint64]*models.ScannedGood{},
		dashboards: map[string]*models.Dashboard{},
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() {}

func (s *Store) ImportExpected(ctx context.Context, codes []string, clearExisting bool, at time.Time) (models.ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ImportResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if clearExisting {
		s.expected = map[string]*models.ExpectedCode{}
		s.scanned = map[uint64]*models.ScannedGood{}
	}

	var res models.ImportResult
	for _, code := range codes {
		if _, ok := s.expected[code]; ok {
			res.Duplicates++
			continue
		}
		s.nextExpectedID++
		s.expected[code] = &models.ExpectedCode{
			ID:        s.nextExpectedID,
			Code:      code,
			Status:    models.StatusPending,
			CreatedAt: at,
		}
		res.Added++
	}
	return res, nil
}

func (s *Store) RecordScan(ctx context.Context, code string, at, day time.Time) (*models.ScanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &models.ScanRecord{}
	exp := s.expected[code]

	if prior := s.firstScannedLocked(code); prior != nil {
		rec.Prior = copyGood(prior)
		rec.Expected = copyExpected(exp)
		return rec, nil
	}

	s.nextScannedID++
	g := &models.ScannedGood{
		ID:        s.nextScannedID,
		Code:      code,
		ScannedAt: at,
		ScanDate:  models.NormalizeDay(day),
	}
	s.scanned[g.ID] = g
	if exp != nil && exp.Status == models.StatusPending {
		exp.Status = models.StatusChecked
	}

	rec.Good = copyGood(g)
	rec.Expected = copyExpected(exp)
	return rec, nil
}

func (s *Store) ListExpected(ctx context.Context, status *models.ExpectedStatus) ([]*models.ExpectedCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ExpectedCode, 0, len(s.expected))
	for _, e := range s.expected {
		if status != nil && e.Status != *status {
			continue
		}
		out = append(out, copyExpected(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetExpectedStatus(ctx context.Context, code string, status models.ExpectedStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.expected[code]
	if !ok {
		return models.ErrNotFound
	}
	e.Status = status
	return nil
}

func (s *Store) GetScanned(ctx context.Context, code string) (*models.ScannedGood, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.firstScannedLocked(code)
	if g == nil {
		return nil, models.ErrNotFound
	}
	return copyGood(g), nil
}

func (s *Store) SetCarrier(ctx context.Context, code, carrier string) (*models.ScannedGood, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.firstScannedLocked(code)
	if g == nil {
		return nil, models.ErrNotFound
	}
	c := carrier
	g.Carrier = &c
	return copyGood(g), nil
}

func (s *Store) BulkSetCarrier(ctx context.Context, carrier string) ([]*models.ScannedGood, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ScannedGood
	for _, g := range s.orderedScannedLocked() {
		if !models.IsUnassignedCarrier(g.Carrier) {
			continue
		}
		if _, ok := s.expected[g.Code]; !ok {
			continue
		}
		c := carrier
		g.Carrier = &c
		out = append(out, copyGood(g))
	}
	return out, nil
}

func (s *Store) DeleteExpected(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.expected[code]; !ok {
		return models.ErrNotFound
	}
	delete(s.expected, code)
	return nil
}

func (s *Store) DeleteScanned(ctx context.Context, code string) (*models.ScannedWithStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.firstScannedLocked(code)
	if g == nil {
		return nil, models.ErrNotFound
	}
	out := s.joinLocked(g)
	delete(s.scanned, g.ID)
	return &out, nil
}

func (s *Store) ResetRecords(ctx context.Context) (models.ResetResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ResetResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := models.ResetResult{
		ExpectedRemoved: int64(len(s.expected)),
		ScannedRemoved:  int64(len(s.scanned)),
	}
	s.expected = map[string]*models.ExpectedCode{}
	s.scanned = map[uint64]*models.ScannedGood{}
	return res, nil
}

func (s *Store) ListScanned(ctx context.Context, f models.ScannedFilter) ([]models.ScannedWithStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ScannedWithStatus
	for _, g := range s.orderedScannedLocked() {
		if f.Day != nil && !g.ScanDate.Equal(models.NormalizeDay(*f.Day)) {
			continue
		}
		j := s.joinLocked(g)
		if f.InBaseOnly && !j.InBase() {
			continue
		}
		if f.Bucket != nil && j.Bucket() != *f.Bucket {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) ListScannedWithStatus(ctx context.Context, day time.Time) ([]models.ScannedWithStatus, error) {
	return s.ListScanned(ctx, models.ScannedFilter{Day: &day})
}

func (s *Store) Stats(ctx context.Context) (models.Statistics, error) {
	if err := ctx.Err(); err != nil {
		return models.Statistics{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var st models.Statistics
	st.TotalExpected = int64(len(s.expected))
	for _, e := range s.expected {
		switch e.Status {
		case models.StatusPending:
			st.TotalPending++
		case models.StatusChecked, models.StatusPickup, models.StatusFailed:
			st.TotalChecked++
		}
	}
	st.TotalScanned = int64(len(s.scanned))
	for _, g := range s.scanned {
		if _, ok := s.expected[g.Code]; !ok {
			st.TotalOutsideSet++
		}
	}
	return st, nil
}

func (s *Store) GetDashboard(ctx context.Context, day time.Time) (*models.Dashboard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dashboards[models.FormatDay(day)]
	if !ok {
		return nil, models.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) MutateDashboard(ctx context.Context, day time.Time, createIfMissing bool, fn func(d *models.Dashboard) error) (*models.Dashboard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.FormatDay(day)
	var work *models.Dashboard
	if cur, ok := s.dashboards[key]; ok {
		work = cur.Clone()
	} else if createIfMissing {
		work = models.NewDashboard(day, time.Time{})
	} else {
		return nil, models.ErrNotFound
	}

	if err := fn(work); err != nil {
		return nil, err
	}
	s.dashboards[key] = work
	return work.Clone(), nil
}

func (s *Store) DeleteDashboard(ctx context.Context, day time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.FormatDay(day)
	if _, ok := s.dashboards[key]; !ok {
		return false, nil
	}
	delete(s.dashboards, key)
	return true, nil
}

func (s *Store) firstScannedLocked(code string) *models.ScannedGood {
	var first *models.ScannedGood
	for _, g := range s.scanned {
		if g.Code != code {
			continue
		}
		if first == nil || g.ID < first.ID {
			first = g
		}
	}
	return first
}

func (s *Store) orderedScannedLocked() []*models.ScannedGood {
	out := make([]*models.ScannedGood, 0, len(s.scanned))
	for _, g := range s.scanned {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) joinLocked(g *models.ScannedGood) models.ScannedWithStatus {
	j := models.ScannedWithStatus{Good: *copyGood(g)}
	if e, ok := s.expected[g.Code]; ok {
		st := e.Status
		j.Status = &st
	}
	return j
}

func copyExpected(e *models.ExpectedCode) *models.ExpectedCode {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

func copyGood(g *models.ScannedGood) *models.ScannedGood {
	if g == nil {
		return nil
	}
	out := *g
	if g.Carrier != nil {
		c := *g.Carrier
		out.Carrier = &c
	}
	return &out
}
