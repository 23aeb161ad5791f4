package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/ScanBox/internal/models"
	"github.com/BearBump/ScanBox/internal/storage/memstore"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeCache struct {
	data    map[string][]byte
	setErr  error
	deleted []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	delete(c.data, key)
	c.deleted = append(c.deleted, key)
	return nil
}

type brokenRepo struct {
	*memstore.Store
	listErr   error
	mutateErr error
}

func (r *brokenRepo) ListScannedWithStatus(ctx context.Context, day time.Time) ([]models.ScannedWithStatus, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.Store.ListScannedWithStatus(ctx, day)
}

func (r *brokenRepo) MutateDashboard(ctx context.Context, day time.Time, create bool, fn func(d *models.Dashboard) error) (*models.Dashboard, error) {
	if r.mutateErr != nil {
		return nil, r.mutateErr
	}
	return r.Store.MutateDashboard(ctx, day, create, fn)
}

type EngineSuite struct {
	suite.Suite
	ctx   context.Context
	store *memstore.Store
	cache *fakeCache
	eng   *Engine
	now   time.Time
	day   time.Time
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memstore.New()
	s.cache = newFakeCache()
	s.now = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	s.day = models.NormalizeDay(s.now)
	s.eng = New(s.store, s.cache, time.Minute).WithClock(func() time.Time { return s.now })
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

// scan records a good and bumps it the way the scan handler does.
func (s *EngineSuite) scan(code string) {
	rec, err := s.store.RecordScan(s.ctx, code, s.now, s.day)
	s.Require().NoError(err)
	s.Require().NotNil(rec.Good)

	var st *models.ExpectedStatus
	if rec.Expected != nil {
		v := rec.Expected.Status
		st = &v
	}
	_, err = s.eng.Bump(s.ctx, s.day, code, st)
	s.Require().NoError(err)
}

func (s *EngineSuite) importCodes(codes ...string) {
	_, err := s.store.ImportExpected(s.ctx, codes, false, s.now)
	s.Require().NoError(err)
}

func (s *EngineSuite) stored() *models.Dashboard {
	d, err := s.store.GetDashboard(s.ctx, s.day)
	s.Require().NoError(err)
	s.Require().True(d.Consistent(), "total %d != %d+%d+%d", d.Total, d.Pickup, d.Failed, d.NoStatus)
	return d
}

func (s *EngineSuite) TestBump_CountsOncePerCode() {
	s.importCodes("ABC123")
	s.scan("ABC123")
	s.scan("UNKNOWN1")

	d := s.stored()
	s.Equal(int64(2), d.Total)
	s.Equal(int64(2), d.NoStatus)
	s.True(d.HasCounted("ABC123"))
	s.True(d.HasCounted("UNKNOWN1"))
	for _, c := range models.KnownCarriers {
		s.Zero(d.Carriers[c])
	}

	_, err := s.eng.Bump(s.ctx, s.day, "ABC123", nil)
	s.Require().Error(err)
	s.ErrorIs(err, ErrAlreadyCounted)
	var aggErr *AggregationError
	s.Require().ErrorAs(err, &aggErr)
	s.Equal("bump", aggErr.Op)
	s.Equal(int64(2), s.stored().Total)
}

func (s *EngineSuite) TestBump_ClassifiesByStatus() {
	pickup := models.StatusPickup
	failed := models.StatusFailed

	_, err := s.eng.Bump(s.ctx, s.day, "P1", &pickup)
	s.Require().NoError(err)
	_, err = s.eng.Bump(s.ctx, s.day, "F1", &failed)
	s.Require().NoError(err)

	d := s.stored()
	s.Equal(int64(2), d.Total)
	s.Equal(int64(1), d.Pickup)
	s.Equal(int64(1), d.Failed)
	s.Zero(d.NoStatus)
	s.True(d.UpdatedAt.Equal(s.now))
}

func (s *EngineSuite) TestRecompute_Idempotent() {
	s.importCodes("A1", "A2")
	s.scan("A1")
	s.scan("A2")
	s.scan("X9")
	_, err := s.store.SetCarrier(s.ctx, "A1", "LOGAN")
	s.Require().NoError(err)
	s.Require().NoError(s.store.SetExpectedStatus(s.ctx, "A2", models.StatusFailed))

	first, err := s.eng.Recompute(s.ctx, s.day)
	s.Require().NoError(err)
	second, err := s.eng.Recompute(s.ctx, s.day)
	s.Require().NoError(err)

	b1, err := json.Marshal(first.Snapshot())
	s.Require().NoError(err)
	b2, err := json.Marshal(second.Snapshot())
	s.Require().NoError(err)
	s.Equal(string(b1), string(b2))

	d := s.stored()
	s.Equal(int64(3), d.Total)
	s.Equal(int64(1), d.Failed)
	s.Equal(int64(2), d.NoStatus)
	s.Equal(int64(1), d.Carriers[models.CarrierLogan])
	s.Equal([]string{"A1", "A2", "X9"}, d.CountedCodes())
}

func (s *EngineSuite) TestRecompute_ReplacesCountedSet() {
	s.scan("A1")
	_, err := s.store.DeleteScanned(s.ctx, "A1")
	s.Require().NoError(err)

	d, err := s.eng.Recompute(s.ctx, s.day)
	s.Require().NoError(err)
	s.Zero(d.Total)
	s.Empty(d.Counted)
}

func (s *EngineSuite) TestRecomputeStatuses_KeepsOtherFields() {
	s.importCodes("ABC123")
	s.scan("ABC123")
	_, err := s.store.SetCarrier(s.ctx, "ABC123", "JADLOG")
	s.Require().NoError(err)
	s.Require().NoError(s.store.SetExpectedStatus(s.ctx, "ABC123", models.StatusPickup))

	s.now = s.now.Add(time.Minute)
	d, err := s.eng.RecomputeStatuses(s.ctx, s.day)
	s.Require().NoError(err)
	s.Require().NotNil(d)

	got := s.stored()
	s.Equal(int64(1), got.Total)
	s.Equal(int64(1), got.Pickup)
	s.Zero(got.NoStatus)
	s.Zero(got.Carriers[models.CarrierJadlog], "carriers belong to the carrier recompute")
	s.True(got.HasCounted("ABC123"))
	s.True(got.UpdatedAt.Equal(s.now))
}

func (s *EngineSuite) TestRecomputeCarriers_KeepsOtherFields() {
	s.importCodes("ABC123")
	s.scan("ABC123")
	_, err := s.store.SetCarrier(s.ctx, "ABC123", "JADLOG")
	s.Require().NoError(err)
	s.Require().NoError(s.store.SetExpectedStatus(s.ctx, "ABC123", models.StatusFailed))

	_, err = s.eng.RecomputeCarriers(s.ctx, s.day)
	s.Require().NoError(err)

	got := s.stored()
	s.Equal(int64(1), got.Carriers[models.CarrierJadlog])
	s.Equal(int64(1), got.NoStatus, "buckets belong to the status recompute")
	s.Zero(got.Failed)
}

func (s *EngineSuite) TestPartialRecompute_MissingRowIsNoop() {
	s.importCodes("A1")
	_, err := s.store.RecordScan(s.ctx, "A1", s.now, s.day)
	s.Require().NoError(err)

	d, err := s.eng.RecomputeStatuses(s.ctx, s.day)
	s.Require().NoError(err)
	s.Nil(d)
	d, err = s.eng.RecomputeCarriers(s.ctx, s.day)
	s.Require().NoError(err)
	s.Nil(d)

	_, err = s.store.GetDashboard(s.ctx, s.day)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *EngineSuite) TestDecrement() {
	s.importCodes("ABC123")
	s.scan("ABC123")
	_, err := s.store.SetCarrier(s.ctx, "ABC123", "LOGAN")
	s.Require().NoError(err)
	s.Require().NoError(s.store.SetExpectedStatus(s.ctx, "ABC123", models.StatusPickup))
	_, err = s.eng.RecomputeStatuses(s.ctx, s.day)
	s.Require().NoError(err)
	_, err = s.eng.RecomputeCarriers(s.ctx, s.day)
	s.Require().NoError(err)

	_, err = s.eng.Decrement(s.ctx, s.day, "ABC123", "LOGAN", models.BucketPickup)
	s.Require().NoError(err)

	d := s.stored()
	s.Zero(d.Total)
	s.Zero(d.Pickup)
	s.Zero(d.Carriers[models.CarrierLogan])
	s.False(d.HasCounted("ABC123"))

	// floors at zero
	_, err = s.eng.Decrement(s.ctx, s.day, "ABC123", "LOGAN", models.BucketPickup)
	s.Require().NoError(err)
	d = s.stored()
	s.Zero(d.Total)
	s.Zero(d.Carriers[models.CarrierLogan])
}

func (s *EngineSuite) TestDecrement_DriftedBucketKeepsTotalsAligned() {
	s.importCodes("A1")
	s.scan("A1")
	// status changed without a recompute: the good sits in no-status
	_, err := s.eng.Decrement(s.ctx, s.day, "A1", "", models.BucketFailed)
	s.Require().NoError(err)

	d := s.stored()
	s.Zero(d.Total)
	s.Zero(d.NoStatus)
	s.Zero(d.Failed)
}

func (s *EngineSuite) TestRecomputeStatuses_OnlyCountsCountedCodes() {
	s.importCodes("A1", "B1")
	s.scan("A1")
	_, err := s.eng.Reset(s.ctx, s.day)
	s.Require().NoError(err)
	s.scan("B1")

	s.Require().NoError(s.store.SetExpectedStatus(s.ctx, "A1", models.StatusPickup))
	_, err = s.store.SetCarrier(s.ctx, "A1", "LOGAN")
	s.Require().NoError(err)

	_, err = s.eng.RecomputeStatuses(s.ctx, s.day)
	s.Require().NoError(err)
	_, err = s.eng.RecomputeCarriers(s.ctx, s.day)
	s.Require().NoError(err)

	d := s.stored()
	s.Equal(int64(1), d.Total)
	s.Equal(int64(1), d.NoStatus)
	s.Zero(d.Pickup)
	s.Zero(d.Carriers[models.CarrierLogan])
	s.Equal([]string{"B1"}, d.CountedCodes())
}

func (s *EngineSuite) TestDecrement_UncountedCodeLeavesCounters() {
	s.importCodes("A1", "B1")
	s.scan("A1")
	_, err := s.eng.Reset(s.ctx, s.day)
	s.Require().NoError(err)
	s.scan("B1")

	d, err := s.eng.Decrement(s.ctx, s.day, "A1", "", models.BucketNoStatus)
	s.Require().NoError(err)
	s.Nil(d)

	got := s.stored()
	s.Equal(int64(1), got.Total)
	s.Equal(int64(1), got.NoStatus)
	s.True(got.HasCounted("B1"))
}

func (s *EngineSuite) TestDecrement_MissingRowIsNoop() {
	d, err := s.eng.Decrement(s.ctx, s.day, "A1", "LOGAN", models.BucketNoStatus)
	s.Require().NoError(err)
	s.Nil(d)
	_, err = s.store.GetDashboard(s.ctx, s.day)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *EngineSuite) TestUnmappedBucketPolicy() {
	s.eng.WithUnmappedPolicy(models.UnmappedBucket)
	s.scan("A1")
	s.scan("A2")
	_, err := s.store.SetCarrier(s.ctx, "A1", "TOTAL EXPRESS")
	s.Require().NoError(err)
	_, err = s.store.SetCarrier(s.ctx, "A2", models.LegacyUnassignedCarrier)
	s.Require().NoError(err)

	d, err := s.eng.Recompute(s.ctx, s.day)
	s.Require().NoError(err)
	s.Equal(int64(1), d.Carriers[models.CarrierOther])

	s.eng.WithUnmappedPolicy(models.UnmappedDrop)
	d, err = s.eng.Recompute(s.ctx, s.day)
	s.Require().NoError(err)
	_, ok := d.Carriers[models.CarrierOther]
	s.False(ok)
}

func (s *EngineSuite) TestGet_CreatesMissingRowByRecompute() {
	s.importCodes("A1")
	_, err := s.store.RecordScan(s.ctx, "A1", s.now, s.day)
	s.Require().NoError(err)

	d, err := s.eng.Get(s.ctx, s.now)
	s.Require().NoError(err)
	s.Equal(int64(1), d.Total)
	s.Equal(int64(1), s.stored().Total)
	s.Contains(s.cache.data, "dashboard:2025-03-10")
}

func (s *EngineSuite) TestGet_ServesCachedSnapshot() {
	s.scan("A1")

	cached := models.NewDashboard(s.day, s.now)
	cached.Total = 7
	cached.NoStatus = 7
	b, err := json.Marshal(cached.Snapshot())
	s.Require().NoError(err)
	s.cache.data["dashboard:2025-03-10"] = b

	d, err := s.eng.Get(s.ctx, s.day)
	s.Require().NoError(err)
	s.Equal(int64(7), d.Total)
}

func (s *EngineSuite) TestGet_BadSnapshotFallsBackToStore() {
	s.scan("A1")
	s.cache.data["dashboard:2025-03-10"] = []byte("{not json")

	d, err := s.eng.Get(s.ctx, s.day)
	s.Require().NoError(err)
	s.Equal(int64(1), d.Total)

	var snap models.DashboardSnapshot
	s.Require().NoError(json.Unmarshal(s.cache.data["dashboard:2025-03-10"], &snap))
	s.Equal(int64(1), snap.Total)
}

func (s *EngineSuite) TestCacheWriteFailureDropsKey() {
	s.scan("A1")
	s.Require().Contains(s.cache.data, "dashboard:2025-03-10")

	s.cache.setErr = errors.New("redis down")
	s.scan("A2")

	s.NotContains(s.cache.data, "dashboard:2025-03-10")
	s.Contains(s.cache.deleted, "dashboard:2025-03-10")
	s.Equal(int64(2), s.stored().Total)
}

func (s *EngineSuite) TestReset() {
	s.scan("A1")

	removed, err := s.eng.Reset(s.ctx, s.day)
	s.Require().NoError(err)
	s.True(removed)
	s.NotContains(s.cache.data, "dashboard:2025-03-10")

	removed, err = s.eng.Reset(s.ctx, s.day)
	s.Require().NoError(err)
	s.False(removed)
}

func TestEngine_RepoFailureIsAggregationError(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	repo := &brokenRepo{Store: memstore.New()}
	eng := New(repo, nil, 0)

	_, err := eng.Bump(ctx, day, "A1", nil)
	require.NoError(t, err)

	repo.mutateErr = errors.New("connection reset")
	_, err = eng.Bump(ctx, day, "A2", nil)
	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	require.Equal(t, "bump", aggErr.Op)
	require.Equal(t, day, aggErr.Day)
	require.Contains(t, err.Error(), "2025-03-10")

	_, err = eng.Decrement(ctx, day, "A1", "", models.BucketNoStatus)
	require.ErrorAs(t, err, &aggErr)
	require.Equal(t, "decrement", aggErr.Op)

	repo.mutateErr = nil
	repo.listErr = errors.New("timeout")
	_, err = eng.Recompute(ctx, day)
	require.ErrorAs(t, err, &aggErr)
	require.Equal(t, "recompute", aggErr.Op)

	d, err := repo.GetDashboard(ctx, day)
	require.NoError(t, err)
	require.Equal(t, int64(1), d.Total)
	require.True(t, d.HasCounted("A1"))
	require.False(t, d.HasCounted("A2"))
}
