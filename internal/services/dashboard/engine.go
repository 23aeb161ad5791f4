// Package dashboard keeps the per-day DashboardCache consistent with the
// scanned goods and expected codes it is derived from.
//
// Three update modes coexist: Bump (one new scan), Recompute (from scratch) and
// the partial RecomputeStatuses / RecomputeCarriers, which each rebuild one
// dimension and keep the fields the other one owns. Carrier labels arrive after
// the scan, so Bump never touches carriers and Decrement never re-reads status.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BearBump/ScanBox/internal/cache"
	"github.com/BearBump/ScanBox/internal/logger"
	"github.com/BearBump/ScanBox/internal/models"
)

type Repository interface {
	// GetDashboard returns models.ErrNotFound when the day has no row.
	GetDashboard(ctx context.Context, day time.Time) (*models.Dashboard, error)
	// MutateDashboard loads the day's row (creating a zeroed one if allowed),
	// applies fn to a private copy and persists the result in one transaction.
	// Nothing is written if fn or persistence fails. Returns models.ErrNotFound
	// when the row is missing and createIfMissing is false.
	MutateDashboard(ctx context.Context, day time.Time, createIfMissing bool, fn func(d *models.Dashboard) error) (*models.Dashboard, error)
	DeleteDashboard(ctx context.Context, day time.Time) (bool, error)
	// ListScannedWithStatus returns every good scanned on day joined with the
	// current status of its expected code.
	ListScannedWithStatus(ctx context.Context, day time.Time) ([]models.ScannedWithStatus, error)
}

// ErrAlreadyCounted guards the counted set: a code is bumped at most once per day.
var ErrAlreadyCounted = errors.New("code already counted for the day")

// errNotCounted aborts a Decrement mutation without writing anything.
var errNotCounted = errors.New("code not counted for the day")

// AggregationError wraps any failure of an engine operation.
type AggregationError struct {
	Op  string
	Day time.Time
	Err error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("dashboard %s %s: %v", e.Op, models.FormatDay(e.Day), e.Err)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

type Engine struct {
	repo     Repository
	cache    cache.BytesCache
	cacheTTL time.Duration
	policy   models.UnmappedCarrierPolicy
	now      func() time.Time
}

func New(repo Repository, c cache.BytesCache, cacheTTL time.Duration) *Engine {
	return &Engine{
		repo:     repo,
		cache:    c,
		cacheTTL: cacheTTL,
		policy:   models.UnmappedDrop,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) WithUnmappedPolicy(p models.UnmappedCarrierPolicy) *Engine {
	if p != "" {
		e.policy = p
	}
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Bump counts one freshly scanned code. status is the current status of the
// matching expected code, nil when the code is not in the expected set.
// The day's row is created when missing.
func (e *Engine) Bump(ctx context.Context, day time.Time, code string, status *models.ExpectedStatus) (*models.Dashboard, error) {
	bucket := models.Classify(status)
	d, err := e.repo.MutateDashboard(ctx, day, true, func(d *models.Dashboard) error {
		if d.HasCounted(code) {
			return ErrAlreadyCounted
		}
		d.Total++
		d.AddToBucket(bucket, 1)
		d.Counted[code] = struct{}{}
		d.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, e.fail("bump", day, err)
	}
	e.remember(ctx, d)
	return d, nil
}

// Recompute rebuilds every field of the day's row from the scanned goods.
// Runs with no writes in between differ only in the last-updated timestamp,
// so they produce identical snapshots under a fixed clock.
func (e *Engine) Recompute(ctx context.Context, day time.Time) (*models.Dashboard, error) {
	goods, err := e.repo.ListScannedWithStatus(ctx, day)
	if err != nil {
		return nil, e.fail("recompute", day, err)
	}
	agg := e.aggregate(goods, nil)

	d, err := e.repo.MutateDashboard(ctx, day, true, func(d *models.Dashboard) error {
		d.Total = agg.total
		d.Pickup = agg.pickup
		d.Failed = agg.failed
		d.NoStatus = agg.noStatus
		d.Carriers = agg.carriers
		d.Counted = agg.codes
		d.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, e.fail("recompute", day, err)
	}
	e.remember(ctx, d)
	return d, nil
}

// RecomputeStatuses rebuilds the three status buckets only, over the goods in
// the row's counted set so the buckets always sum to the total. A day without
// a row is left alone and (nil, nil) is returned.
func (e *Engine) RecomputeStatuses(ctx context.Context, day time.Time) (*models.Dashboard, error) {
	goods, err := e.repo.ListScannedWithStatus(ctx, day)
	if err != nil {
		return nil, e.fail("recompute statuses", day, err)
	}

	d, err := e.repo.MutateDashboard(ctx, day, false, func(d *models.Dashboard) error {
		agg := e.aggregate(goods, d.Counted)
		d.Pickup = agg.pickup
		d.Failed = agg.failed
		d.NoStatus = agg.noStatus
		d.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, e.fail("recompute statuses", day, err)
	}
	e.remember(ctx, d)
	return d, nil
}

// RecomputeCarriers rebuilds the carrier counts only, over the goods in the
// row's counted set. A day without a row is left alone and (nil, nil) is
// returned.
func (e *Engine) RecomputeCarriers(ctx context.Context, day time.Time) (*models.Dashboard, error) {
	goods, err := e.repo.ListScannedWithStatus(ctx, day)
	if err != nil {
		return nil, e.fail("recompute carriers", day, err)
	}

	d, err := e.repo.MutateDashboard(ctx, day, false, func(d *models.Dashboard) error {
		agg := e.aggregate(goods, d.Counted)
		d.Carriers = agg.carriers
		d.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, e.fail("recompute carriers", day, err)
	}
	e.remember(ctx, d)
	return d, nil
}

// Decrement un-counts a deleted scanned good. carrierLabel and bucket describe
// the good at deletion time. Every counter is floored at zero. A code the row
// never counted (scanned before the row was reset) leaves the counters alone.
// A day without a row is a no-op.
func (e *Engine) Decrement(ctx context.Context, day time.Time, code, carrierLabel string, bucket models.Bucket) (*models.Dashboard, error) {
	carrier, countable := e.policy.Resolve(carrierLabel)

	d, err := e.repo.MutateDashboard(ctx, day, false, func(d *models.Dashboard) error {
		if !d.HasCounted(code) {
			return errNotCounted
		}
		b := bucket
		if d.BucketCount(b) == 0 {
			// status changed after the bump and no recompute ran yet
			b = nonEmptyBucket(d, b)
		}
		if d.BucketCount(b) > 0 && d.Total > 0 {
			d.Total--
			d.AddToBucket(b, -1)
		}
		if countable && d.Carriers[carrier] > 0 {
			d.Carriers[carrier]--
		}
		delete(d.Counted, code)
		d.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, errNotCounted) {
		return nil, nil
	}
	if err != nil {
		return nil, e.fail("decrement", day, err)
	}
	e.remember(ctx, d)
	return d, nil
}

// Get returns the day's dashboard. A day without a row gets one, filled by a
// full recompute.
func (e *Engine) Get(ctx context.Context, day time.Time) (*models.Dashboard, error) {
	day = models.NormalizeDay(day)
	if d, ok := e.recall(ctx, day); ok {
		return d, nil
	}

	d, err := e.repo.GetDashboard(ctx, day)
	switch {
	case err == nil:
		e.remember(ctx, d)
		return d, nil
	case errors.Is(err, models.ErrNotFound):
		return e.Recompute(ctx, day)
	default:
		return nil, e.fail("get", day, err)
	}
}

// Reset deletes the day's row. It reports whether a row existed.
func (e *Engine) Reset(ctx context.Context, day time.Time) (bool, error) {
	day = models.NormalizeDay(day)
	removed, err := e.repo.DeleteDashboard(ctx, day)
	if err != nil {
		return false, e.fail("reset", day, err)
	}
	e.forget(ctx, day)
	return removed, nil
}

type aggregate struct {
	total    int64
	pickup   int64
	failed   int64
	noStatus int64
	carriers map[models.Carrier]int64
	codes    map[string]struct{}
}

// aggregate tallies goods. A non-nil only set restricts the tally to those codes.
func (e *Engine) aggregate(goods []models.ScannedWithStatus, only map[string]struct{}) aggregate {
	agg := aggregate{
		carriers: models.ZeroCarrierCounts(),
		codes:    make(map[string]struct{}, len(goods)),
	}
	if e.policy == models.UnmappedBucket {
		agg.carriers[models.CarrierOther] = 0
	}
	for _, g := range goods {
		if only != nil {
			if _, ok := only[g.Good.Code]; !ok {
				continue
			}
		}
		agg.total++
		switch g.Bucket() {
		case models.BucketPickup:
			agg.pickup++
		case models.BucketFailed:
			agg.failed++
		default:
			agg.noStatus++
		}
		if c, ok := e.policy.Resolve(g.Good.CarrierLabel()); ok {
			agg.carriers[c]++
		}
		agg.codes[g.Good.Code] = struct{}{}
	}
	return agg
}

// nonEmptyBucket picks the bucket a drifted good was most likely counted
// under: no-status first, since that is where every scan of a pending code lands.
func nonEmptyBucket(d *models.Dashboard, fallback models.Bucket) models.Bucket {
	for _, b := range []models.Bucket{models.BucketNoStatus, models.BucketPickup, models.BucketFailed} {
		if d.BucketCount(b) > 0 {
			return b
		}
	}
	return fallback
}

func (e *Engine) fail(op string, day time.Time, err error) error {
	return &AggregationError{Op: op, Day: models.NormalizeDay(day), Err: err}
}

func cacheKey(day time.Time) string {
	return "dashboard:" + models.FormatDay(day)
}

func (e *Engine) cacheEnabled() bool {
	return e.cache != nil && e.cacheTTL > 0
}

func (e *Engine) recall(ctx context.Context, day time.Time) (*models.Dashboard, bool) {
	if !e.cacheEnabled() {
		return nil, false
	}
	b, ok, err := e.cache.Get(ctx, cacheKey(day))
	if err != nil || !ok {
		return nil, false
	}
	var snap models.DashboardSnapshot
	if json.Unmarshal(b, &snap) != nil {
		return nil, false
	}
	d, err := snap.Dashboard()
	if err != nil {
		return nil, false
	}
	return d, true
}

// remember mirrors d into the cache. If the write fails the key is dropped, so
// a stale snapshot is never served after a committed change.
func (e *Engine) remember(ctx context.Context, d *models.Dashboard) {
	if !e.cacheEnabled() || d == nil {
		return
	}
	b, err := json.Marshal(d.Snapshot())
	if err == nil {
		err = e.cache.Set(ctx, cacheKey(d.Day), b, e.cacheTTL)
	}
	if err != nil {
		logger.ForContext(ctx).WithError(err).WithField("day", models.FormatDay(d.Day)).Warn("dashboard cache write failed")
		e.forget(ctx, d.Day)
	}
}

func (e *Engine) forget(ctx context.Context, day time.Time) {
	if !e.cacheEnabled() {
		return
	}
	if err := e.cache.Delete(ctx, cacheKey(day)); err != nil {
		logger.ForContext(ctx).WithError(err).WithField("day", models.FormatDay(day)).Warn("dashboard cache delete failed")
	}
}
