package models

import (
	"sort"
	"time"
)

// Bucket is the dashboard outcome bucket a scanned good is counted under.
type Bucket string

const (
	BucketPickup   Bucket = "coleta"
	BucketFailed   Bucket = "insucesso"
	BucketNoStatus Bucket = "sem_status"
)

func ParseBucket(s string) (Bucket, bool) {
	switch b := Bucket(s); b {
	case BucketPickup, BucketFailed, BucketNoStatus:
		return b, true
	default:
		return "", false
	}
}

// Classify maps the current expected status (nil = not in the expected set) to a bucket.
// pending and checked are not actionable and land in no-status.
func Classify(st *ExpectedStatus) Bucket {
	if st == nil {
		return BucketNoStatus
	}
	switch *st {
	case StatusPickup:
		return BucketPickup
	case StatusFailed:
		return BucketFailed
	default:
		return BucketNoStatus
	}
}

// Dashboard is the per-day aggregate of scanned goods.
type Dashboard struct {
	Day       time.Time
	Carriers  map[Carrier]int64
	Total     int64
	Pickup    int64
	Failed    int64
	NoStatus  int64
	Counted   map[string]struct{}
	UpdatedAt time.Time
}

func NewDashboard(day time.Time, now time.Time) *Dashboard {
	return &Dashboard{
		Day:       NormalizeDay(day),
		Carriers:  ZeroCarrierCounts(),
		Counted:   map[string]struct{}{},
		UpdatedAt: now,
	}
}

func ZeroCarrierCounts() map[Carrier]int64 {
	m := make(map[Carrier]int64, len(KnownCarriers))
	for _, c := range KnownCarriers {
		m[c] = 0
	}
	return m
}

func (d *Dashboard) Clone() *Dashboard {
	out := *d
	out.Carriers = make(map[Carrier]int64, len(d.Carriers))
	for k, v := range d.Carriers {
		out.Carriers[k] = v
	}
	out.Counted = make(map[string]struct{}, len(d.Counted))
	for k := range d.Counted {
		out.Counted[k] = struct{}{}
	}
	return &out
}

func (d *Dashboard) HasCounted(code string) bool {
	_, ok := d.Counted[code]
	return ok
}

// Consistent reports whether the total equals the sum of the three buckets.
func (d *Dashboard) Consistent() bool {
	return d.Total == d.Pickup+d.Failed+d.NoStatus
}

func (d *Dashboard) BucketCount(b Bucket) int64 {
	switch b {
	case BucketPickup:
		return d.Pickup
	case BucketFailed:
		return d.Failed
	default:
		return d.NoStatus
	}
}

// AddToBucket adds delta to the bucket, never going below zero.
func (d *Dashboard) AddToBucket(b Bucket, delta int64) {
	switch b {
	case BucketPickup:
		d.Pickup = floorZero(d.Pickup + delta)
	case BucketFailed:
		d.Failed = floorZero(d.Failed + delta)
	default:
		d.NoStatus = floorZero(d.NoStatus + delta)
	}
}

func (d *Dashboard) CountedCodes() []string {
	out := make([]string, 0, len(d.Counted))
	for c := range d.Counted {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func floorZero(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// DashboardSnapshot is the wire form of a Dashboard (JSON for HTTP and the Redis mirror).
type DashboardSnapshot struct {
	Date        string           `json:"data"`
	Carriers    map[string]int64 `json:"transportadoras"`
	Total       int64            `json:"total_hoje"`
	Pickup      int64            `json:"coleta_hoje"`
	Failed      int64            `json:"insucesso_hoje"`
	NoStatus    int64            `json:"sem_status_hoje"`
	Counted     []string         `json:"rastreios_contados"`
	LastUpdated time.Time        `json:"ultima_atualizacao"`
}

func (d *Dashboard) Snapshot() DashboardSnapshot {
	carriers := make(map[string]int64, len(d.Carriers))
	for k, v := range d.Carriers {
		carriers[string(k)] = v
	}
	return DashboardSnapshot{
		Date:        FormatDay(d.Day),
		Carriers:    carriers,
		Total:       d.Total,
		Pickup:      d.Pickup,
		Failed:      d.Failed,
		NoStatus:    d.NoStatus,
		Counted:     d.CountedCodes(),
		LastUpdated: d.UpdatedAt.UTC(),
	}
}

func (s DashboardSnapshot) Dashboard() (*Dashboard, error) {
	day, err := ParseDay(s.Date)
	if err != nil {
		return nil, err
	}
	d := NewDashboard(day, s.LastUpdated)
	for k, v := range s.Carriers {
		d.Carriers[Carrier(k)] = v
	}
	d.Total = s.Total
	d.Pickup = s.Pickup
	d.Failed = s.Failed
	d.NoStatus = s.NoStatus
	for _, c := range s.Counted {
		d.Counted[c] = struct{}{}
	}
	return d, nil
}
