package models

import (
	"strings"
	"time"
)

// ExpectedStatus is the lifecycle status of an expected tracking code.
type ExpectedStatus string

const (
	StatusPending ExpectedStatus = "pending"
	StatusChecked ExpectedStatus = "checked"
	StatusPickup  ExpectedStatus = "pickup"
	StatusFailed  ExpectedStatus = "failed"
)

func ParseExpectedStatus(s string) (ExpectedStatus, bool) {
	switch st := ExpectedStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusChecked, StatusPickup, StatusFailed:
		return st, true
	default:
		return "", false
	}
}

type ExpectedCode struct {
	ID        uint64
	Code      string
	Status    ExpectedStatus
	CreatedAt time.Time
}

type ScannedGood struct {
	ID        uint64
	Code      string
	ScannedAt time.Time
	// ScanDate is the daily partition key, midnight UTC of the local scan day.
	ScanDate time.Time
	Carrier  *string
}

func (g *ScannedGood) CarrierLabel() string {
	if g == nil || g.Carrier == nil {
		return ""
	}
	return strings.TrimSpace(*g.Carrier)
}

// ScannedWithStatus joins a scanned good with the current status of the
// matching expected code. Status is nil when the code is not in the expected set.
type ScannedWithStatus struct {
	Good   ScannedGood
	Status *ExpectedStatus
}

func (s ScannedWithStatus) InBase() bool {
	return s.Status != nil
}

func (s ScannedWithStatus) Bucket() Bucket {
	return Classify(s.Status)
}

// NormalizeCode trims and uppercases a tracking code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type ScannedFilter struct {
	Day        *time.Time
	InBaseOnly bool
	Bucket     *Bucket
}

type Statistics struct {
	TotalExpected   int64   `json:"total_esperados"`
	TotalChecked    int64   `json:"total_conferidos"`
	TotalPending    int64   `json:"total_pendentes"`
	TotalOutsideSet int64   `json:"total_fora_base"`
	TotalScanned    int64   `json:"total_bipadas"`
	PercentChecked  float64 `json:"percentual_conferido"`
}

// ScanRecord is the result of recording one scan in the store.
// Prior is set (and Good is nil) when the code had already been scanned.
type ScanRecord struct {
	Expected *ExpectedCode
	Good     *ScannedGood
	Prior    *ScannedGood
}

type ImportResult struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
}

type ResetResult struct {
	ExpectedRemoved int64 `json:"expected_removed"`
	ScannedRemoved  int64 `json:"scanned_removed"`
}
