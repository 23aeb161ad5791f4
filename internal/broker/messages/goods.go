package messages

import "time"

// GoodScanned is published on the scanned topic after a scan that created a good.
type GoodScanned struct {
	Code      string    `json:"code"`
	Outcome   string    `json:"outcome"`
	ScannedAt time.Time `json:"scanned_at"`
	ScanDate  string    `json:"scan_date"`
}

// GoodsAssignment arrives on the assignments topic from upstream systems that
// label goods after the scan. At least one of Carrier and Status is set.
type GoodsAssignment struct {
	Code    string  `json:"code"`
	Carrier *string `json:"carrier,omitempty"`
	Status  *string `json:"status,omitempty"`
}
