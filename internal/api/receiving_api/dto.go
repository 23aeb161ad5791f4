package receiving_api

import (
	"time"

	"github.com/BearBump/ScanBox/internal/models"
)

type importRequest struct {
	Codes         []string `json:"codes"`
	ClearExisting bool     `json:"clear_existing"`
}

type scanRequest struct {
	Code string `json:"code"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type carrierRequest struct {
	Carrier string `json:"carrier"`
}

type expectedDTO struct {
	Code      string    `json:"code"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type scannedDTO struct {
	Code      string    `json:"code"`
	ScannedAt time.Time `json:"scanned_at"`
	ScanDate  string    `json:"scan_date"`
	Carrier   *string   `json:"carrier"`
	Status    *string   `json:"status"`
	InBase    bool      `json:"in_base"`
	Bucket    string    `json:"bucket"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func toExpectedDTOs(in []*models.ExpectedCode) listResponse[expectedDTO] {
	out := make([]expectedDTO, 0, len(in))
	for _, e := range in {
		out = append(out, expectedDTO{
			Code:      e.Code,
			Status:    string(e.Status),
			CreatedAt: e.CreatedAt.UTC(),
		})
	}
	return listResponse[expectedDTO]{Items: out, Total: len(out)}
}

func toScannedDTO(g models.ScannedGood, status *models.ExpectedStatus) scannedDTO {
	var st *string
	if status != nil {
		s := string(*status)
		st = &s
	}
	return scannedDTO{
		Code:      g.Code,
		ScannedAt: g.ScannedAt.UTC(),
		ScanDate:  models.FormatDay(g.ScanDate),
		Carrier:   g.Carrier,
		Status:    st,
		InBase:    status != nil,
		Bucket:    string(models.Classify(status)),
	}
}

func toScannedDTOs(in []models.ScannedWithStatus) listResponse[scannedDTO] {
	out := make([]scannedDTO, 0, len(in))
	for _, it := range in {
		out = append(out, toScannedDTO(it.Good, it.Status))
	}
	return listResponse[scannedDTO]{Items: out, Total: len(out)}
}
