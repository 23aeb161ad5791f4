package receiving

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/BearBump/ScanBox/internal/models"
)

// ErrNothingToExport is returned when no scanned good belongs to the expected set.
var ErrNothingToExport = errors.New("no scanned goods in the expected set to export")

var exportHeader = []string{"Código de Rastreio", "Data Bipagem", "Hora Bipagem", "Transportadora", "Status"}

// utf8BOM lets spreadsheet tools detect the encoding.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type Export struct {
	Filename string
	Body     []byte
	Rows     int
}

// ExportCheckedCSV renders every in-base scanned good as CSV, writing label
// in the carrier column of each row.
func (s *Service) ExportCheckedCSV(ctx context.Context, label string) (*Export, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, models.NewValidationError("carrier", "carrier is required")
	}

	goods, err := s.repo.ListScanned(ctx, models.ScannedFilter{InBaseOnly: true})
	if err != nil {
		return nil, err
	}
	if len(goods) == 0 {
		return nil, ErrNothingToExport
	}

	var buf bytes.Buffer
	buf.Write(utf8BOM)
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, pkgerrors.Wrap(err, "write csv header")
	}
	for _, g := range goods {
		if err := w.Write([]string{
			g.Good.Code,
			g.Good.ScanDate.Format("02/01/2006"),
			g.Good.ScannedAt.In(s.loc).Format("15:04:05"),
			label,
			string(*g.Status),
		}); err != nil {
			return nil, pkgerrors.Wrap(err, "write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, pkgerrors.Wrap(err, "flush csv")
	}

	return &Export{
		Filename: s.ExportFilename(label),
		Body:     buf.Bytes(),
		Rows:     len(goods),
	}, nil
}

// ExportFilename is conferencia_<YYYYMMDD>_<label>.csv with spaces in the
// label replaced by underscores.
func (s *Service) ExportFilename(label string) string {
	label = strings.ReplaceAll(strings.TrimSpace(label), " ", "_")
	return "conferencia_" + s.Today().Format("20060102") + "_" + label + ".csv"
}
