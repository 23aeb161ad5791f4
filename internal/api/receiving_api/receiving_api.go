// Package receiving_api exposes the receiving service over HTTP/JSON.
package receiving_api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BearBump/ScanBox/internal/models"
	"github.com/BearBump/ScanBox/internal/services/receiving"
)

type ReceivingAPI struct {
	svc *receiving.Service
}

func New(svc *receiving.Service) *ReceivingAPI {
	return &ReceivingAPI{svc: svc}
}

// Register mounts every /api route on r.
func (a *ReceivingAPI) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/expected/import", a.ImportExpected)
		r.Get("/expected/missing", a.ListMissing)
		r.Put("/expected/{code}/status", a.SetStatus)
		r.Delete("/expected/{code}", a.DeleteExpected)

		r.Post("/scans", a.Scan)
		r.Get("/scans", a.ListScanned)
		r.Get("/scans/bucket/{bucket}", a.ListScannedByBucket)
		r.Post("/scans/carrier", a.BulkSetCarrier)
		r.Put("/scans/{code}/carrier", a.SetCarrier)
		r.Delete("/scans/{code}", a.DeleteScanned)

		r.Post("/reset", a.Reset)

		r.Get("/dashboard", a.GetDashboard)
		r.Post("/dashboard/recompute", a.RecomputeDashboard)
		r.Delete("/dashboard/{date}", a.ResetDashboard)

		r.Get("/export.csv", a.ExportCSV)
		r.Get("/stats", a.Statistics)
	})
}

func (a *ReceivingAPI) ImportExpected(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.svc.ImportExpectedCodes(r.Context(), req.Codes, req.ClearExisting)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *ReceivingAPI) Scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.svc.ScanCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *ReceivingAPI) ListMissing(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.ListMissing(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpectedDTOs(items))
}

func (a *ReceivingAPI) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	code := chi.URLParam(r, "code")
	if err := a.svc.SetStatus(r.Context(), code, req.Status); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"code":   models.NormalizeCode(code),
		"status": strings.ToLower(strings.TrimSpace(req.Status)),
	})
}

func (a *ReceivingAPI) SetCarrier(w http.ResponseWriter, r *http.Request) {
	var req carrierRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	g, err := a.svc.SetCarrier(r.Context(), chi.URLParam(r, "code"), req.Carrier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"code":      g.Code,
		"carrier":   g.CarrierLabel(),
		"scan_date": models.FormatDay(g.ScanDate),
	})
}

func (a *ReceivingAPI) BulkSetCarrier(w http.ResponseWriter, r *http.Request) {
	var req carrierRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := a.svc.BulkSetCarrier(r.Context(), req.Carrier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated_count": n})
}

func (a *ReceivingAPI) DeleteExpected(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteExpected(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ReceivingAPI) DeleteScanned(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteScanned(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ReceivingAPI) Reset(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.ResetExpectedAndScanned(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *ReceivingAPI) GetDashboard(w http.ResponseWriter, r *http.Request) {
	day, err := a.dayParam(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := a.svc.GetDashboard(r.Context(), day)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

func (a *ReceivingAPI) RecomputeDashboard(w http.ResponseWriter, r *http.Request) {
	day, err := a.dayParam(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := a.svc.ForceRecomputeDashboard(r.Context(), day)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

func (a *ReceivingAPI) ResetDashboard(w http.ResponseWriter, r *http.Request) {
	day, err := a.dayParam(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	removed, err := a.svc.ResetDashboard(r.Context(), day)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":    models.FormatDay(day),
		"removed": removed,
	})
}

func (a *ReceivingAPI) ExportCSV(w http.ResponseWriter, r *http.Request) {
	exp, err := a.svc.ExportCheckedCSV(r.Context(), r.URL.Query().Get("carrier"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(exp.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(exp.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(exp.Body)
}

func (a *ReceivingAPI) Statistics(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Statistics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *ReceivingAPI) ListScanned(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.ListScanned(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScannedDTOs(items))
}

func (a *ReceivingAPI) ListScannedByBucket(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.ListScannedByBucket(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScannedDTOs(items))
}

// dayParam parses YYYY-MM-DD, defaulting to the service's current local day.
func (a *ReceivingAPI) dayParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return a.svc.Today(), nil
	}
	day, err := models.ParseDay(raw)
	if err != nil {
		return time.Time{}, models.NewValidationError("date", "expected YYYY-MM-DD")
	}
	return day, nil
}
