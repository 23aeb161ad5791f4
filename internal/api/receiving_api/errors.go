package receiving_api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BearBump/ScanBox/internal/logger"
	"github.com/BearBump/ScanBox/internal/models"
	"github.com/BearBump/ScanBox/internal/services/dashboard"
	"github.com/BearBump/ScanBox/internal/services/receiving"
)

const (
	ErrInvalidRequest  = "VAL_001"
	ErrNothingToExport = "VAL_002"

	ErrNotFound = "NF_001"

	ErrInternalServer = "SRV_001"
	ErrAggregation    = "SRV_002"
)

var httpStatusMap = map[string]int{
	ErrInvalidRequest:  http.StatusBadRequest,
	ErrNothingToExport: http.StatusBadRequest,
	ErrNotFound:        http.StatusNotFound,
	ErrInternalServer:  http.StatusInternalServerError,
	ErrAggregation:     http.StatusInternalServerError,
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeAPIError(w http.ResponseWriter, apiErr APIError) {
	status, ok := httpStatusMap[apiErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, apiErr)
}

// writeError maps err onto the error taxonomy. Unknown errors are logged and
// answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *models.ValidationError
	var ae *dashboard.AggregationError
	switch {
	case errors.As(err, &ve):
		writeAPIError(w, APIError{Code: ErrInvalidRequest, Message: ve.Message, Field: ve.Field})
	case errors.Is(err, receiving.ErrNothingToExport):
		writeAPIError(w, APIError{Code: ErrNothingToExport, Message: "Nenhuma mercadoria bipada na base para exportar"})
	case errors.Is(err, models.ErrNotFound):
		writeAPIError(w, APIError{Code: ErrNotFound, Message: "not found"})
	case errors.As(err, &ae):
		logger.ForContext(r.Context()).WithError(err).
			WithFields(logger.Fields{"op": ae.Op, "day": models.FormatDay(ae.Day)}).
			Error("dashboard request failed")
		writeAPIError(w, APIError{Code: ErrAggregation, Message: "dashboard unavailable"})
	default:
		logger.ForContext(r.Context()).WithError(err).
			WithFields(logger.Fields{"method": r.Method, "path": r.URL.Path}).
			Error("request failed")
		writeAPIError(w, APIError{Code: ErrInternalServer, Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.NewValidationError("body", "invalid JSON body")
	}
	return nil
}
