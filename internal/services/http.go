package services

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/pipeline"
)

// ErrBadRequest marks a request the caller must fix.
var ErrBadRequest = errors.New("bad request")

// Response statuses reported by the processing functions.
const (
	ResultEmbedded = "embedded"
	ResultSkipped  = "skipped"
	ResultError    = "error"
)

// HTTPStatus maps an error returned by a function to a response code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrFailureNotRecorded):
		return http.StatusInternalServerError
	case errors.Is(err, ErrBadRequest), errors.Is(err, models.ErrInvalidUpload), errors.Is(err, models.ErrReservedScope):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConcurrencyConflict),
		errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrNoStoragePath):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// failureRecorded reports whether err is a pipeline failure that is already
// stored on the document.
func failureRecorded(err error) bool {
	if errors.Is(err, pipeline.ErrFailureNotRecorded) {
		return false
	}
	_, ok := models.StageOf(err)
	return ok
}

// WriteError writes err with the status HTTPStatus picks. Server errors hide
// their detail.
func WriteError(w http.ResponseWriter, err error) {
	code := HTTPStatus(err)
	msg := http.StatusText(code)
	if code < http.StatusInternalServerError {
		msg += ": " + err.Error()
	}
	http.Error(w, msg, code)
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// DecodeJSON reads the request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}
