package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/garage-dispatch/internal/models"
)

// Error codes shared by REST responses and socket error frames.
const (
	codeAlreadyHandled  = "already_handled"
	codeForbidden       = "forbidden"
	codeBadRequest      = "bad_request"
	codeNotFound        = "not_found"
	codeUnauthenticated = "unauthenticated"
	codeInternal        = "internal"
)

func classify(err error) (status int, code string) {
	switch {
	case errors.Is(err, models.ErrStaleState):
		return http.StatusConflict, codeAlreadyHandled
	case errors.Is(err, models.ErrNotEligible):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, codeBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, codeUnauthenticated
	}
	return http.StatusInternalServerError, codeInternal
}

// publicMessage hides internal failures from clients.
func publicMessage(code string, err error) string {
	if code == codeInternal {
		return "internal error"
	}
	return err.Error()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": publicMessage(code, err)}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeBody strictly decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &models.ValidationError{Reason: err.Error()}
	}
	return nil
}
