package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/licensor/internal/billing/entitlement"
)

// maxBodyBytes caps request bodies on every POST route.
const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps an entitlement error to a status code and a generic
// message. The real cause only goes to the log.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op, identity string, err error) {
	var (
		status int
		msg    string
		level  = slog.LevelError
	)
	switch {
	case errors.Is(err, entitlement.ErrInvalidIdentity):
		status, msg, level = http.StatusBadRequest, "invalid identity", slog.LevelWarn
	case errors.Is(err, entitlement.ErrVerificationFailed):
		status, msg, level = http.StatusBadRequest, "verification failed", slog.LevelWarn
	case errors.Is(err, entitlement.ErrGatewayTimeout):
		status, msg = http.StatusGatewayTimeout, "payment gateway timed out"
	case errors.Is(err, entitlement.ErrGateway):
		status, msg = http.StatusBadGateway, "payment gateway error"
	default:
		status, msg = http.StatusInternalServerError, "internal error"
	}

	logger.Log(r.Context(), level, op+" failed", "identity", identity, "status", status, "error", err)
	writeError(w, status, msg)
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request")
}
