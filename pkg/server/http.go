package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/relves/anonsignal/pkg/types"
)

// ErrorBody is the JSON shape of every failed response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeInternal is reported for failures that carry no protocol kind.
const CodeInternal = "Internal"

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind types.Kind) int {
	switch kind {
	case types.KindMalformedInput:
		return http.StatusBadRequest
	case types.KindGroupNotFound:
		return http.StatusNotFound
	case types.KindDuplicateCommitment, types.KindNullifierReused:
		return http.StatusConflict
	case types.KindRegistrationRefused:
		return http.StatusForbidden
	case types.KindStaleRoot, types.KindInvalidProof, types.KindInsufficientAnonymitySet, types.KindGroupFull:
		return http.StatusUnprocessableEntity
	case types.KindNetworkFailure:
		return http.StatusBadGateway
	case types.KindCancelled:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	kind := types.KindOf(err)
	if kind == "" {
		log.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{Code: CodeInternal, Message: "internal error"}})
		return
	}
	writeJSON(w, StatusFor(kind), ErrorBody{Error: ErrorDetail{Code: string(kind), Message: err.Error()}})
}

// decodeBody reads a JSON request body of at most limit bytes into v.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, types.ErrMalformedInput) {
			return err
		}
		return types.Wrap(types.KindMalformedInput, err, "invalid request body")
	}
	return nil
}
