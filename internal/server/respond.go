package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"settlement-service/internal/fault"

	"github.com/jackc/pgx/v5"
)

type errorEnvelope struct {
	Error *fault.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the fault taxonomy onto HTTP statuses. Untyped errors are
// reported as internal without leaking details.
func writeError(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorEnvelope{
				Error: fault.New("not_found", "not_found", "resource not found"),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{
			Error: fault.New("internal_error", "internal_error", "internal server error"),
		})
		return
	}

	status := http.StatusInternalServerError
	switch fe.Code {
	case fault.CodeValidation:
		status = http.StatusBadRequest
	case fault.CodeVerification, fault.CodeReplay:
		status = http.StatusPaymentRequired
	case fault.CodeTransition:
		status = http.StatusConflict
	case fault.CodeDelivery:
		status = http.StatusBadGateway
	}

	writeJSON(w, status, errorEnvelope{Error: fe})
}
