package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"coedit/api/internal/replica"
	"coedit/api/internal/session"
	"coedit/api/internal/store"
)

// APIError is an error with a fixed HTTP rendering. Err, when set, is the
// underlying cause and is logged but never sent to clients.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func validationError(message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: message}
}

func transitionConflict(proposal store.Proposal, target string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: fmt.Sprintf("Proposal is already %s", proposal.Status),
		Details: map[string]any{
			"proposalId": proposal.ID,
			"status":     proposal.Status,
			"target":     target,
		},
	}
}

func persistenceError(message string, cause error, details any) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "PERSISTENCE_ERROR",
		Message: message,
		Details: details,
		Err:     cause,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status, apiErr.Code, apiErr.Message, apiErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, replica.ErrTransport) {
		return http.StatusBadGateway, "TRANSPORT_ERROR", "Sync server unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
