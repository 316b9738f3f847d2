package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"canvasledger/internal/auth"
	"canvasledger/internal/readpath"
	"canvasledger/internal/recovery"
	"canvasledger/internal/sequencer"
	"canvasledger/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// mapError turns any error from the engine into the response the transport
// sends. Unknown errors become a generic 500.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, readpath.ErrMissingRoom):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "roomId is required", nil
	case errors.Is(err, sequencer.ErrUnavailable):
		return http.StatusServiceUnavailable, "SEQUENCER_UNAVAILABLE", "Stroke ids cannot be assigned right now", nil
	case errors.Is(err, store.ErrDurableWrite):
		return http.StatusServiceUnavailable, "DURABLE_WRITE_FAILED", "The write was not persisted", nil
	case errors.Is(err, recovery.ErrRebuildConflict):
		return http.StatusConflict, "REBUILD_CONFLICT", "Room changed during rebuild; retry", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
