package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"pulseboard/api/internal/auth"
	"pulseboard/api/internal/store"
)

// DomainError is the error shape every handler understands. Service methods
// return one whenever the failure has a meaningful status and code; anything
// else is treated as an internal fault by mapError.
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

// mapError normalizes service and storage failures for the response writer.
// Store sentinels map to their contractual status codes so service methods
// can bubble raw errors without wrapping every call site.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Resource not found", nil
	}
	if errors.Is(err, store.ErrDefinitionReferenced) {
		return http.StatusConflict, "CONFLICT", "Definition is referenced by threads or follow-ups", nil
	}
	if errors.Is(err, store.ErrParentOutsideThread) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parentId must reference a comment in the same thread", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "INTERNAL", "Internal error", nil
}
