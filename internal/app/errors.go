package app

import (
	"errors"
	"fmt"
	"net/http"

	"relator/api/internal/auth"
	"relator/api/internal/history"
	"relator/api/internal/nodes"
	"relator/api/internal/schema"
	"relator/api/internal/session"
	"relator/api/internal/store"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, nodes.ErrUnknownType), errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound, "UNKNOWN_TYPE", "Unknown node type", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, history.ErrHashNotFound):
		return http.StatusConflict, "HASH_NOT_FOUND", "No history entry with that hash", nil
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE", "Node already exists", nil
	case errors.Is(err, nodes.ErrInvalidNode), errors.Is(err, schema.ErrInvalidDefinition):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrScope), errors.Is(err, session.ErrReplayed):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
