package common

import (
	"errors"
	"net/http"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("requested resource not found")
	ErrCapacity         = errors.New("room is at capacity")
	ErrPermission       = errors.New("operation not permitted")
	ErrSandboxViolation = errors.New("sandbox violation")
	ErrPersistence      = errors.New("durable write failed")
	ErrReconstruction   = errors.New("state reconstruction failed")
	ErrUnauthorized     = errors.New("unauthorized access")
)

// HTTPStatusFromError maps domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSandboxViolation):
		return http.StatusBadRequest
	case errors.Is(err, ErrCapacity):
		return http.StatusConflict
	case errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrReconstruction):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
