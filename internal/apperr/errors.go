// Package apperr holds the error taxonomy shared by the service, the HTTP
// layer and the client SDK.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrNotFound              = errors.New("not found")
	ErrValidation            = errors.New("validation error")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrContractAlreadyActive = errors.New("contract already active")
	// ErrInvariantViolation signals a defect: a write would leave status
	// inconsistent with quota and contract fields.
	ErrInvariantViolation = errors.New("invariant violation")
)

const (
	CodeUnauthenticated       = "unauthenticated"
	CodePermissionDenied      = "permission_denied"
	CodeNotFound              = "not_found"
	CodeValidation            = "validation_error"
	CodeQuotaExceeded         = "quota_exceeded"
	CodeContractAlreadyActive = "contract_already_active"
	CodeInternal              = "internal"
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrUnauthenticated, CodeUnauthenticated, http.StatusUnauthorized},
	{ErrPermissionDenied, CodePermissionDenied, http.StatusForbidden},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrValidation, CodeValidation, http.StatusBadRequest},
	{ErrQuotaExceeded, CodeQuotaExceeded, http.StatusPaymentRequired},
	{ErrContractAlreadyActive, CodeContractAlreadyActive, http.StatusConflict},
}

// Code returns the stable wire code for err.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status used to report err.
func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// FromCode maps a wire code back to its sentinel. Unknown codes return nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
