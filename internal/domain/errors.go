package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnauthenticatedWebhook = errors.New("webhook signature verification failed")
	ErrUnknownGateway         = errors.New("unknown payment gateway")
	ErrMalformedWebhook       = errors.New("malformed webhook payload")
	ErrUnknownOrder           = errors.New("order not found")
	ErrPersistence            = errors.New("persistence failure")
	ErrIdentityProvisioning   = errors.New("identity provisioning failed")
	ErrProductNotFound        = errors.New("product not found")
	ErrLicenseNotFound        = errors.New("license not found")
	ErrQuotaExhausted         = errors.New("download quota exhausted")
	ErrLicenseInactive        = errors.New("license is inactive")
	ErrGuestWindowExpired     = errors.New("guest download window expired")
	ErrOrderHasAccount        = errors.New("order belongs to an account")
	ErrOrderNotCompleted      = errors.New("order is not completed")
)

// ValidationError carries per-field messages that are safe to show to the customer.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
