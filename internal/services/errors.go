package services

import "errors"

// The MFA core surfaces three error categories. Handlers map them to HTTP
// statuses; user-facing messages stay generic and never echo provider detail.

// ValidationError is caller-correctable bad input: malformed destination,
// wrong code, expired or invalid token. Never retried automatically.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidationError(message string) error {
	return &ValidationError{Message: message}
}

// ServiceUnavailableError means a delivery provider or dependency is down,
// including a tripped circuit breaker. Safe to retry later.
type ServiceUnavailableError struct {
	Message string
	Err     error
}

func (e *ServiceUnavailableError) Error() string { return e.Message }
func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

func NewServiceUnavailableError(message string, err error) error {
	return &ServiceUnavailableError{Message: message, Err: err}
}

// ConfigurationError is a deployment or logic error: missing encryption key,
// no providers configured, feature already set up. Not user-correctable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

func NewConfigurationError(message string) error {
	return &ConfigurationError{Message: message}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsServiceUnavailable(err error) bool {
	var se *ServiceUnavailableError
	return errors.As(err, &se)
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
