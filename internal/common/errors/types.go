package errors

import (
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConnection represents connection-related errors
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeAuth represents authentication errors
	ErrTypeAuth ErrorType = "authentication"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeConflict represents optimistic-concurrency conflicts
	ErrTypeConflict ErrorType = "conflict"
	// ErrTypeTransient represents temporary conditions the caller should retry
	ErrTypeTransient ErrorType = "transient"
)

// Machine-readable codes surfaced to callers. Inbound validation failures
// always map to 401 responses; credential errors map to 500.
const (
	CodeCredentialsMissing  = "credentials_missing"
	CodeTokenFormatInvalid  = "token_format_invalid"
	CodeSignatureInvalid    = "signature_invalid"
	CodeTokenExpired        = "token_expired"
	CodeIssuerMismatch      = "issuer_mismatch"
	CodeAudienceMismatch    = "audience_mismatch"
	CodeRefreshInProgress   = "refresh_in_progress"
	CodeRefreshFailed       = "refresh_failed"
	CodeNoAdapterConfigured = "no_adapter_configured"
	CodeValidationFailed    = "validation_failed"
	CodeAuthRetry           = "auth_retry"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// AuthError creates a new authentication error
func AuthError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeAuth,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// ConflictError creates an optimistic-concurrency conflict error
func ConflictError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConflict,
		Message: msg,
	}
}

// CredentialsMissingError signals that an adapter has no usable secret payload.
// Fatal to the adapter instance: surfaced as 500 for inbound, rethrown for outbound.
func CredentialsMissingError(adapterID string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: fmt.Sprintf("no credentials configured for adapter %s", adapterID),
		Code:    CodeCredentialsMissing,
	}
}

// RefreshInProgressError signals that another process holds the refresh lock.
// Transient: the caller should retry, not fail the user request.
func RefreshInProgressError(adapterID string) *AppError {
	return &AppError{
		Type:    ErrTypeTransient,
		Message: fmt.Sprintf("token refresh already in flight for adapter %s", adapterID),
		Code:    CodeRefreshInProgress,
	}
}

// RefreshFailedError wraps a failed token fetch with its cause.
func RefreshFailedError(adapterID string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeAuth,
		Message: fmt.Sprintf("token refresh failed for adapter %s", adapterID),
		Code:    CodeRefreshFailed,
		Cause:   cause,
	}
}

// AuthRetryError signals that an upstream rejected the cached
// credential, the cache was invalidated, and the call is worth one
// retry with a fresh token.
func AuthRetryError(adapterID string, statusCode int) *AppError {
	return &AppError{
		Type:    ErrTypeTransient,
		Message: fmt.Sprintf("upstream rejected credentials for adapter %s", adapterID),
		Code:    CodeAuthRetry,
		Context: map[string]interface{}{"status_code": statusCode},
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}

// GetCode returns the machine-readable code if the error carries one.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return ""
	}

	return appErr.Code
}
