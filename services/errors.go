package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeMalformedInput  ErrorType = "malformed_input"
	ErrorTypePolicyViolation ErrorType = "policy_violation"
	ErrorTypeRateExceeded    ErrorType = "rate_exceeded"
	ErrorTypeAuditFault      ErrorType = "audit_fault"
	ErrorTypeConfigFault     ErrorType = "config_fault"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeExternal        ErrorType = "external"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Malformed input
	ErrMalformedAction = NewDomainError(ErrorTypeMalformedInput, "malformed action", nil)
	ErrUnknownModel    = NewDomainError(ErrorTypeMalformedInput, "unknown model", nil)
	ErrIdentityClash   = NewDomainError(ErrorTypeMalformedInput, "agent_id does not match authenticated agent", nil)

	// Policy violations
	ErrUnknownAgent        = NewDomainError(ErrorTypePolicyViolation, "unknown agent", nil)
	ErrModelNotPermitted   = NewDomainError(ErrorTypePolicyViolation, "model not permitted", nil)
	ErrActionNotPermitted  = NewDomainError(ErrorTypePolicyViolation, "action not permitted", nil)
	ErrToolDenied          = NewDomainError(ErrorTypePolicyViolation, "tool denied", nil)
	ErrToolNotPermitted    = NewDomainError(ErrorTypePolicyViolation, "tool not permitted", nil)
	ErrTokenLimitExceeded  = NewDomainError(ErrorTypePolicyViolation, "token limit exceeded", nil)
	ErrInjectionDetected   = NewDomainError(ErrorTypePolicyViolation, "prompt injection detected", nil)
	ErrDefaultPolicyLocked = NewDomainError(ErrorTypePolicyViolation, "default policy cannot be removed", nil)

	// Rate windows
	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateExceeded, "rate limit exceeded", nil)

	// Faults
	ErrAuditWriteFailed = NewDomainError(ErrorTypeAuditFault, "audit write failed", nil)
	ErrPolicySourceBad  = NewDomainError(ErrorTypeConfigFault, "policy source unavailable", nil)
	ErrSignaturesBad    = NewDomainError(ErrorTypeConfigFault, "signature catalog unavailable", nil)

	// Lookups
	ErrPolicyNotFound      = NewDomainError(ErrorTypeNotFound, "policy not found", nil)
	ErrReservationNotFound = NewDomainError(ErrorTypeNotFound, "reservation not found", nil)

	// Usage accounting
	ErrReservationSettled = NewDomainError(ErrorTypeConflict, "reservation already corrected", nil)

	// Generic
	ErrInvalidInput     = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrUnauthorized     = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInternal         = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrBackendFailed    = NewDomainError(ErrorTypeExternal, "inference backend error", nil)
	ErrBackendThrottled = NewDomainError(ErrorTypeExternal, "inference backend throttled", nil)
)

// Error type checking helper functions

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsMalformedInputError checks if an error is a structural validation failure
func IsMalformedInputError(err error) bool { return hasType(err, ErrorTypeMalformedInput) }

// IsPolicyViolationError checks if an error is a permission failure
func IsPolicyViolationError(err error) bool { return hasType(err, ErrorTypePolicyViolation) }

// IsRateExceededError checks if an error is an exhausted rate window
func IsRateExceededError(err error) bool { return hasType(err, ErrorTypeRateExceeded) }

// IsAuditFaultError checks if an error is a failed durable audit write
func IsAuditFaultError(err error) bool { return hasType(err, ErrorTypeAuditFault) }

// IsConfigFaultError checks if an error is a missing or corrupt configuration source
func IsConfigFaultError(err error) bool { return hasType(err, ErrorTypeConfigFault) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return hasType(err, ErrorTypeUnauthorized) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return hasType(err, ErrorTypeConflict) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return hasType(err, ErrorTypeInternal) }

// IsExternalError checks if an error is an inference backend error
func IsExternalError(err error) bool { return hasType(err, ErrorTypeExternal) }

// IsOperatorFault reports whether the error must be escalated to operators
func IsOperatorFault(err error) bool {
	return IsAuditFaultError(err) || IsConfigFaultError(err)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapAuditFault wraps a durable write failure
func WrapAuditFault(message string, err error) error {
	return NewDomainError(ErrorTypeAuditFault, message, err)
}

// WrapConfigFault wraps a configuration load failure
func WrapConfigFault(message string, err error) error {
	return NewDomainError(ErrorTypeConfigFault, message, err)
}

// WrapExternal wraps an error as an inference backend error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
