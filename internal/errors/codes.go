package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for persistence operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeNotFound            ErrorCode = 1001
	ErrCodeQuotaExceeded       ErrorCode = 1002
	ErrCodeInvalidTenantAccess ErrorCode = 1003
	ErrCodeSecurity            ErrorCode = 1004
	ErrCodeConfiguration       ErrorCode = 1005
	ErrCodeSerialization       ErrorCode = 1006

	// Infrastructure errors
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeConnection    ErrorCode = 2001
	ErrCodeTimeout       ErrorCode = 2002
	ErrCodeCompression   ErrorCode = 2003
	ErrCodeCache         ErrorCode = 2004
	ErrCodeState         ErrorCode = 2005
	ErrCodeTenant        ErrorCode = 2006
	ErrCodeCoordination  ErrorCode = 2007
	ErrCodePerformance   ErrorCode = 2008
	ErrCodeDataIntegrity ErrorCode = 2009
	ErrCodeFilesystem    ErrorCode = 2010
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                  "ok",
	ErrCodeInvalidArgument:     "invalid_argument",
	ErrCodeNotFound:            "not_found",
	ErrCodeQuotaExceeded:       "quota_exceeded",
	ErrCodeInvalidTenantAccess: "invalid_tenant_access",
	ErrCodeSecurity:            "security",
	ErrCodeConfiguration:       "configuration",
	ErrCodeSerialization:       "serialization",
	ErrCodeInternal:            "internal",
	ErrCodeConnection:          "connection",
	ErrCodeTimeout:             "timeout",
	ErrCodeCompression:         "compression",
	ErrCodeCache:               "cache",
	ErrCodeState:               "state",
	ErrCodeTenant:              "tenant",
	ErrCodeCoordination:        "coordination",
	ErrCodePerformance:         "performance",
	ErrCodeDataIntegrity:       "data_integrity",
	ErrCodeFilesystem:          "filesystem",
}

// String returns the snake_case name used in logs and metric labels
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// PersistenceError represents a structured error with code and context
type PersistenceError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *PersistenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts PersistenceError to gRPC status
func (e *PersistenceError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *PersistenceError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeConfiguration, ErrCodeSerialization:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeQuotaExceeded:
		return codes.ResourceExhausted
	case ErrCodeInvalidTenantAccess, ErrCodeSecurity:
		return codes.PermissionDenied
	case ErrCodeTenant:
		return codes.FailedPrecondition
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeConnection, ErrCodeCoordination:
		return codes.Unavailable
	case ErrCodeDataIntegrity:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewPersistenceError creates a new PersistenceError
func NewPersistenceError(code ErrorCode, message string, cause error) *PersistenceError {
	return &PersistenceError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *PersistenceError) WithDetail(key string, value interface{}) *PersistenceError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(kind, id string) *PersistenceError {
	return NewPersistenceError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func Connection(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeConnection, message, cause)
}

func Serialization(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeSerialization, message, cause)
}

func Compression(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeCompression, message, cause)
}

func Configuration(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeConfiguration, message, cause)
}

func Cache(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeCache, message, cause)
}

func State(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeState, message, cause)
}

func Tenant(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeTenant, message, cause)
}

func Coordination(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeCoordination, message, cause)
}

func Security(message string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeSecurity, message, cause)
}

func Filesystem(path string, cause error) *PersistenceError {
	return NewPersistenceError(ErrCodeFilesystem, fmt.Sprintf("filesystem operation failed on %s", path), cause).
		WithDetail("path", path)
}

func Performance(operation string, elapsedMs, targetMs int64) *PersistenceError {
	return NewPersistenceError(ErrCodePerformance, fmt.Sprintf("%s took %dms, target %dms", operation, elapsedMs, targetMs), nil).
		WithDetail("operation", operation).
		WithDetail("elapsed_ms", elapsedMs).
		WithDetail("target_ms", targetMs)
}

func QuotaExceeded(resource string, limit, current int64) *PersistenceError {
	return NewPersistenceError(ErrCodeQuotaExceeded, fmt.Sprintf("quota exceeded for %s: limit %d, current %d", resource, limit, current), nil).
		WithDetail("resource", resource).
		WithDetail("limit", limit).
		WithDetail("current", current)
}

func Timeout(timeoutMs int64) *PersistenceError {
	return NewPersistenceError(ErrCodeTimeout, fmt.Sprintf("operation timed out after %dms", timeoutMs), nil).
		WithDetail("timeout_ms", timeoutMs)
}

func InvalidTenantAccess(tenantID, resource, action string) *PersistenceError {
	return NewPersistenceError(ErrCodeInvalidTenantAccess, fmt.Sprintf("tenant %s may not %s %s", tenantID, action, resource), nil).
		WithDetail("tenant_id", tenantID).
		WithDetail("resource", resource).
		WithDetail("action", action)
}

func DataIntegrity(subject, expected, actual string) *PersistenceError {
	return NewPersistenceError(ErrCodeDataIntegrity, fmt.Sprintf("integrity check failed for %s: expected %s, got %s", subject, expected, actual), nil).
		WithDetail("subject", subject).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

// AsPersistenceError finds the first PersistenceError in the chain
func AsPersistenceError(err error) (*PersistenceError, bool) {
	var pe *PersistenceError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsPersistenceError checks if an error is a PersistenceError
func IsPersistenceError(err error) bool {
	_, ok := AsPersistenceError(err)
	return ok
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if pe, ok := AsPersistenceError(err); ok {
		return pe.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether a caller-level retry policy may retry the operation.
// A Cache or State error wrapping a transport failure is retryable; quota,
// access and integrity failures cannot succeed without remediation.
func IsRetryable(err error) bool {
	for err != nil {
		pe, ok := AsPersistenceError(err)
		if !ok {
			return false
		}
		switch pe.Code {
		case ErrCodeConnection, ErrCodeTimeout:
			return true
		case ErrCodeCache, ErrCodeState, ErrCodeCoordination:
			err = pe.Cause
		default:
			return false
		}
	}
	return false
}
