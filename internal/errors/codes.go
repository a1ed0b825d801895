package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeNotFound         ErrorCode = 1001
	ErrCodeManifestConflict ErrorCode = 1002
	ErrCodeNameInvalid      ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal             ErrorCode = 2000
	ErrCodeDurabilityImpossible ErrorCode = 2001
	ErrCodeNotMyVBucket         ErrorCode = 2002
	ErrCodeRollbackRequired     ErrorCode = 2003
)

// EngineError represents a structured error with code and context
type EngineError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts EngineError to gRPC status
func (e *EngineError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *EngineError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeNameInvalid:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeManifestConflict, ErrCodeDurabilityImpossible:
		return codes.FailedPrecondition
	case ErrCodeNotMyVBucket:
		return codes.Unavailable
	case ErrCodeRollbackRequired:
		return codes.OutOfRange
	default:
		return codes.Internal
	}
}

// NewEngineError creates a new EngineError
func NewEngineError(code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInvalidArgument, message, cause)
}

func InvalidArgumentf(format string, args ...interface{}) *EngineError {
	return NewEngineError(ErrCodeInvalidArgument, fmt.Sprintf(format, args...), nil)
}

func NotFound(what, name string) *EngineError {
	return NewEngineError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", what, name), nil).
		WithDetail("name", name)
}

// ManifestConflict reports a collections manifest that cannot be applied
// as a successor of the current one.
func ManifestConflict(reason string) *EngineError {
	return NewEngineError(ErrCodeManifestConflict,
		"cannot apply collections manifest: "+reason, nil)
}

// InvalidName reports a scope or collection name that fails the naming
// rules.
func InvalidName(kind, name string) *EngineError {
	return NewEngineError(ErrCodeNameInvalid,
		fmt.Sprintf("invalid %s name: %q", kind, name), nil).
		WithDetail("name", name)
}

// DurabilityImpossible reports a durable write that cannot be satisfied
// under the installed replication topology.
func DurabilityImpossible(chainSize, majority int) *EngineError {
	return NewEngineError(ErrCodeDurabilityImpossible,
		fmt.Sprintf("durability impossible: chain size %d below majority %d",
			chainSize, majority), nil).
		WithDetail("chain_size", chainSize).
		WithDetail("majority", majority)
}

// RollbackRequired reports that a stream consumer must roll back before
// it can resume from this producer.
func RollbackRequired(rollbackSeqno uint64, reason string) *EngineError {
	return NewEngineError(ErrCodeRollbackRequired,
		fmt.Sprintf("rollback to seqno %d required: %s", rollbackSeqno, reason), nil).
		WithDetail("rollback_seqno", rollbackSeqno)
}

func InternalError(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInternal, message, cause)
}

// Fatalf reports an unrecoverable invariant violation. The engine state
// can no longer be trusted, so the process terminates instead of
// carrying on with a corrupt durability monitor.
func Fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

// IsEngineError checks if an error is an EngineError
func IsEngineError(err error) bool {
	_, ok := err.(*EngineError)
	return ok
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if ee, ok := err.(*EngineError); ok {
		return ee.Code
	}
	return ErrCodeInternal
}
