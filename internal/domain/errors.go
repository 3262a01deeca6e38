package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrConfigInvalid        = fmt.Errorf("invalid server configuration")
	ErrTransportUnavailable = fmt.Errorf("transport unavailable")
	ErrDiscoveryFailed      = fmt.Errorf("tool discovery failed")
	ErrMissingParameter     = fmt.Errorf("missing required parameter")
	ErrToolExecutionFailed  = fmt.Errorf("tool execution failed")
	ErrTimeout              = fmt.Errorf("operation timed out")
	ErrFeatureDisabled      = fmt.Errorf("feature disabled")
	ErrUnknownTarget        = fmt.Errorf("unknown target")
	ErrNotConnected         = fmt.Errorf("server not connected")
	ErrRateLimited          = fmt.Errorf("rate limit exceeded")
	ErrToolNotFound         = fmt.Errorf("tool not found")
	ErrDuplicate            = fmt.Errorf("duplicate")
	ErrSessionBusy          = fmt.Errorf("session already processing")
	ErrEmptyMessage         = fmt.Errorf("empty message")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Manager.Invoke")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category carried in structured tool
// results and used for monitoring.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeConfigInvalid       ErrorCode = "CONFIG_INVALID"
	CodeTransportUnavail    ErrorCode = "TRANSPORT_UNAVAILABLE"
	CodeDiscoveryFailed     ErrorCode = "DISCOVERY_FAILED"
	CodeMissingParameter    ErrorCode = "MISSING_PARAMETER"
	CodeToolExecutionFailed ErrorCode = "TOOL_EXECUTION_FAILED"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeFeatureDisabled     ErrorCode = "FEATURE_DISABLED"
	CodeUnknownTarget       ErrorCode = "UNKNOWN_TARGET"
	CodeNotConnected        ErrorCode = "NOT_CONNECTED"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	CodeUnhandled           ErrorCode = "UNHANDLED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrConfigInvalid:        CodeConfigInvalid,
	ErrTransportUnavailable: CodeTransportUnavail,
	ErrDiscoveryFailed:      CodeDiscoveryFailed,
	ErrMissingParameter:     CodeMissingParameter,
	ErrToolExecutionFailed:  CodeToolExecutionFailed,
	ErrTimeout:              CodeTimeout,
	ErrFeatureDisabled:      CodeFeatureDisabled,
	ErrUnknownTarget:        CodeUnknownTarget,
	ErrNotConnected:         CodeNotConnected,
	ErrRateLimited:          CodeRateLimited,
	ErrToolNotFound:         CodeToolNotFound,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
