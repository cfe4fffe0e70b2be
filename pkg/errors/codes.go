package errors

import "fmt"

// ErrorCode represents a unique identifier for specific error conditions in Cohort.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// IPC boundary
	ErrCodePipeBroken ErrorCode = 2001
	ErrCodeProtocol   ErrorCode = 2002

	// Process lifecycle
	ErrCodeSpawnFailed   ErrorCode = 3001
	ErrCodeHandoffFailed ErrorCode = 3002
	ErrCodeListenFailed  ErrorCode = 3003

	// Collaborators
	ErrCodeHookFailed   ErrorCode = 4001
	ErrCodeEngineFailed ErrorCode = 4002
)

// CohortError is a structured error carrying a code, the operation being
// performed, a message and the underlying cause.
type CohortError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

func (e *CohortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

func (e *CohortError) Unwrap() error {
	return e.Err
}

// New creates a new CohortError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &CohortError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the first CohortError in err's chain, or
// ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if ce, ok := err.(*CohortError); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeUnknown
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Personal.AI order the ending
