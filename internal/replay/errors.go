package replay

import (
	"errors"
	"fmt"

	"github.com/roach88/mirage/internal/ir"
)

// ErrorCode categorizes replay-operation errors.
type ErrorCode string

const (
	// ErrCodeUndefined indicates the target was the result of an operation
	// that produced nothing (or failed).
	ErrCodeUndefined ErrorCode = "UNDEFINED_TARGET"

	// ErrCodeUnknownKind indicates the record's kind is not one of the four.
	ErrCodeUnknownKind ErrorCode = "UNKNOWN_KIND"

	// ErrCodeMissingRef indicates an argument references an id the
	// Reference Map has never seen.
	ErrCodeMissingRef ErrorCode = "MISSING_REF"

	// ErrCodeNoChannel indicates a callback marker could not be resolved.
	ErrCodeNoChannel ErrorCode = "NO_CHANNEL"

	// ErrCodeMissingTransfer indicates more transfer markers than resources.
	ErrCodeMissingTransfer ErrorCode = "MISSING_TRANSFER"

	// ErrCodeOpaque indicates an argument is a non-serializable placeholder.
	ErrCodeOpaque ErrorCode = "OPAQUE_VALUE"

	// ErrCodeHost indicates the host rejected the operation.
	ErrCodeHost ErrorCode = "HOST_ERROR"

	// ErrCodePanic indicates the operation panicked.
	ErrCodePanic ErrorCode = "PANIC"
)

// OpError is the error attached to a failed Result.
type OpError struct {
	Code     ErrorCode
	Index    int
	Kind     ir.Kind
	Target   ir.ID
	Property string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	loc := fmt.Sprintf("op %d %s %s", e.Index, e.Kind, e.Target)
	if e.Property != "" {
		loc += "." + e.Property
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Code, loc, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, loc, e.Message)
}

// Unwrap returns the underlying host error, if any.
func (e *OpError) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first OpError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// resolveError is raised while resolving markers, before the op runs.
type resolveError struct {
	code ErrorCode
	msg  string
}

func (e *resolveError) Error() string {
	return e.msg
}

func newOpError(idx int, op ir.Operation, code ErrorCode, msg string, err error) *OpError {
	return &OpError{
		Code:     code,
		Index:    idx,
		Kind:     op.Kind,
		Target:   op.Target,
		Property: op.Property,
		Message:  msg,
		Err:      err,
	}
}
