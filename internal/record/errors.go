package record

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a classified meshlog failure.
//
// Codes fall into the categories callers act on differently:
//   - transport: TRANSPORT, CANCELLED (retry on schedule)
//   - protocol/identity: IDENTITY_MISMATCH, SELF_SYNC, RECEIPT_NOT_FOUND,
//     UNKNOWN_CENTER (fatal for the session)
//   - resource exhaustion: EXHAUSTED_RANGE, BAD_POLICY (operator action)
//   - authorization: NO_USER, PERMISSION_DENIED, CENTER_ID_IMMUTABLE
//     (rejected before any side effect)
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]string
	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes an Error.
type ErrorCode string

const (
	ErrCodeExhaustedRange    ErrorCode = "EXHAUSTED_RANGE"
	ErrCodeNoUser            ErrorCode = "NO_USER"
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrCodeIdentityMismatch  ErrorCode = "IDENTITY_MISMATCH"
	ErrCodeSelfSync          ErrorCode = "SELF_SYNC"
	ErrCodeReceiptNotFound   ErrorCode = "RECEIPT_NOT_FOUND"
	ErrCodeUnknownCenter     ErrorCode = "UNKNOWN_CENTER"
	ErrCodeCenterIDImmutable ErrorCode = "CENTER_ID_IMMUTABLE"
	ErrCodeBadPolicy         ErrorCode = "BAD_POLICY"
	ErrCodeRecordClosed      ErrorCode = "RECORD_CLOSED"
	ErrCodeTransport         ErrorCode = "TRANSPORT"
	ErrCodeCancelled         ErrorCode = "CANCELLED"
	ErrCodeNotInitialized    ErrorCode = "NOT_INITIALIZED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates an Error with the given code around cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf returns the code of the first *Error in err's chain, "" if none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsExhaustedRange returns true if the error is an ID-range exhaustion.
func IsExhaustedRange(err error) bool { return HasCode(err, ErrCodeExhaustedRange) }

// IsNoUser returns true if a mutation lacked an attributable user.
func IsNoUser(err error) bool { return HasCode(err, ErrCodeNoUser) }

// IsIdentityMismatch returns true if a peer answered with an unexpected center ID.
func IsIdentityMismatch(err error) bool { return HasCode(err, ErrCodeIdentityMismatch) }

// IsTransient returns true for failures worth retrying on the next schedule.
func IsTransient(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeTransport || code == ErrCodeCancelled
}

// NewExhaustedRangeError reports a full ID partition.
func NewExhaustedRangeError(table Table, p Partition) *Error {
	return &Error{
		Code:    ErrCodeExhaustedRange,
		Message: fmt.Sprintf("no free %s ID in %s", table, p),
		Details: map[string]string{"table": string(table), "center_id": fmt.Sprint(p.CenterID)},
	}
}

// NewNoUserError reports a mutation without an attributable user.
func NewNoUserError(op string) *Error {
	return &Error{Code: ErrCodeNoUser, Message: op + ": no attributable user"}
}

// NewIdentityMismatchError reports a peer that answered with another center ID.
func NewIdentityMismatchError(center string, expected, actual int) *Error {
	return &Error{
		Code:    ErrCodeIdentityMismatch,
		Message: fmt.Sprintf("center %q is %d but peer answered as %d", center, expected, actual),
		Details: map[string]string{"expected": fmt.Sprint(expected), "actual": fmt.Sprint(actual)},
	}
}

// BatchError collects per-record failures of a batch operation. The batch
// still completes every other record.
type BatchError struct {
	Op       string
	Failures []error
}

// Add records one failure. Nil errors are ignored.
func (b *BatchError) Add(err error) {
	if err != nil {
		b.Failures = append(b.Failures, err)
	}
}

// Err returns b if it holds failures, nil otherwise.
func (b *BatchError) Err() error {
	if b == nil || len(b.Failures) == 0 {
		return nil
	}
	return b
}

func (b *BatchError) Error() string {
	msgs := make([]string, len(b.Failures))
	for i, f := range b.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%s: %d failure(s): %s", b.Op, len(b.Failures), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (b *BatchError) Unwrap() []error {
	return b.Failures
}
