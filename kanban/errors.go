package kanban

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation policy and HTTP mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindBusy       Kind = "busy"
	KindTimeout    Kind = "timeout"
	KindExternal   Kind = "external"
	KindInternal   Kind = "internal"
)

// Error is the typed error every layer of the core returns.
// Conflict errors carry the card's current UpdatedAt so the caller can
// retry with a fresh precondition; External errors carry captured output.
type Error struct {
	Kind             Kind
	Msg              string
	CurrentUpdatedAt *time.Time
	Output           string
	Err              error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a Validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error without a timestamp payload.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// ConflictUpdatedAt builds the optimistic-lock Conflict, carrying the
// card's current UpdatedAt.
func ConflictUpdatedAt(current time.Time, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...), CurrentUpdatedAt: &current}
}

// Busyf builds a Busy error (resource cap hit).
func Busyf(format string, args ...any) *Error {
	return &Error{Kind: KindBusy, Msg: fmt.Sprintf(format, args...)}
}

// Timeoutf builds a Timeout error.
func Timeoutf(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Msg: fmt.Sprintf(format, args...)}
}

// Externalf builds an External error with the subprocess output attached.
func Externalf(output string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternal, Msg: fmt.Sprintf(format, args...), Output: output, Err: err}
}

// Internalf builds an Internal error wrapping err.
func Internalf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsBusy reports whether err is a Busy error.
func IsBusy(err error) bool { return IsKind(err, KindBusy) }

// AsError extracts the typed error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
