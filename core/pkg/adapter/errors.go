package adapter

import "errors"

// Sentinel errors partition every broker and adapter failure into the
// categories spec.md §6 calls out. Wrap with fmt.Errorf("...: %w", ErrX) to
// add detail while keeping Code() able to recover the category.
var (
	// ErrInvalidArgument reports a programmer error: a nil pointer, an empty
	// required string, or a malformed value passed to an entry point.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState reports an operation attempted in the wrong lifecycle
	// state (publish/subscribe before Initialize).
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound reports a missing target, protocol, or pipe destination.
	ErrNotFound = errors.New("not found")

	// ErrNotImplemented reports an adapter capability the protocol does not
	// support (e.g. create_subscription on a write-only protocol like s3).
	ErrNotImplemented = errors.New("not implemented")

	// ErrTimeout reports a deadline exceeded on an adapter operation.
	ErrTimeout = errors.New("timeout")

	// ErrGenericFail is the catch-all for adapter-reported delivery failures
	// that don't fit a more specific category.
	ErrGenericFail = errors.New("generic failure")
)

// Code identifies the error category a broker or adapter error belongs to.
type Code int

const (
	CodeOK Code = iota
	CodeOKNoop
	CodeInvalidArgument
	CodeInvalidState
	CodeNotFound
	CodeNotImplemented
	CodeTimeout
	CodeGenericFail
)

// ErrCode unwraps err to the Code it was built from. A nil error is CodeOK;
// an error not wrapping one of the package sentinels is CodeGenericFail.
func ErrCode(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotImplemented):
		return CodeNotImplemented
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeGenericFail
	}
}
