package billing

import "errors"

// Caller-contract violations. These are programming errors, distinct from
// the recoverable *Result outcomes.
var (
	ErrDisposed         = errors.New("billing session is disposed")
	ErrNotReady         = errors.New("billing session is not ready")
	ErrAlreadyConnected = errors.New("billing session already connected")
	ErrAsyncInProgress  = errors.New("another async operation is in progress")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrMalformedBundle  = errors.New("malformed bundle")
)
