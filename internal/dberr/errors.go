// Package dberr defines the driver's error taxonomy as sentinel errors,
// shared by every internal package so callers can use errors.Is regardless
// of which layer produced the failure.
package dberr

import "errors"

var (
	// ErrIo covers socket create/connect/read/write failure and file I/O
	// failure in the ingestion pipeline.
	ErrIo = errors.New("areadet: io error")
	// ErrTimeout is returned when a command's deadline elapses before the
	// channel reaches the expected terminal state.
	ErrTimeout = errors.New("areadet: timeout")
	// ErrProtocol covers a server ERR reply, or an OK reply that failed to
	// parse where a value was expected.
	ErrProtocol = errors.New("areadet: protocol error")
	// ErrBusy is returned by start_acquisition when already Running.
	ErrBusy = errors.New("areadet: acquisition already running")
	// ErrSafetyInterlock is returned by start_acquisition when a
	// temperature or humidity reading is at or above its configured limit.
	ErrSafetyInterlock = errors.New("areadet: safety interlock")
	// ErrNotSupported is returned when the capability probe has determined
	// the connected server lacks a command.
	ErrNotSupported = errors.New("areadet: command not supported by server")
	// ErrDecode covers an ingestion file that could not be decoded (short
	// read, or a size mismatch after the header skip). The pipeline retries
	// such a file on its next write event, with no retry limit.
	ErrDecode = errors.New("areadet: frame decode error")
	// ErrOverrun names the pending-frame-map overrun. No call returns it:
	// an overrun forces the control channel into Error via ForceError.
	ErrOverrun = errors.New("areadet: frame pipeline overrun")
)

// Error wraps one of the sentinels above with a human-readable message,
// implementing Unwrap so errors.Is(err, dberr.ErrProtocol) keeps working
// after the server's verbatim text is attached.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

// Wrap builds an *Error from a sentinel kind and a message.
func Wrap(kind error, message string) error {
	return &Error{Kind: kind, Message: message}
}
