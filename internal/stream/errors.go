package stream

import "errors"

// Error taxonomy for the streaming pipeline. Validation failures are reported
// to the caller before anything touches the network; protocol failures are
// swallowed where they occur; transport and timeout failures drive the
// controller's retry policy and only reach the user once retries are
// exhausted; server failures are surfaced immediately.
var (
	// ErrValidation marks an empty question or a missing session identifier.
	ErrValidation = errors.New("validation failed")
	// ErrProtocol marks an unusable stream payload. It is never surfaced to
	// callers; dropped frames are logged under it.
	ErrProtocol = errors.New("unusable stream payload")
	// ErrTransport marks a connection that could not be established or
	// dropped mid-stream.
	ErrTransport = errors.New("transport failed")
	// ErrServer marks an explicit error frame from the backend.
	ErrServer = errors.New("server rejected the request")
	// ErrTimeout marks an exceeded inactivity window, including the wait for
	// the stream to open.
	ErrTimeout = errors.New("stream timed out")
	// ErrStreamActive is returned when an operation requires the session to
	// be idle.
	ErrStreamActive = errors.New("stream already active")
)
