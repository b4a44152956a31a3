package models

import "time"

// StreamStatus describes the lifecycle of a streaming exchange with the
// backend. A session moves through these states under the control of the
// stream controller; the status field doubles as the guard that serializes
// concurrent callbacks (token arrival, timeout, cancel).
type StreamStatus string

const (
	// StreamIdle means no exchange is in flight for the session.
	StreamIdle StreamStatus = "idle"
	// StreamConnecting means a subscription is being established but no
	// frame has arrived yet.
	StreamConnecting StreamStatus = "connecting"
	// StreamStreaming means tokens are flowing into the draft.
	StreamStreaming StreamStatus = "streaming"
	// StreamReconnecting means the previous subscription dropped and a
	// client-initiated retry is pending or in flight.
	StreamReconnecting StreamStatus = "reconnecting"
	// StreamDone is a terminal state: the draft has been finalized.
	StreamDone StreamStatus = "done"
	// StreamFailed is a terminal state: retries were exhausted or the
	// exchange was aborted with nothing to show.
	StreamFailed StreamStatus = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s StreamStatus) Terminal() bool {
	return s == StreamDone || s == StreamFailed
}

// QueueEntry is a user question captured while the client was offline,
// awaiting replay. Entries are persisted JSON-serialized and replayed in
// enqueue order once connectivity returns.
type QueueEntry struct {
	Question  string    `json:"question"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}
