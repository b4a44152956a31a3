// Package protocol defines the wire vocabulary spoken by the assistant
// backend's streaming endpoint: raw server-sent events and the classified
// frames the stream controller consumes.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is a raw server-sent event as delivered by the transport: the SSE
// event type (often empty for unnamed events) and the data payload.
type Event struct {
	Type string
	Data string
}

// FrameKind discriminates the Frame tagged union.
type FrameKind int

const (
	// FrameSkip marks a payload that carries nothing for the client: empty
	// or whitespace-only data, unparseable protocol noise, or raw transport
	// framing that must never reach the rendered message.
	FrameSkip FrameKind = iota
	// FrameToken carries a chunk of assistant response text.
	FrameToken
	// FrameMetadata carries the server-assigned message identifier.
	FrameMetadata
	// FrameControl carries a non-content signal such as a server-driven
	// retry or a timeout notification.
	FrameControl
	// FrameError carries an explicit error reported by the backend.
	FrameError
	// FrameDone terminates the stream.
	FrameDone
)

// ControlKind identifies the control signal carried by a FrameControl.
type ControlKind string

const (
	// ControlRetry is a server-driven request to keep the subscription open
	// while the backend re-attempts generation.
	ControlRetry ControlKind = "retry"
	// ControlTimeout signals that the backend gave up waiting on its model.
	ControlTimeout ControlKind = "timeout"
	// ControlConnectionError signals a backend-side connection problem.
	ControlConnectionError ControlKind = "connection_error"
	// ControlNoTokens signals that generation produced no output.
	ControlNoTokens ControlKind = "no_tokens"
	// ControlUnexpected signals an unclassified backend failure.
	ControlUnexpected ControlKind = "unexpected_error"
)

// Frame is a classified stream event. Exactly the fields implied by Kind are
// meaningful.
type Frame struct {
	Kind FrameKind

	// Text is the token text for FrameToken.
	Text string
	// MessageID is the server-assigned identifier for FrameMetadata.
	MessageID string
	// Control is the signal kind for FrameControl.
	Control ControlKind
	// Message is the backend's error description for FrameError.
	Message string
}

// The done signal arrives either as a distinct SSE event type or as an
// in-band data marker, depending on backend version. Both are accepted.
const (
	doneEventType = "done"
	doneMarker    = "[DONE]"
)

var controlMarkers = map[string]ControlKind{
	"[STREAM_RETRY]":     ControlRetry,
	"[STREAM_TIMEOUT]":   ControlTimeout,
	"[CONNECTION_ERROR]": ControlConnectionError,
	"[NO_TOKENS]":        ControlNoTokens,
	"[ERROR]":            ControlUnexpected,
}

// MessageID accepts both string and numeric JSON encodings, since backend
// versions disagree on the type of the message_id field.
type MessageID string

// UnmarshalJSON implements json.Unmarshaler.
func (m *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*m = MessageID(n.String())
		return nil
	}
	return fmt.Errorf("message_id is neither string nor number: %s", string(data))
}

type streamPayload struct {
	Response  *string    `json:"response"`
	MessageID *MessageID `json:"message_id"`
	Error     *string    `json:"error"`
}

// Parse classifies a raw event into a Frame. It never fails: payloads that
// cannot be understood degrade to FrameToken when they look like plain text,
// and to FrameSkip when they look like leaked transport framing or are empty.
func Parse(ev Event) Frame {
	data := strings.TrimSpace(ev.Data)

	if ev.Type == doneEventType || data == doneMarker {
		return Frame{Kind: FrameDone}
	}

	if kind, ok := controlMarkers[data]; ok {
		return Frame{Kind: FrameControl, Control: kind}
	}

	if data == "" {
		return Frame{Kind: FrameSkip}
	}

	var payload streamPayload
	if err := json.Unmarshal([]byte(data), &payload); err == nil {
		switch {
		case payload.MessageID != nil:
			return Frame{Kind: FrameMetadata, MessageID: string(*payload.MessageID)}
		case payload.Response != nil:
			return Frame{Kind: FrameToken, Text: *payload.Response}
		case payload.Error != nil:
			return Frame{Kind: FrameError, Message: *payload.Error}
		default:
			// A well-formed object with none of the known fields is
			// protocol noise, not user-visible text.
			return Frame{Kind: FrameSkip}
		}
	}

	// Unparseable payloads are kept as literal token text, except when they
	// still carry SSE framing; leaking "data:" lines into the rendered
	// message is worse than dropping them.
	if strings.Contains(ev.Data, "data:") {
		return Frame{Kind: FrameSkip}
	}

	return Frame{Kind: FrameToken, Text: ev.Data}
}
