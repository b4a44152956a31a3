package stream

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dokuchat/streamclient/internal/models"
)

// Draft is the handle to the assistant message being filled during one
// streaming exchange. All mutations funnel through it, which keeps the
// State the sole writer while a stream is active. Methods are safe for
// concurrent use; once the draft is finalized every further mutation is a
// no-op.
type Draft struct {
	state     *State
	sessionID string
	// index is the draft's position in the session's message list. The
	// list is append-only, so the position is stable.
	index int

	finalized  bool
	tokenCount int
}

// SessionID returns the owning session.
func (d *Draft) SessionID() string {
	return d.sessionID
}

// TokenCount returns the number of tokens applied so far.
func (d *Draft) TokenCount() int {
	s := d.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.tokenCount
}

// Content returns the accumulated draft content.
func (d *Draft) Content() string {
	s := d.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[d.sessionID][d.index].Content
}

// Finalized reports whether the draft has reached its terminal state.
func (d *Draft) Finalized() bool {
	s := d.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.finalized
}

// AppendToken concatenates token text to the draft in arrival order. Tokens
// arriving after finalization are dropped, never applied.
func (d *Draft) AppendToken(text string) {
	s := d.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.finalized {
		s.logger.Debug("Dropping token for finalized draft",
			slog.String("sessionID", d.sessionID))
		return
	}

	msg := &s.messages[d.sessionID][d.index]
	msg.Content += text
	msg.Status = models.StatusStreaming
	d.tokenCount++

	// Publication may be throttled; the content mutation above never is.
	if d.tokenCount%s.publishEvery == 0 {
		s.publishLocked(d.sessionID, "")
	}
}

// SetMessageID records the server-assigned identifier. The identifier is set
// at most once; a second call with a different value is a data inconsistency
// that is logged and ignored.
func (d *Draft) SetMessageID(id string) {
	s := d.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.finalized {
		return
	}

	msg := &s.messages[d.sessionID][d.index]
	switch {
	case msg.ID == "":
		msg.ID = id
		s.publishLocked(d.sessionID, "")
	case msg.ID != id:
		s.logger.Warn("Conflicting message id from backend",
			slog.String("sessionID", d.sessionID),
			slog.String("have", msg.ID),
			slog.String("got", id))
	}
}

// Notice publishes a transient notice alongside the current content, without
// touching the draft itself.
func (d *Draft) Notice(text string) {
	s := d.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.finalized {
		return
	}
	s.publishLocked(d.sessionID, text)
}

// Finalize closes the draft with the given outcome. It is idempotent: only
// the first call mutates the message and triggers the session-list refresh.
func (d *Draft) Finalize(outcome Outcome) {
	s := d.state
	s.mu.Lock()
	did := s.finalizeLocked(d, outcome, "")
	s.mu.Unlock()

	if did {
		s.refresh(d.sessionID)
	}
}

// FinalizeServerError closes the draft after an explicit backend error,
// surfacing the backend's message when there is no partial answer to keep.
func (d *Draft) FinalizeServerError(message string) {
	s := d.state
	s.mu.Lock()
	did := s.finalizeLocked(d, OutcomeFailed, message)
	s.mu.Unlock()

	if did {
		s.logger.Error("Backend rejected the exchange",
			slog.String("sessionID", d.sessionID),
			slog.String("err", fmt.Errorf("%w: %s", ErrServer, message).Error()))
		s.refresh(d.sessionID)
	}
}

// finalizeLocked applies the outcome to the draft message. Callers must hold
// s.mu. It reports whether this call performed the finalization.
func (s *State) finalizeLocked(d *Draft, outcome Outcome, detail string) bool {
	if d.finalized {
		return false
	}
	d.finalized = true
	delete(s.active, d.sessionID)

	msg := &s.messages[d.sessionID][d.index]
	content := strings.TrimRight(msg.Content, " \t\n")

	switch outcome {
	case OutcomeSuccess:
		msg.Content = content
		msg.Status = models.StatusSent
	case OutcomeEmptyResponse:
		msg.Content = EmptyResponseText
		msg.Status = models.StatusSent
	case OutcomeAborted:
		if content != "" {
			msg.Content = content + AbortedNotice
			msg.Status = models.StatusSent
		} else {
			msg.Content = AbortedEmptyText
			msg.Status = models.StatusError
		}
	case OutcomeTimedOut, OutcomeFailed:
		switch {
		case content != "":
			msg.Content = content + InterruptedNotice
			msg.Status = models.StatusSent
		case detail != "":
			msg.Content = detail
			msg.Status = models.StatusError
		default:
			msg.Content = NetworkFailureText
			msg.Status = models.StatusError
		}
	}

	s.publishLocked(d.sessionID, "")
	return true
}
