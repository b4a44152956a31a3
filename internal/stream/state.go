// Package stream implements the client-side streaming pipeline for the
// assistant backend: per-session chat state with incremental draft
// accumulation, an explicit reconnection and timeout state machine, and the
// engine that ties both to the transport and the offline queue.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dokuchat/streamclient/internal/models"
)

// User-facing texts for the degraded outcomes. Partial answers are never
// discarded; they are annotated with one of the inline notices instead.
const (
	// EmptyResponseText replaces the content of a draft that finished
	// without producing any tokens.
	EmptyResponseText = "The assistant did not return an answer. Please try again."
	// NetworkFailureText replaces the content of a draft whose connection
	// was lost before anything arrived.
	NetworkFailureText = "The answer could not be loaded because the connection to the server was lost. Please try again."
	// DeferredText is the placeholder shown for questions captured while
	// offline.
	DeferredText = "This question will be sent as soon as the connection is restored."

	// AbortedNotice is appended to a partial answer when the user cancels.
	AbortedNotice = "\n\n_Response stopped._"
	// AbortedEmptyText replaces the content of a draft cancelled before
	// anything arrived.
	AbortedEmptyText = "The response was stopped before an answer arrived."
	// InterruptedNotice is appended to a partial answer when the stream
	// died before completion.
	InterruptedNotice = "\n\n_The connection was interrupted before the answer was complete._"
	// ReconnectingNotice is the transient notice shown while the backend
	// re-attempts generation.
	ReconnectingNotice = "Reconnecting..."
)

// Outcome describes how a draft was finalized.
type Outcome int

const (
	// OutcomeSuccess finalizes the draft with the accumulated content.
	OutcomeSuccess Outcome = iota
	// OutcomeEmptyResponse finalizes a draft that never received content.
	OutcomeEmptyResponse
	// OutcomeAborted finalizes a draft after an explicit user cancel.
	OutcomeAborted
	// OutcomeTimedOut finalizes a draft after the inactivity window expired.
	OutcomeTimedOut
	// OutcomeFailed finalizes a draft after retries were exhausted or the
	// backend reported a definitive error.
	OutcomeFailed
)

// Snapshot is the immutable view published to the observer after every
// mutation. The embedding UI renders snapshots and never mutates state
// directly.
type Snapshot struct {
	SessionID string
	Status    models.StreamStatus
	Messages  []models.ChatMessage
	// Notice is a transient banner (e.g. while the server re-attempts
	// generation); it is cleared by the next content mutation.
	Notice string
}

// Observer receives state snapshots. It is invoked synchronously in mutation
// order while the state lock is held: implementations must work from the
// snapshot alone and must not call back into State.
type Observer func(Snapshot)

// RefreshFunc reloads the session list from the backend. It is idempotent
// and called exactly once per finalized exchange, so server-generated titles
// become visible.
type RefreshFunc func(ctx context.Context) error

// State owns the per-session message lists. It is the sole writer during an
// active stream; all mutations go through the Draft handle returned by
// BeginStream, and every mutation publishes a fresh snapshot.
type State struct {
	mu sync.Mutex

	messages     map[string][]models.ChatMessage
	status       map[string]models.StreamStatus
	lastQuestion map[string]string
	active       map[string]*Draft

	observer        Observer
	refreshSessions RefreshFunc

	// publishEvery throttles snapshot publication to every Nth token.
	// Tokens are always applied; only repaint is deferred.
	publishEvery int

	logger *slog.Logger
}

// NewState creates an empty State. A publishEvery of 1 (or less) publishes a
// snapshot for every token.
func NewState(refresh RefreshFunc, publishEvery int, logger *slog.Logger) *State {
	if publishEvery < 1 {
		publishEvery = 1
	}
	return &State{
		messages:        make(map[string][]models.ChatMessage),
		status:          make(map[string]models.StreamStatus),
		lastQuestion:    make(map[string]string),
		active:          make(map[string]*Draft),
		refreshSessions: refresh,
		publishEvery:    publishEvery,
		logger:          logger.With(slog.String("module", "stream")),
	}
}

// SetObserver registers the snapshot observer. It replaces any previous one.
func (s *State) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Messages returns a copy of the message list for the given session.
func (s *State) Messages(sessionID string) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out
}

// LastQuestion returns the most recent question sent for the session, used
// by the retry operation.
func (s *State) LastQuestion(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuestion[sessionID]
}

// BeginStream validates the inputs and, on success, appends the user message
// and an empty assistant draft to the session, in that order. The returned
// Draft is the only handle through which the draft may be mutated. A failed
// validation has no side effect.
func (s *State) BeginStream(sessionID, question string) (*Draft, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question is empty", ErrValidation)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is missing", ErrValidation)
	}

	s.mu.Lock()

	// The engine tears down any previous exchange before starting a new
	// one; an unfinalized draft here is a bookkeeping inconsistency.
	abortedPrev := false
	if prev, ok := s.active[sessionID]; ok && !prev.finalized {
		s.logger.Warn("Draft still active at begin, aborting it",
			slog.String("sessionID", sessionID))
		abortedPrev = s.finalizeLocked(prev, OutcomeAborted, "")
	}

	now := time.Now()
	s.messages[sessionID] = append(s.messages[sessionID],
		models.ChatMessage{
			LocalID:   uuid.New().String(),
			SessionID: sessionID,
			Role:      models.RoleUser,
			Content:   question,
			Status:    models.StatusSent,
			Timestamp: now,
		},
		models.ChatMessage{
			LocalID:   uuid.New().String(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Status:    models.StatusPending,
			Timestamp: now,
		},
	)

	d := &Draft{
		state:     s,
		sessionID: sessionID,
		index:     len(s.messages[sessionID]) - 1,
	}
	s.active[sessionID] = d
	s.lastQuestion[sessionID] = question
	s.status[sessionID] = models.StreamConnecting
	s.publishLocked(sessionID, "")
	s.mu.Unlock()

	if abortedPrev {
		s.refresh(sessionID)
	}

	return d, nil
}

// AppendDeferredPair records a question captured while offline: the user
// message plus an assistant placeholder, both pending until the queue
// replays the entry.
func (s *State) AppendDeferredPair(sessionID, question string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.messages[sessionID] = append(s.messages[sessionID],
		models.ChatMessage{
			LocalID:   uuid.New().String(),
			SessionID: sessionID,
			Role:      models.RoleUser,
			Content:   question,
			Status:    models.StatusPending,
			Timestamp: now,
		},
		models.ChatMessage{
			LocalID:   uuid.New().String(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   DeferredText,
			Status:    models.StatusPending,
			Timestamp: now,
		},
	)
	s.lastQuestion[sessionID] = question
	s.publishLocked(sessionID, "")
}

// CompleteDeferred resolves the oldest deferred placeholder pair of the
// session with the replayed answer. Entries are replayed strictly in enqueue
// order, so first-match is the right pair.
func (s *State) CompleteDeferred(sessionID, answer, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	for i := range msgs {
		if msgs[i].Role != models.RoleAssistant ||
			msgs[i].Status != models.StatusPending ||
			msgs[i].Content != DeferredText {
			continue
		}
		msgs[i].Content = answer
		msgs[i].ID = messageID
		msgs[i].Status = models.StatusSent
		if i > 0 && msgs[i-1].Role == models.RoleUser {
			msgs[i-1].Status = models.StatusSent
		}
		s.publishLocked(sessionID, "")
		return
	}

	s.logger.Warn("No deferred placeholder found for replayed entry",
		slog.String("sessionID", sessionID))
}

// StreamStatus returns the current stream status of the session.
func (s *State) StreamStatus(sessionID string) models.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[sessionID]; ok {
		return st
	}
	return models.StreamIdle
}

func (s *State) setStreamStatus(sessionID string, st models.StreamStatus, notice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[sessionID] = st
	s.publishLocked(sessionID, notice)
}

// publishLocked hands an immutable snapshot to the observer. Callers must
// hold s.mu.
func (s *State) publishLocked(sessionID, notice string) {
	if s.observer == nil {
		return
	}
	snap := Snapshot{
		SessionID: sessionID,
		Status:    s.status[sessionID],
		Messages:  make([]models.ChatMessage, len(s.messages[sessionID])),
		Notice:    notice,
	}
	copy(snap.Messages, s.messages[sessionID])
	s.observer(snap)
}

func (s *State) refresh(sessionID string) {
	if s.refreshSessions == nil {
		return
	}
	if err := s.refreshSessions(context.Background()); err != nil {
		s.logger.Error("Failed to refresh session list",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
	}
}
