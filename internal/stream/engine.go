package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dokuchat/streamclient/internal/models"
	"github.com/dokuchat/streamclient/internal/queue"
	"github.com/dokuchat/streamclient/internal/transport"
)

// OfflineQueue is the durable question queue the engine falls back to while
// the network is unavailable. queue.Queue satisfies it.
type OfflineQueue interface {
	Enqueue(entry models.QueueEntry) error
	Entries() ([]queue.Entry, error)
	Remove(key uint64) error
}

// Engine is the entry point of the streaming pipeline. It enforces the
// exclusive-owner invariant (never two live subscriptions for one session),
// routes sends to the streaming or fallback path, and replays the offline
// queue on reconnect. Collaborators are injected, not reached for globally.
type Engine struct {
	state      *State
	controller *Controller
	transport  Transport
	queue      OfflineQueue
	cfg        Config

	logger *slog.Logger

	// sendMu serializes the teardown-then-begin section of the send paths,
	// so concurrent sends for one session cannot both pass the teardown and
	// leave a second live subscription behind.
	sendMu sync.Mutex

	mu            sync.Mutex
	runs          map[string]*run
	online        bool
	activeSession string
}

// run tracks one in-flight exchange goroutine.
type run struct {
	cancel   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (r *run) stop() {
	r.stopOnce.Do(func() {
		close(r.cancel)
	})
}

// NewEngine wires the pipeline together. The session-list refresh callback
// may be nil; every other collaborator is required. The engine starts in the
// offline state; the first SetOnline(true) both enables sending and drains
// whatever previous runs left queued.
func NewEngine(t Transport, q OfflineQueue, refresh RefreshFunc, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		state:      NewState(refresh, cfg.PublishEvery, logger),
		controller: NewController(t, cfg, logger),
		transport:  t,
		queue:      q,
		cfg:        cfg,
		logger:     logger.With(slog.String("module", "engine")),
		runs:       make(map[string]*run),
	}
}

// State exposes the session state for observers and read-only access.
func (e *Engine) State() *State {
	return e.state
}

// SetActiveSession records which session the UI currently displays.
func (e *Engine) SetActiveSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeSession = sessionID
}

// ActiveSession returns the session the UI currently displays.
func (e *Engine) ActiveSession() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeSession
}

// Online reports the engine's current connectivity assumption.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records a connectivity change. The offline queue is drained at
// most once per offline-to-online transition.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if online && !was {
		go e.drainQueue(context.Background())
	}
}

func validateSend(sessionID, question string) error {
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("%w: question is empty", ErrValidation)
	}
	if sessionID == "" {
		return fmt.Errorf("%w: session id is missing", ErrValidation)
	}
	return nil
}

// SendMessageStreaming sends a question over the streaming path. While
// offline, the question is queued durably instead and a deferred placeholder
// pair is shown. Any exchange already running for the session is fully torn
// down first. The call returns once the exchange is started; progress is
// published through the state observer.
func (e *Engine) SendMessageStreaming(ctx context.Context, sessionID, question string) error {
	if err := validateSend(sessionID, question); err != nil {
		return err
	}
	if !e.Online() {
		return e.deferQuestion(sessionID, question)
	}

	e.sendMu.Lock()
	e.CancelStreaming(sessionID)

	draft, err := e.state.BeginStream(sessionID, question)
	if err != nil {
		e.sendMu.Unlock()
		return err
	}

	r := &run{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[sessionID] = r
	e.mu.Unlock()
	e.sendMu.Unlock()

	go func() {
		defer close(r.done)
		e.controller.Run(ctx, transport.StreamRequest{
			SessionID:      sessionID,
			Question:       question,
			SimpleLanguage: e.cfg.SimpleLanguage,
		}, draft, r.cancel)

		e.mu.Lock()
		if e.runs[sessionID] == r {
			delete(e.runs, sessionID)
		}
		e.mu.Unlock()
	}()

	return nil
}

// SendMessage sends a question over the synchronous fallback endpoint,
// bypassing SSE entirely. It blocks until the answer arrived or failed.
func (e *Engine) SendMessage(ctx context.Context, sessionID, question string) error {
	if err := validateSend(sessionID, question); err != nil {
		return err
	}
	if !e.Online() {
		return e.deferQuestion(sessionID, question)
	}

	e.sendMu.Lock()
	e.CancelStreaming(sessionID)
	draft, err := e.state.BeginStream(sessionID, question)
	e.sendMu.Unlock()
	if err != nil {
		return err
	}

	answer, err := e.transport.Ask(ctx, question, sessionID)
	if err != nil {
		e.logger.Error("Fallback request failed",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
		draft.Finalize(OutcomeFailed)
		e.state.setStreamStatus(sessionID, models.StreamFailed, "")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	draft.SetMessageID(answer.MessageID)
	if answer.Answer == "" {
		draft.Finalize(OutcomeEmptyResponse)
	} else {
		draft.AppendToken(answer.Answer)
		draft.Finalize(OutcomeSuccess)
	}
	e.state.setStreamStatus(sessionID, models.StreamDone, "")

	return nil
}

// CancelStreaming aborts the session's in-flight exchange, if any, and waits
// until its draft is finalized and the subscription released. Cancellation
// is terminal: no retry follows it.
func (e *Engine) CancelStreaming(sessionID string) {
	e.mu.Lock()
	r := e.runs[sessionID]
	e.mu.Unlock()

	if r == nil {
		return
	}
	r.stop()
	<-r.done
}

// Shutdown cancels every in-flight exchange.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.stop()
		<-r.done
	}
}

// Retry resends the session's most recent question over the streaming path.
// It refuses while an exchange is still in flight; retrying is for terminal
// failures, not for interrupting a live stream.
func (e *Engine) Retry(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	_, active := e.runs[sessionID]
	e.mu.Unlock()
	if active {
		return fmt.Errorf("%w: session %s", ErrStreamActive, sessionID)
	}

	question := e.state.LastQuestion(sessionID)
	if question == "" {
		return fmt.Errorf("%w: no question to retry", ErrValidation)
	}
	return e.SendMessageStreaming(ctx, sessionID, question)
}

// deferQuestion persists the question for later replay and shows the
// deferred placeholder pair.
func (e *Engine) deferQuestion(sessionID, question string) error {
	entry := models.QueueEntry{
		Question:  question,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
	if err := e.queue.Enqueue(entry); err != nil {
		return fmt.Errorf("failed to queue question: %w", err)
	}

	e.state.AppendDeferredPair(sessionID, question)
	e.logger.Info("Question queued while offline",
		slog.String("sessionID", sessionID))
	return nil
}

// drainQueue replays persisted entries strictly in enqueue order through the
// fallback endpoint. A failed replay leaves the remaining entries queued for
// the next online transition.
func (e *Engine) drainQueue(ctx context.Context) {
	entries, err := e.queue.Entries()
	if err != nil {
		e.logger.Error("Failed to read offline queue",
			slog.String("err", err.Error()))
		return
	}
	if len(entries) == 0 {
		return
	}

	e.logger.Info("Draining offline queue", slog.Int("entries", len(entries)))

	for i, entry := range entries {
		if !e.Online() {
			e.logger.Warn("Went offline during drain, keeping remaining entries",
				slog.Int("remaining", len(entries)-i))
			return
		}

		e.SetActiveSession(entry.SessionID)

		answer, err := e.transport.Ask(ctx, entry.Question, entry.SessionID)
		if err != nil {
			e.logger.Warn("Replay failed, keeping remaining entries",
				slog.String("sessionID", entry.SessionID),
				slog.String("err", err.Error()))
			return
		}

		e.state.CompleteDeferred(entry.SessionID, answer.Answer, answer.MessageID)
		if err := e.queue.Remove(entry.Key); err != nil {
			e.logger.Error("Failed to remove replayed entry",
				slog.String("err", err.Error()))
		}

		// Pace the replays so the backend is not hammered right after
		// connectivity returns.
		if i < len(entries)-1 {
			timer := time.NewTimer(e.cfg.DrainDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}

	e.state.refresh("")
}

// NewTransport adapts a transport.Client to the Transport interface.
func NewTransport(c transport.Client) Transport {
	return clientTransport{c: c}
}

type clientTransport struct {
	c transport.Client
}

func (t clientTransport) OpenStream(ctx context.Context, req transport.StreamRequest) (Subscription, error) {
	sub, err := t.c.OpenStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (t clientTransport) Ask(ctx context.Context, question, sessionID string) (transport.Answer, error) {
	return t.c.Ask(ctx, question, sessionID)
}
