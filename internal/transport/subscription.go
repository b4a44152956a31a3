package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/tmaxmax/go-sse"

	"github.com/dokuchat/streamclient/internal/protocol"
)

// Subscription is one live SSE connection. Events are delivered on the
// channel returned by Events; the channel is closed when the server ends the
// stream, the connection drops, or Close is called. After the channel is
// closed, Err reports the transport failure that ended the stream, if any.
type Subscription struct {
	events chan protocol.Event

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	// err is written by the pump goroutine before the events channel is
	// closed, so consumers observing the close see the final value.
	err error
}

func newSubscription(cancel context.CancelFunc) *Subscription {
	return &Subscription{
		events: make(chan protocol.Event, 16),
		cancel: cancel,
		closed: make(chan struct{}),
	}
}

// Events returns the channel the subscription delivers raw events on.
func (s *Subscription) Events() <-chan protocol.Event {
	return s.events
}

// Err returns the error that terminated the stream. It must only be called
// after the events channel has been closed. A nil error means the server
// ended the stream normally; context.Canceled means Close was called.
func (s *Subscription) Err() error {
	return s.err
}

// Close releases the connection. It is idempotent and safe to call at any
// time, including while an event dispatch is in flight.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
}

func (s *Subscription) pump(body io.ReadCloser, logger *slog.Logger) {
	defer close(s.events)
	defer body.Close()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			// Cancellation through Close surfaces as a context error on
			// the response body; it is not a transport failure.
			if errors.Is(err, context.Canceled) {
				s.err = context.Canceled
				return
			}
			logger.Debug("Stream read failed", slog.String("err", err.Error()))
			s.err = err
			return
		}

		select {
		case s.events <- protocol.Event{Type: ev.Type, Data: ev.Data}:
		case <-s.closed:
			s.err = context.Canceled
			return
		}
	}
}
