package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dokuchat/streamclient/internal/models"
	"github.com/dokuchat/streamclient/internal/protocol"
	"github.com/dokuchat/streamclient/internal/transport"
)

// Subscription is one live stream of raw events, owned exclusively by the
// controller that opened it.
type Subscription interface {
	Events() <-chan protocol.Event
	Err() error
	Close()
}

// Transport abstracts the backend connection for the streaming pipeline.
// transport.Client satisfies it through NewTransport.
type Transport interface {
	OpenStream(ctx context.Context, req transport.StreamRequest) (Subscription, error)
	Ask(ctx context.Context, question, sessionID string) (transport.Answer, error)
}

// Config carries the controller's liveness and retry policy.
type Config struct {
	// InactivityTimeout is how long the controller waits for a frame before
	// declaring the stream dead.
	InactivityTimeout time.Duration
	// MaxRetries bounds the number of connection attempts per exchange.
	MaxRetries int
	// RetryDelay is the base reconnection delay; it doubles per retry.
	RetryDelay time.Duration
	// DrainDelay is the pause between replayed offline-queue entries.
	DrainDelay time.Duration
	// SimpleLanguage asks the backend for plain-language answers.
	SimpleLanguage bool
	// PublishEvery throttles snapshot publication to every Nth token; zero
	// or one publishes on every token. Tokens themselves are never dropped.
	PublishEvery int
}

func (c *Config) defaults() {
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.DrainDelay == 0 {
		c.DrainDelay = 500 * time.Millisecond
	}
}

// Controller supervises one streaming exchange at a time: it opens the
// subscription, feeds accepted frames into the draft, watches liveness, and
// performs bounded reconnection. It finalizes the draft exactly once.
type Controller struct {
	transport Transport
	cfg       Config

	logger *slog.Logger
}

// NewController creates a Controller with the given policy. Zero config
// fields fall back to the defaults (30s inactivity, 3 retries, 1s base
// delay).
func NewController(t Transport, cfg Config, logger *slog.Logger) *Controller {
	cfg.defaults()
	return &Controller{
		transport: t,
		cfg:       cfg,
		logger:    logger.With(slog.String("module", "controller")),
	}
}

type consumeResult int

const (
	resultDone consumeResult = iota
	resultEmpty
	resultCancelled
	resultTimeout
	resultServerError
	resultTransportError
)

// Run drives one exchange to completion. It blocks until the draft is
// finalized and the session has reached a terminal stream status. Closing
// cancel aborts the exchange from any state, immediately and irrevocably.
func (c *Controller) Run(ctx context.Context, req transport.StreamRequest, d *Draft, cancel <-chan struct{}) {
	st := d.state
	sessionID := req.SessionID

	retryCount := 0
	serverErr := ""

	for {
		status := models.StreamConnecting
		if retryCount > 0 {
			status = models.StreamReconnecting
		}
		st.setStreamStatus(sessionID, status, "")

		sub, release, err := c.open(ctx, req, cancel)
		if err != nil {
			switch {
			case errors.Is(err, errOpenCancelled), errors.Is(err, context.Canceled):
				c.finish(d, resultCancelled, serverErr)
				return
			case errors.Is(err, ErrTimeout):
				c.logger.Warn("Timed out waiting for the stream to open",
					slog.String("sessionID", sessionID))
				c.finish(d, resultTimeout, serverErr)
				return
			}
			c.logger.Error("Failed to open stream",
				slog.String("sessionID", sessionID),
				slog.String("err", err.Error()))
			if c.nextAttempt(ctx, cancel, &retryCount) {
				continue
			}
			c.finish(d, resultTransportError, serverErr)
			return
		}

		st.setStreamStatus(sessionID, models.StreamStreaming, "")
		res := c.consume(sub, d, cancel, &retryCount, &serverErr)
		sub.Close()
		release()

		if res == resultTransportError {
			if c.nextAttempt(ctx, cancel, &retryCount) {
				continue
			}
		}
		c.finish(d, res, serverErr)
		return
	}
}

// errOpenCancelled marks an open attempt abandoned because the exchange was
// cancelled while the connection was still being established.
var errOpenCancelled = errors.New("cancelled while opening stream")

// open establishes the subscription without ever blocking past the exchange's
// liveness guarantees: the inactivity window and the cancel signal both cover
// the time spent waiting for the backend to accept the stream. On success the
// caller must invoke the returned release func once the subscription is done.
func (c *Controller) open(ctx context.Context, req transport.StreamRequest, cancel <-chan struct{}) (Subscription, context.CancelFunc, error) {
	attemptCtx, stop := context.WithCancel(ctx)

	type openResult struct {
		sub Subscription
		err error
	}
	ch := make(chan openResult, 1)
	go func() {
		sub, err := c.transport.OpenStream(attemptCtx, req)
		ch <- openResult{sub: sub, err: err}
	}()

	// An attempt abandoned here still completes in the background once the
	// context cancellation propagates; any subscription it produced must be
	// released.
	abandon := func() {
		stop()
		go func() {
			if res := <-ch; res.sub != nil {
				res.sub.Close()
			}
		}()
	}

	timer := time.NewTimer(c.cfg.InactivityTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			stop()
			return nil, nil, res.err
		}
		return res.sub, stop, nil
	case <-timer.C:
		abandon()
		return nil, nil, fmt.Errorf("%w: no response from backend", ErrTimeout)
	case <-cancel:
		abandon()
		return nil, nil, errOpenCancelled
	case <-ctx.Done():
		abandon()
		return nil, nil, ctx.Err()
	}
}

// nextAttempt decides whether another connection attempt is allowed and, if
// so, performs the backoff wait. It returns false when retries are exhausted
// or the exchange was cancelled during the wait.
func (c *Controller) nextAttempt(ctx context.Context, cancel <-chan struct{}, retryCount *int) bool {
	if *retryCount+1 >= c.cfg.MaxRetries {
		c.logger.Warn("Retries exhausted",
			slog.Int("retryCount", *retryCount+1))
		return false
	}

	delay := c.cfg.RetryDelay << *retryCount
	*retryCount++
	c.logger.Info("Reconnecting after delay",
		slog.Int("retryCount", *retryCount),
		slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancel:
		return false
	case <-ctx.Done():
		return false
	}
}

// consume drains the subscription until a terminal condition. Every accepted
// frame resets the inactivity window; protocol noise is swallowed here and
// never aborts the stream.
func (c *Controller) consume(sub Subscription, d *Draft, cancel <-chan struct{}, retryCount *int, serverErr *string) consumeResult {
	timer := time.NewTimer(c.cfg.InactivityTimeout)
	defer timer.Stop()

	for {
		select {
		case <-cancel:
			return resultCancelled

		case <-timer.C:
			c.logger.Warn("Inactivity timeout",
				slog.String("sessionID", d.sessionID),
				slog.Int("tokenCount", d.TokenCount()))
			return resultTimeout

		case ev, ok := <-sub.Events():
			if !ok {
				err := sub.Err()
				if errors.Is(err, context.Canceled) {
					return resultCancelled
				}
				// A stream that ends without a done frame counts as a
				// dropped connection, whether or not the read errored.
				if err != nil {
					c.logger.Error("Stream dropped",
						slog.String("sessionID", d.sessionID),
						slog.String("err", err.Error()))
				} else {
					c.logger.Warn("Stream ended without done frame",
						slog.String("sessionID", d.sessionID))
				}
				return resultTransportError
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.InactivityTimeout)

			frame := protocol.Parse(ev)
			switch frame.Kind {
			case protocol.FrameSkip:
				c.logger.Debug("Dropping unusable frame",
					slog.String("err", ErrProtocol.Error()),
					slog.String("data", ev.Data))

			case protocol.FrameToken:
				d.AppendToken(frame.Text)

			case protocol.FrameMetadata:
				d.SetMessageID(frame.MessageID)

			case protocol.FrameError:
				*serverErr = frame.Message
				return resultServerError

			case protocol.FrameDone:
				return resultDone

			case protocol.FrameControl:
				switch frame.Control {
				case protocol.ControlRetry:
					// Server-driven retry: the subscription stays open,
					// the user sees a transient notice.
					*retryCount++
					d.Notice(ReconnectingNotice)
				case protocol.ControlTimeout:
					return resultTimeout
				case protocol.ControlConnectionError:
					return resultTransportError
				case protocol.ControlNoTokens:
					return resultEmpty
				case protocol.ControlUnexpected:
					*serverErr = ""
					return resultServerError
				}
			}
		}
	}
}

// finish maps the terminal consume result onto the draft outcome and the
// session's terminal stream status.
func (c *Controller) finish(d *Draft, res consumeResult, serverErr string) {
	st := d.state
	sessionID := d.sessionID
	partial := d.TokenCount() > 0 && d.Content() != ""

	switch res {
	case resultDone:
		if d.Content() == "" {
			d.Finalize(OutcomeEmptyResponse)
		} else {
			d.Finalize(OutcomeSuccess)
		}
		st.setStreamStatus(sessionID, models.StreamDone, "")

	case resultEmpty:
		d.Finalize(OutcomeEmptyResponse)
		st.setStreamStatus(sessionID, models.StreamDone, "")

	case resultCancelled:
		d.Finalize(OutcomeAborted)
		if partial {
			st.setStreamStatus(sessionID, models.StreamDone, "")
		} else {
			st.setStreamStatus(sessionID, models.StreamFailed, "")
		}

	case resultTimeout:
		d.Finalize(OutcomeTimedOut)
		if partial {
			st.setStreamStatus(sessionID, models.StreamDone, "")
		} else {
			st.setStreamStatus(sessionID, models.StreamFailed, "")
		}

	case resultServerError:
		d.FinalizeServerError(serverErr)
		if partial {
			st.setStreamStatus(sessionID, models.StreamDone, "")
		} else {
			st.setStreamStatus(sessionID, models.StreamFailed, "")
		}

	case resultTransportError:
		d.Finalize(OutcomeFailed)
		if partial {
			st.setStreamStatus(sessionID, models.StreamDone, "")
		} else {
			st.setStreamStatus(sessionID, models.StreamFailed, "")
		}
	}
}
