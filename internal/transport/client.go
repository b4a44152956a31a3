// Package transport wraps the assistant backend's HTTP surface: the SSE
// streaming endpoint behind a cancellable subscription, and the synchronous
// fallback endpoint. Retries are deliberately absent here; reconnection
// policy lives with the stream controller.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dokuchat/streamclient/internal/protocol"
)

// Client talks to a single assistant backend instance.
type Client struct {
	baseURL *url.URL
	token   string

	client *http.Client

	logger *slog.Logger
}

// StreamRequest carries the parameters of one streaming exchange.
type StreamRequest struct {
	SessionID      string
	Question       string
	SimpleLanguage bool
}

// Answer is the response of the non-streaming fallback endpoint.
type Answer struct {
	Answer    string
	MessageID string
}

// Session is a conversation summary as reported by the backend. Titles are
// generated server-side and may change after an exchange completes.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ErrBadURL is returned when the configured base URL cannot possibly reach a
// backend. It is reported before any network attempt is made.
var ErrBadURL = errors.New("malformed backend URL")

// NewClient creates a Client for the given backend base URL. The URL is
// validated eagerly so that a misconfiguration surfaces at construction time
// rather than on the first send.
func NewClient(baseURL, token string, logger *slog.Logger) (Client, error) {
	u, err := parseBaseURL(baseURL)
	if err != nil {
		return Client{}, err
	}

	return Client{
		baseURL: u,
		token:   token,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "transport")),
	}, nil
}

func parseBaseURL(baseURL string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrBadURL)
	}
	return u, nil
}

func (c Client) streamURL(req StreamRequest) string {
	u := *c.baseURL
	u.Path, _ = url.JoinPath(u.Path, "/api/chat/stream")

	q := u.Query()
	q.Set("question", req.Question)
	q.Set("session_id", req.SessionID)
	if req.SimpleLanguage {
		q.Set("simple_language", "true")
	}
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// OpenStream establishes an SSE subscription for the given request. The
// returned subscription owns the underlying connection; exactly one consumer
// is expected to drain Events until it closes, then inspect Err. Closing the
// subscription releases the connection immediately, even mid-dispatch.
func (c Client) OpenStream(ctx context.Context, req StreamRequest) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(req), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrBadURL, err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	sub := newSubscription(cancel)
	go sub.pump(resp.Body, c.logger)

	return sub, nil
}

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

type askResponse struct {
	Answer    string             `json:"answer"`
	MessageID protocol.MessageID `json:"message_id"`
}

// Ask sends the question through the synchronous fallback endpoint. It is
// used when streaming is disabled or unavailable, and when draining the
// offline queue.
func (c Client) Ask(ctx context.Context, question, sessionID string) (Answer, error) {
	body, err := json.Marshal(askRequest{Question: question, SessionID: sessionID})
	if err != nil {
		return Answer{}, fmt.Errorf("error marshaling request: %w", err)
	}

	u := *c.baseURL
	u.Path, _ = url.JoinPath(u.Path, "/api/chat")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Answer{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Answer{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(respBody))
	}

	var res askResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Answer{}, fmt.Errorf("error decoding response: %w", err)
	}

	return Answer{Answer: res.Answer, MessageID: string(res.MessageID)}, nil
}

// Sessions loads the conversation list. It backs the session-list refresh
// collaborator, which the engine invokes after every finalized exchange to
// surface server-generated titles.
func (c Client) Sessions(ctx context.Context) ([]Session, error) {
	u := *c.baseURL
	u.Path, _ = url.JoinPath(u.Path, "/api/sessions")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var sessions []Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return sessions, nil
}
