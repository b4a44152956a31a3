package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dokuchat/streamclient/internal/protocol"
	"github.com/dokuchat/streamclient/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL string) transport.Client {
	t.Helper()
	c, err := transport.NewClient(baseURL, "secret", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewClientRejectsBadURLs(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "backend.example.com"},
		{"wrong scheme", "ftp://backend.example.com"},
		{"no host", "http://"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := transport.NewClient(tc.url, "", testLogger())
			if !errors.Is(err, transport.ErrBadURL) {
				t.Errorf("NewClient(%q) err = %v, want ErrBadURL", tc.url, err)
			}
		})
	}
}

func TestOpenStreamDeliversEvents(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if r.URL.Path != "/api/chat/stream" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"response\": \"Hel\"}\n\n")
		fmt.Fprint(w, "data: {\"response\": \"lo\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	sub, err := c.OpenStream(context.Background(), transport.StreamRequest{
		SessionID:      "s1",
		Question:       "hello there",
		SimpleLanguage: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	var events []protocol.Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("stream err = %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Data != `{"response": "Hel"}` {
		t.Errorf("events[0].Data = %q", events[0].Data)
	}
	if events[2].Type != "done" {
		t.Errorf("events[2].Type = %q, want done", events[2].Type)
	}

	for _, param := range []string{"question=hello+there", "session_id=s1", "simple_language=true", "token=secret"} {
		if !strings.Contains(gotQuery, param) {
			t.Errorf("query %q is missing %q", gotQuery, param)
		}
	}
}

func TestOpenStreamNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.OpenStream(context.Background(), transport.StreamRequest{SessionID: "s1", Question: "q"})
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want the status code reported", err)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"response\": \"x\"}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL)
	sub, err := c.OpenStream(context.Background(), transport.StreamRequest{SessionID: "s1", Question: "q"})
	if err != nil {
		t.Fatal(err)
	}

	<-sub.Events()
	sub.Close()
	sub.Close()

	// The connection was torn down, so the event channel must close.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); !errors.Is(err, context.Canceled) {
					t.Errorf("closed subscription err = %v, want context.Canceled", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("event channel did not close after Close")
		}
	}
}

func TestAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}

		var req struct {
			Question  string `json:"question"`
			SessionID string `json:"session_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if req.Question != "what now" || req.SessionID != "s1" {
			t.Errorf("request = %+v", req)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"answer":     "this",
			"message_id": 42,
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	answer, err := c.Ask(context.Background(), "what now", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if answer.Answer != "this" {
		t.Errorf("answer = %q, want %q", answer.Answer, "this")
	}
	if answer.MessageID != "42" {
		t.Errorf("message id = %q, want 42 (numeric ids are normalized)", answer.MessageID)
	}
}

func TestAskNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Ask(context.Background(), "q", "s1"); err == nil {
		t.Fatal("expected an error for a 503 response")
	}
}

func TestSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `[{"id": "s1", "title": "Lease basics"}, {"id": "s2", "title": "Deposit rules"}]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	sessions, err := c.Sessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if sessions[0].ID != "s1" || sessions[0].Title != "Lease basics" {
		t.Errorf("sessions[0] = %+v", sessions[0])
	}
}
