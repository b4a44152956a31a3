package stream_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/dokuchat/streamclient/internal/models"
	"github.com/dokuchat/streamclient/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBeginStreamValidation(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		question  string
	}{
		{name: "Empty question", sessionID: "s1", question: ""},
		{name: "Whitespace question", sessionID: "s1", question: "   \n"},
		{name: "Missing session", sessionID: "", question: "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := stream.NewState(nil, 1, testLogger())

			_, err := st.BeginStream(tt.sessionID, tt.question)
			if !errors.Is(err, stream.ErrValidation) {
				t.Fatalf("BeginStream() error = %v, want ErrValidation", err)
			}
			if got := len(st.Messages(tt.sessionID)); got != 0 {
				t.Errorf("messages appended on failed validation: %d", got)
			}
		})
	}
}

func TestBeginStreamAppendsPair(t *testing.T) {
	st := stream.NewState(nil, 1, testLogger())

	draft, err := st.BeginStream("s1", "What is nscale?")
	if err != nil {
		t.Fatalf("BeginStream() error = %v", err)
	}
	if draft.SessionID() != "s1" {
		t.Errorf("draft session = %q, want s1", draft.SessionID())
	}

	msgs := st.Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "What is nscale?" {
		t.Errorf("first message = %+v, want user question", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "" {
		t.Errorf("second message = %+v, want empty assistant draft", msgs[1])
	}
	if msgs[1].Status != models.StatusPending {
		t.Errorf("draft status = %q, want pending", msgs[1].Status)
	}
	if msgs[0].LocalID == "" || msgs[1].LocalID == "" {
		t.Error("messages are missing local ids")
	}
}

func TestAppendTokenOrder(t *testing.T) {
	st := stream.NewState(nil, 1, testLogger())
	draft, err := st.BeginStream("s1", "q")
	if err != nil {
		t.Fatal(err)
	}

	tokens := []string{"The ", "answer", " is", " 42", "."}
	for _, tok := range tokens {
		draft.AppendToken(tok)
	}

	if got, want := draft.Content(), strings.Join(tokens, ""); got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
	if draft.TokenCount() != len(tokens) {
		t.Errorf("token count = %d, want %d", draft.TokenCount(), len(tokens))
	}

	msgs := st.Messages("s1")
	if msgs[1].Status != models.StatusStreaming {
		t.Errorf("draft status = %q, want streaming", msgs[1].Status)
	}
}

func TestSetMessageIDOnce(t *testing.T) {
	st := stream.NewState(nil, 1, testLogger())
	draft, err := st.BeginStream("s1", "q")
	if err != nil {
		t.Fatal(err)
	}

	draft.SetMessageID("7")
	draft.SetMessageID("8")

	if got := st.Messages("s1")[1].ID; got != "7" {
		t.Errorf("message id = %q, want first id to stick", got)
	}
}

func TestFinalizeOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		tokens      []string
		outcome     stream.Outcome
		wantContent string
		wantStatus  models.MessageStatus
	}{
		{
			name:        "Success keeps content",
			tokens:      []string{"Hello", " world"},
			outcome:     stream.OutcomeSuccess,
			wantContent: "Hello world",
			wantStatus:  models.StatusSent,
		},
		{
			name:        "Success trims trailing whitespace",
			tokens:      []string{"Hello", " \n"},
			outcome:     stream.OutcomeSuccess,
			wantContent: "Hello",
			wantStatus:  models.StatusSent,
		},
		{
			name:        "Empty response gets placeholder",
			outcome:     stream.OutcomeEmptyResponse,
			wantContent: stream.EmptyResponseText,
			wantStatus:  models.StatusSent,
		},
		{
			name:        "Aborted with partial keeps content",
			tokens:      []string{"Hello wor"},
			outcome:     stream.OutcomeAborted,
			wantContent: "Hello wor" + stream.AbortedNotice,
			wantStatus:  models.StatusSent,
		},
		{
			name:        "Aborted with nothing is an error",
			outcome:     stream.OutcomeAborted,
			wantContent: stream.AbortedEmptyText,
			wantStatus:  models.StatusError,
		},
		{
			name:        "Timeout with partial keeps content",
			tokens:      []string{"Half an ans"},
			outcome:     stream.OutcomeTimedOut,
			wantContent: "Half an ans" + stream.InterruptedNotice,
			wantStatus:  models.StatusSent,
		},
		{
			name:        "Timeout with nothing is a network failure",
			outcome:     stream.OutcomeTimedOut,
			wantContent: stream.NetworkFailureText,
			wantStatus:  models.StatusError,
		},
		{
			name:        "Failed with nothing is a network failure",
			outcome:     stream.OutcomeFailed,
			wantContent: stream.NetworkFailureText,
			wantStatus:  models.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := stream.NewState(nil, 1, testLogger())
			draft, err := st.BeginStream("s1", "q")
			if err != nil {
				t.Fatal(err)
			}
			for _, tok := range tt.tokens {
				draft.AppendToken(tok)
			}

			draft.Finalize(tt.outcome)

			msg := st.Messages("s1")[1]
			if msg.Content != tt.wantContent {
				t.Errorf("content = %q, want %q", msg.Content, tt.wantContent)
			}
			if msg.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", msg.Status, tt.wantStatus)
			}
		})
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	refreshes := 0
	st := stream.NewState(func(context.Context) error {
		refreshes++
		return nil
	}, 1, testLogger())

	draft, err := st.BeginStream("s1", "q")
	if err != nil {
		t.Fatal(err)
	}
	draft.AppendToken("partial")

	draft.Finalize(stream.OutcomeAborted)
	want := st.Messages("s1")[1]

	draft.Finalize(stream.OutcomeAborted)
	got := st.Messages("s1")[1]

	if got != want {
		t.Errorf("second finalize changed the message: %+v != %+v", got, want)
	}
	if refreshes != 1 {
		t.Errorf("refresh called %d times, want exactly 1", refreshes)
	}
}

func TestTokensAfterFinalizeAreDropped(t *testing.T) {
	st := stream.NewState(nil, 1, testLogger())
	draft, err := st.BeginStream("s1", "q")
	if err != nil {
		t.Fatal(err)
	}
	draft.AppendToken("Hello wor")
	draft.Finalize(stream.OutcomeAborted)

	draft.AppendToken("ld, late token")

	if got, want := st.Messages("s1")[1].Content, "Hello wor"+stream.AbortedNotice; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestSnapshotThrottle(t *testing.T) {
	var snapshots int
	st := stream.NewState(nil, 3, testLogger())
	st.SetObserver(func(stream.Snapshot) { snapshots++ })

	draft, err := st.BeginStream("s1", "q")
	if err != nil {
		t.Fatal(err)
	}
	after := snapshots

	for i := 0; i < 7; i++ {
		draft.AppendToken("x")
	}
	// Only every 3rd token publishes, but every token is applied.
	if got := snapshots - after; got != 2 {
		t.Errorf("token snapshots = %d, want 2", got)
	}
	if got := draft.Content(); got != "xxxxxxx" {
		t.Errorf("content = %q, want all 7 tokens applied", got)
	}

	draft.Finalize(stream.OutcomeSuccess)
	final := st.Messages("s1")[1]
	if final.Content != "xxxxxxx" {
		t.Errorf("finalized content = %q, want full accumulation", final.Content)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	var captured stream.Snapshot
	st := stream.NewState(nil, 1, testLogger())
	st.SetObserver(func(s stream.Snapshot) { captured = s })

	draft, err := st.BeginStream("s1", "q")
	if err != nil {
		t.Fatal(err)
	}
	draft.AppendToken("a")

	captured.Messages[1].Content = "tampered"

	if got := st.Messages("s1")[1].Content; got != "a" {
		t.Errorf("state content = %q, observer snapshot is not a copy", got)
	}
}

func TestCompleteDeferred(t *testing.T) {
	st := stream.NewState(nil, 1, testLogger())

	st.AppendDeferredPair("s1", "first question")
	st.AppendDeferredPair("s1", "second question")

	st.CompleteDeferred("s1", "first answer", "11")

	msgs := st.Messages("s1")
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[1].Content != "first answer" || msgs[1].ID != "11" || msgs[1].Status != models.StatusSent {
		t.Errorf("first placeholder not resolved: %+v", msgs[1])
	}
	if msgs[0].Status != models.StatusSent {
		t.Errorf("first user message status = %q, want sent", msgs[0].Status)
	}
	if msgs[3].Content != stream.DeferredText || msgs[3].Status != models.StatusPending {
		t.Errorf("second placeholder touched early: %+v", msgs[3])
	}
}
