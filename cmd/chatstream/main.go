// Command chatstream is a terminal front end for the streaming chat client:
// it sends a question to the assistant backend, prints the answer token by
// token as it streams in, and queues questions durably when run offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/dokuchat/streamclient/internal/models"
	"github.com/dokuchat/streamclient/internal/queue"
	"github.com/dokuchat/streamclient/internal/stream"
	"github.com/dokuchat/streamclient/internal/transport"
)

const offlineHintFlag = "offline_hint_dismissed"

func main() {
	// A .env next to the binary is a convenience for development setups.
	_ = godotenv.Load()

	sessionID := flag.String("session", "", "session id to continue; a new one is generated when empty")
	noStream := flag.Bool("no-stream", false, "use the synchronous fallback endpoint instead of SSE")
	offline := flag.Bool("offline", false, "queue the question instead of sending it")
	listQueue := flag.Bool("queue", false, "list queued questions and exit")
	dismissHint := flag.Bool("dismiss-offline-hint", false, "stop showing the offline queue hint")
	htmlOut := flag.String("html", "", "write the session transcript as HTML to this file")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	level, err := cfg.logLevel()
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := transport.NewClient(cfg.BaseURL, cfg.Token, logger)
	if err != nil {
		log.Fatal(err)
	}

	q, err := queue.Open(cfg.QueuePath, cfg.QueueCap)
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	if *dismissHint {
		if err := q.SetFlag(offlineHintFlag, true); err != nil {
			log.Fatal(err)
		}
	}
	if *listQueue {
		printQueue(q)
		return
	}

	question := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "usage: chatstream [flags] <question>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if *sessionID == "" {
		*sessionID = uuid.New().String()
		fmt.Fprintf(os.Stderr, "session: %s\n", *sessionID)
	}

	refresh := func(ctx context.Context) error {
		sessions, err := client.Sessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if s.ID == *sessionID && s.Title != "" {
				fmt.Fprintf(os.Stderr, "\ntitle: %s\n", s.Title)
			}
		}
		return nil
	}

	engine := stream.NewEngine(stream.NewTransport(client), q, refresh, cfg.streamConfig(), logger)
	engine.SetActiveSession(*sessionID)

	var (
		printed  int
		doneOnce sync.Once
		done     = make(chan struct{})
	)
	engine.State().SetObserver(func(snap stream.Snapshot) {
		if snap.Notice != "" {
			fmt.Fprintf(os.Stderr, "[%s]\n", snap.Notice)
		}
		for i := len(snap.Messages) - 1; i >= 0; i-- {
			msg := snap.Messages[i]
			if msg.Role != models.RoleAssistant {
				continue
			}
			if len(msg.Content) > printed {
				fmt.Print(msg.Content[printed:])
				printed = len(msg.Content)
			}
			break
		}
		if snap.Status.Terminal() {
			doneOnce.Do(func() { close(done) })
		}
	})

	if *offline {
		if err := engine.SendMessageStreaming(context.Background(), *sessionID, question); err != nil {
			log.Fatal(err)
		}
		dismissed, _ := q.Flag(offlineHintFlag)
		if !dismissed {
			fmt.Fprintln(os.Stderr, "question queued; it will be sent on the next online run")
		}
		return
	}

	ctx := context.Background()
	// Going online replays any questions queued by earlier offline runs.
	engine.SetOnline(true)

	if *noStream {
		if err := engine.SendMessage(ctx, *sessionID, question); err != nil {
			log.Fatal(err)
		}
	} else {
		if err := engine.SendMessageStreaming(ctx, *sessionID, question); err != nil {
			log.Fatal(err)
		}

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

		select {
		case <-done:
		case sig := <-interrupt:
			logger.Info("Cancelling stream", slog.String("signal", sig.String()))
			engine.CancelStreaming(*sessionID)
			<-done
		}
	}
	fmt.Println()

	if *htmlOut != "" {
		if err := writeTranscript(*htmlOut, engine.State().Messages(*sessionID)); err != nil {
			log.Fatal(err)
		}
	}
}

func printQueue(q queue.Queue) {
	entries, err := q.Entries()
	if err != nil {
		log.Fatal(err)
	}
	if len(entries) == 0 {
		fmt.Println("queue is empty")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %s  %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.SessionID, e.Question)
	}
}

func writeTranscript(path string, messages []models.ChatMessage) error {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html><body>\n")
	for _, msg := range messages {
		html, err := models.RenderHTML(msg.Content)
		if err != nil {
			return err
		}
		fmt.Fprintf(&sb, "<div class=%q>\n%s</div>\n", string(msg.Role), html)
	}
	sb.WriteString("</body></html>\n")

	return os.WriteFile(path, []byte(sb.String()), 0644)
}
