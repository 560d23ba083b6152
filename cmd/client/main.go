package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/termdeck/termdeck/internal/client/mux"
	"github.com/termdeck/termdeck/internal/domain/session"
	"github.com/termdeck/termdeck/internal/infrastructure/config"
	"github.com/termdeck/termdeck/internal/infrastructure/logging"
	"github.com/termdeck/termdeck/internal/shared/events"
	"github.com/termdeck/termdeck/internal/shared/protocol"
)

func main() {
	baseURL := flag.String("url", "http://localhost:7070", "Server base URL")
	project := flag.String("project", "", "Project id; creates a fresh session")
	sessionID := flag.String("session", "", "Existing session id to attach instead of creating one")
	closeOnExit := flag.Bool("close", false, "Close the session on exit instead of detaching")
	verbose := flag.Bool("verbose", false, "Log transport events (interleaves with terminal output)")
	flag.Parse()

	log.SetFlags(0)
	if *project == "" && *sessionID == "" {
		log.Fatal("either -project or -session is required")
	}

	cfg := config.LoadOrDefault()

	logger := logging.NewNop()
	if *verbose {
		l, err := logging.New(logging.Config{Level: "debug", Development: true})
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
		logger = l
	}

	rest := resty.New().
		SetBaseURL(*baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", "termdeck-client/0.3")

	sess, err := resolveSession(rest, *sessionID, *project)
	if err != nil {
		log.Fatalf("Failed to resolve session: %v", err)
	}

	wsURL, err := wsEndpoint(*baseURL)
	if err != nil {
		log.Fatalf("Invalid server URL: %v", err)
	}

	bus := events.New()
	m := mux.New(muxConfig(cfg, wsURL), bus, logger)

	// Subscribe before connecting so no early event slips past.
	_, eventCh := bus.Subscribe(
		events.TypeMuxData,
		events.TypeMuxStatus,
		events.TypeMuxError,
		events.TypeMuxClosed,
		events.TypeMuxReconnectFailed,
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Mux.HandshakeTimeout)
	err = m.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", wsURL, err)
	}

	if err := m.ConnectSession(sess.ID, sess.ProjectID, "terminal"); err != nil {
		m.Close()
		log.Fatalf("Failed to bind session: %v", err)
	}
	onExit := "detaches"
	if *closeOnExit {
		onExit = "closes the session"
	}
	fmt.Fprintf(os.Stderr, "attached to %s (%s); Ctrl-D %s\n", sess.ID, sess.TabName, onExit)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	lines := readLines(os.Stdin)
	done := make(chan int, 1)
	go pumpEvents(eventCh, done)

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if err := m.SendCommand(sess.ID, line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		case <-sigChan:
			break loop
		case code := <-done:
			// Session ended on the server; nothing left to detach.
			m.Close()
			os.Exit(code)
		}
	}

	if *closeOnExit {
		if err := m.CloseSession(sess.ID); err != nil {
			fmt.Fprintf(os.Stderr, "close failed: %v\n", err)
		}
	} else {
		m.DisconnectSession(sess.ID)
		fmt.Fprintf(os.Stderr, "detached; session %s keeps running\n", sess.ID)
	}
	m.Close()
}

// resolveSession attaches to an existing session or creates a fresh one for
// the project. The session id wins when both are given.
func resolveSession(rest *resty.Client, sessionID, projectID string) (*session.Session, error) {
	var sess session.Session

	if sessionID != "" {
		resp, err := rest.R().
			SetResult(&sess).
			Get("/sessions/" + sessionID)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("server returned %s: %s", resp.Status(), resp.String())
		}
		return &sess, nil
	}

	resp, err := rest.R().
		SetBody(map[string]string{"projectId": projectID}).
		SetResult(&sess).
		Post("/sessions")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status(), resp.String())
	}
	return &sess, nil
}

// muxConfig maps the environment configuration onto the multiplexer,
// including the failure gating for primary reconnection.
func muxConfig(cfg *config.Config, wsURL string) mux.Config {
	return mux.Config{
		URL:               wsURL,
		HandshakeTimeout:  cfg.Mux.HandshakeTimeout,
		ReconnectAttempts: cfg.Mux.ReconnectAttempts,
		BackoffBase:       cfg.Mux.BackoffBase,
		BackoffMax:        cfg.Mux.BackoffMax,
		QueueCapacity:     cfg.Mux.QueueCapacity,
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		FailureWindow:     cfg.Breaker.FailureWindow,
		RecoveryTimeout:   cfg.Breaker.RecoveryTimeout,
	}
}

// wsEndpoint derives the websocket endpoint from the REST base URL.
func wsEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/stream"
	return u.String(), nil
}

// readLines pumps stdin lines into a channel and closes it on EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				lines <- strings.TrimRight(line, "\r\n")
			}
			if err != nil {
				return
			}
		}
	}()
	return lines
}

// pumpEvents prints session events: output chunks to stdout, lifecycle to
// stderr. Signals completion with the process exit code when the session
// ends.
func pumpEvents(ch <-chan events.Event, done chan<- int) {
	for ev := range ch {
		switch ev.Type {
		case events.TypeMuxData:
			if p, ok := ev.Payload.(protocol.DataPayload); ok {
				os.Stdout.WriteString(p.Data)
			}

		case events.TypeMuxStatus:
			switch p := ev.Payload.(type) {
			case protocol.ExitPayload:
				fmt.Fprintf(os.Stderr, "\nprocess exited with code %d\n", p.ExitCode)
				done <- p.ExitCode
				return
			case protocol.StatusPayload:
				if p.Reason != "" {
					fmt.Fprintf(os.Stderr, "[%s: %s]\n", p.Status, p.Reason)
				} else {
					fmt.Fprintf(os.Stderr, "[%s]\n", p.Status)
				}
			}

		case events.TypeMuxError:
			if p, ok := ev.Payload.(protocol.ErrorPayload); ok {
				fmt.Fprintf(os.Stderr, "error %s: %s\n", p.Code, p.Message)
			}

		case events.TypeMuxClosed:
			fmt.Fprintln(os.Stderr, "session closed")
			done <- 0
			return

		case events.TypeMuxReconnectFailed:
			fmt.Fprintln(os.Stderr, "reconnect attempts exhausted; giving up")
			done <- 1
			return
		}
	}
}
