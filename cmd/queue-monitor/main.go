package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/hub"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/queue"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/tracker"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// queue-monitor follows the caller's tokens and prints an alert whenever
// their place in line improves. It listens on the realtime endpoint and
// periodically reconciles against the HTTP API in case updates were
// missed.

type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSubscriber) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *wsSubscriber) send(action, departmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	msg := hub.ControlMessage{Action: action, DepartmentID: departmentID}
	return s.conn.WriteJSON(msg)
}

func (s *wsSubscriber) Join(departmentID string) error {
	return s.send("join", departmentID)
}

func (s *wsSubscriber) Leave(departmentID string) error {
	return s.send("leave", departmentID)
}

type consoleAlerter struct{}

func (consoleAlerter) Alert(alert tracker.Alert) {
	if alert.Audible {
		fmt.Print("\a")
	}
	fmt.Println(alert.Message)
}

func main() {
	_ = godotenv.Load()

	var (
		apiURL   = flag.String("api", envOr("QUEUE_API_URL", "http://localhost:8080"), "queue service base URL")
		wsURL    = flag.String("ws", envOr("QUEUE_WS_URL", "ws://localhost:8080/realtime/websocket"), "realtime websocket URL")
		token    = flag.String("token", os.Getenv("QUEUE_TOKEN"), "bearer token")
		interval = flag.Duration("interval", 15*time.Second, "reconcile interval")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *token == "" {
		log.Fatal().Msg("a bearer token is required (-token or QUEUE_TOKEN)")
	}

	client := tracker.NewAPIClient(*apiURL, *token)
	sub := &wsSubscriber{}
	tr := tracker.New(client, sub, consoleAlerter{}, log, tracker.Options{
		ReconcileInterval: *interval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		cancel()
	}()

	go func() {
		_ = tr.Run(ctx)
	}()

	for ctx.Err() == nil {
		if err := listen(ctx, *wsURL, *token, sub, tr, log); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("realtime connection lost, retrying")
		}
		select {
		case <-ctx.Done():
		case <-time.After(3 * time.Second):
		}
	}
}

func listen(ctx context.Context, wsURL, token string, sub *wsSubscriber, tr *tracker.Tracker, log zerolog.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"?token="+token, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	sub.setConn(conn)
	defer sub.setConn(nil)

	// Positions may have moved while disconnected, and the fresh
	// connection has no channel memberships yet. Resync rejoins them
	// without waiting out the reconcile spacing.
	if err := tr.Resync(ctx); err != nil {
		log.Warn().Err(err).Msg("resync after connect")
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope hub.Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			continue
		}
		if envelope.Type != hub.EventQueueUpdated {
			continue
		}
		var snapshot queue.Snapshot
		if err := json.Unmarshal(envelope.Payload, &snapshot); err != nil {
			continue
		}
		tr.Observe(ctx, snapshot)
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
