package push

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"paperdeck-desktop/internal/reconcile"
)

// eventStatus maps event names to the status the payload implies when it
// carries no status field of its own.
var eventStatus = map[string]string{
	"task_started":    "running",
	"progress_update": "running",
	"task_completed":  "completed",
	"task_failed":     "failed",
	"task_cancelled":  "cancelled",
}

// Listener maintains a websocket subscription to the server's task event
// stream and forwards every frame as a push-channel signal. The stream is
// best effort: frames may be dropped, duplicated, or arrive out of order,
// and reconnects lose whatever was sent in between. The fallback poll
// loop covers those gaps, so the listener never retries a lost frame.
type Listener struct {
	eventsURL string
	apiToken  string
	deliver   func(reconcile.ProgressSignal)
	log       *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	stop    chan struct{}
	stopped bool
}

// NewListener creates a listener for the given websocket endpoint. Call
// Start to connect.
func NewListener(eventsURL, apiToken string, deliver func(reconcile.ProgressSignal), log *zap.SugaredLogger) *Listener {
	return &Listener{
		eventsURL: eventsURL,
		apiToken:  apiToken,
		deliver:   deliver,
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Start launches the connect-and-read loop in the background. Reconnects
// use a growing backoff so a dead server is not hammered.
func (l *Listener) Start() {
	go l.run()
}

// Stop closes the connection and halts reconnect attempts. Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.stop)
	conn := l.conn
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (l *Listener) run() {
	attempt := 0
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		conn, err := l.dial()
		if err != nil {
			attempt++
			// Quadratic backoff, capped at 30s
			wait := time.Duration(attempt*attempt) * 500 * time.Millisecond
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			l.log.Warnw("event stream connect failed, retrying",
				"url", l.eventsURL, "attempt", attempt, "wait", wait, "error", err)
			select {
			case <-l.stop:
				return
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conn = conn
		l.mu.Unlock()

		l.log.Infow("event stream connected", "url", l.eventsURL)
		l.readLoop(conn)

		l.mu.Lock()
		l.conn = nil
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return
		}
		l.log.Warnw("event stream disconnected, reconnecting", "url", l.eventsURL)
	}
}

func (l *Listener) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if l.apiToken != "" {
		header.Set("Authorization", "Bearer "+l.apiToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(l.eventsURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	subscribe := map[string]interface{}{
		"action": "subscribe",
		"events": []string{"task_started", "progress_update", "task_completed", "task_failed", "task_cancelled"},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}
	return conn, nil
}

func (l *Listener) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		l.handleFrame(frame)
	}
}

// handleFrame normalizes one event frame into a push signal. Malformed
// frames are logged and dropped; they never tear down the connection.
func (l *Listener) handleFrame(frame []byte) {
	var fields map[string]interface{}
	if err := json.Unmarshal(frame, &fields); err != nil {
		l.log.Warnw("unparseable event frame dropped", "error", err)
		return
	}

	event, _ := fields["event"].(string)
	if event != "" {
		if _, hasStatus := fields["status"]; !hasStatus {
			if _, hasPhase := fields["phase"]; !hasPhase {
				if status, known := eventStatus[event]; known {
					fields["status"] = status
				}
			}
		}
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return
	}

	sig, err := reconcile.Normalize(body, reconcile.ChannelPush, time.Now())
	if err != nil {
		l.log.Warnw("event frame rejected", "event", event, "error", err)
		return
	}
	l.deliver(sig)
}
