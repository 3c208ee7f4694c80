package license

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	wsDialTimeout      = 10 * time.Second
	wsInitialBackoff   = time.Second
	wsMaxBackoff       = time.Minute
	wsEventsBufferSize = 16
)

// WebSocketSubscription implements Subscription over a websocket connection
// to the license authority. It reconnects with exponential backoff; channel
// disconnects never alter license validity, only delivery of events.
type WebSocketSubscription struct {
	url    string
	header http.Header
	events chan Event
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	conn    *websocket.Conn
}

// NewWebSocketSubscription dials the push endpoint in the background and
// starts forwarding events immediately.
func NewWebSocketSubscription(url, apiToken string) *WebSocketSubscription {
	header := http.Header{}
	if apiToken != "" {
		header.Set("Authorization", "Bearer "+apiToken)
	}

	w := &WebSocketSubscription{
		url:     url,
		header:  header,
		events:  make(chan Event, wsEventsBufferSize),
		closeCh: make(chan struct{}),
		logger:  log.With().Str("component", "license-push").Logger(),
	}
	go w.run()
	return w
}

// Events returns the push-event channel. It closes after Close.
func (w *WebSocketSubscription) Events() <-chan Event {
	return w.events
}

// Close tears down the connection and closes the event channel.
func (w *WebSocketSubscription) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.closeCh)
	if w.conn != nil {
		w.conn.Close()
	}
	return nil
}

func (w *WebSocketSubscription) run() {
	defer close(w.events)

	backoff := wsInitialBackoff
	for {
		if w.isClosed() {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
		conn, _, err := dialer.Dial(w.url, w.header)
		if err != nil {
			w.logger.Debug().Err(err).Dur("backoff", backoff).Msg("push channel dial failed")
			select {
			case <-w.closeCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > wsMaxBackoff {
				backoff = wsMaxBackoff
			}
			continue
		}

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			conn.Close()
			return
		}
		w.conn = conn
		w.mu.Unlock()

		w.logger.Info().Str("url", w.url).Msg("License push channel connected")
		backoff = wsInitialBackoff

		w.readLoop(conn)

		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
	}
}

func (w *WebSocketSubscription) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			if !w.isClosed() {
				w.logger.Debug().Err(err).Msg("push channel read failed, reconnecting")
			}
			return
		}
		select {
		case w.events <- event:
		default:
			// Slow consumer: drop rather than block the read loop. The next
			// heartbeat or validation reconciles any missed state.
			w.logger.Warn().Str("event", string(event.Type)).Msg("Dropping push event, consumer is slow")
		}
	}
}

func (w *WebSocketSubscription) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
