// Package signaling keeps a client connected to the relay and exposes the
// call queue and signal exchange to the rest of the client.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-relay/internal/models"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
	eventBuffer    = 64
)

// Conn is one live connection to the relay.
type Conn interface {
	Emit(event models.EventType, data any) error
	// Events yields inbound messages and is closed when the connection ends.
	Events() <-chan models.Message
	Close() error
}

// DialFunc opens a connection to the relay at url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Transport is a Conn over a gorilla WebSocket.
type Transport struct {
	conn   *websocket.Conn
	events chan models.Message
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex // serializes writes
	log    zerolog.Logger
}

// Dial connects to the relay WebSocket endpoint.
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	t := &Transport{
		conn:   conn,
		events: make(chan models.Message, eventBuffer),
		closed: make(chan struct{}),
		log:    log.With().Str("component", "transport").Logger(),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	go t.readLoop()
	return t, nil
}

// Dialer adapts Dial to a DialFunc.
func Dialer(log zerolog.Logger) DialFunc {
	return func(ctx context.Context, url string) (Conn, error) {
		t, err := Dial(ctx, url, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

func (t *Transport) Events() <-chan models.Message {
	return t.events
}

// Emit writes one event frame.
func (t *Transport) Emit(event models.EventType, data any) error {
	frame, err := models.Encode(event, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", event, err)
	}
	return nil
}

// Close sends a close frame and tears the connection down. Safe to call more
// than once.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		t.mu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) readLoop() {
	defer close(t.events)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Warn().Err(err).Msg("Connection lost")
			}
			return
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		select {
		case t.events <- msg:
		case <-t.closed:
			return
		}
	}
}
