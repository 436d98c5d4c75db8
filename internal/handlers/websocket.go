package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-relay/internal/metrics"
	"github.com/mossy-p/call-relay/internal/models"
	"github.com/mossy-p/call-relay/internal/relay"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	metrics metrics.Collector
	log     zerolog.Logger
}

var _ relay.Conn = (*Client)(nil)

func (c *Client) ID() string { return c.id }

// Send queues a frame for the write pump. Frames are dropped when the
// buffer is full or the connection is gone.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.metrics.FrameDropped("send_buffer_full")
		c.log.Warn().Msg("Send buffer full, frame dropped")
		return false
	}
}

// HandleSignaling upgrades the request and serves relay events on it until
// the connection closes.
func (h *Handler) HandleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id := uuid.New().String()
	client := &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.Limits.MessageRate), h.cfg.Limits.MessageBurst),
		metrics: h.metrics,
		log:     h.log.With().Str("conn_id", id).Logger(),
	}

	h.relay.Connect(client)

	go client.writePump()
	go client.readPump(h.relay)
}

func (c *Client) readPump(r *relay.Relay) {
	defer func() {
		close(c.done)
		r.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}

		if !c.limiter.Allow() {
			c.metrics.FrameDropped("rate_limited")
			c.log.Debug().Msg("Inbound rate exceeded, frame dropped")
			continue
		}

		if err := r.HandleMessage(c, message); err != nil {
			reason := "unknown_event"
			if errors.Is(err, models.ErrMalformedEnvelope) {
				reason = "malformed"
			}
			c.metrics.FrameDropped(reason)
			c.log.Warn().Err(err).Msg("Frame dropped")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
