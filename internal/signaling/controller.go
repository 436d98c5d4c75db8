package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/call-relay/internal/models"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned when a message needs a live connection.
	ErrNotConnected = errors.New("not connected to relay")
	// ErrRetriesExhausted is returned after the controller gave up
	// reconnecting. Initialize starts over.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

const subscriberBuffer = 64

// ConnectionState is the controller's view of its relay connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

type Options struct {
	URL string
	// MaxAttempts bounds consecutive failed dials before giving up.
	MaxAttempts int
	RetryDelay  time.Duration
	Dial        DialFunc
	Logger      zerolog.Logger

	// Callbacks run on the connection goroutine and must not call
	// Initialize or Disconnect.
	OnConnectionStateChange func(connected bool)
	OnCallAccepted          func(operatorID string)
	OnQueueUpdate           func(items []models.QueueItem)
}

// Controller owns the relay connection for one participant. It redials on
// loss, re-announces the participant after every connect and replays the
// most recent call request issued while offline.
type Controller struct {
	opts Options
	log  zerolog.Logger

	mu            sync.Mutex
	state         ConnectionState
	conn          Conn
	participantID string
	operator      bool
	pending       *models.CallRequest
	exhausted     bool
	subscribers   map[int]chan models.SignalEnvelope
	nextSub       int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(opts Options) *Controller {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Dial == nil {
		opts.Dial = Dialer(opts.Logger)
	}
	return &Controller{
		opts:        opts,
		log:         opts.Logger.With().Str("component", "signaling").Logger(),
		subscribers: make(map[int]chan models.SignalEnvelope),
	}
}

// Initialize starts connecting as participantID. Calling it again restarts
// the connection, which is the only way out of an exhausted state. A call
// request still pending for the same participant survives the restart.
func (c *Controller) Initialize(ctx context.Context, participantID string) error {
	if participantID == "" {
		return errors.New("participant id required")
	}
	c.stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.participantID != participantID {
		c.pending = nil
		c.operator = false
	}
	c.participantID = participantID
	c.exhausted = false
	c.state = Connecting
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.log.Info().Str("participant_id", participantID).Str("url", c.opts.URL).Msg("Connecting to relay")

	go func() {
		defer close(done)
		c.supervise(runCtx)
	}()
	return nil
}

// Disconnect closes the connection and forgets the participant and any
// pending request.
func (c *Controller) Disconnect() {
	c.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Disconnected
	c.participantID = ""
	c.pending = nil
	c.operator = false
	c.exhausted = false
}

func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendCallRequest queues the participant for an operator. While offline the
// request is held and sent after the next connect; a newer request replaces
// an older one.
func (c *Controller) SendCallRequest(displayName string) error {
	c.mu.Lock()
	if c.participantID == "" {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.exhausted {
		c.mu.Unlock()
		return ErrRetriesExhausted
	}
	if displayName == "" {
		displayName = c.participantID
	}
	req := models.CallRequest{CallerID: c.participantID, DisplayName: displayName}
	conn := c.conn
	if conn == nil {
		c.pending = &req
		c.mu.Unlock()
		c.log.Info().Str("display_name", displayName).Msg("Not connected, call request held")
		return nil
	}
	c.mu.Unlock()

	if err := conn.Emit(models.EventCallRequest, req); err != nil {
		c.log.Warn().Err(err).Msg("Call request not sent, holding for reconnect")
		c.mu.Lock()
		c.pending = &req
		c.mu.Unlock()
	}
	return nil
}

// OperatorJoin registers this participant as an operator. The registration
// is repeated after every reconnect.
func (c *Controller) OperatorJoin() error {
	c.mu.Lock()
	if c.participantID == "" {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.operator = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Emit(models.EventOperatorJoin, struct{}{})
}

// AcceptCall takes callerID off the queue.
func (c *Controller) AcceptCall(callerID string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.Emit(models.EventAcceptCall, models.AcceptCallRequest{CallerID: callerID})
}

// SendSignal forwards a negotiation envelope through the relay.
func (c *Controller) SendSignal(env models.SignalEnvelope) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.Emit(models.EventSignal, env)
}

// Subscribe delivers inbound signal envelopes until cancel is called.
// Envelopes are dropped for a subscriber that falls behind. A dropped offer
// or answer is not resent, so the call waiting on it ends with its
// negotiation timeout.
func (c *Controller) Subscribe() (<-chan models.SignalEnvelope, func()) {
	ch := make(chan models.SignalEnvelope, subscriberBuffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) live() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	if c.exhausted {
		return nil, ErrRetriesExhausted
	}
	return nil, ErrNotConnected
}

func (c *Controller) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) supervise(ctx context.Context) {
	attempts := 0
	for {
		conn, err := c.opts.Dial(ctx, c.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			c.log.Warn().Err(err).
				Int("attempt", attempts).
				Int("max_attempts", c.opts.MaxAttempts).
				Msg("Failed to connect to relay")

			if attempts >= c.opts.MaxAttempts {
				c.exhaust()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.RetryDelay):
			}
			continue
		}

		attempts = 0
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

// serve announces the participant on conn and dispatches its events until
// the connection ends or ctx is cancelled.
func (c *Controller) serve(ctx context.Context, conn Conn) {
	c.mu.Lock()
	participantID, operator := c.participantID, c.operator
	c.mu.Unlock()

	if err := conn.Emit(models.EventJoin, models.JoinRequest{ParticipantID: participantID}); err != nil {
		c.log.Warn().Err(err).Msg("Failed to join")
	}
	if operator {
		if err := conn.Emit(models.EventOperatorJoin, struct{}{}); err != nil {
			c.log.Warn().Err(err).Msg("Failed to rejoin operators")
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.log.Info().Str("participant_id", participantID).Msg("Connected to relay")
	if pending != nil {
		c.log.Info().Str("display_name", pending.DisplayName).Msg("Sending held call request")
		if err := conn.Emit(models.EventCallRequest, *pending); err != nil {
			c.log.Warn().Err(err).Msg("Failed to send held call request")
			c.mu.Lock()
			if c.pending == nil {
				c.pending = pending
			}
			c.mu.Unlock()
		}
	}
	c.notify(true)

	events := conn.Events()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-events:
			if !ok {
				break loop
			}
			c.dispatch(msg)
		}
	}

	conn.Close()
	c.mu.Lock()
	c.conn = nil
	if ctx.Err() != nil {
		c.state = Disconnected
	} else {
		c.state = Reconnecting
		c.log.Warn().Msg("Lost relay connection, reconnecting")
	}
	c.mu.Unlock()
	c.notify(false)
}

func (c *Controller) exhaust() {
	c.mu.Lock()
	c.exhausted = true
	c.state = Disconnected
	c.mu.Unlock()

	c.log.Error().Int("max_attempts", c.opts.MaxAttempts).Msg("Giving up on relay connection")
	c.notify(false)
}

func (c *Controller) notify(connected bool) {
	if c.opts.OnConnectionStateChange != nil {
		c.opts.OnConnectionStateChange(connected)
	}
}

func (c *Controller) dispatch(msg models.Message) {
	switch msg.Event {
	case models.EventSignal:
		var env models.SignalEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			c.log.Warn().Err(err).Msg("Dropping malformed signal")
			return
		}
		c.mu.Lock()
		for _, ch := range c.subscribers {
			select {
			case ch <- env:
			default:
				c.log.Warn().Str("kind", string(env.Kind)).Msg("Subscriber behind, dropping signal")
			}
		}
		c.mu.Unlock()

	case models.EventCallAccepted:
		var accepted models.CallAccepted
		if err := json.Unmarshal(msg.Data, &accepted); err != nil {
			c.log.Warn().Err(err).Msg("Dropping malformed call_accepted")
			return
		}
		c.log.Info().Str("operator_id", accepted.OperatorID).Msg("Call accepted")
		if c.opts.OnCallAccepted != nil {
			c.opts.OnCallAccepted(accepted.OperatorID)
		}

	case models.EventQueueUpdate:
		var items []models.QueueItem
		if err := json.Unmarshal(msg.Data, &items); err != nil {
			c.log.Warn().Err(err).Msg("Dropping malformed queue_update")
			return
		}
		if c.opts.OnQueueUpdate != nil {
			c.opts.OnQueueUpdate(items)
		}

	default:
		c.log.Debug().Str("event", string(msg.Event)).Msg("Ignoring event")
	}
}
