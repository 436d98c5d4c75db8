// Package relay brokers call requests between callers and operators and
// forwards WebRTC signaling between participants.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/call-relay/internal/metrics"
	"github.com/mossy-p/call-relay/internal/models"
	"github.com/rs/zerolog"
)

// Mirror receives copies of relay state for external observers. Calls happen
// while the relay lock is held, so implementations must not block.
type Mirror interface {
	QueueChanged(items []models.QueueItem)
	PresenceChanged(participantID string, online bool)
}

type Options struct {
	// OperatorID is reported to callers in call_accepted.
	OperatorID string
	Metrics    metrics.Collector
	Mirror     Mirror
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Relay composes the registry, queue, operator pool and router behind one
// lock so queue dedup and FIFO order hold under concurrent connections.
type Relay struct {
	mu       sync.Mutex
	conns    map[string]Conn
	registry *Registry
	queue    *Queue
	pool     *Pool
	router   *Router

	operatorID string
	metrics    metrics.Collector
	mirror     Mirror
	now        func() time.Time
	log        zerolog.Logger
}

func New(opts Options) *Relay {
	if opts.OperatorID == "" {
		opts.OperatorID = "operator"
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewPrometheusCollector(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With().Str("component", "relay").Logger()
	registry := NewRegistry()

	return &Relay{
		conns:      make(map[string]Conn),
		registry:   registry,
		queue:      NewQueue(),
		pool:       NewPool(),
		router:     NewRouter(registry, log),
		operatorID: opts.OperatorID,
		metrics:    opts.Metrics,
		mirror:     opts.Mirror,
		now:        opts.Now,
		log:        log,
	}
}

// Connect records a freshly accepted connection.
func (r *Relay) Connect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; ok {
		return
	}
	r.conns[conn.ID()] = conn
	r.metrics.ConnectionOpened()
	r.log.Info().Str("conn_id", conn.ID()).Msg("Connection opened")
}

// HandleMessage decodes one inbound frame and dispatches it by event name.
func (r *Relay) HandleMessage(conn Conn, frame []byte) error {
	var msg models.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedEnvelope, err)
	}

	switch msg.Event {
	case models.EventJoin:
		var req models.JoinRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		if req.ParticipantID == "" {
			return fmt.Errorf("%w: join without participantId", models.ErrMalformedEnvelope)
		}
		r.Join(conn, req.ParticipantID)

	case models.EventOperatorJoin:
		r.OperatorJoin(conn)

	case models.EventCallRequest:
		var req models.CallRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		if req.CallerID == "" {
			return fmt.Errorf("%w: call_request without callerId", models.ErrMalformedEnvelope)
		}
		r.CallRequest(conn, req)

	case models.EventAcceptCall:
		var req models.AcceptCallRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		r.AcceptCall(req.CallerID)

	case models.EventSignal:
		if _, err := r.Signal(msg.Data); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown event %q", msg.Event)
	}
	return nil
}

// Join binds conn to participantID.
func (r *Relay) Join(conn Conn, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.join(conn, participantID)
}

func (r *Relay) join(conn Conn, participantID string) {
	online := len(r.registry.Resolve(participantID)) > 0
	if r.registry.Join(conn, participantID) {
		r.log.Info().Str("conn_id", conn.ID()).Str("participant_id", participantID).Msg("Participant joined")
		if !online && r.mirror != nil {
			r.mirror.PresenceChanged(participantID, true)
		}
	}
}

// OperatorJoin adds conn to the operator pool and sends the pool the current queue.
func (r *Relay) OperatorJoin(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pool.Register(conn) {
		r.log.Info().Str("conn_id", conn.ID()).Int("operators", r.pool.Len()).Msg("Operator joined")
	}
	r.broadcastQueue()
}

// CallRequest queues the caller once and binds conn to the caller id so the
// acceptance can reach it. It reports whether a new entry was queued.
func (r *Relay) CallRequest(conn Conn, req models.CallRequest) bool {
	if req.DisplayName == "" {
		req.DisplayName = req.CallerID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	added := r.queue.Enqueue(conn.ID(), req.CallerID, req.DisplayName, r.now())
	r.metrics.CallRequested(added)
	if added {
		r.log.Info().Str("caller_id", req.CallerID).Str("display_name", req.DisplayName).Msg("Call requested")
		r.broadcastQueue()
	}
	r.join(conn, req.CallerID)
	return added
}

// AcceptCall takes callerID off the queue and tells the caller. Unknown
// callers are ignored.
func (r *Relay) AcceptCall(callerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.queue.Dequeue(callerID)
	if !ok {
		r.log.Debug().Str("caller_id", callerID).Msg("Accept for caller not in queue ignored")
		return false
	}
	r.metrics.CallAccepted()
	r.broadcastQueue()

	frame, err := models.Encode(models.EventCallAccepted, models.CallAccepted{OperatorID: r.operatorID})
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to encode call_accepted")
		return true
	}
	delivered := 0
	for _, c := range r.registry.Resolve(entry.CallerID) {
		if c.Send(frame) {
			delivered++
		}
	}
	r.log.Info().Str("caller_id", callerID).Int("delivered", delivered).Msg("Call accepted")
	return true
}

// Signal routes a raw signal envelope.
func (r *Relay) Signal(data json.RawMessage) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered, err := r.router.Route(data)
	if err != nil {
		return 0, err
	}
	r.metrics.SignalRouted(delivered)
	return delivered, nil
}

// Disconnect evicts everything tied to conn: registry memberships, operator
// pool membership and queued requests. Only the first call per connection
// has any effect.
func (r *Relay) Disconnect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, ok := r.conns[id]; !ok {
		return
	}
	delete(r.conns, id)
	r.metrics.ConnectionClosed()

	for _, pid := range r.registry.Remove(id) {
		if r.mirror != nil {
			r.mirror.PresenceChanged(pid, false)
		}
	}
	wasOperator := r.pool.Unregister(id)
	removed := r.queue.RemoveAllFor(id)
	if removed > 0 {
		r.broadcastQueue()
	}

	r.log.Info().
		Str("conn_id", id).
		Bool("operator", wasOperator).
		Int("dequeued", removed).
		Msg("Connection closed")
}

// Snapshot returns the queue as operators currently see it.
func (r *Relay) Snapshot() []models.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Snapshot(r.now())
}

// Stats reports sizes for health output.
func (r *Relay) Stats() (connections, participants, queued, operators int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns), r.registry.Len(), r.queue.Len(), r.pool.Len()
}

// broadcastQueue pushes the full snapshot to every operator. Callers hold r.mu.
func (r *Relay) broadcastQueue() {
	items := r.queue.Snapshot(r.now())
	r.metrics.QueueLength(len(items))
	if r.mirror != nil {
		r.mirror.QueueChanged(items)
	}

	frame, err := models.Encode(models.EventQueueUpdate, items)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to encode queue_update")
		return
	}
	sent := r.pool.Broadcast(frame)
	r.log.Debug().Int("queued", len(items)).Int("operators", sent).Msg("Queue broadcast")
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", models.ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedEnvelope, err)
	}
	return nil
}
