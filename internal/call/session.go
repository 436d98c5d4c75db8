package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/call-relay/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const eventBacklog = 64

type Options struct {
	Logger zerolog.Logger
	// NegotiationTimeout bounds the time spent in Offering and Negotiating.
	// Zero disables the limit.
	NegotiationTimeout time.Duration
	// AwaitOffer also applies NegotiationTimeout to Idle, for answering
	// sessions waiting on the remote offer.
	AwaitOffer bool
	// OnStateChange and OnError run on the session goroutine and must not
	// call StartCall or EndCall.
	OnStateChange func(State)
	OnError       func(error)
}

// Session negotiates one call between localID and remoteID. All transitions
// happen on a single goroutine fed by API calls, relay envelopes and media
// engine callbacks. A Session is not reused once it reaches a terminal state.
type Session struct {
	localID  string
	remoteID string
	signaler Signaler
	newPeer  PeerFactory
	opts     Options
	log      zerolog.Logger

	events chan event
	quit   chan struct{} // closed on entering a terminal state
	done   chan struct{} // closed once resources are released

	mu    sync.RWMutex
	state State

	// owned by run
	pc          PeerConnection
	timeout     *time.Timer
	unsubscribe func()
}

// New subscribes to inbound envelopes and starts the session in Idle. A
// remote offer from remoteID answers the call; StartCall places it.
func New(localID, remoteID string, sig Signaler, newPeer PeerFactory, opts Options) *Session {
	s := &Session{
		localID:  localID,
		remoteID: remoteID,
		signaler: sig,
		newPeer:  newPeer,
		opts:     opts,
		log: opts.Logger.With().
			Str("component", "call").
			Str("local", localID).
			Str("remote", remoteID).
			Logger(),
		events: make(chan event, eventBacklog),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	signals, cancel := sig.Subscribe()
	s.unsubscribe = cancel
	if opts.AwaitOffer {
		s.armTimer()
	}
	go s.run(signals)
	return s
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed after the session has ended and released its media session.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// StartCall sends an offer to the remote participant. It returns once the
// offer is out; later negotiation failures are reported through OnError.
func (s *Session) StartCall() error {
	reply := make(chan error, 1)
	if !s.post(startEvent{reply: reply}) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// EndCall hangs up from any state and waits until the media session and the
// relay subscription are released. Calling it again is a no-op.
func (s *Session) EndCall() {
	s.post(endEvent{})
	<-s.done
}

func (s *Session) post(ev event) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Session) run(signals <-chan models.SignalEnvelope) {
	defer close(s.done)

	for !s.state.Terminal() {
		var timeout <-chan time.Time
		if s.timeout != nil {
			timeout = s.timeout.C
		}

		select {
		case ev := <-s.events:
			s.handle(ev)
		case env, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			s.handle(signalEvent{env: env})
		case <-timeout:
			s.timeout = nil
			if s.state != Connected {
				s.fail(ErrNegotiationTimeout)
			}
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case startEvent:
		ev.reply <- s.startCall()
	case endEvent:
		s.setState(Disconnected)
	case signalEvent:
		s.handleSignal(ev.env)
	case localCandidateEvent:
		s.sendCandidate(ev.init)
	case iceStateEvent:
		s.handleICEState(ev.state)
	}
}

func (s *Session) startCall() error {
	if s.state != Idle {
		return ErrAlreadyActive
	}
	if err := s.openPeer(); err != nil {
		s.fail(err)
		return nil
	}

	s.setState(Offering)
	s.restartTimer()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.fail(fmt.Errorf("failed to create offer: %w", err))
		return nil
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.fail(fmt.Errorf("failed to set local description: %w", err))
		return nil
	}
	if err := s.sendDescription(models.SignalOffer, offer.SDP); err != nil {
		s.fail(err)
	}
	return nil
}

func (s *Session) openPeer() error {
	pc, err := s.newPeer()
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		s.post(localCandidateEvent{init: c.ToJSON()})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.post(iceStateEvent{state: state})
	})
	s.pc = pc
	return nil
}

func (s *Session) handleSignal(env models.SignalEnvelope) {
	if env.From != s.remoteID || env.To != s.localID {
		s.log.Debug().Str("from", env.From).Str("to", env.To).Msg("Ignoring envelope for another call")
		return
	}
	if err := env.Validate(); err != nil {
		s.log.Warn().Err(err).Msg("Dropping envelope")
		return
	}

	switch env.Kind {
	case models.SignalOffer:
		s.acceptOffer(env)
	case models.SignalAnswer:
		s.applyAnswer(env)
	case models.SignalICECandidate:
		s.addCandidate(env)
	}
}

func (s *Session) acceptOffer(env models.SignalEnvelope) {
	if s.state != Idle {
		s.log.Warn().Stringer("state", s.state).Msg("Ignoring offer, call already active")
		return
	}
	desc, _ := env.Description()

	if err := s.openPeer(); err != nil {
		s.fail(err)
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		s.fail(fmt.Errorf("failed to set remote description: %w", err))
		return
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.fail(fmt.Errorf("failed to create answer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("failed to set local description: %w", err))
		return
	}
	if err := s.sendDescription(models.SignalAnswer, answer.SDP); err != nil {
		s.fail(err)
		return
	}

	s.setState(Negotiating)
	s.restartTimer()
}

func (s *Session) applyAnswer(env models.SignalEnvelope) {
	if !s.state.negotiating() {
		s.log.Warn().Stringer("state", s.state).Msg("Ignoring unexpected answer")
		return
	}
	desc, _ := env.Description()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		s.fail(fmt.Errorf("failed to set remote description: %w", err))
		return
	}
	s.setState(Negotiating)
}

// addCandidate never changes state; candidates can race the end of negotiation.
func (s *Session) addCandidate(env models.SignalEnvelope) {
	if s.pc == nil {
		s.log.Debug().Msg("Dropping candidate received before negotiation")
		return
	}
	c, _ := env.Candidate()

	index := uint16(c.SDPMLineIndex)
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: &index,
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		s.log.Warn().Err(err).Msg("Failed to add remote candidate")
	}
}

func (s *Session) sendCandidate(init webrtc.ICECandidateInit) {
	c := models.ICECandidate{Candidate: init.Candidate, SDPMid: init.SDPMid}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = int(*init.SDPMLineIndex)
	}
	env, err := models.NewCandidateEnvelope(s.localID, s.remoteID, c)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode local candidate")
		return
	}
	if err := s.signaler.SendSignal(env); err != nil {
		s.log.Warn().Err(err).Msg("Failed to send local candidate")
	}
}

func (s *Session) sendDescription(kind models.SignalKind, sdp string) error {
	env, err := models.NewDescriptionEnvelope(kind, s.localID, s.remoteID, sdp)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	if err := s.signaler.SendSignal(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

func (s *Session) handleICEState(state webrtc.ICEConnectionState) {
	s.log.Debug().Stringer("ice", state).Msg("ICE state changed")

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if s.state == Negotiating {
			s.stopTimer()
			s.setState(Connected)
		}
	case webrtc.ICEConnectionStateDisconnected:
		s.setState(Disconnected)
	case webrtc.ICEConnectionStateFailed:
		s.fail(ErrConnectivityFailed)
	}
}

func (s *Session) fail(err error) {
	s.log.Error().Err(err).Stringer("state", s.state).Msg("Call failed")
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
	s.setState(Failed)
}

func (s *Session) setState(next State) {
	prev := s.state
	if prev == next || prev.Terminal() {
		return
	}
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	s.log.Info().Stringer("from", prev).Stringer("to", next).Msg("Call state changed")
	if next.Terminal() {
		close(s.quit)
		s.release()
	}
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(next)
	}
}

func (s *Session) release() {
	s.stopTimer()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close peer connection")
		}
		s.pc = nil
	}
}

func (s *Session) armTimer() {
	if s.opts.NegotiationTimeout <= 0 || s.timeout != nil {
		return
	}
	s.timeout = time.NewTimer(s.opts.NegotiationTimeout)
}

func (s *Session) restartTimer() {
	s.stopTimer()
	s.armTimer()
}

func (s *Session) stopTimer() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
}
