package call

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/call-relay/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type fakePeer struct {
	mu          sync.Mutex
	offerErr    error
	candErr     error
	remote      []webrtc.SessionDescription
	local       []webrtc.SessionDescription
	added       chan webrtc.ICECandidateInit
	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.ICEConnectionState)
	closed      int
}

func newFakePeer() *fakePeer {
	return &fakePeer{added: make(chan webrtc.ICECandidateInit, 8)}
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, d)
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.added <- c
	return p.candErr
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) ice(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(state)
}

func (p *fakePeer) gather(c *webrtc.ICECandidate) {
	p.mu.Lock()
	f := p.onCandidate
	p.mu.Unlock()
	f(c)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeSignaler struct {
	in   chan models.SignalEnvelope
	sent chan models.SignalEnvelope

	mu        sync.Mutex
	cancelled bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		in:   make(chan models.SignalEnvelope),
		sent: make(chan models.SignalEnvelope, 16),
	}
}

func (s *fakeSignaler) SendSignal(env models.SignalEnvelope) error {
	s.sent <- env
	return nil
}

func (s *fakeSignaler) Subscribe() (<-chan models.SignalEnvelope, func()) {
	return s.in, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cancelled = true
	}
}

func (s *fakeSignaler) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *fakeSignaler) next(t *testing.T) models.SignalEnvelope {
	t.Helper()
	select {
	case env := <-s.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope sent")
		return models.SignalEnvelope{}
	}
}

type harness struct {
	session *Session
	peer    *fakePeer
	sig     *fakeSignaler
	states  chan State
	errs    chan error
}

func newHarness(t *testing.T, local, remote string, timeout time.Duration, with ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		peer:   newFakePeer(),
		sig:    newFakeSignaler(),
		states: make(chan State, 16),
		errs:   make(chan error, 4),
	}
	opts := Options{
		Logger:             zerolog.Nop(),
		NegotiationTimeout: timeout,
		OnStateChange:      func(s State) { h.states <- s },
		OnError:            func(err error) { h.errs <- err },
	}
	for _, f := range with {
		f(&opts)
	}
	h.session = New(local, remote, h.sig, func() (PeerConnection, error) {
		return h.peer, nil
	}, opts)
	t.Cleanup(h.session.EndCall)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-h.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached %s, at %s", want, h.session.State())
		}
	}
}

func description(t *testing.T, kind models.SignalKind, from, to, sdp string) models.SignalEnvelope {
	t.Helper()
	env, err := models.NewDescriptionEnvelope(kind, from, to, sdp)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestCallerReachesConnected(t *testing.T) {
	h := newHarness(t, "u1", "operator", 0)

	if err := h.session.StartCall(); err != nil {
		t.Fatal(err)
	}
	offer := h.sig.next(t)
	if offer.Kind != models.SignalOffer || offer.From != "u1" || offer.To != "operator" {
		t.Fatalf("unexpected offer envelope %+v", offer)
	}
	if d, _ := offer.Description(); d.SDP != "v=0 offer" {
		t.Fatalf("unexpected sdp %q", d.SDP)
	}
	h.waitState(t, Offering)

	h.sig.in <- description(t, models.SignalAnswer, "operator", "u1", "v=0 answer")
	h.waitState(t, Negotiating)

	h.peer.ice(webrtc.ICEConnectionStateConnected)
	h.waitState(t, Connected)

	h.session.EndCall()
	if h.session.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", h.session.State())
	}
	if h.peer.closeCount() != 1 || !h.sig.isCancelled() {
		t.Fatal("end call did not release peer and subscription")
	}

	h.session.EndCall()
	if h.peer.closeCount() != 1 {
		t.Fatal("second end call closed the peer again")
	}
}

func TestStartCallWhileActive(t *testing.T) {
	h := newHarness(t, "u1", "operator", 0)

	if err := h.session.StartCall(); err != nil {
		t.Fatal(err)
	}
	if err := h.session.StartCall(); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	h.sig.next(t)
	if n := len(h.sig.sent); n != 0 {
		t.Fatalf("expected a single offer, %d more sent", n)
	}
}

func TestOfferFailureIsTerminal(t *testing.T) {
	h := newHarness(t, "u1", "operator", 0)
	boom := errors.New("no codecs")
	h.peer.offerErr = boom

	if err := h.session.StartCall(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-h.errs:
		if !errors.Is(err, boom) {
			t.Fatalf("expected wrapped negotiation error, got %v", err)
		}
	default:
		t.Fatal("error callback not invoked")
	}
	if h.session.State() != Failed {
		t.Fatalf("expected failed, got %s", h.session.State())
	}
	if len(h.sig.sent) != 0 {
		t.Fatal("offer sent despite failure")
	}
	if err := h.session.StartCall(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestAnswerIncomingOffer(t *testing.T) {
	h := newHarness(t, "operator", "u1", 0)

	// Envelopes from other participants are ignored.
	h.sig.in <- description(t, models.SignalOffer, "u9", "operator", "v=0 stray")
	h.sig.in <- description(t, models.SignalOffer, "u1", "operator", "v=0 offer")
	h.waitState(t, Negotiating)

	answer := h.sig.next(t)
	if answer.Kind != models.SignalAnswer || answer.To != "u1" {
		t.Fatalf("unexpected answer envelope %+v", answer)
	}
	h.peer.mu.Lock()
	remote := h.peer.remote
	h.peer.mu.Unlock()
	if len(remote) != 1 || remote[0].Type != webrtc.SDPTypeOffer || remote[0].SDP != "v=0 offer" {
		t.Fatalf("unexpected remote descriptions %+v", remote)
	}
}

func TestCandidateExchange(t *testing.T) {
	h := newHarness(t, "u1", "operator", 0)

	// Dropped: no peer connection exists yet.
	h.sig.in <- models.SignalEnvelope{Kind: models.SignalICECandidate, From: "operator", To: "u1", Payload: []byte(`{"candidate":"early","sdpMLineIndex":0}`)}

	if err := h.session.StartCall(); err != nil {
		t.Fatal(err)
	}
	h.sig.next(t)

	mid := "0"
	cand, err := models.NewCandidateEnvelope("operator", "u1", models.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMLineIndex: 1, SDPMid: &mid})
	if err != nil {
		t.Fatal(err)
	}
	h.sig.in <- cand
	select {
	case got := <-h.peer.added:
		if got.Candidate == "early" {
			t.Fatal("candidate before negotiation should be dropped")
		}
		if got.SDPMLineIndex == nil || *got.SDPMLineIndex != 1 || *got.SDPMid != "0" {
			t.Fatalf("unexpected candidate %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("candidate not applied")
	}

	// Missing sdpMLineIndex is malformed.
	h.sig.in <- models.SignalEnvelope{Kind: models.SignalICECandidate, From: "operator", To: "u1", Payload: []byte(`{"candidate":"x"}`)}

	h.peer.gather(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "192.168.1.2",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       5000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
		SDPMid:     "0",
	})
	out := h.sig.next(t)
	if out.Kind != models.SignalICECandidate || out.To != "operator" {
		t.Fatalf("unexpected outbound envelope %+v", out)
	}
	c, err := out.Candidate()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(c.Candidate, "candidate:") {
		t.Fatalf("unexpected candidate line %q", c.Candidate)
	}

	if s := h.session.State(); s != Offering {
		t.Fatalf("candidates changed state to %s", s)
	}
	select {
	case got := <-h.peer.added:
		t.Fatalf("malformed candidate applied: %+v", got)
	default:
	}
}

func TestCandidateFailureKeepsState(t *testing.T) {
	h := newHarness(t, "u1", "operator", 0)
	h.peer.candErr = errors.New("remote description not set")

	if err := h.session.StartCall(); err != nil {
		t.Fatal(err)
	}
	h.sig.next(t)
	cand, _ := models.NewCandidateEnvelope("operator", "u1", models.ICECandidate{Candidate: "candidate:x", SDPMLineIndex: 0})
	h.sig.in <- cand
	<-h.peer.added

	// Serialized behind the candidate, so the state check below is stable.
	h.sig.in <- description(t, models.SignalAnswer, "operator", "u1", "v=0 answer")
	h.waitState(t, Negotiating)
}

func TestNegotiationTimeout(t *testing.T) {
	h := newHarness(t, "u1", "operator", 20*time.Millisecond)

	if err := h.session.StartCall(); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, Failed)
	if err := <-h.errs; !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("expected ErrNegotiationTimeout, got %v", err)
	}
	if h.peer.closeCount() != 1 {
		t.Fatal("peer connection not released")
	}
}

func TestAnsweringSessionTimesOutWithoutOffer(t *testing.T) {
	h := newHarness(t, "operator", "u1", 50*time.Millisecond, func(o *Options) { o.AwaitOffer = true })

	h.waitState(t, Failed)
	if err := <-h.errs; !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("expected ErrNegotiationTimeout, got %v", err)
	}
	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never released")
	}
	if !h.sig.isCancelled() {
		t.Fatal("subscription not released")
	}
	if h.peer.closeCount() != 0 {
		t.Fatal("no peer connection should have been opened")
	}
}

func TestAwaitedOfferRestartsTimeout(t *testing.T) {
	h := newHarness(t, "operator", "u1", 300*time.Millisecond, func(o *Options) { o.AwaitOffer = true })

	time.Sleep(200 * time.Millisecond)
	h.sig.in <- description(t, models.SignalOffer, "u1", "operator", "v=0 offer")
	h.waitState(t, Negotiating)

	// Past the Idle deadline, still inside the one armed by the offer.
	time.Sleep(150 * time.Millisecond)
	if s := h.session.State(); s != Negotiating {
		t.Fatalf("expected negotiating, got %s", s)
	}
	h.peer.ice(webrtc.ICEConnectionStateConnected)
	h.waitState(t, Connected)
}

func TestEndCallMidNegotiation(t *testing.T) {
	tests := []struct {
		name          string
		local, remote string
		setup         func(t *testing.T, h *harness)
		want          State
	}{
		{
			name:   "offering",
			local:  "u1",
			remote: "operator",
			setup: func(t *testing.T, h *harness) {
				if err := h.session.StartCall(); err != nil {
					t.Fatal(err)
				}
				h.sig.next(t)
			},
			want: Offering,
		},
		{
			name:   "negotiating",
			local:  "operator",
			remote: "u1",
			setup: func(t *testing.T, h *harness) {
				h.sig.in <- description(t, models.SignalOffer, "u1", "operator", "v=0 offer")
				h.sig.next(t)
			},
			want: Negotiating,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.local, tt.remote, 0)
			tt.setup(t, h)
			h.waitState(t, tt.want)

			h.peer.mu.Lock()
			remotes := len(h.peer.remote)
			h.peer.mu.Unlock()

			h.session.EndCall()
			if s := h.session.State(); s != Disconnected {
				t.Fatalf("expected disconnected, got %s", s)
			}
			if h.peer.closeCount() != 1 {
				t.Fatalf("expected one close, got %d", h.peer.closeCount())
			}
			if !h.sig.isCancelled() {
				t.Fatal("subscription not released")
			}

			h.session.EndCall()
			if h.peer.closeCount() != 1 {
				t.Fatal("second end call closed the peer again")
			}

			cand, _ := models.NewCandidateEnvelope(tt.remote, tt.local, models.ICECandidate{Candidate: "candidate:late", SDPMLineIndex: 0})
			late := []models.SignalEnvelope{
				description(t, models.SignalAnswer, tt.remote, tt.local, "v=0 late"),
				cand,
			}
			for _, env := range late {
				select {
				case h.sig.in <- env:
					t.Fatalf("ended session consumed %s", env.Kind)
				case <-time.After(50 * time.Millisecond):
				}
			}

			h.peer.mu.Lock()
			got := len(h.peer.remote)
			h.peer.mu.Unlock()
			if got != remotes {
				t.Fatalf("late description applied: %d remote descriptions, want %d", got, remotes)
			}
			select {
			case c := <-h.peer.added:
				t.Fatalf("late candidate applied: %+v", c)
			default:
			}
		})
	}
}

func TestICELossEndsCall(t *testing.T) {
	tests := []struct {
		name string
		ice  webrtc.ICEConnectionState
		want State
		err  error
	}{
		{"disconnected", webrtc.ICEConnectionStateDisconnected, Disconnected, nil},
		{"failed", webrtc.ICEConnectionStateFailed, Failed, ErrConnectivityFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "u1", "operator", 0)
			if err := h.session.StartCall(); err != nil {
				t.Fatal(err)
			}
			h.sig.next(t)
			h.sig.in <- description(t, models.SignalAnswer, "operator", "u1", "v=0 answer")
			h.peer.ice(webrtc.ICEConnectionStateConnected)
			h.waitState(t, Connected)

			h.peer.ice(tt.ice)
			<-h.session.Done()
			if h.session.State() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, h.session.State())
			}
			if h.peer.closeCount() != 1 {
				t.Fatal("peer connection not released")
			}
			if tt.err != nil {
				if err := <-h.errs; !errors.Is(err, tt.err) {
					t.Fatalf("expected %v, got %v", tt.err, err)
				}
			}
		})
	}
}

func TestEndCallFromIdle(t *testing.T) {
	h := newHarness(t, "u1", "operator", 0)
	h.session.EndCall()

	if h.session.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", h.session.State())
	}
	if !h.sig.isCancelled() {
		t.Fatal("subscription not released")
	}
	if err := h.session.StartCall(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
