// Package call drives WebRTC offer/answer negotiation for a single call
// between two participants. The relay connection is reached only through the
// Signaler interface and the media engine only through PeerConnection.
package call

import (
	"errors"

	"github.com/mossy-p/call-relay/internal/models"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrAlreadyActive is returned by StartCall once a call is in progress.
	ErrAlreadyActive = errors.New("call already active")
	// ErrSessionClosed is returned by StartCall after the session has ended.
	ErrSessionClosed = errors.New("call session closed")
	// ErrNegotiationTimeout is reported when no connection is established in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrConnectivityFailed is reported when ICE gives up on the media path.
	ErrConnectivityFailed = errors.New("ice connectivity failed")
)

// Signaler carries envelopes to and from the relay.
type Signaler interface {
	SendSignal(env models.SignalEnvelope) error
	// Subscribe delivers every inbound envelope until cancel is called.
	Subscribe() (ch <-chan models.SignalEnvelope, cancel func())
}

// PeerConnection is the subset of *webrtc.PeerConnection a Session drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	Close() error
}

// PeerFactory creates the media session for one call.
type PeerFactory func() (PeerConnection, error)

var _ PeerConnection = (*webrtc.PeerConnection)(nil)
