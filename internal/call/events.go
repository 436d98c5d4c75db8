package call

import (
	"github.com/mossy-p/call-relay/internal/models"
	"github.com/pion/webrtc/v4"
)

// event is everything the session goroutine reacts to.
type event interface {
	isEvent()
}

type startEvent struct {
	reply chan error
}

type endEvent struct{}

type signalEvent struct {
	env models.SignalEnvelope
}

// localCandidateEvent is a candidate gathered by the local media engine.
type localCandidateEvent struct {
	init webrtc.ICECandidateInit
}

type iceStateEvent struct {
	state webrtc.ICEConnectionState
}

func (startEvent) isEvent()          {}
func (endEvent) isEvent()            {}
func (signalEvent) isEvent()         {}
func (localCandidateEvent) isEvent() {}
func (iceStateEvent) isEvent()       {}
