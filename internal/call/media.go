package call

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// NewPeerFactory builds a pion API with the default codecs and RTCP
// interceptors and returns a factory for receive-only peer connections.
// Capture is left to the embedding application.
func NewPeerFactory(stunURLs []string, log zerolog.Logger) (PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}

	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		addRecvOnlyTransceivers(pc, log)
		return pc, nil
	}, nil
}

// addRecvOnlyTransceivers makes offers and answers carry audio and video
// m-lines with ICE credentials even without local tracks.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, log zerolog.Logger) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn().Err(err).Stringer("kind", kind).Msg("Failed to add transceiver")
		}
	}
}
