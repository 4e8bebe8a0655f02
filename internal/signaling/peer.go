package signaling

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/peerlink/safety/internal/models"
)

// PeerConnection is the subset of *webrtc.PeerConnection the coordinator uses.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory creates a peer connection.
type PeerFactory func(cfg webrtc.Configuration) (PeerConnection, error)

// NewPionFactory returns a factory backed by a pion API with the default codecs and the
// default interceptors (NACK, RTCP reports, TWCC).
func NewPionFactory() (PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))
	return func(cfg webrtc.Configuration) (PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}, nil
}

// DefaultICEServers is used when none are configured.
var DefaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// LocalMedia is an open capture device. *media.Local implements it.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	LatestFrame() (*models.Frame, bool)
	Close() error
}

// MediaAcquirer opens the local device.
type MediaAcquirer interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// AcquirerFunc adapts a function to MediaAcquirer.
type AcquirerFunc func(ctx context.Context) (LocalMedia, error)

func (f AcquirerFunc) Acquire(ctx context.Context) (LocalMedia, error) { return f(ctx) }
