package voicecall

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/theplantsprouts/rork-plantspace-sub001/media"
)

// Transport is the subset of *webrtc.PeerConnection a call needs.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

var _ Transport = (*webrtc.PeerConnection)(nil)

// TransportFactory opens a fresh Transport for one call.
type TransportFactory func(ctx context.Context) (Transport, error)

type TransportConfig struct {
	ICEServers []webrtc.ICEServer `yaml:"ice_servers"`
	// Zero timeouts keep pion's defaults.
	DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
	FailedTimeout       time.Duration `yaml:"failed_timeout"`
	KeepAliveInterval   time.Duration `yaml:"keep_alive_interval"`
	// IncludeLoopback gathers 127.0.0.1 candidates, for calls on one host.
	IncludeLoopback bool `yaml:"include_loopback"`
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       60 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// NewPionTransport returns a factory for Opus-only peer connections with
// the default interceptors.
func NewPionTransport(cfg TransportConfig) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mediaEngine := &webrtc.MediaEngine{}
		err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   media.ClockRate,
				Channels:    media.Channels,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		}, webrtc.RTPCodecTypeAudio)
		if err != nil {
			return nil, fmt.Errorf("registering opus codec: %w", err)
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, fmt.Errorf("registering interceptors: %w", err)
		}

		se := webrtc.SettingEngine{}
		if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
			def := DefaultTransportConfig()
			se.SetICETimeouts(
				orDefault(cfg.DisconnectedTimeout, def.DisconnectedTimeout),
				orDefault(cfg.FailedTimeout, def.FailedTimeout),
				orDefault(cfg.KeepAliveInterval, def.KeepAliveInterval),
			)
		}
		if cfg.IncludeLoopback {
			se.SetIncludeLoopbackCandidate(true)
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		)
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, fmt.Errorf("creating peer connection: %w", err)
		}
		return pc, nil
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
