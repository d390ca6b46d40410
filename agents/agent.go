// Package agents wires a call controller to a terminal: microphone in,
// speakers out, progress on a Printer.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	voicecall "github.com/theplantsprouts/rork-plantspace-sub001"
	"github.com/theplantsprouts/rork-plantspace-sub001/media"
	"github.com/theplantsprouts/rork-plantspace-sub001/media/device"
	"github.com/theplantsprouts/rork-plantspace-sub001/metrics"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
	"github.com/theplantsprouts/rork-plantspace-sub001/tools"
)

type AgentOption func(*CallAgent)

// WithDevice replaces the system microphone.
func WithDevice(d media.Device) AgentOption {
	return func(a *CallAgent) { a.device = d }
}

// WithBackend uses b instead of opening the configured backend. The agent
// does not close it.
func WithBackend(b signaling.Backend) AgentOption {
	return func(a *CallAgent) { a.backend = b }
}

func WithTransports(f voicecall.TransportFactory) AgentOption {
	return func(a *CallAgent) { a.transports = f }
}

func WithMetrics(m *metrics.Collector) AgentOption {
	return func(a *CallAgent) { a.metrics = m }
}

// WithPlayback replaces speaker output for the remote track.
func WithPlayback(play func(ctx context.Context, track *webrtc.TrackRemote)) AgentOption {
	return func(a *CallAgent) { a.play = play }
}

type CallAgent struct {
	logger      shared.LoggerAdapter
	printer     *shared.Printer
	cfg         *Config
	device      media.Device
	backend     signaling.Backend
	ownsBackend bool
	transports  voicecall.TransportFactory
	metrics     *metrics.Collector
	play        func(ctx context.Context, track *webrtc.TrackRemote)

	mu     sync.Mutex
	ctrl   *voicecall.Controller
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *CallAgent) print(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

// Spawn places or awaits the configured call and returns once it rings.
func (a *CallAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *Config,
	printer *shared.Printer,
	opts ...AgentOption,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctrl != nil {
		return shared.ErrSessionAlreadyRunning
	}
	a.logger = logger.With(zap.String("component", "agent"))
	a.printer = printer
	a.cfg = cfg
	for _, opt := range opts {
		opt(a)
	}
	if a.device == nil {
		a.device = device.NewMicrophone(a.logger)
	}
	if a.play == nil {
		a.play = func(ctx context.Context, track *webrtc.TrackRemote) {
			if err := tools.PlayRemoteAudio(ctx, a.logger, track, a.cfg.Playback); err != nil {
				a.logger.Error("playing remote audio", err)
			}
		}
	}
	if a.transports == nil {
		a.transports = voicecall.NewPionTransport(cfg.Transport)
	}

	a.print("📞 Starting call as "+cfg.Role.String()+"...\n", 0)
	a.print("📋 Config\n", 0)
	if err := a.printer.WriteYAML(cfg.summary(), 1); err != nil {
		a.logger.Error("printing config", err)
	}

	if a.backend == nil {
		a.print("\n🔌 Connecting to "+cfg.Signaling.Backend+" signaling...", 0)
		b, err := OpenBackend(ctx, cfg.Signaling, a.logger)
		if err != nil {
			a.print("❌ Unable to reach the signaling backend.\n", 0)
			return fmt.Errorf("opening signaling backend: %w", err)
		}
		a.backend = b
		a.ownsBackend = true
		a.print("✅ Signaling connected.\n", 0)
	}

	mgr, err := media.NewManager(a.device, media.WithLogger(a.logger))
	if err != nil {
		a.closeBackend()
		return err
	}
	ctrl, err := voicecall.NewController(voicecall.Deps{
		Logger:     a.logger,
		Media:      mgr,
		Signaling:  a.backend,
		Transports: a.transports,
		Metrics:    a.metrics,
	}, voicecall.WithRingTimeout(cfg.RingTimeout))
	if err != nil {
		a.closeBackend()
		return err
	}

	playCtx, cancel := context.WithCancel(context.Background())
	if err := ctrl.RegisterEventHandler(a.onEvent); err != nil {
		cancel()
		a.closeBackend()
		return err
	}
	err = ctrl.RegisterTrackRemoteHandler(func(track *webrtc.TrackRemote) {
		a.logger.Info("received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		a.play(playCtx, track)
	})
	if err != nil {
		cancel()
		a.closeBackend()
		return err
	}

	a.print("🎤 Accessing microphone...", 0)
	if _, err := ctrl.Start(ctx, cfg.Role, cfg.LocalUserID, cfg.RemoteUserID, cfg.ConversationID); err != nil {
		cancel()
		a.closeBackend()
		switch {
		case errors.Is(err, shared.ErrPermissionDenied):
			a.print("❌ Microphone permission denied. Grant access and try again.\n", 0)
		case errors.Is(err, shared.ErrDeviceUnavailable):
			a.print("❌ No usable microphone found.\n", 0)
		default:
			a.print("❌ Unable to start the call: "+err.Error()+"\n", 0)
		}
		return err
	}

	a.ctrl = ctrl
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		<-ctrl.Done()
		cancel()
		a.closeBackend()
		close(a.done)
	}()
	return nil
}

func (a *CallAgent) onEvent(e *voicecall.Event) {
	switch p := e.Param.(type) {
	case *voicecall.EventParamState:
		switch p.State {
		case voicecall.StateRinging:
			if a.cfg.Role == voicecall.RoleCaller {
				a.print("🔔 Ringing "+a.cfg.RemoteUserID+"...", 0)
			} else {
				a.print("🔔 Waiting for "+a.cfg.RemoteUserID+" to call...", 0)
			}
		case voicecall.StateConnected:
			a.print("✅ Connected.\n", 0)
		case voicecall.StateEnded:
			a.print("👋 Call ended.\n", 0)
		}
	case *voicecall.EventParamMute:
		if p.Muted {
			a.print("🔇 Muted", 1)
		} else {
			a.print("🔈 Unmuted", 1)
		}
	case *voicecall.EventParamDuration:
		if p.Seconds > 0 && p.Seconds%60 == 0 {
			a.print(fmt.Sprintf("⏱  %d min", p.Seconds/60), 1)
		}
	case *voicecall.EventParamRemoteStream:
		a.print("🔈 Remote audio playing", 1)
	case *voicecall.EventParamError:
		a.print("❌ "+p.Message, 1)
	}
}

// ToggleMute flips the microphone and returns the new state.
func (a *CallAgent) ToggleMute() (bool, error) {
	a.mu.Lock()
	ctrl := a.ctrl
	a.mu.Unlock()
	if ctrl == nil {
		return false, shared.ErrSessionNotStarted
	}
	return ctrl.ToggleMute(), nil
}

func (a *CallAgent) Session() (voicecall.CallSession, error) {
	a.mu.Lock()
	ctrl := a.ctrl
	a.mu.Unlock()
	if ctrl == nil {
		return voicecall.CallSession{}, shared.ErrSessionNotStarted
	}
	return ctrl.Session(), nil
}

// Done is closed after the call has ended and the backend is released.
func (a *CallAgent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.done
}

// Close hangs up. Wait on Done for teardown to finish.
func (a *CallAgent) Close() error {
	a.mu.Lock()
	ctrl := a.ctrl
	a.mu.Unlock()
	if ctrl == nil {
		return shared.ErrSessionNotStarted
	}
	ctrl.End()
	return nil
}

func (a *CallAgent) closeBackend() {
	if !a.ownsBackend || a.backend == nil {
		return
	}
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("closing signaling backend", zap.Error(err))
	}
}
