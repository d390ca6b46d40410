package voicecall

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/theplantsprouts/rork-plantspace-sub001/metrics"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

// PeerCallbacks receive the peer manager's progress. OnState runs with the
// manager's lock held, in transition order, and must not call back into
// the manager. OnFailure runs on its own goroutine.
type PeerCallbacks struct {
	OnState        func(prev, next State)
	OnRemoteStream func(track *webrtc.TrackRemote)
	OnFailure      func(err error)
}

// PeerManager negotiates one Transport over one signaling Channel.
type PeerManager struct {
	role      Role
	transport Transport
	channel   *signaling.Channel
	cb        PeerCallbacks
	logger    shared.LoggerAdapter
	metrics   *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	closed      bool
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	gotTrack    bool
	unsubscribe signaling.Unsubscribe

	closeOnce sync.Once
}

func NewPeerManager(
	role Role,
	transport Transport,
	channel *signaling.Channel,
	cb PeerCallbacks,
	logger shared.LoggerAdapter,
	m *metrics.Collector,
) (*PeerManager, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", shared.ErrInvalidParameters, role)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: no transport", shared.ErrInvalidParameters)
	}
	if channel == nil {
		return nil, shared.ErrNoSignaling
	}
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &PeerManager{
		role:      role,
		transport: transport,
		channel:   channel,
		cb:        cb,
		logger:    logger.With(zap.String("component", "peer")),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnecting,
	}
	transport.OnICECandidate(p.onLocalCandidate)
	transport.OnConnectionStateChange(p.onConnectionState)
	transport.OnTrack(p.onTrack)
	return p, nil
}

func (p *PeerManager) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start adds the local tracks and begins negotiation. The caller resets
// stale records, subscribes and publishes its offer; the receiver
// subscribes and waits for the offer. Both end up ringing.
func (p *PeerManager) Start(ctx context.Context, tracks []webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return shared.ErrCallEnded
	}
	if p.unsubscribe != nil {
		return shared.ErrSessionAlreadyRunning
	}
	for _, t := range tracks {
		if _, err := p.transport.AddTrack(t); err != nil {
			return p.abortLocked(fmt.Errorf("%w: adding local track: %w", shared.ErrNegotiationFailed, err))
		}
	}

	if p.role == RoleCaller {
		if err := p.channel.Reset(ctx); err != nil {
			return p.abortLocked(err)
		}
	}
	unsubscribe, err := p.channel.Subscribe(ctx, signaling.Handlers{
		OnOffer:     p.onOffer,
		OnAnswer:    p.onAnswer,
		OnCandidate: p.onRemoteCandidate,
		OnHangup:    p.onHangup,
	})
	if err != nil {
		return p.abortLocked(fmt.Errorf("%w: subscribing: %w", shared.ErrChannelWrite, err))
	}
	p.unsubscribe = unsubscribe

	if p.role == RoleCaller {
		offer, err := p.transport.CreateOffer(nil)
		if err != nil {
			return p.abortLocked(fmt.Errorf("%w: creating offer: %w", shared.ErrNegotiationFailed, err))
		}
		if err := p.transport.SetLocalDescription(offer); err != nil {
			return p.abortLocked(fmt.Errorf("%w: setting local description: %w", shared.ErrNegotiationFailed, err))
		}
		if err := p.channel.PublishOffer(ctx, offer); err != nil {
			return p.abortLocked(err)
		}
		p.logger.Info("offer published")
	}
	p.transitionLocked(StateRinging)
	return nil
}

// abortLocked stops accepting input and returns err for Start to report.
func (p *PeerManager) abortLocked(err error) error {
	p.closed = true
	return err
}

// failLocked stops accepting input and reports err asynchronously.
func (p *PeerManager) failLocked(err error) {
	if p.closed {
		return
	}
	p.closed = true
	p.logger.Warn("peer failed", zap.Error(err))
	if p.cb.OnFailure != nil {
		go p.cb.OnFailure(err)
	}
}

func (p *PeerManager) transitionLocked(next State) bool {
	if !p.state.CanTransition(next) {
		return false
	}
	prev := p.state
	p.state = next
	p.logger.Debug("state changed", zap.String("prev", prev.String()), zap.String("new", next.String()))
	if p.cb.OnState != nil {
		p.cb.OnState(prev, next)
	}
	return true
}

func (p *PeerManager) onOffer(sdp webrtc.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.role != RoleReceiver || p.remoteSet {
		p.logger.Debug("ignoring offer", zap.String("role", p.role.String()), zap.Bool("remote_set", p.remoteSet))
		return
	}
	if err := p.transport.SetRemoteDescription(sdp); err != nil {
		p.failLocked(fmt.Errorf("%w: setting remote offer: %w", shared.ErrNegotiationFailed, err))
		return
	}
	p.remoteSet = true
	p.flushLocked()

	answer, err := p.transport.CreateAnswer(nil)
	if err != nil {
		p.failLocked(fmt.Errorf("%w: creating answer: %w", shared.ErrNegotiationFailed, err))
		return
	}
	if err := p.transport.SetLocalDescription(answer); err != nil {
		p.failLocked(fmt.Errorf("%w: setting local description: %w", shared.ErrNegotiationFailed, err))
		return
	}
	if err := p.channel.PublishAnswer(p.ctx, answer); err != nil {
		if errors.Is(err, shared.ErrAlreadyPublished) {
			p.logger.Warn("answer already published for this conversation")
			return
		}
		p.failLocked(err)
		return
	}
	p.logger.Info("answer published")
}

func (p *PeerManager) onAnswer(sdp webrtc.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.role != RoleCaller || p.remoteSet {
		p.logger.Debug("ignoring answer", zap.String("role", p.role.String()), zap.Bool("remote_set", p.remoteSet))
		return
	}
	if err := p.transport.SetRemoteDescription(sdp); err != nil {
		p.failLocked(fmt.Errorf("%w: setting remote answer: %w", shared.ErrNegotiationFailed, err))
		return
	}
	p.remoteSet = true
	p.flushLocked()
}

// onRemoteCandidate queues candidates until the remote description is set.
func (p *PeerManager) onRemoteCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.metrics.Candidate("remote")
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return
	}
	p.applyLocked(c)
}

func (p *PeerManager) flushLocked() {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		p.applyLocked(c)
	}
}

func (p *PeerManager) applyLocked(c webrtc.ICECandidateInit) {
	if err := p.transport.AddICECandidate(c); err != nil {
		p.logger.Warn("dropping remote candidate", zap.String("candidate", c.Candidate), zap.Error(err))
	}
}

func (p *PeerManager) onHangup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failLocked(shared.ErrRemoteHangup)
}

// onLocalCandidate publishes gathered candidates in the order pion
// produces them. A nil candidate marks the end of gathering.
func (p *PeerManager) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		p.logger.Debug("candidate gathering complete")
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if err := p.channel.PublishCandidate(p.ctx, c.ToJSON()); err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		p.failLocked(err)
		p.mu.Unlock()
		return
	}
	p.metrics.Candidate("local")
}

func (p *PeerManager) onConnectionState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Trace("transport state changed", zap.String("state", s.String()))
	if p.closed {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		p.transitionLocked(StateConnected)
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		p.failLocked(fmt.Errorf("%w: transport %s", shared.ErrTransportClosed, s))
	}
}

func (p *PeerManager) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track == nil || track.Kind() == webrtc.RTPCodecTypeVideo {
		return
	}
	p.mu.Lock()
	if p.closed || p.gotTrack {
		p.mu.Unlock()
		return
	}
	p.gotTrack = true
	p.transitionLocked(StateConnected)
	p.mu.Unlock()

	if p.cb.OnRemoteStream != nil {
		p.cb.OnRemoteStream(track)
	}
}

// Close unsubscribes from signaling and closes the transport. It is
// idempotent and must not be called from a signaling handler.
func (p *PeerManager) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		p.closed = true
		unsubscribe := p.unsubscribe
		p.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		if err := p.transport.Close(); err != nil {
			p.logger.Warn("closing transport", zap.Error(err))
		}

		p.mu.Lock()
		p.pending = nil
		p.transitionLocked(StateEnded)
		p.mu.Unlock()
	})
	return nil
}
