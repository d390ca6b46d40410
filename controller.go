package voicecall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/theplantsprouts/rork-plantspace-sub001/media"
	"github.com/theplantsprouts/rork-plantspace-sub001/metrics"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

const hangupTimeout = 2 * time.Second

// Media is the local capture a call needs; *media.Manager implements it.
type Media interface {
	Acquire(ctx context.Context) (*media.LocalStream, error)
	Release() error
	ToggleMuted() bool
}

var _ Media = (*media.Manager)(nil)

type Deps struct {
	Logger    shared.LoggerAdapter
	Media     Media
	Signaling signaling.Backend
	// Transports defaults to NewPionTransport(DefaultTransportConfig()).
	Transports TransportFactory
	Metrics    *metrics.Collector
}

type Option func(*Controller)

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithRingTimeout ends a call that is still ringing after d with
// shared.ErrRingTimeout. Zero, the default, rings forever.
func WithRingTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.ringTimeout = d
	}
}

func WithChannelOptions(opts ...signaling.ChannelOption) Option {
	return func(c *Controller) {
		c.channelOpts = append(c.channelOpts, opts...)
	}
}

// Controller runs a single call attempt from Start to End.
type Controller struct {
	logger      shared.LoggerAdapter
	media       Media
	backend     signaling.Backend
	transports  TransportFactory
	metrics     *metrics.Collector
	clock       clock.Clock
	ringTimeout time.Duration
	channelOpts []signaling.ChannelOption

	mu          sync.Mutex
	eh          EventHandler
	trh         TrackRemoteHandler
	events      *eventQueue
	started     bool
	ending      bool
	session     CallSession
	channel     *signaling.Channel
	peer        *PeerManager
	startCancel context.CancelFunc
	ringTimer   *clock.Timer
	tickStop    chan struct{}
	connected   bool

	done chan struct{}
}

func NewController(deps Deps, opts ...Option) (*Controller, error) {
	if deps.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if deps.Media == nil {
		return nil, shared.ErrNoMedia
	}
	if deps.Signaling == nil {
		return nil, shared.ErrNoSignaling
	}
	c := &Controller{
		logger:     deps.Logger.With(zap.String("component", "controller")),
		media:      deps.Media,
		backend:    deps.Signaling,
		transports: deps.Transports,
		metrics:    deps.Metrics,
		clock:      clock.New(),
		done:       make(chan struct{}),
	}
	if c.transports == nil {
		c.transports = NewPionTransport(DefaultTransportConfig())
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Controller) RegisterEventHandler(handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return shared.ErrSessionAlreadyRunning
	}
	if c.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.eh = handler
	return nil
}

// RegisterTrackRemoteHandler sets the consumer of the remote audio track.
// It runs on its own goroutine.
func (c *Controller) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return shared.ErrSessionAlreadyRunning
	}
	if c.trh != nil {
		return shared.ErrTRHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.trh = handler
	return nil
}

// Done is closed once teardown has completed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) Session() CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func validateStart(role Role, localUserID, remoteUserID, conversationID string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", shared.ErrInvalidParameters, role)
	}
	switch {
	case localUserID == "":
		return fmt.Errorf("%w: empty local user id", shared.ErrInvalidParameters)
	case remoteUserID == "":
		return fmt.Errorf("%w: empty remote user id", shared.ErrInvalidParameters)
	case conversationID == "":
		return fmt.Errorf("%w: empty conversation id", shared.ErrInvalidParameters)
	case localUserID == remoteUserID:
		return fmt.Errorf("%w: cannot call yourself", shared.ErrInvalidParameters)
	}
	return nil
}

// Start sets the call up and returns once it is ringing. Any failure tears
// down what was acquired, emits an error event and is returned.
func (c *Controller) Start(ctx context.Context, role Role, localUserID, remoteUserID, conversationID string) (CallSession, error) {
	c.mu.Lock()
	if c.ending {
		s := c.session
		c.mu.Unlock()
		return s, shared.ErrCallEnded
	}
	if c.started {
		s := c.session
		c.mu.Unlock()
		return s, shared.ErrSessionAlreadyRunning
	}
	c.started = true
	c.session = CallSession{
		ID:             uuid.NewString(),
		LocalUserID:    localUserID,
		RemoteUserID:   remoteUserID,
		ConversationID: conversationID,
		Role:           role,
		State:          StateConnecting,
		StartedAt:      c.clock.Now(),
	}
	c.logger = c.logger.With(zap.String("session_id", c.session.ID))
	if c.eh != nil {
		c.events = newEventQueue(c.eh)
		go c.events.run()
	}
	c.emitLocked(EventTypeState, &EventParamState{State: StateConnecting})
	startCtx, cancel := context.WithCancel(ctx)
	c.startCancel = cancel
	c.mu.Unlock()
	defer cancel()

	if err := validateStart(role, localUserID, remoteUserID, conversationID); err != nil {
		return c.failStart(err)
	}
	c.logger.Info("starting call",
		zap.String("role", role.String()),
		zap.String("conversation_id", conversationID),
	)
	c.metrics.CallStarted(role.String())

	stream, err := c.media.Acquire(startCtx)
	if err != nil {
		return c.failStart(fmt.Errorf("acquiring microphone: %w", err))
	}
	channelOpts := append([]signaling.ChannelOption{signaling.WithLogger(c.logger)}, c.channelOpts...)
	channel, err := signaling.NewChannel(c.backend, conversationID, role, channelOpts...)
	if err != nil {
		return c.failStart(err)
	}
	transport, err := c.transports(startCtx)
	if err != nil {
		return c.failStart(fmt.Errorf("%w: opening transport: %w", shared.ErrNegotiationFailed, err))
	}
	peer, err := NewPeerManager(role, transport, channel, PeerCallbacks{
		OnState:        c.onPeerState,
		OnRemoteStream: c.onRemoteStream,
		OnFailure:      c.shutdown,
	}, c.logger, c.metrics)
	if err != nil {
		_ = transport.Close()
		return c.failStart(err)
	}

	c.mu.Lock()
	if c.ending {
		s := c.session
		c.mu.Unlock()
		_ = peer.Close()
		return s, shared.ErrCallEnded
	}
	c.channel = channel
	c.peer = peer
	c.mu.Unlock()

	tracks := make([]webrtc.TrackLocal, 0, len(stream.Tracks()))
	for _, t := range stream.Tracks() {
		tracks = append(tracks, t.Local())
	}
	if err := peer.Start(startCtx, tracks); err != nil {
		return c.failStart(err)
	}
	return c.Session(), nil
}

func (c *Controller) failStart(err error) (CallSession, error) {
	c.mu.Lock()
	ending := c.ending
	c.mu.Unlock()
	if ending {
		return c.Session(), shared.ErrCallEnded
	}
	c.logger.Error("call setup failed", err)
	c.metrics.SetupFailed(ErrorKind(err))
	c.shutdown(err)
	return c.Session(), err
}

// ToggleMute flips the local mute state and returns the new value.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	muted := c.media.ToggleMuted()
	c.session.Muted = muted
	c.emitLocked(EventTypeMute, &EventParamMute{Muted: muted})
	return muted
}

// End hangs up. It may be called any number of times from any goroutine,
// including event handlers; only the first call tears down.
func (c *Controller) End() {
	c.shutdown(nil)
}

// shutdown releases media, signaling and transport in that order. reason
// is nil for a local hangup.
func (c *Controller) shutdown(reason error) {
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return
	}
	c.ending = true
	if c.startCancel != nil {
		c.startCancel()
	}
	c.stopRingTimerLocked()
	if !c.started {
		c.session.State = StateEnded
		close(c.done)
		c.mu.Unlock()
		return
	}
	if reason != nil {
		c.emitLocked(EventTypeError, &EventParamError{
			Kind:    ErrorKind(reason),
			Message: reason.Error(),
			Err:     reason,
		})
	}
	peer, channel := c.peer, c.channel
	c.mu.Unlock()

	if reason == nil {
		c.logger.Info("ending call")
	} else {
		c.logger.Info("ending call", zap.String("reason", ErrorKind(reason)), zap.Error(reason))
	}
	if err := c.media.Release(); err != nil {
		c.logger.Warn("releasing media", zap.Error(err))
	}
	if peer != nil && !errors.Is(reason, shared.ErrRemoteHangup) {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		if err := channel.PublishHangup(ctx); err != nil {
			c.logger.Warn("publishing hangup", zap.Error(err))
		}
		cancel()
	}
	if peer != nil {
		_ = peer.Close()
	}

	c.mu.Lock()
	c.session.EndReason = reason
	c.applyStateLocked(StateEnded)
	c.metrics.CallEnded(ErrorKind(reason), c.connected, time.Duration(c.session.DurationSeconds)*time.Second)
	events := c.events
	close(c.done)
	c.mu.Unlock()
	if events != nil {
		events.finish()
	}
}

func (c *Controller) onPeerState(_, next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyStateLocked(next)
}

func (c *Controller) applyStateLocked(next State) {
	prev := c.session.State
	if !prev.CanTransition(next) {
		return
	}
	c.session.State = next
	c.emitLocked(EventTypeState, &EventParamState{Prev: prev, State: next})
	switch next {
	case StateRinging:
		if c.ringTimeout > 0 && c.ringTimer == nil {
			d := c.ringTimeout
			c.ringTimer = c.clock.AfterFunc(d, func() {
				c.shutdown(fmt.Errorf("%w: no answer after %s", shared.ErrRingTimeout, d))
			})
		}
	case StateConnected:
		c.stopRingTimerLocked()
		c.connected = true
		c.session.ConnectedAt = c.clock.Now()
		c.metrics.CallConnected()
		c.startTickerLocked()
	case StateEnded:
		c.stopRingTimerLocked()
		c.stopTickerLocked()
	}
}

func (c *Controller) stopRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Controller) startTickerLocked() {
	ticker := c.clock.Ticker(time.Second)
	stop := make(chan struct{})
	c.tickStop = stop
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// stopTickerLocked freezes the duration at its final value.
func (c *Controller) stopTickerLocked() {
	if c.tickStop == nil {
		return
	}
	close(c.tickStop)
	c.tickStop = nil
	c.session.DurationSeconds = c.elapsedLocked()
}

func (c *Controller) elapsedLocked() int {
	return int(c.clock.Since(c.session.ConnectedAt) / time.Second)
}

func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State != StateConnected {
		return
	}
	c.session.DurationSeconds = c.elapsedLocked()
	c.emitLocked(EventTypeDuration, &EventParamDuration{Seconds: c.session.DurationSeconds})
}

func (c *Controller) onRemoteStream(track *webrtc.TrackRemote) {
	param := &EventParamRemoteStream{
		TrackId:  track.ID(),
		StreamId: track.StreamID(),
		Codec:    track.Codec().MimeType,
	}
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return
	}
	c.emitLocked(EventTypeRemoteStream, param)
	trh := c.trh
	c.mu.Unlock()
	if trh != nil {
		go trh(track)
	}
}

func (c *Controller) emitLocked(t EventType, param EventParam) {
	c.logger.Debug("call event", zap.String("type", string(t)), zap.Any("param", param.Json()))
	if c.events == nil {
		return
	}
	c.events.push(&Event{
		EventId:   uuid.NewString(),
		SessionId: c.session.ID,
		Type:      t,
		Time:      c.clock.Now(),
		Param:     param,
	})
}

// eventQueue calls the handler on one goroutine, in push order, so a
// handler may call back into the Controller.
type eventQueue struct {
	handler EventHandler

	mu       sync.Mutex
	queue    []*Event
	finished bool
	signal   chan struct{}
}

func newEventQueue(h EventHandler) *eventQueue {
	return &eventQueue{handler: h, signal: make(chan struct{}, 1)}
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) push(e *Event) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, e)
	q.mu.Unlock()
	q.wake()
}

// finish lets the queue drain and stop.
func (q *eventQueue) finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) run() {
	for range q.signal {
		for {
			q.mu.Lock()
			if len(q.queue) == 0 {
				done := q.finished
				q.mu.Unlock()
				if done {
					return
				}
				break
			}
			e := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()
			q.handler(e)
		}
	}
}
