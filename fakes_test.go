package voicecall

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/theplantsprouts/rork-plantspace-sub001/media"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

const testConversation = "conv-1"

// fakeTransport records what the peer manager asks of it. Callbacks only
// fire when a test calls one of the fire helpers.
type fakeTransport struct {
	mu         sync.Mutex
	calls      []string
	tracks     []webrtc.TrackLocal
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []string
	closes     int

	createOfferErr error
	setRemoteErr   error

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

var _ Transport = (*fakeTransport)(nil)

func (f *fakeTransport) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddTrack")
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakeTransport) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateOffer")
	if f.createOfferErr != nil {
		return webrtc.SessionDescription{}, f.createOfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (f *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateAnswer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetLocalDescription")
	f.local = &desc
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetRemoteDescription")
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.remote = &desc
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddICECandidate")
	if c.Candidate == "bad" {
		return errors.New("malformed candidate")
	}
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Close")
	f.closes++
	return nil
}

func (f *fakeTransport) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

// fireTrack delivers a zero track, which reports no kind and empty ids.
func (f *fakeTransport) fireTrack() {
	f.fireTrackRemote(&webrtc.TrackRemote{})
}

func (f *fakeTransport) fireTrackRemote(track *webrtc.TrackRemote) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(track, nil)
}

func (f *fakeTransport) fireCandidate(c *webrtc.ICECandidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(c)
}

func (f *fakeTransport) snapshot() (calls []string, remote *webrtc.SessionDescription, candidates []string, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), f.remote, append([]string(nil), f.candidates...), f.closes
}

func (f *fakeTransport) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// blockingSource produces no frames; ReadFrame blocks until Close.
type blockingSource struct {
	closes atomic.Int32
	closed chan struct{}
	once   sync.Once
}

func (s *blockingSource) ReadFrame() (media.Frame, func(), error) {
	<-s.closed
	return media.Frame{}, nil, io.EOF
}

func (s *blockingSource) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDevice struct {
	err   error
	opens atomic.Int32
	src   *blockingSource
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{src: &blockingSource{closed: make(chan struct{})}}
}

func (d *fakeDevice) Open(context.Context) (media.Source, error) {
	d.opens.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.src, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*Event
	hook   func(*Event)
}

func (r *eventRecorder) handle(e *Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *eventRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, e := range r.events {
		if p, ok := e.Param.(*EventParamState); ok {
			out = append(out, p.State)
		}
	}
	return out
}

func (r *eventRecorder) ofType(t EventType) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func noRetry() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

type harness struct {
	role      Role
	ctrl      *Controller
	tr        *fakeTransport
	hub       *signaling.MemoryHub
	dev       *fakeDevice
	media     *media.Manager
	clk       *clock.Mock
	rec       *eventRecorder
	remote    *signaling.Channel
	factories atomic.Int32
}

func newHarness(t *testing.T, role Role, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		role: role,
		tr:   &fakeTransport{},
		hub:  signaling.NewMemoryHub(),
		dev:  newFakeDevice(),
		clk:  clock.NewMock(),
		rec:  &eventRecorder{},
	}
	var err error
	h.media, err = media.NewManager(h.dev)
	require.NoError(t, err)
	h.ctrl, err = NewController(Deps{
		Logger:    shared.NewNopLogger(),
		Media:     h.media,
		Signaling: h.hub,
		Transports: func(context.Context) (Transport, error) {
			h.factories.Add(1)
			return h.tr, nil
		},
	}, append([]Option{
		WithClock(h.clk),
		WithChannelOptions(signaling.WithBackOff(noRetry)),
	}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.RegisterEventHandler(h.rec.handle))

	h.remote, err = signaling.NewChannel(h.hub, testConversation, role.Remote(), signaling.WithBackOff(noRetry))
	require.NoError(t, err)
	t.Cleanup(func() {
		h.ctrl.End()
		_ = h.hub.Close()
	})
	return h
}

func (h *harness) start(t *testing.T) CallSession {
	t.Helper()
	s, err := h.ctrl.Start(context.Background(), h.role, "alice", "bob", testConversation)
	require.NoError(t, err)
	return s
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not end")
	}
}

func (h *harness) recordsFrom(side signaling.Side, kind signaling.Kind) []signaling.Record {
	var out []signaling.Record
	for _, r := range h.hub.Records(testConversation) {
		if r.From == side && r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func hostCandidate(port uint16) *webrtc.ICECandidate {
	return &webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "127.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
}

var (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
