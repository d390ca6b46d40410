package agents

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	voicecall "github.com/theplantsprouts/rork-plantspace-sub001"
	"github.com/theplantsprouts/rork-plantspace-sub001/media"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type quietSource struct {
	closed chan struct{}
	once   sync.Once
}

func (s *quietSource) ReadFrame() (media.Frame, func(), error) {
	<-s.closed
	return media.Frame{}, nil, io.EOF
}

func (s *quietSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type testDevice struct{ err error }

func (d testDevice) Open(context.Context) (media.Source, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &quietSource{closed: make(chan struct{})}, nil
}

// stubTransport negotiates instantly and never connects.
type stubTransport struct{}

func (stubTransport) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }
func (stubTransport) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}
func (stubTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}
func (stubTransport) SetLocalDescription(webrtc.SessionDescription) error      { return nil }
func (stubTransport) SetRemoteDescription(webrtc.SessionDescription) error     { return nil }
func (stubTransport) AddICECandidate(webrtc.ICECandidateInit) error            { return nil }
func (stubTransport) OnICECandidate(func(*webrtc.ICECandidate))                {}
func (stubTransport) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (stubTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))   {}
func (stubTransport) Close() error                                             { return nil }

func stubTransports(context.Context) (voicecall.Transport, error) { return stubTransport{}, nil }

func callerConfig() *Config {
	cfg := DefaultConfig()
	cfg.LocalUserID = "alice"
	cfg.RemoteUserID = "bob"
	cfg.ConversationID = "conv-7"
	cfg.Signaling.Backend = BackendMemory
	cfg.RingTimeout = 0
	return cfg
}

func newTestPrinter(t *testing.T) (*shared.Printer, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	printer, err := shared.NewPrinter("│  ", shared.NewWriteCloser(out))
	require.NoError(t, err)
	return printer, out
}

func TestCallAgentLifecycle(t *testing.T) {
	hub := signaling.NewMemoryHub()
	defer hub.Close()
	printer, out := newTestPrinter(t)

	agent := new(CallAgent)
	_, err := agent.ToggleMute()
	assert.ErrorIs(t, err, shared.ErrSessionNotStarted)
	assert.ErrorIs(t, agent.Close(), shared.ErrSessionNotStarted)

	err = agent.Spawn(context.Background(), shared.NewNopLogger(), callerConfig(), printer,
		WithBackend(hub),
		WithDevice(testDevice{}),
		WithTransports(stubTransports),
	)
	require.NoError(t, err)
	assert.ErrorIs(t, agent.Spawn(context.Background(), shared.NewNopLogger(), callerConfig(), printer), shared.ErrSessionAlreadyRunning)

	s, err := agent.Session()
	require.NoError(t, err)
	assert.Equal(t, voicecall.StateRinging, s.State)
	assert.NotEmpty(t, hub.Records("conv-7"))

	muted, err := agent.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)

	require.NoError(t, agent.Close())
	select {
	case <-agent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not finish")
	}
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Call ended") }, 2*time.Second, 5*time.Millisecond)
	text := out.String()
	assert.Contains(t, text, "Ringing bob")
	assert.Contains(t, text, "Muted")
	assert.Contains(t, text, "conversation_id: conv-7")

	// A backend passed in is left open.
	_, err = hub.Watch(context.Background(), "conv-7", signaling.SideCaller, func(signaling.Record) {})
	assert.NoError(t, err)
}

func TestCallAgentPermissionDenied(t *testing.T) {
	hub := signaling.NewMemoryHub()
	defer hub.Close()
	printer, out := newTestPrinter(t)

	agent := new(CallAgent)
	err := agent.Spawn(context.Background(), shared.NewNopLogger(), callerConfig(), printer,
		WithBackend(hub),
		WithDevice(testDevice{err: os.ErrPermission}),
		WithTransports(stubTransports),
	)
	assert.ErrorIs(t, err, shared.ErrPermissionDenied)
	assert.Contains(t, out.String(), "permission denied")
}

func TestCallAgentValidatesInputs(t *testing.T) {
	printer, _ := newTestPrinter(t)
	agent := new(CallAgent)
	assert.ErrorIs(t, agent.Spawn(context.Background(), nil, callerConfig(), printer), shared.ErrNoLogger)
	assert.ErrorIs(t, agent.Spawn(context.Background(), shared.NewNopLogger(), nil, printer), shared.ErrNoConfig)
	assert.Error(t, agent.Spawn(context.Background(), shared.NewNopLogger(), callerConfig(), nil))

	cfg := callerConfig()
	cfg.Signaling.Backend = "pigeon"
	assert.ErrorIs(t, agent.Spawn(context.Background(), shared.NewNopLogger(), cfg, printer), shared.ErrInvalidConfig)
}
