//go:build integration

package voicecall

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theplantsprouts/rork-plantspace-sub001/media"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

// silenceDevice paces Opus silence at the frame rate, like a live mic.
type silenceDevice struct{}

type silenceSource struct {
	ticker *time.Ticker
	closed chan struct{}
	once   sync.Once
}

func (silenceDevice) Open(context.Context) (media.Source, error) {
	return &silenceSource{ticker: time.NewTicker(media.DefaultFrameDuration), closed: make(chan struct{})}, nil
}

func (s *silenceSource) ReadFrame() (media.Frame, func(), error) {
	select {
	case <-s.closed:
		return media.Frame{}, nil, io.EOF
	case <-s.ticker.C:
		return media.Frame{Data: []byte{0xf8, 0xff, 0xfe}}, nil, nil
	}
}

func (s *silenceSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}

func newLoopbackController(t *testing.T, hub signaling.Backend) (*Controller, *eventRecorder) {
	t.Helper()
	m, err := media.NewManager(silenceDevice{})
	require.NoError(t, err)
	cfg := TransportConfig{IncludeLoopback: true}
	ctrl, err := NewController(Deps{
		Logger:     shared.NewNopLogger(),
		Media:      m,
		Signaling:  hub,
		Transports: NewPionTransport(cfg),
	})
	require.NoError(t, err)
	rec := &eventRecorder{}
	require.NoError(t, ctrl.RegisterEventHandler(rec.handle))
	t.Cleanup(ctrl.End)
	return ctrl, rec
}

func TestLoopbackCall(t *testing.T) {
	hub := signaling.NewMemoryHub()
	defer hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	caller, callerEvents := newLoopbackController(t, hub)
	receiver, receiverEvents := newLoopbackController(t, hub)

	remoteTrack := make(chan *webrtc.TrackRemote, 1)
	require.NoError(t, receiver.RegisterTrackRemoteHandler(func(track *webrtc.TrackRemote) {
		remoteTrack <- track
	}))

	_, err := caller.Start(ctx, RoleCaller, "alice", "bob", "loopback")
	require.NoError(t, err)
	_, err = receiver.Start(ctx, RoleReceiver, "bob", "alice", "loopback")
	require.NoError(t, err)

	connected := func() bool {
		return caller.Session().State == StateConnected && receiver.Session().State == StateConnected
	}
	require.Eventually(t, connected, 20*time.Second, 50*time.Millisecond)

	select {
	case track := <-remoteTrack:
		assert.Equal(t, webrtc.MimeTypeOpus, track.Codec().MimeType)
	case <-ctx.Done():
		t.Fatal("receiver got no remote track")
	}

	caller.End()
	<-caller.Done()
	select {
	case <-receiver.Done():
	case <-ctx.Done():
		t.Fatal("receiver did not see the hangup")
	}
	require.ErrorIs(t, receiver.Session().EndReason, shared.ErrRemoteHangup)

	require.Eventually(t, func() bool { return len(receiverEvents.ofType(EventTypeRemoteStream)) == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		states := callerEvents.states()
		return len(states) > 0 && states[len(states)-1] == StateEnded
	}, time.Second, 10*time.Millisecond)
}
