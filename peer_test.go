package voicecall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

type peerRecorder struct {
	mu       sync.Mutex
	states   []State
	failures []error
	streams  int
}

func (r *peerRecorder) callbacks() PeerCallbacks {
	return PeerCallbacks{
		OnState: func(_, next State) {
			r.mu.Lock()
			r.states = append(r.states, next)
			r.mu.Unlock()
		},
		OnRemoteStream: func(*webrtc.TrackRemote) {
			r.mu.Lock()
			r.streams++
			r.mu.Unlock()
		},
		OnFailure: func(err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
		},
	}
}

func (r *peerRecorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

type peerFixture struct {
	peer   *PeerManager
	tr     *fakeTransport
	hub    *signaling.MemoryHub
	remote *signaling.Channel
	rec    *peerRecorder
}

func newPeerFixture(t *testing.T, role Role) *peerFixture {
	t.Helper()
	f := &peerFixture{tr: &fakeTransport{}, hub: signaling.NewMemoryHub(), rec: &peerRecorder{}}
	local, err := signaling.NewChannel(f.hub, testConversation, role, signaling.WithBackOff(noRetry))
	require.NoError(t, err)
	f.remote, err = signaling.NewChannel(f.hub, testConversation, role.Remote(), signaling.WithBackOff(noRetry))
	require.NoError(t, err)
	f.peer, err = NewPeerManager(role, f.tr, local, f.rec.callbacks(), shared.NewNopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.peer.Close() })
	require.NoError(t, f.peer.Start(context.Background(), nil))
	return f
}

func (f *peerFixture) pendingLen() int {
	f.peer.mu.Lock()
	defer f.peer.mu.Unlock()
	return len(f.peer.pending)
}

func TestNewPeerManagerValidates(t *testing.T) {
	hub := signaling.NewMemoryHub()
	ch, err := signaling.NewChannel(hub, testConversation, RoleCaller)
	require.NoError(t, err)
	logger := shared.NewNopLogger()

	_, err = NewPeerManager(Role("x"), &fakeTransport{}, ch, PeerCallbacks{}, logger, nil)
	assert.ErrorIs(t, err, shared.ErrInvalidParameters)
	_, err = NewPeerManager(RoleCaller, nil, ch, PeerCallbacks{}, logger, nil)
	assert.ErrorIs(t, err, shared.ErrInvalidParameters)
	_, err = NewPeerManager(RoleCaller, &fakeTransport{}, nil, PeerCallbacks{}, logger, nil)
	assert.ErrorIs(t, err, shared.ErrNoSignaling)
	_, err = NewPeerManager(RoleCaller, &fakeTransport{}, ch, PeerCallbacks{}, nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
}

func TestRemoteCandidatesWaitForDescription(t *testing.T) {
	f := newPeerFixture(t, RoleCaller)
	ctx := context.Background()
	for _, c := range []string{"c0", "c1", "c2"} {
		require.NoError(t, f.remote.PublishCandidate(ctx, webrtc.ICECandidateInit{Candidate: c}))
	}
	require.Eventually(t, func() bool { return f.pendingLen() == 3 }, waitFor, tick)
	assert.Equal(t, 0, f.tr.count("AddICECandidate"))

	require.NoError(t, f.remote.PublishAnswer(ctx, answerSDP()))
	require.Eventually(t, func() bool { return f.tr.count("AddICECandidate") == 3 }, waitFor, tick)

	calls, _, candidates, _ := f.tr.snapshot()
	assert.Equal(t, []string{"c0", "c1", "c2"}, candidates)
	assert.Equal(t, []string{"CreateOffer", "SetLocalDescription", "SetRemoteDescription",
		"AddICECandidate", "AddICECandidate", "AddICECandidate"}, calls)
	assert.Zero(t, f.pendingLen())

	require.NoError(t, f.remote.PublishCandidate(ctx, webrtc.ICECandidateInit{Candidate: "c3"}))
	require.Eventually(t, func() bool {
		_, _, candidates, _ := f.tr.snapshot()
		return len(candidates) == 4 && candidates[3] == "c3"
	}, waitFor, tick)
}

func TestBadRemoteCandidateIsDropped(t *testing.T) {
	f := newPeerFixture(t, RoleCaller)
	ctx := context.Background()
	require.NoError(t, f.remote.PublishAnswer(ctx, answerSDP()))
	require.NoError(t, f.remote.PublishCandidate(ctx, webrtc.ICECandidateInit{Candidate: "bad"}))
	require.NoError(t, f.remote.PublishCandidate(ctx, webrtc.ICECandidateInit{Candidate: "good"}))

	require.Eventually(t, func() bool { return f.tr.count("AddICECandidate") == 2 }, waitFor, tick)
	_, _, candidates, _ := f.tr.snapshot()
	assert.Equal(t, []string{"good"}, candidates)
	assert.Zero(t, f.rec.failureCount())
	assert.Equal(t, StateRinging, f.peer.State())
}

func TestSetRemoteDescriptionFailureIsReported(t *testing.T) {
	f := newPeerFixture(t, RoleCaller)
	f.tr.mu.Lock()
	f.tr.setRemoteErr = assert.AnError
	f.tr.mu.Unlock()

	require.NoError(t, f.remote.PublishAnswer(context.Background(), answerSDP()))
	require.Eventually(t, func() bool { return f.rec.failureCount() == 1 }, waitFor, tick)
	f.rec.mu.Lock()
	assert.ErrorIs(t, f.rec.failures[0], shared.ErrNegotiationFailed)
	f.rec.mu.Unlock()

	// The peer stays ringing until it is closed.
	assert.Equal(t, StateRinging, f.peer.State())
	require.NoError(t, f.peer.Close())
	assert.Equal(t, StateEnded, f.peer.State())
}

func TestPeerReportsFailureOnce(t *testing.T) {
	f := newPeerFixture(t, RoleCaller)
	f.tr.fireState(webrtc.PeerConnectionStateDisconnected)
	f.tr.fireState(webrtc.PeerConnectionStateFailed)
	require.NoError(t, f.remote.PublishHangup(context.Background()))

	require.Eventually(t, func() bool { return f.rec.failureCount() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return f.rec.failureCount() > 1 }, 50*time.Millisecond, tick)
	f.rec.mu.Lock()
	assert.ErrorIs(t, f.rec.failures[0], shared.ErrTransportClosed)
	f.rec.mu.Unlock()
}

func TestPeerCloseIsIdempotent(t *testing.T) {
	f := newPeerFixture(t, RoleReceiver)
	require.NoError(t, f.peer.Close())
	require.NoError(t, f.peer.Close())
	_, _, _, closes := f.tr.snapshot()
	assert.Equal(t, 1, closes)

	f.rec.mu.Lock()
	assert.Equal(t, []State{StateRinging, StateEnded}, f.rec.states)
	f.rec.mu.Unlock()
	assert.ErrorIs(t, f.peer.Start(context.Background(), nil), shared.ErrCallEnded)
}

func TestReceiverReportsRemoteStreamOnce(t *testing.T) {
	f := newPeerFixture(t, RoleReceiver)
	require.NoError(t, f.remote.PublishOffer(context.Background(), offerSDP()))
	require.Eventually(t, func() bool { return f.tr.count("CreateAnswer") == 1 }, waitFor, tick)

	f.tr.fireTrack()
	f.tr.fireTrack()
	f.rec.mu.Lock()
	assert.Equal(t, 1, f.rec.streams)
	assert.Equal(t, []State{StateRinging, StateConnected}, f.rec.states)
	f.rec.mu.Unlock()
}

func TestNilTrackIsIgnored(t *testing.T) {
	f := newPeerFixture(t, RoleReceiver)
	require.NoError(t, f.remote.PublishOffer(context.Background(), offerSDP()))
	require.Eventually(t, func() bool { return f.tr.count("CreateAnswer") == 1 }, waitFor, tick)

	f.tr.fireTrackRemote(nil)
	f.rec.mu.Lock()
	assert.Zero(t, f.rec.streams)
	assert.Equal(t, []State{StateRinging}, f.rec.states)
	f.rec.mu.Unlock()

	f.tr.fireTrack()
	f.rec.mu.Lock()
	assert.Equal(t, 1, f.rec.streams)
	assert.Equal(t, []State{StateRinging, StateConnected}, f.rec.states)
	f.rec.mu.Unlock()
}
