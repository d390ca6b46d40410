package voicecall

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/theplantsprouts/rork-plantspace-sub001/media"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

type mockMedia struct {
	mock.Mock
}

func (m *mockMedia) Acquire(ctx context.Context) (*media.LocalStream, error) {
	args := m.Called(ctx)
	stream, _ := args.Get(0).(*media.LocalStream)
	return stream, args.Error(1)
}

func (m *mockMedia) Release() error {
	return m.Called().Error(0)
}

func (m *mockMedia) ToggleMuted() bool {
	return m.Called().Bool(0)
}

func TestTeardownReleasesMediaOnce(t *testing.T) {
	m := &mockMedia{}
	m.On("Acquire", mock.Anything).Return(&media.LocalStream{ID: "stream"}, nil).Once()
	m.On("ToggleMuted").Return(true).Once()
	m.On("Release").Return(nil).Once()

	tr := &fakeTransport{}
	ctrl, err := NewController(Deps{
		Logger:     shared.NewNopLogger(),
		Media:      m,
		Signaling:  signaling.NewMemoryHub(),
		Transports: func(context.Context) (Transport, error) { return tr, nil },
	}, WithChannelOptions(signaling.WithBackOff(noRetry)))
	require.NoError(t, err)

	_, err = ctrl.Start(context.Background(), RoleCaller, "alice", "bob", testConversation)
	require.NoError(t, err)
	tr.fireState(webrtc.PeerConnectionStateConnected)
	require.True(t, ctrl.ToggleMute())

	ctrl.End()
	ctrl.End()
	<-ctrl.Done()
	tr.fireState(webrtc.PeerConnectionStateClosed)

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "Release", 1)
	require.Equal(t, 0, tr.count("AddTrack"))
}
