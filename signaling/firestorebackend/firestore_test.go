package firestorebackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

func TestCandidateDocumentNames(t *testing.T) {
	assert.Equal(t, "callerCandidates", candidatesCollection(signaling.SideCaller))
	assert.Equal(t, "receiverCandidates", candidatesCollection(signaling.SideReceiver))
	assert.Equal(t, "0000000007", candidateID(7))
	assert.Less(t, candidateID(9), candidateID(10))
}

func TestClosedBackendRejectsCalls(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	ctx := context.Background()
	err := b.Write(ctx, "c1", signaling.Record{Kind: signaling.KindHangup, From: signaling.SideReceiver})
	assert.ErrorIs(t, err, shared.ErrBackendClosed)
	_, err = b.Watch(ctx, "c1", signaling.SideReceiver, func(signaling.Record) {})
	assert.ErrorIs(t, err, shared.ErrBackendClosed)
	assert.ErrorIs(t, b.Reset(ctx, "c1"), shared.ErrBackendClosed)
}

func TestDialReportsMissingCredentials(t *testing.T) {
	_, err := Dial(context.Background(), "plantspace", "testdata/does-not-exist.json")
	assert.ErrorContains(t, err, "reading firebase credentials")
}
