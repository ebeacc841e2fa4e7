package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackPairDeliversFrames(t *testing.T) {
	a, b := LoopbackPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, Frame{Payload: []byte("hello")}))
	f, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), f.Payload)
}

func TestLoopbackPairCloseReturnsErrClosed(t *testing.T) {
	a, b := LoopbackPair()
	require.NoError(t, a.Close())

	ctx := context.Background()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	err = a.Send(ctx, Frame{Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrClosed)

	_ = b
}

func TestPeerManagerReconnectLifecycle(t *testing.T) {
	pm := NewPeerManager()
	a, _ := LoopbackPair()
	pm.Register("peer-1", a)

	sess, ok := pm.Get("peer-1")
	require.True(t, ok)
	assert.Equal(t, PeerConnected, sess.State)

	pm.MarkDisconnected("peer-1", 2)
	sess, _ = pm.Get("peer-1")
	assert.Equal(t, PeerReconnecting, sess.State)
	assert.Equal(t, 1, sess.RetryCount)

	pm.MarkDisconnected("peer-1", 2)
	pm.MarkDisconnected("peer-1", 2)
	sess, _ = pm.Get("peer-1")
	assert.Equal(t, PeerDisconnected, sess.State)

	pm.MarkConnected("peer-1")
	sess, _ = pm.Get("peer-1")
	assert.Equal(t, PeerConnected, sess.State)
	assert.Equal(t, 0, sess.RetryCount)
}
