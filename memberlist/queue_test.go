package memberlist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBroadcast struct {
	name string
	msg  []byte
}

func (f *fakeBroadcast) Invalidates(other Broadcast) bool {
	ob, ok := other.(*fakeBroadcast)
	return ok && ob.name == f.name
}
func (f *fakeBroadcast) Name() string    { return f.name }
func (f *fakeBroadcast) Message() []byte { return f.msg }
func (f *fakeBroadcast) Finished()       {}

func TestTransmitLimitedQueue_InvalidatesOlderBroadcast(t *testing.T) {
	q := &TransmitLimitedQueue{NumNodes: func() int { return 3 }, RetransmitMult: 4}

	q.QueueBroadcast(&fakeBroadcast{name: "node1", msg: []byte("old")})
	q.QueueBroadcast(&fakeBroadcast{name: "node1", msg: []byte("new")})

	require.Equal(t, 1, q.NumQueued())
	msgs := q.GetBroadcasts(0, 1024)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("new"), msgs[0])
}

func TestTransmitLimitedQueue_RetransmitLimitExpiresBroadcast(t *testing.T) {
	q := &TransmitLimitedQueue{NumNodes: func() int { return 1 }, RetransmitMult: 1}
	q.QueueBroadcast(&fakeBroadcast{name: "node1", msg: []byte("x")})

	// retransmitLimit with n=1, mult=1 => ceil(log10(2)) = 1 transmit allowed
	first := q.GetBroadcasts(0, 1024)
	require.Len(t, first, 1)

	second := q.GetBroadcasts(0, 1024)
	require.Empty(t, second)
}

func TestTransmitLimitedQueue_RespectsByteLimit(t *testing.T) {
	q := &TransmitLimitedQueue{NumNodes: func() int { return 5 }, RetransmitMult: 4}
	q.QueueBroadcast(&fakeBroadcast{name: "a", msg: make([]byte, 100)})
	q.QueueBroadcast(&fakeBroadcast{name: "b", msg: make([]byte, 100)})

	msgs := q.GetBroadcasts(0, 150)
	require.Len(t, msgs, 1)
}
