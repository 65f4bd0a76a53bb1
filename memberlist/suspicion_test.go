package memberlist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSuspicion_FiresAtMaxWithoutConfirmations(t *testing.T) {
	fired := make(chan int, 1)
	newSuspicion("peer1", 3, 10*time.Millisecond, 200*time.Millisecond, func(n int) {
		fired <- n
	})

	select {
	case n := <-fired:
		require.Equal(t, 1, n)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("suspicion never fired")
	}
}

func TestSuspicion_ConfirmAcceleratesTimeout(t *testing.T) {
	fired := make(chan int, 1)
	s := newSuspicion("peer1", 3, 10*time.Millisecond, 2*time.Second, func(n int) {
		fired <- n
	})

	require.True(t, s.Confirm("peer2"))
	require.True(t, s.Confirm("peer3"))
	require.False(t, s.Confirm("peer2"))

	select {
	case n := <-fired:
		require.Equal(t, 3, n)
	case <-time.After(1 * time.Second):
		t.Fatal("suspicion did not accelerate toward min timeout")
	}
}
