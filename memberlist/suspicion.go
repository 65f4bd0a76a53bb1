package memberlist

import (
	"math"
	"sync/atomic"
	"time"
)

// suspicion tracks the decaying timeout for a single suspected node. Each
// additional independent confirmation of the suspicion (from a node other
// than the one that originally raised it) accelerates the timeout toward
// min, following the same log-scaled formula real memberlist uses: more
// witnesses means more confidence, means less time to wait before
// declaring the node dead.
type suspicion struct {
	// n counts confirmations seen so far, including the initial one.
	n int32

	// k is the number of independent confirmations that saturate the
	// timeout at min.
	k int32

	min, max time.Duration

	start time.Time
	timer *time.Timer

	timeoutFn func(numConfirmations int)

	confirmations map[string]struct{}
}

// newSuspicion starts a suspicion timer that fires timeoutFn after min
// duration if k-1 additional distinct confirmations arrive via Confirm,
// decaying geometrically toward min as confirmations accumulate, and
// firing at max if none do.
func newSuspicion(from string, k int, min, max time.Duration, timeoutFn func(numConfirmations int)) *suspicion {
	s := &suspicion{
		k:             int32(k),
		min:           min,
		max:           max,
		confirmations: make(map[string]struct{}),
		timeoutFn:     timeoutFn,
	}
	s.confirmations[from] = struct{}{}
	s.start = time.Now()
	s.n = 1
	s.resetTimer(s.remainingSuspicionTime(1, min, max, float64(k)))
	return s
}

func (s *suspicion) resetTimer(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() { s.fire() })
}

func (s *suspicion) fire() {
	n := int(atomic.LoadInt32(&s.n))
	s.timeoutFn(n)
}

// remainingSuspicionTime computes the timeout after n confirmations,
// following memberlist's formula: the timeout decays from max to min as
// n approaches k, along a logarithmic curve.
func (s *suspicion) remainingSuspicionTime(n int, min, max time.Duration, k float64) time.Duration {
	if k <= 1 {
		return max
	}
	frac := math.Log(float64(n)) / math.Log(k)
	raw := max.Seconds() - frac*(max.Seconds()-min.Seconds())
	timeout := time.Duration(raw * float64(time.Second))
	if timeout < min {
		timeout = min
	}
	if timeout > max {
		timeout = max
	}
	return timeout
}

// Confirm registers an additional, independent suspicion of the same
// node from confirmer. Returns true if this confirmation changed the
// timeout (i.e. confirmer had not already confirmed).
func (s *suspicion) Confirm(confirmer string) bool {
	if _, ok := s.confirmations[confirmer]; ok {
		return false
	}
	if int32(len(s.confirmations)) >= s.k {
		return false
	}
	s.confirmations[confirmer] = struct{}{}

	n := atomic.AddInt32(&s.n, 1)
	elapsed := time.Since(s.start)
	remaining := s.remainingSuspicionTime(int(n), s.min, s.max, float64(s.k))
	left := remaining - elapsed
	if left < 0 {
		left = 0
	}
	s.resetTimer(left)
	return true
}

// Stop cancels the pending timeout, e.g. because the node was refuted.
func (s *suspicion) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
