package memberlist

import (
	"math"
	"sort"
	"sync"
)

// Broadcast is a message queued for piggyback transmission on outgoing
// gossip/probe traffic. Invalidates lets a newer broadcast about the same
// subject (e.g. a re-alive for a node that had a pending suspect message)
// supersede and drop an older, now-redundant one.
type Broadcast interface {
	Invalidates(other Broadcast) bool
	Message() []byte
	Finished()
}

// namedBroadcast is implemented by broadcasts whose identity is a simple
// string key, letting TransmitLimitedQueue dedupe without a type switch
// per pair.
type namedBroadcast interface {
	Broadcast
	Name() string
}

// limitedBroadcast tracks one queued item plus how many times it has
// already gone out.
type limitedBroadcast struct {
	transmits int
	msgLen    int64
	b         Broadcast
	name      string
	hasName   bool
}

// TransmitLimitedQueue holds Broadcasts and vends the subset that should
// piggyback on the next outgoing message, preferring broadcasts with the
// fewest transmits so far and respecting a retransmit limit scaled by
// cluster size.
type TransmitLimitedQueue struct {
	// NumNodes returns the current cluster size, used to scale the
	// retransmit limit.
	NumNodes func() int

	// RetransmitMult scales the retransmit limit: RetransmitMult *
	// ceil(log10(n+1)).
	RetransmitMult int

	mu sync.Mutex
	tq []*limitedBroadcast
}

// QueueBroadcast enqueues b, dropping any queued broadcast it invalidates.
func (q *TransmitLimitedQueue) QueueBroadcast(b Broadcast) {
	q.mu.Lock()
	defer q.mu.Unlock()

	nb := &limitedBroadcast{b: b}
	if named, ok := b.(namedBroadcast); ok {
		nb.name = named.Name()
		nb.hasName = true
	}

	kept := q.tq[:0]
	for _, item := range q.tq {
		if nb.hasName && item.hasName && item.name == nb.name {
			item.b.Finished()
			continue
		}
		if b.Invalidates(item.b) {
			item.b.Finished()
			continue
		}
		kept = append(kept, item)
	}
	q.tq = append(kept, nb)
}

// retransmitLimit returns the max number of times a broadcast may be
// retransmitted given the current cluster size.
func (q *TransmitLimitedQueue) retransmitLimit() int {
	n := 1
	if q.NumNodes != nil {
		n = q.NumNodes()
	}
	mult := q.RetransmitMult
	if mult <= 0 {
		mult = 4
	}
	return mult * int(math.Ceil(math.Log10(float64(n+1))))
}

// GetBroadcasts returns a set of messages to piggyback, fewest transmits
// first. Each message costs its length plus overhead, and the whole batch
// costs at most limit bytes; a message that does not fit is skipped and
// stays queued.
func (q *TransmitLimitedQueue) GetBroadcasts(overhead, limit int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tq) == 0 {
		return nil
	}

	transmitLimit := q.retransmitLimit()

	sort.Slice(q.tq, func(i, j int) bool {
		return q.tq[i].transmits < q.tq[j].transmits
	})

	var out [][]byte
	var bytesUsed int
	survivors := q.tq[:0]

	for _, item := range q.tq {
		msg := item.b.Message()
		need := int64(len(msg) + overhead)
		if bytesUsed+int(need) > limit {
			survivors = append(survivors, item)
			continue
		}

		bytesUsed += int(need)
		out = append(out, msg)

		item.transmits++
		if item.transmits < transmitLimit {
			survivors = append(survivors, item)
		} else {
			item.b.Finished()
		}
	}

	q.tq = survivors
	return out
}

// NumQueued returns the number of broadcasts currently waiting to go out,
// used by Serf's periodic queue-depth warning.
func (q *TransmitLimitedQueue) NumQueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tq)
}

// Reset clears the queue, calling Finished on every pending broadcast.
func (q *TransmitLimitedQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.tq {
		item.b.Finished()
	}
	q.tq = nil
}

// Prune keeps the first maxRetain queued broadcasts in their current
// queue order and drops the rest. The queue is not re-sorted first: it is
// in the order the last GetBroadcasts left it, with broadcasts queued
// since then at the end. Unused by default gossip flow but available for
// memory-bounded embedders.
func (q *TransmitLimitedQueue) Prune(maxRetain int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tq) <= maxRetain {
		return
	}
	for _, item := range q.tq[maxRetain:] {
		item.b.Finished()
	}
	q.tq = q.tq[:maxRetain]
}
