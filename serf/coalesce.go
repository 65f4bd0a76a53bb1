// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package serf

import (
	"time"
)

// Coalescer decides which events a coalesceLoop batches and how a
// batch is collapsed and flushed. Events it declines to Handle pass
// straight through to the destination channel unbatched.
type Coalescer interface {
	// Handle reports whether this Coalescer owns e. Events it returns
	// false for bypass coalescing entirely.
	Handle(Event) bool

	// Coalesce folds e into the pending batch for this window.
	Coalesce(Event)

	// Flush emits the pending batch to outChan and resets it.
	Flush(outChan chan<- Event)
}

// coalescedEventCh wraps outCh with a buffered intake channel whose
// writes are coalesced by c before being forwarded, returning the
// intake side for producers to send on.
func coalescedEventCh(outCh chan<- Event, shutdownCh <-chan struct{},
	cPeriod time.Duration, qPeriod time.Duration, c Coalescer) chan<- Event {
	inCh := make(chan Event, 1024)
	go coalesceLoop(inCh, outCh, shutdownCh, cPeriod, qPeriod, c)
	return inCh
}

// coalesceLoop batches events arriving on inCh and flushes them to
// outCh once either coalescePeriod has elapsed since the batch opened
// (the quantum) or quiescentPeriod has passed without a new event
// (quiescence), whichever comes first.
func coalesceLoop(inCh <-chan Event, outCh chan<- Event, shutdownCh <-chan struct{},
	coalescePeriod time.Duration, quiescentPeriod time.Duration, c Coalescer) {
	var quiescent <-chan time.Time
	var quantum <-chan time.Time
	shutdown := false

INGEST:
	// Reset the timers
	quantum = nil
	quiescent = nil

	for {
		select {
		case e := <-inCh:
			// Ignore any non handled events
			if !c.Handle(e) {
				outCh <- e
				continue
			}

			// Start a new quantum if we need to
			// and restart the quiescent timer
			if quantum == nil {
				quantum = time.After(coalescePeriod)
			}
			quiescent = time.After(quiescentPeriod)

			// Coalesce the event
			c.Coalesce(e)

		case <-quantum:
			goto FLUSH
		case <-quiescent:
			goto FLUSH
		case <-shutdownCh:
			shutdown = true
			goto FLUSH
		}
	}

FLUSH:
	// Flush the coalesced events
	c.Flush(outCh)

	// Restart ingestion if we are not done
	if !shutdown {
		goto INGEST
	}
}
