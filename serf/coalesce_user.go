package serf

import (
	"time"
)

// latestUserEvents holds, for one user event name, every UserEvent
// observed at the highest LamportTime seen so far this window.
type latestUserEvents struct {
	LTime  LamportTime
	Events []Event
}

// userEventCoalescer batches UserEvent notifications by name, keeping
// only the events at the newest LamportTime observed per name. This
// keeps a `serf event` fired cluster-wide from flooding EventCh with
// one notification per participating node.
type userEventCoalescer struct {
	events map[string]*latestUserEvents
}

// coalescedUserEventCh wraps outCh the same way coalescedEventCh does,
// but fixed to user-event coalescing semantics (dedupe by name and
// Lamport time rather than an injected Coalescer).
func coalescedUserEventCh(outCh chan<- Event, shutdownCh <-chan struct{},
	cPeriod time.Duration, qPeriod time.Duration) chan<- Event {
	inCh := make(chan Event, 1024)
	c := newUserEventCoalescer()
	go coalesceLoop(inCh, outCh, shutdownCh, cPeriod, qPeriod, c)
	return inCh
}

func newUserEventCoalescer() *userEventCoalescer {
	return &userEventCoalescer{
		events: make(map[string]*latestUserEvents),
	}
}

func (c *userEventCoalescer) Handle(e Event) bool {
	if e.EventType() != EventUser {
		return false
	}
	return e.(UserEvent).Coalesce
}

func (c *userEventCoalescer) Coalesce(e Event) {
	user := e.(UserEvent)
	latest, ok := c.events[user.Name]

	// Create a new entry if there are none, or
	// if this message has the newest LTime
	if !ok || latest.LTime < user.LTime {
		latest = &latestUserEvents{
			LTime:  user.LTime,
			Events: []Event{e},
		}
		c.events[user.Name] = latest
		return
	}

	// If the the same age, save it
	if latest.LTime == user.LTime {
		latest.Events = append(latest.Events, e)
	}
}

func (c *userEventCoalescer) Flush(outChan chan<- Event) {
	for _, latest := range c.events {
		for _, e := range latest.Events {
			outChan <- e
		}
	}
	c.events = make(map[string]*latestUserEvents)
}
