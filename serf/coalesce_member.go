// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package serf

import "reflect"

// nodeEvent is the most recent membership transition observed for a
// single node within one coalescing window.
type nodeEvent struct {
	Type   EventType
	Member *Member
}

// Equal reports whether n is redundant with the last event flushed for
// this node, so Flush can skip re-announcing a member whose state
// hasn't actually changed since the last quantum.
func (n *nodeEvent) Equal(m *nodeEvent) bool {
	if m == nil {
		return false
	}
	if n.Type != m.Type {
		return false
	}
	if n.Type != EventMemberUpdate {
		return true
	}
	return reflect.DeepEqual(n.Member, m.Member)
}

// membershipCoalescer batches EventMemberJoin/Leave/Failed/Update/Reap
// notifications so a burst of SWIM state transitions (e.g. a rolling
// restart hitting many nodes within one Config.CoalescePeriod) reaches
// consumers of Config.EventCh as one MemberEvent per type instead of
// one per node.
type membershipCoalescer struct {
	lastEvents map[string]*nodeEvent // last event flushed for a node
	newEvents  map[string]*nodeEvent // pending event for a node this window
}

func (c *membershipCoalescer) Handle(e Event) bool {
	switch e.EventType() {
	case EventMemberJoin:
		return true
	case EventMemberLeave:
		return true
	case EventMemberFailed:
		return true
	case EventMemberUpdate:
		return true
	case EventMemberReap:
		return true
	default:
		return false
	}
}

func (c *membershipCoalescer) Coalesce(raw Event) {
	e := raw.(MemberEvent)
	for _, m := range e.Members {
		c.newEvents[m.Name] = &nodeEvent{ // overwrite the old events
			Type:   e.Type,
			Member: &m,
		}
	}
}
func (c *membershipCoalescer) Flush(outCh chan<- Event) {
	// Coalesce the various events we got into a single set of events.
	events := make(map[EventType]*MemberEvent)
	for name, e := range c.newEvents {
		if e.Equal(c.lastEvents[name]) {
			continue
		}

		// Update our last event
		c.lastEvents[name] = e

		// Add it to our event
		event, ok := events[e.Type]
		if !ok {
			event = &MemberEvent{Type: e.Type}
			events[e.Type] = event
		}
		event.Members = append(event.Members, *e.Member)
	}

	// Send out those events
	for _, event := range events {
		outCh <- *event
	}
}
