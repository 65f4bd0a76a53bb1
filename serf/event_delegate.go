package serf

import (
	"github.com/clustermesh/clustermesh/memberlist"
)

// eventDelegate is the memberlist.EventDelegate implementation Serf
// registers so its member table and coalescer observe every SWIM-level
// join/leave/update.
type eventDelegate struct {
	serf *Serf
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	e.serf.handleNodeJoin(n)
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	e.serf.handleNodeLeave(n)
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.serf.handleNodeUpdate(n)
}
