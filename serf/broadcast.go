package serf

import (
	"github.com/clustermesh/clustermesh/memberlist"
)

// broadcast is the memberlist.Broadcast implementation for every
// Serf-level message (join/leave intent, user event, query, query
// response) queued onto the shared broadcast queue.
type broadcast struct {
	key    string
	msg    []byte
	notify chan<- struct{}
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool {
	ob, ok := other.(*broadcast)
	if !ok {
		return false
	}
	return b.key != "" && b.key == ob.key
}

func (b *broadcast) Name() string { return b.key }

func (b *broadcast) Message() []byte {
	return b.msg
}

func (b *broadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}
