package memberlist

import "time"

// Delegate is implemented by the upper tier (serf.Serf) to hook into the
// SWIM core: advertise metadata, receive user messages piggybacked on
// probes/gossip, and participate in push/pull anti-entropy.
type Delegate interface {
	// NodeMeta returns the metadata to broadcast alongside this node's
	// liveness information, truncated to limit bytes by the caller.
	NodeMeta(limit int) []byte

	// NotifyMsg is invoked when a user message arrives via gossip or a
	// direct send. The slice is only valid for the duration of the call.
	NotifyMsg([]byte)

	// GetBroadcasts returns a list of broadcasts to append to the next
	// outgoing gossip/probe ack message, bounded by overhead and limit.
	GetBroadcasts(overhead, limit int) [][]byte

	// LocalState is used for a push/pull exchange. join indicates the
	// exchange is part of the initial join.
	LocalState(join bool) []byte

	// MergeRemoteState is invoked after a push/pull exchange completes,
	// handed the remote's LocalState output.
	MergeRemoteState(buf []byte, join bool)
}

// EventDelegate is invoked for node lifecycle transitions observed by the
// SWIM core: join, leave/failure, and metadata update.
type EventDelegate interface {
	NotifyJoin(node *Node)
	NotifyLeave(node *Node)
	NotifyUpdate(node *Node)
}

// MergeDelegate is invoked with the full remote membership list during a
// push/pull exchange, before it is merged locally, so the caller can
// reject an incompatible cluster or validate individual nodes. Peers
// carry the full NodeState (incarnation/lifecycle state included) since
// validation commonly needs more than address/metadata.
type MergeDelegate interface {
	NotifyMerge(peers []*NodeState) error
}

// PingDelegate is notified whenever a direct probe completes, and is given
// the opportunity to embed an application payload (e.g. network
// coordinate data) in the ack request and response.
type PingDelegate interface {
	AckPayload() []byte
	NotifyPingComplete(other *Node, rtt time.Duration, payload []byte)
}

// ConflictDelegate is invoked when two different nodes claim the same
// name with conflicting addresses, so the upper tier can raise an
// internal query to resolve it.
type ConflictDelegate interface {
	NotifyConflict(existing, other *Node)
}
