package serf

import (
	"log"
	"time"

	"github.com/clustermesh/clustermesh/memberlist"
)

// Config tunes every aspect of a Serf instance: its SWIM core, its event
// and query coalescing windows, its keyring, and its snapshot path.
// Fields correspond directly to the knobs named in the membership and
// dissemination specification.
type Config struct {
	// NodeName uniquely identifies this node cluster-wide. Required.
	NodeName string

	// Tags is free-form metadata advertised alongside liveness, kept
	// under memberlist's NodeMeta size limit once msgpack-encoded.
	Tags map[string]string

	// EventCh, if set, receives every MemberEvent/UserEvent/Query this
	// node observes. Sends to it block, so a full channel holds up
	// event delivery until it is read.
	EventCh chan<- Event

	// CoalescePeriod/QuiescentPeriod bound how long member-event
	// coalescing holds events before flushing: once CoalescePeriod has
	// elapsed since the first held event, or QuiescentPeriod has elapsed
	// since the last one arrived, whichever comes first.
	CoalescePeriod  time.Duration
	QuiescentPeriod time.Duration

	// UserCoalescePeriod/UserQuiescentPeriod are the equivalent bounds
	// for user event coalescing, keyed by event name.
	UserCoalescePeriod  time.Duration
	UserQuiescentPeriod time.Duration

	// UserEventSizeLimit bounds an individual user event's payload.
	UserEventSizeLimit int

	// QueryTimeoutMult scales the default query deadline:
	// MemberlistConfig.GossipInterval * QueryTimeoutMult *
	// (floor(log2(n))+1) for a cluster of n members.
	QueryTimeoutMult int

	// QueryResponseSizeLimit bounds, in bytes, the encoded list-keys
	// response; keys that would push it past the limit are left out.
	// Other query responses are not checked against it.
	QueryResponseSizeLimit int

	// EventBuffer/QueryBuffer size the ring used to dedup recently seen
	// user events and queries by Lamport time.
	EventBuffer int
	QueryBuffer int

	// RecentIntentTimeout bounds how long a join/leave intent for a
	// node we haven't seen yet is held, waiting for the corresponding
	// memberlist event to arrive.
	RecentIntentTimeout time.Duration

	// MemberlistConfig configures the embedded SWIM core. If nil,
	// memberlist.DefaultLANConfig() is used and NodeName/Tags are
	// layered on top.
	MemberlistConfig *memberlist.Config

	// ProtocolVersion is this Serf instance's wire protocol version.
	ProtocolVersion uint8

	// ValidateNodeNames enables strict validation of remote node names
	// during merge (length and character set) before they're admitted
	// into the member table.
	ValidateNodeNames bool

	// SnapshotPath, if set, enables crash-recovery: membership and
	// Lamport clock state is appended to this file and replayed at
	// startup.
	SnapshotPath string

	// RejoinAfterLeave, when set, makes Create join the members the
	// snapshot records as alive; without it no snapshot rejoin happens.
	// A graceful Leave clears that record whatever this flag says, so
	// after a Leave and restart there are no members to rejoin.
	RejoinAfterLeave bool

	// LeavePropagateDelay bounds how long Leave waits for the departure
	// broadcast to propagate before returning.
	LeavePropagateDelay time.Duration

	// BroadcastTimeout bounds how long any single broadcast
	// (leave/join/user-event) waits for a notify-on-finished signal.
	BroadcastTimeout time.Duration

	// ReapInterval/ReconnectInterval/ReconnectTimeout/TombstoneTimeout
	// drive the background reap and reconnect loops (spec.md §4.7).
	ReapInterval      time.Duration
	ReconnectInterval time.Duration
	ReconnectTimeout  time.Duration
	TombstoneTimeout  time.Duration

	// QueueCheckInterval/QueueDepthWarning bound the periodic broadcast
	// queue-depth health check.
	QueueCheckInterval time.Duration
	QueueDepthWarning  int

	// KeyringFile, if set, is where a Keyring installed via keyring
	// rotation queries is persisted (temp-file + rename).
	KeyringFile string

	// Merge, if set, is asked to approve or reject a remote cluster's
	// membership during push/pull, letting callers reject joining the
	// wrong cluster.
	Merge MergeDelegate

	// EnableNameConflictResolution runs the `_serf_conflict` internal
	// query whenever this node's own identity is claimed by two
	// differing addresses.
	EnableNameConflictResolution bool

	Logger *log.Logger

	// MetricLabels are attached to every metrics emission from this
	// instance.
	MetricLabels []string
}

// DefaultConfig returns a Config tuned the way the real cluster agent's
// defaults are: short coalescing windows, conservative query timeouts,
// reap/reconnect loops running every 15s/30s.
func DefaultConfig() *Config {
	return &Config{
		ProtocolVersion:        4,
		CoalescePeriod:         3 * time.Second,
		QuiescentPeriod:        time.Second,
		UserCoalescePeriod:     3 * time.Second,
		UserQuiescentPeriod:    time.Second,
		UserEventSizeLimit:     512,
		QueryTimeoutMult:       16,
		QueryResponseSizeLimit: 1024,
		EventBuffer:            512,
		QueryBuffer:            512,
		RecentIntentTimeout:    5 * time.Minute,
		LeavePropagateDelay:    1 * time.Second,
		BroadcastTimeout:       5 * time.Second,
		ReapInterval:           15 * time.Second,
		ReconnectInterval:      30 * time.Second,
		ReconnectTimeout:       24 * time.Hour,
		TombstoneTimeout:       24 * time.Hour,
		QueueCheckInterval:     30 * time.Second,
		QueueDepthWarning:      128,
	}
}

// Init layers a MemberlistConfig on top of this Config when one hasn't
// been supplied, and propagates NodeName/Logger onto it. Callers that
// build a Config by hand should call Init before Create.
func (c *Config) Init() {
	if c.MemberlistConfig == nil {
		c.MemberlistConfig = memberlist.DefaultLANConfig()
	}
	if c.NodeName != "" {
		c.MemberlistConfig.Name = c.NodeName
	}
	if c.Logger != nil {
		c.MemberlistConfig.LogOutput = c.Logger
	}
}
