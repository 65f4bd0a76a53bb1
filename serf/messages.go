package serf

import (
	"bytes"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// messageType is the first byte of every Serf-level gossip message,
// layered on top of whatever memberlist user-message framing carries it.
type messageType uint8

const (
	messageLeaveType messageType = iota
	messageJoinType
	messagePushPullType
	messageUserEventType
	messageQueryType
	messageQueryResponseType
	messageConflictResponseType
	messageKeyRequestType
	messageKeyResponseType
	messageRelayType
)

// filterType identifies which kind of queryFilter follows in a query's
// Filters list.
type filterType uint8

const (
	filterNodeType filterType = iota
	filterTagType
)

// messageJoin is broadcast after a successful memberlist join (or a
// self-refutation), associating this node with its current membership
// Lamport time.
type messageJoin struct {
	LTime LamportTime
	Node  string
}

// messageLeave is broadcast to signal an intentional departure,
// distinguishing it from a failure-detected one.
type messageLeave struct {
	LTime LamportTime
	Node  string
}

// messagePushPull carries the full membership-clock state exchanged
// during anti-entropy: who's up, who's deliberately left, and what the
// event clock is, plus a bounded backlog of recent user events so a
// freshly (re)joined peer doesn't miss what fired just before it joined.
type messagePushPull struct {
	LTime        LamportTime
	StatusLTimes map[string]LamportTime
	LeftMembers  []string
	EventLTime   LamportTime
	Events       []*userEvents
	QueryLTime   LamportTime
}

// messageUserEvent is a user-generated broadcast event. CC ("can
// coalesce") lets the sender mark an event safe to collapse with a later
// same-named event.
type messageUserEvent struct {
	LTime   LamportTime
	Name    string
	Payload []byte
	CC      bool
}

// messageQuery is a query broadcast, optionally filtered to a subset of
// the cluster and optionally requesting a delivery ack distinct from an
// application response.
type messageQuery struct {
	LTime       LamportTime
	ID          uint32
	SourceNode  string
	Filters     [][]byte
	Flags       uint32
	RelayFactor uint8
	Timeout     time.Duration
	Name        string
	Payload     []byte
}

const (
	queryFlagAck uint32 = 1 << iota
	queryFlagNoBroadcast
)

// filterNode restricts a query to the listed node names.
type filterNode []string

// filterTag restricts a query to nodes whose Tag value matches Expr.
type filterTag struct {
	Tag  string
	Expr string
}

// messageQueryResponse carries either a delivery ack or an application
// response back to the query originator.
type messageQueryResponse struct {
	LTime   LamportTime
	ID      uint32
	From    string
	Flags   uint32
	Payload []byte
}

// messageConflictResponse answers an internal `_serf_conflict` query
// with the responder's own view of the conflicting node.
type messageConflictResponse struct {
	Member *Member
}

// messageRelay wraps a query response that must be relayed through an
// intermediate node back to the origin, used when RelayFactor > 0.
type messageRelay struct {
	DestNode string
	Msg      []byte
}

func decodeMessage(buf []byte, out interface{}) error {
	var handle codec.MsgpackHandle
	return codec.NewDecoder(bytes.NewReader(buf), &handle).Decode(out)
}

func encodeMessage(t messageType, msg interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(t))

	handle := codec.MsgpackHandle{}
	encoder := codec.NewEncoder(buf, &handle)
	err := encoder.Encode(msg)
	return buf.Bytes(), err
}

func encodeFilter(f filterType, filt interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(f))

	handle := codec.MsgpackHandle{}
	encoder := codec.NewEncoder(buf, &handle)
	err := encoder.Encode(filt)
	return buf.Bytes(), err
}
