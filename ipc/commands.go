package ipc

import (
	"net"
	"time"

	"github.com/clustermesh/clustermesh/coordinate"
	"github.com/clustermesh/clustermesh/serf"
)

const (
	handshakeCommand       = "handshake"
	authCommand            = "auth"
	eventCommand           = "event"
	forceLeaveCommand      = "force-leave"
	joinCommand            = "join"
	leaveCommand           = "leave"
	membersCommand         = "members"
	membersFilteredCommand = "members-filtered"
	tagsCommand            = "tags"
	queryCommand           = "query"
	statsCommand           = "stats"
	getCoordinateCommand   = "get-coordinate"
	monitorCommand         = "monitor"
	streamCommand          = "stream"
	stopCommand            = "stop"
)

type handshakeRequest struct {
	Version int32
}

type authRequest struct {
	AuthKey string
}

type eventRequest struct {
	Name     string
	Payload  []byte
	Coalesce bool
}

type forceLeaveRequest struct {
	Node string
}

type joinRequest struct {
	Existing []string
	Replay   bool
}

type joinResponse struct {
	Num int32
}

// Member mirrors serf.Member for the wire. The in-tree Member carries
// no Role or memberlist/Serf protocol-version triad, so those teacher
// fields aren't reproduced here.
type Member struct {
	Name   string
	Addr   net.IP
	Port   uint16
	Tags   map[string]string
	Status string
}

type membersResponse struct {
	Members []Member
}

// membersFilteredRequest restricts a members snapshot by regex against
// the node name, its status string, or a tag's value.
type membersFilteredRequest struct {
	Name   string
	Status string
	Tags   map[string]string
}

type tagsRequest struct {
	Tags       map[string]string
	DeleteTags []string
}

type queryRequest struct {
	FilterNodes []string
	FilterTags  map[string]string
	RequestAck  bool
	RelayFactor uint8
	Timeout     time.Duration
	Name        string
	Payload     []byte
}

// queryResponseHeader is sent once, immediately, to give the caller the
// query's id before any QueryRecord frames arrive.
type queryResponseHeader struct {
	ID uint32
}

// QueryRecord streams acks, responses, and a trailing "done" marker for
// an in-flight query, keyed by the Seq of the original query request.
type QueryRecord struct {
	Type    string // "ack", "response", or "done"
	From    string
	Payload []byte
}

type getCoordinateRequest struct {
	Node string
}

type getCoordinateResponse struct {
	Coord *coordinate.Coordinate
}

type statsResponse struct {
	Stats map[string]map[string]string
}

type monitorRequest struct {
	LogLevel string
}

type streamRequest struct {
	Type string
}

type stopRequest struct {
	Stop uint64
}

type logRecord struct {
	Log string
}

// StreamRecord is the single wire shape for every event a stream
// subscription delivers: a member-lifecycle batch, a user event, or a
// query notification. One shape (rather than a type per EventType, as
// the teacher's ipc_event_stream.go used) lets a stream client decode
// every frame the same way regardless of which kind of event produced
// it; Event names which of the remaining fields are populated.
type StreamRecord struct {
	Event    string
	Members  []Member         // set for member-* events
	LTime    serf.LamportTime // set for user/query events
	Name     string           // set for user/query events
	Payload  []byte           // set for user/query events
	Coalesce bool             // set for user events
	QueryID  uint32           // set for query events
}

func wireMember(m serf.Member) Member {
	return Member{
		Name:   m.Name,
		Addr:   m.Addr,
		Port:   m.Port,
		Tags:   m.Tags,
		Status: m.Status.String(),
	}
}

func wireMembers(in []serf.Member) []Member {
	out := make([]Member, 0, len(in))
	for _, m := range in {
		out = append(out, wireMember(m))
	}
	return out
}
