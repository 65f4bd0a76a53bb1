package serf

import (
	"fmt"
	"math/rand"
)

// EventType identifies what kind of Event arrived on a Serf instance's
// configured EventCh: a membership transition, a user-broadcast event,
// or an incoming query.
type EventType int

const (
	EventMemberJoin EventType = iota
	EventMemberLeave
	EventMemberFailed
	EventMemberUpdate
	EventMemberReap
	EventUser
	EventQuery
)

func (t EventType) String() string {
	switch t {
	case EventMemberJoin:
		return "member-join"
	case EventMemberLeave:
		return "member-leave"
	case EventMemberFailed:
		return "member-failed"
	case EventMemberUpdate:
		return "member-update"
	case EventMemberReap:
		return "member-reap"
	case EventUser:
		return "user"
	case EventQuery:
		return "query"
	default:
		panic(fmt.Sprintf("unknown event type: %d", t))
	}
}

// Event is the interface satisfied by every value sent on a Serf
// instance's EventCh: MemberEvent, UserEvent, or *Query.
type Event interface {
	EventType() EventType
}

// MemberEvent carries one or more members that changed lifecycle state
// together, since Serf coalesces rapid successive changes into a single
// delivery.
type MemberEvent struct {
	Type    EventType
	Members []Member
}

func (m MemberEvent) EventType() EventType { return m.Type }

func (m MemberEvent) String() string {
	switch m.Type {
	case EventMemberJoin:
		return "member-join"
	case EventMemberLeave:
		return "member-leave"
	case EventMemberFailed:
		return "member-failed"
	case EventMemberUpdate:
		return "member-update"
	case EventMemberReap:
		return "member-reap"
	default:
		panic(fmt.Sprintf("unknown event type: %d", m.Type))
	}
}

// UserEvent is an application-originated broadcast event, ordered by the
// dedicated user-event Lamport clock.
type UserEvent struct {
	LTime    LamportTime
	Name     string
	Payload  []byte
	Coalesce bool
}

func (u UserEvent) EventType() EventType { return EventUser }

func (u UserEvent) String() string {
	return fmt.Sprintf("user-event: %s", u.Name)
}

// kRandomMembers selects up to k members at random from members,
// skipping any for which filterFunc returns true.
func kRandomMembers(k int, members []Member, filterFunc func(Member) bool) []Member {
	n := len(members)
	kk := k
	if kk > n {
		kk = n
	}

	picked := make([]Member, 0, kk)
OUTER:
	for i := 0; i < 3*n && len(picked) < kk; i++ {
		idx := rand.Intn(n)
		m := members[idx]

		if filterFunc != nil && filterFunc(m) {
			continue
		}
		for _, p := range picked {
			if p.Name == m.Name {
				continue OUTER
			}
		}
		picked = append(picked, m)
	}
	return picked
}
