package ipc

import (
	"strings"

	"github.com/clustermesh/clustermesh/serf"
)

// eventFilter decides whether an event matches a stream subscription's
// requested type. "*" matches everything; "user:NAME" and "query:NAME"
// narrow to a specific user event or query name.
type eventFilter struct {
	Event     string
	UserEvent string
	Query     string
}

func (f *eventFilter) invoke(e serf.Event) bool {
	if f.Event == "*" {
		return true
	}

	if e.EventType().String() != f.Event {
		return false
	}

	if f.UserEvent != "" {
		ue, ok := e.(serf.UserEvent)
		if !ok || ue.Name != f.UserEvent {
			return false
		}
	}

	if f.Query != "" {
		q, ok := e.(*serf.Query)
		if !ok || q.Name != f.Query {
			return false
		}
	}

	return true
}

func (f *eventFilter) valid() bool {
	switch f.Event {
	case "member-join", "member-leave", "member-failed", "member-update", "member-reap", "user", "query", "*":
		return true
	default:
		return false
	}
}

// parseEventFilters turns a comma-separated filter spec ("member-join",
// "user:deploy", "query:status", "*") into the filter set a stream
// subscription tests incoming events against. An empty spec streams
// everything.
func parseEventFilters(spec string) []eventFilter {
	if spec == "" {
		spec = "*"
	}

	parts := strings.Split(spec, ",")
	filters := make([]eventFilter, 0, len(parts))
	for _, part := range parts {
		var f eventFilter
		switch {
		case strings.HasPrefix(part, "user:"):
			f.Event = "user"
			f.UserEvent = part[len("user:"):]
		case strings.HasPrefix(part, "query:"):
			f.Event = "query"
			f.Query = part[len("query:"):]
		default:
			f.Event = part
		}
		filters = append(filters, f)
	}
	return filters
}
