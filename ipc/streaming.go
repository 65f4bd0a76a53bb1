package ipc

import (
	"fmt"
	"log"

	"github.com/hashicorp/logutils"

	"github.com/clustermesh/clustermesh/serf"
)

// logStream fans filtered log lines from a LogWriter to one session,
// decoupling the writer goroutine (which must never block on a slow
// client) from the socket write.
type logStream struct {
	sess   *session
	filter *logutils.LevelFilter
	logCh  chan string
	logger *log.Logger
	seq    uint64
}

func newLogStream(sess *session, filter *logutils.LevelFilter, seq uint64, logger *log.Logger) *logStream {
	ls := &logStream{
		sess:   sess,
		filter: filter,
		logCh:  make(chan string, 512),
		logger: logger,
		seq:    seq,
	}
	go ls.stream()
	return ls
}

func (ls *logStream) HandleLog(line string) {
	if !ls.filter.Check([]byte(line)) {
		return
	}
	select {
	case ls.logCh <- line:
	default:
		ls.logger.Printf("[WARN] ipc: dropping log line to %v, channel full", ls.sess.conn.RemoteAddr())
	}
}

func (ls *logStream) Stop() {
	close(ls.logCh)
}

func (ls *logStream) stream() {
	for line := range ls.logCh {
		hdr := &responseHeader{Seq: ls.seq}
		if err := ls.sess.send(hdr, &logRecord{Log: line}); err != nil {
			ls.logger.Printf("[ERR] ipc: failed to stream log to %v: %v", ls.sess.conn.RemoteAddr(), err)
			return
		}
	}
}

// eventStream fans matching serf.Event values from the member/event
// channel to one session.
type eventStream struct {
	sess    *session
	eventCh chan serf.Event
	filters []eventFilter
	logger  *log.Logger
	seq     uint64
}

func newEventStream(sess *session, filters []eventFilter, seq uint64, logger *log.Logger) *eventStream {
	es := &eventStream{
		sess:    sess,
		eventCh: make(chan serf.Event, 512),
		filters: filters,
		logger:  logger,
		seq:     seq,
	}
	go es.stream()
	return es
}

func (es *eventStream) HandleEvent(e serf.Event) {
	matched := false
	for i := range es.filters {
		if es.filters[i].invoke(e) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	select {
	case es.eventCh <- e:
	default:
		es.logger.Printf("[WARN] ipc: dropping event to %v, channel full", es.sess.conn.RemoteAddr())
	}
}

func (es *eventStream) Stop() {
	close(es.eventCh)
}

func (es *eventStream) stream() {
	for e := range es.eventCh {
		var err error
		switch ev := e.(type) {
		case serf.MemberEvent:
			err = es.sendMemberEvent(ev)
		case serf.UserEvent:
			err = es.sendUserEvent(ev)
		case *serf.Query:
			err = es.sendQueryEvent(ev)
		default:
			err = fmt.Errorf("unknown event type: %s", e.EventType().String())
		}
		if err != nil {
			es.logger.Printf("[ERR] ipc: failed to stream event to %v: %v", es.sess.conn.RemoteAddr(), err)
			return
		}
	}
}

func (es *eventStream) sendMemberEvent(e serf.MemberEvent) error {
	rec := &StreamRecord{
		Event:   e.String(),
		Members: wireMembers(e.Members),
	}
	return es.sess.send(&responseHeader{Seq: es.seq}, rec)
}

func (es *eventStream) sendUserEvent(e serf.UserEvent) error {
	rec := &StreamRecord{
		Event:    e.EventType().String(),
		LTime:    e.LTime,
		Name:     e.Name,
		Payload:  e.Payload,
		Coalesce: e.Coalesce,
	}
	return es.sess.send(&responseHeader{Seq: es.seq}, rec)
}

func (es *eventStream) sendQueryEvent(q *serf.Query) error {
	rec := &StreamRecord{
		Event:   q.EventType().String(),
		QueryID: q.ID(),
		LTime:   q.LTime,
		Name:    q.Name,
		Payload: q.Payload,
	}
	return es.sess.send(&responseHeader{Seq: es.seq}, rec)
}
