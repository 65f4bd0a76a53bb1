package serf

import (
	"reflect"
	"sort"
	"testing"
	"time"
)

func testCoalescer(cPeriod, qPeriod time.Duration) (chan<- Event, <-chan Event, chan<- struct{}) {
	if cPeriod == 0 {
		cPeriod = 10 * time.Millisecond
	}
	if qPeriod == 0 {
		qPeriod = 5 * time.Millisecond
	}

	out := make(chan Event, 64)
	shutdown := make(chan struct{})
	c := &membershipCoalescer{
		lastEvents: make(map[string]*nodeEvent),
		newEvents:  make(map[string]*nodeEvent),
	}
	in := coalescedEventCh(out, shutdown, cPeriod, qPeriod, c)
	return in, out, shutdown
}

func TestCoalescer_basic(t *testing.T) {
	in, out, shutdown := testCoalescer(0, 0)
	defer close(shutdown)

	send := []Event{
		MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}},
		MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "foo"}}},
		MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "bar"}}},
	}

	for _, e := range send {
		in <- e
	}

	select {
	case e := <-out:
		me, ok := e.(MemberEvent)
		if !ok {
			t.Fatalf("expected a MemberEvent, got %T", e)
		}
		if me.Type != EventMemberLeave {
			t.Fatalf("expected leave, got: %d", me.Type)
		}
		if len(me.Members) != 2 {
			t.Fatalf("should have two members: %d", len(me.Members))
		}

		expected := []string{"bar", "foo"}
		names := []string{me.Members[0].Name, me.Members[1].Name}
		sort.Strings(names)

		if !reflect.DeepEqual(expected, names) {
			t.Fatalf("bad: %#v", names)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("timeout")
	}
}

func TestCoalescer_quiescent(t *testing.T) {
	// Long coalescence period with a short quiescent period: the flush
	// should be driven by quiescence, not the quantum timer.
	in, out, shutdown := testCoalescer(10*time.Second, 10*time.Millisecond)
	defer close(shutdown)

	send := []Event{
		MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}},
		MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "foo"}}},
		MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "bar"}}},
	}

	for _, e := range send {
		in <- e
	}

	select {
	case e := <-out:
		me, ok := e.(MemberEvent)
		if !ok {
			t.Fatalf("expected a MemberEvent, got %T", e)
		}
		if me.Type != EventMemberLeave {
			t.Fatalf("expected leave, got: %d", me.Type)
		}
		if len(me.Members) != 2 {
			t.Fatalf("should have two members: %d", len(me.Members))
		}

		expected := []string{"bar", "foo"}
		names := []string{me.Members[0].Name, me.Members[1].Name}
		sort.Strings(names)

		if !reflect.DeepEqual(expected, names) {
			t.Fatalf("bad: %#v", names)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("timeout")
	}
}
