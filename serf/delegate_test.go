package serf

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDelegate_NodeMeta(t *testing.T) {
	c := testConfig(t, "node1", 18960)
	c.Tags["role"] = "test"
	d := &delegate{&Serf{config: c}}
	meta := d.NodeMeta(32)

	out := d.serf.decodeTags(meta)
	if out["role"] != "test" {
		t.Fatalf("bad meta data: %v", meta)
	}
}

func TestDelegate_LocalState(t *testing.T) {
	c1 := testConfig(t, "node1", 18961)
	s1, err := Create(c1)
	require.NoError(t, err)
	defer s1.Shutdown()

	c2 := testConfig(t, "node2", 18962)
	s2, err := Create(c2)
	require.NoError(t, err)
	defer s2.Shutdown()

	_, err = s1.Join([]string{fmt.Sprintf("127.0.0.1:%d", c2.MemberlistConfig.BindPort)}, false)
	require.NoError(t, err)
	waitUntilNumNodes(t, 2, s1, s2)

	require.NoError(t, s1.UserEvent("test", []byte("test"), false))
	_, err = s1.Query("foo", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s2.Leave())

	d := c1.MemberlistConfig.Delegate
	buf := d.LocalState(false)

	if messageType(buf[0]) != messagePushPullType {
		t.Fatalf("bad message type")
	}

	pp := messagePushPull{}
	if err := decodeMessage(buf[1:], &pp); err != nil {
		t.Fatalf("decode failed %v", err)
	}

	if pp.LTime != s1.clock.Time() {
		t.Fatalf("clock mismatch")
	}
	if pp.EventLTime != s1.eventClock.Time() {
		t.Fatalf("clock mismatch")
	}
	if len(pp.Events) != s1.config.EventBuffer {
		t.Fatalf("should send full event buffer")
	}
	if pp.QueryLTime != s1.queryClock.Time() {
		t.Fatalf("clock mismatch")
	}
}

func TestDelegate_MergeRemoteState(t *testing.T) {
	c1 := testConfig(t, "node1", 18963)
	s1, err := Create(c1)
	require.NoError(t, err)
	defer s1.Shutdown()

	d := c1.MemberlistConfig.Delegate

	pp := messagePushPull{
		LTime: 42,
		StatusLTimes: map[string]LamportTime{
			"test": 20,
			"foo":  15,
		},
		LeftMembers: []string{"foo"},
		EventLTime:  50,
		Events: []*userEvents{
			{
				LTime: 45,
				Events: []userEvent{
					{Name: "test", Payload: nil},
				},
			},
		},
		QueryLTime: 100,
	}

	buf, err := encodeMessage(messagePushPullType, &pp)
	require.NoError(t, err)

	d.MergeRemoteState(buf, false)

	if s1.clock.Time() != 42 {
		t.Fatalf("clock mismatch")
	}
	if s1.eventClock.Time() != 50 {
		t.Fatalf("bad event clock")
	}
	if s1.queryClock.Time() != 100 {
		t.Fatalf("bad query clock")
	}

	idx := LamportTime(45) % LamportTime(len(s1.eventBuffer))
	if s1.eventBuffer[idx] == nil || !reflect.DeepEqual(s1.eventBuffer[idx].Events[0].Name, "test") {
		t.Fatalf("missing event")
	}
}
