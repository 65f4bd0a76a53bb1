package serf

import (
	"reflect"
	"testing"
)

func TestQueryFlags(t *testing.T) {
	if queryFlagAck != 1 {
		t.Fatalf("Bad: %v", queryFlagAck)
	}
	if queryFlagNoBroadcast != 2 {
		t.Fatalf("Bad: %v", queryFlagNoBroadcast)
	}
}

func TestEncodeMessage(t *testing.T) {
	in := &messageLeave{Node: "foo"}
	raw, err := encodeMessage(messageLeaveType, in)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	if raw[0] != byte(messageLeaveType) {
		t.Fatal("should have type header")
	}

	var out messageLeave
	if err := decodeMessage(raw[1:], &out); err != nil {
		t.Fatalf("err: %s", err)
	}

	if !reflect.DeepEqual(in, &out) {
		t.Fatalf("mis-match")
	}
}

func TestEncodeRelayMessage(t *testing.T) {
	inner := &messageLeave{Node: "foo"}
	innerRaw, err := encodeMessage(messageLeaveType, inner)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	relay := messageRelay{DestNode: "node2", Msg: innerRaw}
	raw, err := encodeMessage(messageRelayType, &relay)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	if raw[0] != byte(messageRelayType) {
		t.Fatal("should have type header")
	}

	var out messageRelay
	if err := decodeMessage(raw[1:], &out); err != nil {
		t.Fatalf("err: %s", err)
	}

	if out.DestNode != "node2" {
		t.Fatalf("bad dest node: %v", out.DestNode)
	}

	if messageType(out.Msg[0]) != messageLeaveType {
		t.Fatal("should have type header")
	}

	var innerOut messageLeave
	if err := decodeMessage(out.Msg[1:], &innerOut); err != nil {
		t.Fatalf("err: %s", err)
	}

	if !reflect.DeepEqual(inner, &innerOut) {
		t.Fatalf("mis-match")
	}
}

func TestEncodeFilter(t *testing.T) {
	nodes := []string{"foo", "bar"}

	raw, err := encodeFilter(filterNodeType, nodes)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	if raw[0] != byte(filterNodeType) {
		t.Fatal("should have type header")
	}

	var out []string
	if err := decodeMessage(raw[1:], &out); err != nil {
		t.Fatalf("err: %s", err)
	}

	if !reflect.DeepEqual(nodes, out) {
		t.Fatalf("mis-match")
	}
}
