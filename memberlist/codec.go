package memberlist

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
)

// messageType is the first byte of every SWIM wire message, identifying
// how the remaining bytes should be decoded.
type messageType uint8

const (
	pingMsg messageType = iota
	indirectPingMsg
	ackRespMsg
	suspectMsg
	aliveMsg
	deadMsg
	pushPullMsg
	compoundMsg
	userMsg
	compressMsg
	encryptMsg
	nackRespMsg
	pushNodeStateMsg
)

var msgpackHandle = &codec.MsgpackHandle{}

// encode prepends t to the msgpack encoding of in.
func encode(t messageType, in interface{}) (*bytes.Buffer, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(t))
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(in); err != nil {
		return nil, err
	}
	return buf, nil
}

// decode unmarshals buf into out, which must be a pointer.
func decode(buf []byte, out interface{}) error {
	dec := codec.NewDecoderBytes(buf, msgpackHandle)
	return dec.Decode(out)
}

// ping is sent to directly probe a peer.
type ping struct {
	SeqNo      uint32
	Node       string
	SourceAddr []byte `codec:",omitempty"`
	SourcePort uint16 `codec:",omitempty"`
	SourceNode string `codec:",omitempty"`
}

// indirectPingReq asks Node to relay a ping to Target on our behalf.
type indirectPingReq struct {
	SeqNo       uint32
	Target      []byte
	Port        uint16
	Node        string
	Nack        bool `codec:",omitempty"`
	SourceAddr  []byte `codec:",omitempty"`
	SourcePort  uint16 `codec:",omitempty"`
	SourceNode  string `codec:",omitempty"`
}

// ackResp is a direct or relayed response to a ping/indirectPingReq.
type ackResp struct {
	SeqNo   uint32
	Payload []byte `codec:",omitempty"`
}

// nackResp signals that an indirect probe's relay failed to reach the
// target at all (distinguishing relay failure from target unreachable).
type nackResp struct {
	SeqNo uint32
}

// suspect announces that the sender suspects Node has failed.
type suspect struct {
	Incarnation uint32
	Node        string
	From        string
}

// alive announces (or re-announces, on refutation) that Node is alive at
// the given incarnation.
type alive struct {
	Incarnation uint32
	Node        string
	Addr        []byte
	Port        uint16
	Meta        []byte `codec:",omitempty"`
	Vsn         []uint8 `codec:",omitempty"`
}

// dead announces that Node has been confirmed failed or has left.
type dead struct {
	Incarnation uint32
	Node        string
	From        string
}

// pushPullHeader precedes a push/pull exchange's remote-state payload.
type pushPullHeader struct {
	Nodes        int
	UserStateLen int
	Join         bool
}

// pushNodeState is one remote node's view exchanged during push/pull.
type pushNodeState struct {
	Name        string
	Addr        []byte
	Port        uint16
	Meta        []byte
	Incarnation uint32
	State       NodeStateType
	Vsn         []uint8 `codec:",omitempty"`
}

// compress wraps a compressed payload (unused by default, reserved for
// future algorithm negotiation via Vsn).
type compress struct {
	Algo uint8
	Buf  []byte
}
