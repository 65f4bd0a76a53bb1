package memberlist

import (
	"bufio"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// streamDecoder reads a sequence of type-byte-prefixed msgpack values off
// a TCP push/pull connection, the same framing rawSendMsg uses over UDP.
type streamDecoder struct {
	r   *bufio.Reader
	dec *codec.Decoder
}

func newStreamDecoder(r io.Reader) *streamDecoder {
	br := bufio.NewReader(r)
	return &streamDecoder{
		r:   br,
		dec: codec.NewDecoder(br, msgpackHandle),
	}
}

// decodeNext reads one type byte (not validated against a specific
// expected type, since push/pull only ever sends pushPullMsg and
// pushNodeStateMsg frames in a known order) followed by one msgpack
// value into out.
func (s *streamDecoder) decodeNext(out interface{}) error {
	t, err := s.r.ReadByte()
	if err != nil {
		return fmt.Errorf("memberlist: failed to read frame type: %w", err)
	}
	_ = messageType(t)
	return s.dec.Decode(out)
}

// remaining drains whatever bytes are left unread, used to hand the
// delegate's opaque user-state blob that follows the last node frame.
func (s *streamDecoder) remaining() []byte {
	rest, _ := io.ReadAll(s.r)
	return rest
}
