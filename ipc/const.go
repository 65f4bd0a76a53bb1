// Package ipc implements the length-prefixed MsgPack control protocol
// that lets an external client drive a Serf instance: join/leave, user
// events, queries, tag changes, and streaming subscriptions to cluster
// events and log output.
package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

const (
	MinIPCVersion = 1
	MaxIPCVersion = 1
)

const (
	unsupportedCommand    = "Unsupported command"
	unsupportedIPCVersion = "Unsupported IPC version"
	duplicateHandshake    = "Handshake already performed"
	handshakeRequired     = "Handshake required"
	authRequired          = "Authentication required"
	duplicateAuth         = "Authentication already performed"
	invalidAuthToken      = "Invalid authentication token"
	monitorExists         = "Monitor already exists"
	invalidFilter         = "Invalid event filter"
	streamExists          = "Stream with given sequence exists"
	noSuchStream          = "No stream with given sequence"

	// maxFrameSize bounds a single frame so a malformed length prefix
	// can't make a session try to allocate an unbounded buffer.
	maxFrameSize = 8 * 1024 * 1024
)

// requestHeader precedes every request frame.
type requestHeader struct {
	Command string
	Seq     uint64
}

// responseHeader precedes every response frame. Error is empty on
// success.
type responseHeader struct {
	Seq   uint64
	Error string
}

func msgpackHandle() *codec.MsgpackHandle {
	return &codec.MsgpackHandle{}
}

// writeFrame encodes v with MsgPack and writes it prefixed with its
// length, the unit every session and client reads and writes.
func writeFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle())
	if err := enc.Encode(v); err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// readFrame reads one length-prefixed MsgPack frame and decodes it
// into v.
func readFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("ipc: frame of %d bytes exceeds maximum of %d", n, maxFrameSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}

	dec := codec.NewDecoder(bytes.NewReader(buf), msgpackHandle())
	return dec.Decode(v)
}
