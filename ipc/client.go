package ipc

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clustermesh/clustermesh/coordinate"
)

// seqHandler is invoked on the client's single read goroutine whenever
// a response frame for its sequence number arrives. It may itself call
// readFrame against the client's reader to pull the response body,
// matching how Server's own session handlers decode their request
// body immediately after the header.
type seqHandler struct {
	fn         func(*responseHeader) error
	persistent bool
}

// Client dials the ipc wire protocol and dispatches responses to
// pending calls by sequence number, the programmatic counterpart to
// Server grounded on the teacher's rpc_client.go dispatch-table shape
// but updated to the modern uint64-seq, string-command wire format.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	writeLock sync.Mutex
	seq       uint64

	dispatchLock sync.Mutex
	dispatch     map[uint64]*seqHandler

	shutdownLock sync.Mutex
	shutdown     bool
	shutdownCh   chan struct{}
}

// Dial connects to an ipc Server and performs the handshake.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		dispatch:   make(map[uint64]*seqHandler),
		shutdownCh: make(chan struct{}),
	}
	go c.listen()

	if err := c.Handshake(MaxIPCVersion); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close terminates the connection and wakes every pending call with an
// error.
func (c *Client) Close() error {
	c.shutdownLock.Lock()
	defer c.shutdownLock.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true
	close(c.shutdownCh)
	return c.conn.Close()
}

func (c *Client) nextSeq() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}

func (c *Client) send(hdr *requestHeader, body interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := writeFrame(c.writer, hdr); err != nil {
		return err
	}
	if body != nil {
		if err := writeFrame(c.writer, body); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *Client) registerHandler(seq uint64, persistent bool, fn func(*responseHeader) error) {
	c.dispatchLock.Lock()
	defer c.dispatchLock.Unlock()
	c.dispatch[seq] = &seqHandler{fn: fn, persistent: persistent}
}

func (c *Client) deregisterHandler(seq uint64) {
	c.dispatchLock.Lock()
	defer c.dispatchLock.Unlock()
	delete(c.dispatch, seq)
}

// listen is the client's single read goroutine: decode a response
// header, hand it to whatever call registered that sequence number,
// and let the handler decode its own body before the next header is
// read.
func (c *Client) listen() {
	defer c.Close()
	for {
		var hdr responseHeader
		if err := readFrame(c.reader, &hdr); err != nil {
			return
		}

		c.dispatchLock.Lock()
		h, ok := c.dispatch[hdr.Seq]
		if ok && !h.persistent {
			delete(c.dispatch, hdr.Seq)
		}
		c.dispatchLock.Unlock()

		if !ok {
			continue
		}
		if err := h.fn(&hdr); err != nil {
			return
		}
	}
}

// rpc performs a single request/response round trip.
func (c *Client) rpc(command string, req, resp interface{}) error {
	seq := c.nextSeq()
	errCh := make(chan error, 1)

	c.registerHandler(seq, false, func(hdr *responseHeader) error {
		if hdr.Error != "" {
			errCh <- fmt.Errorf("%s", hdr.Error)
			return nil
		}
		if resp != nil {
			if err := readFrame(c.reader, resp); err != nil {
				errCh <- err
				return err
			}
		}
		errCh <- nil
		return nil
	})

	if err := c.send(&requestHeader{Command: command, Seq: seq}, req); err != nil {
		c.deregisterHandler(seq)
		return err
	}

	select {
	case err := <-errCh:
		return err
	case <-c.shutdownCh:
		return fmt.Errorf("ipc: connection closed")
	}
}

func (c *Client) Handshake(version int32) error {
	return c.rpc(handshakeCommand, &handshakeRequest{Version: version}, nil)
}

func (c *Client) Auth(key string) error {
	return c.rpc(authCommand, &authRequest{AuthKey: key}, nil)
}

func (c *Client) Join(existing []string, replay bool) (int, error) {
	var resp joinResponse
	if err := c.rpc(joinCommand, &joinRequest{Existing: existing, Replay: replay}, &resp); err != nil {
		return 0, err
	}
	return int(resp.Num), nil
}

func (c *Client) Leave() error {
	return c.rpc(leaveCommand, nil, nil)
}

func (c *Client) ForceLeave(node string) error {
	return c.rpc(forceLeaveCommand, &forceLeaveRequest{Node: node}, nil)
}

func (c *Client) UserEvent(name string, payload []byte, coalesce bool) error {
	req := &eventRequest{Name: name, Payload: payload, Coalesce: coalesce}
	return c.rpc(eventCommand, req, nil)
}

func (c *Client) Members() ([]Member, error) {
	var resp membersResponse
	if err := c.rpc(membersCommand, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (c *Client) MembersFiltered(name, status string, tags map[string]string) ([]Member, error) {
	var resp membersResponse
	req := &membersFilteredRequest{Name: name, Status: status, Tags: tags}
	if err := c.rpc(membersFilteredCommand, req, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (c *Client) SetTags(tags map[string]string, deleteTags []string) error {
	req := &tagsRequest{Tags: tags, DeleteTags: deleteTags}
	return c.rpc(tagsCommand, req, nil)
}

func (c *Client) Stats() (map[string]map[string]string, error) {
	var resp statsResponse
	if err := c.rpc(statsCommand, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

func (c *Client) GetCoordinate(node string) (*coordinate.Coordinate, error) {
	var resp getCoordinateResponse
	req := &getCoordinateRequest{Node: node}
	if err := c.rpc(getCoordinateCommand, req, &resp); err != nil {
		return nil, err
	}
	return resp.Coord, nil
}

// QueryOptions mirrors serf.QueryParam for callers that don't import
// the serf package directly.
type QueryOptions struct {
	FilterNodes []string
	FilterTags  map[string]string
	RequestAck  bool
	RelayFactor uint8
	Timeout     time.Duration
}

// Query starts a query and returns its subscription sequence (pass to
// Stop to cancel early) and a channel of QueryRecord frames that
// closes once a "done" record arrives.
func (c *Client) Query(name string, payload []byte, opts QueryOptions) (uint64, <-chan *QueryRecord, error) {
	seq := c.nextSeq()
	initErrCh := make(chan error, 1)
	recCh := make(chan *QueryRecord, 128)
	first := true

	c.registerHandler(seq, true, func(hdr *responseHeader) error {
		if first {
			first = false
			if hdr.Error != "" {
				initErrCh <- fmt.Errorf("%s", hdr.Error)
				c.deregisterHandler(seq)
				return nil
			}
			var respHdr queryResponseHeader
			if err := readFrame(c.reader, &respHdr); err != nil {
				initErrCh <- err
				return err
			}
			initErrCh <- nil
			return nil
		}

		var rec QueryRecord
		if err := readFrame(c.reader, &rec); err != nil {
			close(recCh)
			c.deregisterHandler(seq)
			return err
		}
		recCh <- &rec
		if rec.Type == "done" {
			close(recCh)
			c.deregisterHandler(seq)
		}
		return nil
	})

	req := &queryRequest{
		FilterNodes: opts.FilterNodes,
		FilterTags:  opts.FilterTags,
		RequestAck:  opts.RequestAck,
		RelayFactor: opts.RelayFactor,
		Timeout:     opts.Timeout,
		Name:        name,
		Payload:     payload,
	}
	if err := c.send(&requestHeader{Command: queryCommand, Seq: seq}, req); err != nil {
		c.deregisterHandler(seq)
		return 0, nil, err
	}

	if err := <-initErrCh; err != nil {
		return 0, nil, err
	}
	return seq, recCh, nil
}

// Monitor subscribes to log lines at or above level, returning the
// subscription sequence and a channel of lines.
func (c *Client) Monitor(level string) (uint64, <-chan string, error) {
	seq := c.nextSeq()
	errCh := make(chan error, 1)
	lineCh := make(chan string, 512)
	first := true

	c.registerHandler(seq, true, func(hdr *responseHeader) error {
		if first {
			first = false
			if hdr.Error != "" {
				errCh <- fmt.Errorf("%s", hdr.Error)
				c.deregisterHandler(seq)
				return nil
			}
			errCh <- nil
			return nil
		}

		var rec logRecord
		if err := readFrame(c.reader, &rec); err != nil {
			close(lineCh)
			c.deregisterHandler(seq)
			return err
		}
		select {
		case lineCh <- rec.Log:
		default:
		}
		return nil
	})

	req := &monitorRequest{LogLevel: level}
	if err := c.send(&requestHeader{Command: monitorCommand, Seq: seq}, req); err != nil {
		c.deregisterHandler(seq)
		return 0, nil, err
	}
	if err := <-errCh; err != nil {
		return 0, nil, err
	}
	return seq, lineCh, nil
}

// Stream subscribes to cluster events matching filter ("*",
// "member-join", "user:NAME", "query:NAME", comma-separated),
// returning the subscription sequence and a channel of records.
func (c *Client) Stream(filter string) (uint64, <-chan *StreamRecord, error) {
	seq := c.nextSeq()
	errCh := make(chan error, 1)
	eventCh := make(chan *StreamRecord, 512)
	first := true

	c.registerHandler(seq, true, func(hdr *responseHeader) error {
		if first {
			first = false
			if hdr.Error != "" {
				errCh <- fmt.Errorf("%s", hdr.Error)
				c.deregisterHandler(seq)
				return nil
			}
			errCh <- nil
			return nil
		}

		var rec StreamRecord
		if err := readFrame(c.reader, &rec); err != nil {
			close(eventCh)
			c.deregisterHandler(seq)
			return err
		}
		select {
		case eventCh <- &rec:
		default:
		}
		return nil
	})

	req := &streamRequest{Type: filter}
	if err := c.send(&requestHeader{Command: streamCommand, Seq: seq}, req); err != nil {
		c.deregisterHandler(seq)
		return 0, nil, err
	}
	if err := <-errCh; err != nil {
		return 0, nil, err
	}
	return seq, eventCh, nil
}

// Stop cancels a streaming subscription (query, monitor, or stream)
// previously returned along with its sequence number.
func (c *Client) Stop(seq uint64) error {
	c.deregisterHandler(seq)
	return c.rpc(stopCommand, &stopRequest{Stop: seq}, nil)
}
