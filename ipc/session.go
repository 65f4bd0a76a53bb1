package ipc

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"

	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/logutils"

	"github.com/clustermesh/clustermesh/serf"
)

type sessionState int

const (
	stateNew sessionState = iota
	stateHandshaked
	stateAuthenticated
)

// session drives one client connection through the handshake, optional
// auth, and command phases, serializing all of its own frame writes so
// the streaming handlers it spawns (query, monitor, stream) never tear
// a write in half against a synchronous command reply.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	// id identifies this session in log output; it has no role in the
	// wire protocol itself.
	id string

	writeLock sync.Mutex

	state   sessionState
	version int32

	streamLock   sync.Mutex
	logStreamer  *logStream
	eventStreams map[uint64]*eventStream
}

func newSession(server *Server, conn net.Conn) *session {
	id, _ := uuid.GenerateUUID()
	return &session{
		server:       server,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		id:           id,
		eventStreams: make(map[uint64]*eventStream),
	}
}

// send writes a response header, and a body if non-nil, as a unit under
// the session's write lock. Streaming handlers call this from their own
// goroutines, so it must stay safe for concurrent use.
func (s *session) send(hdr *responseHeader, body interface{}) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := writeFrame(s.writer, hdr); err != nil {
		return err
	}
	if body != nil {
		if err := writeFrame(s.writer, body); err != nil {
			return err
		}
	}
	return s.writer.Flush()
}

func (s *session) sendError(seq uint64, errMsg string) error {
	return s.send(&responseHeader{Seq: seq, Error: errMsg}, nil)
}

func (s *session) sendOK(seq uint64, body interface{}) error {
	return s.send(&responseHeader{Seq: seq}, body)
}

// run is the per-connection cooperative loop. It decodes one request
// header, lets the command handler decode its own body, and repeats
// until the peer disconnects or sends something the handler can't
// recover from. A malformed frame terminates only this session.
func (s *session) run() {
	defer s.close()

	for {
		var hdr requestHeader
		if err := readFrame(s.reader, &hdr); err != nil {
			if err != io.EOF {
				s.server.logger.Printf("[ERR] ipc: session %s: failed to decode request from %v: %v", s.id, s.conn.RemoteAddr(), err)
			}
			return
		}

		if err := s.dispatch(&hdr); err != nil {
			s.server.logger.Printf("[ERR] ipc: session %s: %v", s.id, err)
			return
		}
	}
}

func (s *session) close() {
	s.streamLock.Lock()
	if s.logStreamer != nil {
		s.server.logWriter.DeregisterHandler(s.logStreamer)
		s.logStreamer.Stop()
		s.logStreamer = nil
	}
	for _, es := range s.eventStreams {
		s.server.deregisterEventStream(es)
		es.Stop()
	}
	s.eventStreams = nil
	s.streamLock.Unlock()

	s.conn.Close()
	s.server.deregisterSession(s)
}

func (s *session) dispatch(hdr *requestHeader) error {
	if hdr.Command != handshakeCommand && s.state == stateNew {
		s.sendError(hdr.Seq, handshakeRequired)
		return fmt.Errorf(handshakeRequired)
	}

	if s.server.authKey != "" && s.state != stateAuthenticated &&
		hdr.Command != handshakeCommand && hdr.Command != authCommand {
		return s.sendError(hdr.Seq, authRequired)
	}

	switch hdr.Command {
	case handshakeCommand:
		return s.handleHandshake(hdr)
	case authCommand:
		return s.handleAuth(hdr)
	case eventCommand:
		return s.handleEvent(hdr)
	case forceLeaveCommand:
		return s.handleForceLeave(hdr)
	case joinCommand:
		return s.handleJoin(hdr)
	case leaveCommand:
		return s.handleLeave(hdr)
	case membersCommand:
		return s.handleMembers(hdr)
	case membersFilteredCommand:
		return s.handleMembersFiltered(hdr)
	case tagsCommand:
		return s.handleTags(hdr)
	case queryCommand:
		return s.handleQuery(hdr)
	case statsCommand:
		return s.handleStats(hdr)
	case getCoordinateCommand:
		return s.handleGetCoordinate(hdr)
	case monitorCommand:
		return s.handleMonitor(hdr)
	case streamCommand:
		return s.handleStream(hdr)
	case stopCommand:
		return s.handleStop(hdr)
	default:
		s.sendError(hdr.Seq, unsupportedCommand)
		return fmt.Errorf("command '%s' not recognized", hdr.Command)
	}
}

func (s *session) handleHandshake(hdr *requestHeader) error {
	var req handshakeRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	if req.Version < MinIPCVersion || req.Version > MaxIPCVersion {
		return s.sendError(hdr.Seq, unsupportedIPCVersion)
	}
	if s.state != stateNew {
		return s.sendError(hdr.Seq, duplicateHandshake)
	}

	s.version = req.Version
	if s.server.authKey == "" {
		s.state = stateAuthenticated
	} else {
		s.state = stateHandshaked
	}
	return s.sendOK(hdr.Seq, nil)
}

func (s *session) handleAuth(hdr *requestHeader) error {
	var req authRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	if s.state == stateAuthenticated {
		return s.sendError(hdr.Seq, duplicateAuth)
	}
	if req.AuthKey != s.server.authKey {
		return s.sendError(hdr.Seq, invalidAuthToken)
	}

	s.state = stateAuthenticated
	return s.sendOK(hdr.Seq, nil)
}

func (s *session) handleEvent(hdr *requestHeader) error {
	var req eventRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	if err := s.server.serf.UserEvent(req.Name, req.Payload, req.Coalesce); err != nil {
		return s.sendError(hdr.Seq, err.Error())
	}
	return s.sendOK(hdr.Seq, nil)
}

func (s *session) handleForceLeave(hdr *requestHeader) error {
	var req forceLeaveRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	if err := s.server.serf.RemoveFailedNode(req.Node); err != nil {
		return s.sendError(hdr.Seq, err.Error())
	}
	return s.sendOK(hdr.Seq, nil)
}

func (s *session) handleJoin(hdr *requestHeader) error {
	var req joinRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	n, err := s.server.serf.Join(req.Existing, !req.Replay)
	if err != nil {
		s.sendError(hdr.Seq, err.Error())
		return nil
	}
	return s.sendOK(hdr.Seq, &joinResponse{Num: int32(n)})
}

func (s *session) handleLeave(hdr *requestHeader) error {
	if err := s.server.serf.Leave(); err != nil {
		return s.sendError(hdr.Seq, err.Error())
	}
	return s.sendOK(hdr.Seq, nil)
}

func (s *session) handleMembers(hdr *requestHeader) error {
	resp := &membersResponse{Members: wireMembers(s.server.serf.Members())}
	return s.sendOK(hdr.Seq, resp)
}

func (s *session) handleMembersFiltered(hdr *requestHeader) error {
	var req membersFilteredRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	var nameRe, statusRe *regexp.Regexp
	var err error
	if req.Name != "" {
		if nameRe, err = regexp.Compile(req.Name); err != nil {
			return s.sendError(hdr.Seq, err.Error())
		}
	}
	if req.Status != "" {
		if statusRe, err = regexp.Compile(req.Status); err != nil {
			return s.sendError(hdr.Seq, err.Error())
		}
	}
	tagRes := make(map[string]*regexp.Regexp, len(req.Tags))
	for k, v := range req.Tags {
		re, err := regexp.Compile(v)
		if err != nil {
			return s.sendError(hdr.Seq, err.Error())
		}
		tagRes[k] = re
	}

	var out []serf.Member
	for _, m := range s.server.serf.Members() {
		if nameRe != nil && !nameRe.MatchString(m.Name) {
			continue
		}
		if statusRe != nil && !statusRe.MatchString(m.Status.String()) {
			continue
		}
		matched := true
		for k, re := range tagRes {
			if !re.MatchString(m.Tags[k]) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		out = append(out, m)
	}

	return s.sendOK(hdr.Seq, &membersResponse{Members: wireMembers(out)})
}

func (s *session) handleTags(hdr *requestHeader) error {
	var raw map[string]interface{}
	if err := readFrame(s.reader, &raw); err != nil {
		return err
	}
	var req tagsRequest
	if err := decodeLoose(raw, &req); err != nil {
		return s.sendError(hdr.Seq, err.Error())
	}

	tags := make(map[string]string)
	for k, v := range s.server.serf.LocalMember().Tags {
		tags[k] = v
	}
	for k, v := range req.Tags {
		tags[k] = v
	}
	for _, k := range req.DeleteTags {
		delete(tags, k)
	}

	if err := s.server.serf.SetTags(tags); err != nil {
		return s.sendError(hdr.Seq, err.Error())
	}
	return s.sendOK(hdr.Seq, nil)
}

func (s *session) handleStats(hdr *requestHeader) error {
	stats := map[string]map[string]string{
		"agent": {
			"name":  s.server.serf.LocalMember().Name,
			"nodes": strconv.Itoa(s.server.serf.NumNodes()),
		},
		"serf": {
			"encrypted": strconv.FormatBool(s.server.serf.EncryptionEnabled()),
			"members":   strconv.Itoa(len(s.server.serf.Members())),
		},
	}

	if s.server.metricsSink != nil {
		addMetricsSnapshot(stats, s.server.metricsSink)
	}

	return s.sendOK(hdr.Seq, &statsResponse{Stats: stats})
}

func (s *session) handleGetCoordinate(hdr *requestHeader) error {
	var req getCoordinateRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	coord, ok := s.server.serf.GetCachedCoordinate(req.Node)
	if !ok {
		return s.sendError(hdr.Seq, fmt.Sprintf("No coordinate for node %q", req.Node))
	}
	return s.sendOK(hdr.Seq, &getCoordinateResponse{Coord: coord})
}

func (s *session) handleQuery(hdr *requestHeader) error {
	var req queryRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	params := &serf.QueryParam{
		FilterNodes: req.FilterNodes,
		FilterTags:  req.FilterTags,
		RequestAck:  req.RequestAck,
		RelayFactor: req.RelayFactor,
		Timeout:     req.Timeout,
	}

	queryResp, err := s.server.serf.Query(req.Name, req.Payload, params)
	if err != nil {
		return s.sendError(hdr.Seq, err.Error())
	}

	if err := s.sendOK(hdr.Seq, &queryResponseHeader{ID: queryResp.ID()}); err != nil {
		return err
	}

	go s.streamQuery(hdr.Seq, queryResp)
	return nil
}

// streamQuery relays acks and responses for one query as QueryRecord
// frames under the query's own request Seq, finishing with a "done"
// record once the query's channels close.
func (s *session) streamQuery(seq uint64, queryResp *serf.QueryResponse) {
	ackCh := queryResp.AckCh()
	respCh := queryResp.ResponseCh()
	for ackCh != nil || respCh != nil {
		select {
		case from, ok := <-ackCh:
			if !ok {
				ackCh = nil
				continue
			}
			if err := s.send(&responseHeader{Seq: seq}, &QueryRecord{Type: "ack", From: from}); err != nil {
				s.server.logger.Printf("[ERR] ipc: failed to stream query ack: %v", err)
				return
			}
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			rec := &QueryRecord{Type: "response", From: resp.From, Payload: resp.Payload}
			if err := s.send(&responseHeader{Seq: seq}, rec); err != nil {
				s.server.logger.Printf("[ERR] ipc: failed to stream query response: %v", err)
				return
			}
		}
	}

	if err := s.send(&responseHeader{Seq: seq}, &QueryRecord{Type: "done"}); err != nil {
		s.server.logger.Printf("[ERR] ipc: failed to stream query done marker: %v", err)
	}
}

func (s *session) handleMonitor(hdr *requestHeader) error {
	var req monitorRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	filter := newLevelFilter()
	filter.MinLevel = logutils.LogLevel(req.LogLevel)
	if !validLevelFilter(filter) {
		return s.sendError(hdr.Seq, fmt.Sprintf("Unknown log level: %s", req.LogLevel))
	}

	s.streamLock.Lock()
	if s.logStreamer != nil {
		s.streamLock.Unlock()
		return s.sendError(hdr.Seq, monitorExists)
	}
	ls := newLogStream(s, filter, hdr.Seq, s.server.logger)
	s.logStreamer = ls
	s.streamLock.Unlock()

	s.server.logWriter.RegisterHandler(ls)
	return s.sendOK(hdr.Seq, nil)
}

func (s *session) handleStream(hdr *requestHeader) error {
	var req streamRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	filters := parseEventFilters(req.Type)
	for i := range filters {
		if !filters[i].valid() {
			return s.sendError(hdr.Seq, invalidFilter)
		}
	}

	s.streamLock.Lock()
	if _, ok := s.eventStreams[hdr.Seq]; ok {
		s.streamLock.Unlock()
		return s.sendError(hdr.Seq, streamExists)
	}
	es := newEventStream(s, filters, hdr.Seq, s.server.logger)
	s.eventStreams[hdr.Seq] = es
	s.streamLock.Unlock()

	s.server.registerEventStream(es)
	return s.sendOK(hdr.Seq, nil)
}

func (s *session) handleStop(hdr *requestHeader) error {
	var req stopRequest
	if err := readFrame(s.reader, &req); err != nil {
		return err
	}

	s.streamLock.Lock()
	if s.logStreamer != nil && s.logStreamer.seq == req.Stop {
		s.server.logWriter.DeregisterHandler(s.logStreamer)
		s.logStreamer.Stop()
		s.logStreamer = nil
	}
	if es, ok := s.eventStreams[req.Stop]; ok {
		s.server.deregisterEventStream(es)
		es.Stop()
		delete(s.eventStreams, req.Stop)
	}
	s.streamLock.Unlock()

	return s.sendOK(hdr.Seq, nil)
}
