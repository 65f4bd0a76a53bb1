package serf

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/armon/go-metrics"
)

// NodeResponse is a single node's answer to a query, delivered on a
// QueryResponse's channel.
type NodeResponse struct {
	From    string
	Payload []byte
}

// QueryParam is used to configure how a query is performed.
type QueryParam struct {
	// FilterNodes, if non-empty, restricts delivery to these node names.
	FilterNodes []string

	// FilterTags, if non-empty, restricts delivery to nodes whose tags
	// match every key/value-regexp pair given.
	FilterTags map[string]string

	// RequestAck requests that every matching node send a delivery ack
	// in addition to any application-level response.
	RequestAck bool

	// RelayFactor, if non-zero, asks that many randomly chosen nodes to
	// relay this node's response back to the query originator, useful
	// when the originator's own link back to us is lossy.
	RelayFactor uint8

	// Timeout bounds how long responses are collected. Zero means use
	// the default computed from QueryTimeoutMult and cluster size.
	Timeout time.Duration
}

// DefaultQueryTimeout returns a timeout scaled to cluster size, the
// same rationale the failure detector uses for its own timeouts: a
// bigger cluster takes longer for gossip to reach every node.
func (q *QueryParam) DefaultQueryTimeout(s *Serf) time.Duration {
	n := s.memberlist.NumMembers()
	timeout := s.config.MemberlistConfig.GossipInterval
	timeout *= time.Duration(s.config.QueryTimeoutMult)
	timeout *= time.Duration(medianLogN(n))
	return timeout
}

func (q *QueryParam) toMessage(s *Serf, name string, payload []byte) (messageQuery, error) {
	timeout := q.Timeout
	if timeout == 0 {
		timeout = q.DefaultQueryTimeout(s)
	}

	m := messageQuery{
		LTime:       s.queryClock.Time(),
		ID:          uint32(s.queryClock.Time()) ^ uint32(time.Now().UnixNano()),
		SourceNode:  s.config.NodeName,
		Timeout:     timeout,
		Name:        name,
		Payload:     payload,
		RelayFactor: q.RelayFactor,
	}
	if q.RequestAck {
		m.Flags |= queryFlagAck
	}

	for _, n := range q.FilterNodes {
		raw, err := encodeFilter(filterNodeType, filterNode{n})
		if err != nil {
			return m, err
		}
		m.Filters = append(m.Filters, raw)
	}
	for tag, expr := range q.FilterTags {
		raw, err := encodeFilter(filterTagType, &filterTag{Tag: tag, Expr: expr})
		if err != nil {
			return m, err
		}
		m.Filters = append(m.Filters, raw)
	}
	return m, nil
}

// medianLogN estimates the number of gossip rounds needed to reach the
// whole cluster as floor(log2(n))+1, or 1 when n <= 1.
func medianLogN(n int) int {
	if n <= 1 {
		return 1
	}
	log := 0
	for v := n; v > 1; v >>= 1 {
		log++
	}
	return log + 1
}

// Query is delivered on a Serf instance's EventCh for every query this
// node observes, internal or application-level. Respond sends this
// node's answer back to the originator, relaying through intermediate
// nodes when the query requested it.
type Query struct {
	LTime   LamportTime
	Name    string
	Payload []byte

	serf        *Serf
	id          uint32
	sourceNode  string
	deadline    time.Time
	relayFactor uint8

	respLock  sync.Mutex
	responded bool
}

func (q *Query) EventType() EventType { return EventQuery }

func (q *Query) String() string {
	return fmt.Sprintf("query: %s", q.Name)
}

// Deadline returns the time by which a response must be sent to be
// accepted by the originator.
func (q *Query) Deadline() time.Time { return q.deadline }

// ID returns the identifier the originator assigned this query, useful
// for correlating it against other reporting of the same query.
func (q *Query) ID() uint32 { return q.id }

// Respond sends buf back to the node that issued this query.
func (q *Query) Respond(buf []byte) error {
	q.respLock.Lock()
	defer q.respLock.Unlock()

	if q.responded {
		return errors.New("serf: query response already sent")
	}
	if time.Now().After(q.deadline) {
		return errors.New("serf: query response is past the deadline")
	}

	resp := messageQueryResponse{
		LTime:   q.LTime,
		ID:      q.id,
		From:    q.serf.config.NodeName,
		Payload: buf,
	}
	raw, err := encodeMessage(messageQueryResponseType, &resp)
	if err != nil {
		return err
	}

	if err := q.serf.memberlist.SendUserMsg(q.sourceNode, raw); err != nil {
		if q.relayFactor > 0 {
			return q.serf.relayResponse(q.relayFactor, q.sourceNode, raw)
		}
		return err
	}

	q.responded = true
	return nil
}

// QueryResponse collects acks and application responses to a query
// issued with Serf.Query.
type QueryResponse struct {
	// ackCh delivers the name of each node that sent a delivery ack.
	ackCh chan string

	// respCh delivers each node's application-level response.
	respCh chan NodeResponse

	deadline time.Time
	id       uint32
	lTime    LamportTime

	closeLock sync.Mutex
	closed    bool
}

func newQueryResponse(n int, q *messageQuery) *QueryResponse {
	return &QueryResponse{
		ackCh:    make(chan string, n),
		respCh:   make(chan NodeResponse, n),
		deadline: time.Now().Add(q.Timeout),
		id:       q.ID,
		lTime:    q.LTime,
	}
}

// Close terminates the query early, halting further ack/response
// delivery. Safe to call multiple times.
func (r *QueryResponse) Close() {
	r.closeLock.Lock()
	defer r.closeLock.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ackCh)
	close(r.respCh)
}

// Deadline returns the time after which no more acks/responses will
// be accepted for this query.
func (r *QueryResponse) Deadline() time.Time { return r.deadline }

// ID returns the identifier assigned to this query, the same value
// carried in the wire messageQuery and usable to correlate a query
// against out-of-band reporting of it.
func (r *QueryResponse) ID() uint32 { return r.id }

// Finished reports whether the query's deadline has passed.
func (r *QueryResponse) Finished() bool {
	return time.Now().After(r.deadline)
}

// AckCh returns a channel of node names that acked this query.
func (r *QueryResponse) AckCh() <-chan string { return r.ackCh }

// ResponseCh returns a channel of application-level responses.
func (r *QueryResponse) ResponseCh() <-chan NodeResponse { return r.respCh }

// Query broadcasts a query with the given name and payload to the
// cluster, returning a QueryResponse that streams back acks and
// responses until params.Timeout elapses.
func (s *Serf) Query(name string, payload []byte, params *QueryParam) (*QueryResponse, error) {
	if params == nil {
		params = &QueryParam{}
	}

	limit := s.config.UserEventSizeLimit
	if limit <= 0 {
		limit = UserEventSizeLimit
	}
	if len(name)+len(payload) > limit {
		return nil, fmt.Errorf("query exceeds limit of %d bytes", limit)
	}

	q, err := params.toMessage(s, name, payload)
	if err != nil {
		return nil, err
	}
	s.queryClock.Increment()

	resp := newQueryResponse(s.memberlist.NumMembers(), &q)

	s.queryLock.Lock()
	s.queryResponse[q.LTime] = resp
	s.queryLock.Unlock()
	go s.queryDeadline(q.LTime, resp)

	raw, err := encodeMessage(messageQueryType, &q)
	if err != nil {
		return nil, err
	}
	s.queryBroadcasts.QueueBroadcast(&broadcast{
		key: fmt.Sprintf("query:%s:%d", name, q.LTime),
		msg: raw,
	})

	if q.Flags&queryFlagAck != 0 {
		resp.ackCh <- s.config.NodeName
	}
	return resp, nil
}

// queryDeadline removes a query's response tracker once its deadline
// passes, so handleQueryResponse stops matching late replies.
func (s *Serf) queryDeadline(ltime LamportTime, resp *QueryResponse) {
	wait := time.Until(resp.deadline)
	if wait > 0 {
		time.Sleep(wait)
	}

	s.queryLock.Lock()
	delete(s.queryResponse, ltime)
	s.queryLock.Unlock()

	resp.Close()
}

// handleQuery processes an inbound query broadcast, returning whether
// it should be rebroadcast.
func (s *Serf) handleQuery(query *messageQuery) bool {
	s.queryClock.Witness(query.LTime)

	s.queryLock.Lock()

	if query.LTime < s.queryMinTime {
		s.queryLock.Unlock()
		return false
	}

	curTime := s.queryClock.Time()
	if curTime > LamportTime(len(s.queryBuffer)) &&
		query.LTime < curTime-LamportTime(len(s.queryBuffer)) {
		s.queryLock.Unlock()
		return false
	}

	idx := query.LTime % LamportTime(len(s.queryBuffer))
	seen := s.queryBuffer[idx]
	if seen != nil && seen.LTime == query.LTime {
		for _, id := range seen.QueryIDs {
			if id == query.ID {
				s.queryLock.Unlock()
				return false
			}
		}
	} else {
		seen = &queries{LTime: query.LTime}
		s.queryBuffer[idx] = seen
	}
	seen.QueryIDs = append(seen.QueryIDs, query.ID)
	s.queryLock.Unlock()

	if !s.shouldProcessQuery(query) {
		return true
	}

	if query.Flags&queryFlagAck != 0 {
		ack := messageQueryResponse{LTime: query.LTime, ID: query.ID, From: s.config.NodeName, Flags: queryFlagAck}
		if raw, err := encodeMessage(messageQueryResponseType, &ack); err == nil {
			s.memberlist.SendUserMsg(query.SourceNode, raw)
		}
		metrics.IncrCounterWithLabels([]string{"serf", "query", "acks"}, 1, s.config.MetricLabels)
	}

	if s.config.EventCh != nil {
		s.config.EventCh <- &Query{
			LTime:       query.LTime,
			Name:        query.Name,
			Payload:     query.Payload,
			serf:        s,
			id:          query.ID,
			sourceNode:  query.SourceNode,
			deadline:    time.Now().Add(query.Timeout),
			relayFactor: query.RelayFactor,
		}
	}
	metrics.IncrCounterWithLabels([]string{"serf", "query", query.Name}, 1, s.config.MetricLabels)
	return true
}

// shouldProcessQuery applies a query's node/tag filters against this
// node, returning false if the query isn't addressed to us.
func (s *Serf) shouldProcessQuery(query *messageQuery) bool {
	for _, f := range query.Filters {
		if len(f) == 0 {
			continue
		}
		switch filterType(f[0]) {
		case filterNodeType:
			var nodes filterNode
			if err := decodeMessage(f[1:], &nodes); err != nil {
				s.logger.Printf("[WARN] serf: Failed to decode node filter: %v", err)
				return false
			}
			found := false
			for _, n := range nodes {
				if n == s.config.NodeName {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case filterTagType:
			var ft filterTag
			if err := decodeMessage(f[1:], &ft); err != nil {
				s.logger.Printf("[WARN] serf: Failed to decode tag filter: %v", err)
				return false
			}
			val, ok := s.config.Tags[ft.Tag]
			if !ok {
				return false
			}
			matched, err := regexp.MatchString(ft.Expr, val)
			if err != nil || !matched {
				return false
			}
		default:
			s.logger.Printf("[WARN] serf: Query has unrecognized filter type")
			return false
		}
	}
	return true
}

// handleQueryResponse routes an inbound query ack/response to the
// matching in-flight QueryResponse, if the query hasn't timed out.
func (s *Serf) handleQueryResponse(resp *messageQueryResponse) {
	s.queryLock.RLock()
	query, ok := s.queryResponse[resp.LTime]
	s.queryLock.RUnlock()
	if !ok {
		s.logger.Printf("[WARN] serf: Reply for non-running query (LTime: %d, ID: %d) From: %s",
			resp.LTime, resp.ID, resp.From)
		return
	}
	if query.id != resp.ID {
		s.logger.Printf("[WARN] serf: Query reply ID mismatch (Local: %d, Response: %d)",
			query.id, resp.ID)
		return
	}

	if time.Now().After(query.deadline) {
		s.logger.Printf("[WARN] serf: Response received for expired query (LTime: %d, ID: %d) From: %s",
			resp.LTime, resp.ID, resp.From)
		return
	}

	query.closeLock.Lock()
	defer query.closeLock.Unlock()
	if query.closed {
		return
	}

	if resp.Flags&queryFlagAck != 0 {
		select {
		case query.ackCh <- resp.From:
		default:
			s.logger.Printf("[WARN] serf: Ack buffer full, dropping query ack from %s", resp.From)
		}
	} else {
		select {
		case query.respCh <- NodeResponse{From: resp.From, Payload: resp.Payload}:
		default:
			s.logger.Printf("[WARN] serf: Response buffer full, dropping query response from %s", resp.From)
		}
	}
}

// relayResponse asks relayFactor randomly chosen members to forward
// raw to destNode on our behalf, used when our own direct link back to
// the originator dropped the response.
func (s *Serf) relayResponse(relayFactor uint8, destNode string, raw []byte) error {
	if relayFactor == 0 {
		return nil
	}

	members := s.Members()
	candidates := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Status == StatusAlive && m.Name != s.config.NodeName && m.Name != destNode {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) > int(relayFactor) {
		candidates = candidates[:relayFactor]
	}

	relay := messageRelay{DestNode: destNode, Msg: raw}
	payload, err := encodeMessage(messageRelayType, &relay)
	if err != nil {
		return err
	}

	var firstErr error
	for _, m := range candidates {
		if err := s.memberlist.SendUserMsg(m.Name, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
