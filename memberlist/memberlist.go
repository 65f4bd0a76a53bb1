package memberlist

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-multierror"
)

// Memberlist is the SWIM core: a decentralized, failure-detecting,
// gossiping node set. The upper tier (serf.Serf) is wired in as a
// Delegate/EventDelegate pair and never touches nodeLock directly.
type Memberlist struct {
	config    *Config
	transport *NetTransport

	sequenceNum uint32
	incarnation uint32

	nodeLock   sync.RWMutex
	nodes      []*NodeState
	nodeMap    map[string]*NodeState
	probeIndex int
	suspicions map[string]*suspicion

	tickerLock   sync.Mutex
	tickers      []*time.Ticker
	tickerStopCh chan struct{}

	ackLock     sync.Mutex
	ackHandlers map[uint32]*ackHandler

	broadcasts *TransmitLimitedQueue

	delegate Delegate
	events   EventDelegate
	merge    MergeDelegate
	ping     PingDelegate
	conflict ConflictDelegate

	shutdownCh chan struct{}
	shutdownLk sync.Mutex
	shutdown   bool
	leaveLk    sync.Mutex
	leave      bool
}

// Create starts a new Memberlist listening on config's bind address, not
// yet joined to any cluster.
func Create(config *Config) (*Memberlist, error) {
	if config.Name == "" {
		return nil, ErrNodeNamesAreRequired
	}

	transport, err := NewNetTransport(config)
	if err != nil {
		return nil, err
	}

	m := &Memberlist{
		config:      config,
		transport:   transport,
		nodeMap:     make(map[string]*NodeState),
		suspicions:  make(map[string]*suspicion),
		ackHandlers: make(map[uint32]*ackHandler),
		delegate:    config.Delegate,
		events:      config.Events,
		merge:       config.Merge,
		ping:        config.Ping,
		conflict:    config.Conflict,
		shutdownCh:  make(chan struct{}),
	}
	m.broadcasts = &TransmitLimitedQueue{
		NumNodes:       m.NumMembers,
		RetransmitMult: config.RetransmitMult,
	}

	addr, port, err := transport.FinalAdvertiseAddr(config.AdvertiseAddr, config.AdvertisePort)
	if err != nil {
		transport.Shutdown()
		return nil, err
	}

	local := &NodeState{
		Node: Node{
			Name: config.Name,
			Addr: addr,
			Port: uint16(port),
			Meta: m.localMeta(),
		},
		Incarnation: 0,
		State:       StateAlive,
		StateChange: time.Now(),
	}
	m.nodes = append(m.nodes, local)
	m.nodeMap[config.Name] = local

	go m.packetListen()
	go m.streamListen()
	m.schedule()

	return m, nil
}

func (m *Memberlist) localMeta() []byte {
	if m.delegate != nil {
		return m.delegate.NodeMeta(512)
	}
	return nil
}

func (m *Memberlist) advertiseAddr() ([]byte, uint16) {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	local := m.nodeMap[m.config.Name]
	return []byte(local.Addr), local.Port
}

func (m *Memberlist) logf(format string, args ...interface{}) {
	if m.config.LogOutput != nil {
		m.config.LogOutput.Printf(format, args...)
	}
}

// Join runs a push/pull exchange with every address in existing,
// returning the number of hosts successfully contacted. The per-host
// errors are aggregated and returned only when no host succeeded.
func (m *Memberlist) Join(existing []string) (int, error) {
	var successes int
	var errs error

	for _, addr := range existing {
		if err := m.pushPullNode(addr, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to join %s: %w", addr, err))
			continue
		}
		successes++
	}

	if successes == 0 && errs != nil {
		return 0, errs
	}
	return successes, nil
}

// Members returns a stable-ordered snapshot of every known node,
// including this node and nodes currently suspect/dead but not yet
// reaped.
func (m *Memberlist) Members() []*Node {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()

	out := make([]*Node, 0, len(m.nodes))
	for _, ns := range m.nodes {
		n := ns.Node
		out = append(out, &n)
	}
	return out
}

// NumMembers returns the current known cluster size (used to scale the
// broadcast retransmit limit and suspicion confirmation count).
func (m *Memberlist) NumMembers() int {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	return len(m.nodes)
}

// LocalNode returns this node's own identity.
func (m *Memberlist) LocalNode() *Node {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	n := m.nodeMap[m.config.Name].Node
	return &n
}

// UpdateNode re-broadcasts this node's own metadata (e.g. after tags
// change), bumping its incarnation so the update outranks stale gossip.
func (m *Memberlist) UpdateNode() error {
	m.refute(m.incarnation)
	return nil
}

// SendUserMsg delivers msg directly to node (not via gossip), used for
// point-to-point relay (e.g. query relaying through an intermediate).
func (m *Memberlist) SendUserMsg(node string, msg []byte) error {
	m.nodeLock.RLock()
	ns, ok := m.nodeMap[node]
	m.nodeLock.RUnlock()
	if !ok {
		return fmt.Errorf("memberlist: unknown node %q", node)
	}
	// Raw user payloads are not msgpack-wrapped beyond the type byte: the
	// caller's bytes follow directly so delegates decode their own
	// framing.
	out := append([]byte{uint8(userMsg)}, msg...)
	return m.rawSendMsg(ns.Address(), out)
}

// Leave broadcasts this node's departure and waits up to timeout for the
// broadcast to propagate before returning.
func (m *Memberlist) Leave(timeout time.Duration) error {
	m.leaveLk.Lock()
	m.leave = true
	m.leaveLk.Unlock()

	m.nodeLock.Lock()
	local, ok := m.nodeMap[m.config.Name]
	if ok {
		local.State = StateLeft
		local.StateChange = time.Now()
	}
	m.nodeLock.Unlock()
	if !ok {
		return nil
	}

	notify := make(chan struct{})
	d := dead{Incarnation: local.Incarnation, Node: m.config.Name, From: m.config.Name}
	buf, err := encode(deadMsg, &d)
	if err != nil {
		return err
	}
	m.broadcasts.QueueBroadcast(&leaveBroadcast{node: m.config.Name, msg: buf.Bytes(), notify: notify})

	if m.NumMembers() > 1 {
		select {
		case <-notify:
		case <-time.After(timeout):
			m.logf("[WARN] memberlist: timed out waiting for leave broadcast")
		}
	}
	return nil
}

type leaveBroadcast struct {
	node   string
	msg    []byte
	notify chan struct{}
}

func (b *leaveBroadcast) Invalidates(other Broadcast) bool {
	if ob, ok := other.(*memberlistBroadcast); ok {
		return b.node == ob.node
	}
	return false
}
func (b *leaveBroadcast) Name() string    { return b.node }
func (b *leaveBroadcast) Message() []byte { return b.msg }
func (b *leaveBroadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}

// Shutdown stops every background goroutine and closes the transport.
// It does not notify the cluster; callers that want a graceful
// departure should call Leave first.
func (m *Memberlist) Shutdown() error {
	m.shutdownLk.Lock()
	defer m.shutdownLk.Unlock()
	if m.shutdown {
		return nil
	}
	m.shutdown = true
	close(m.shutdownCh)
	m.deschedule()
	return m.transport.Shutdown()
}

func (m *Memberlist) getBroadcasts(overhead, limit int) [][]byte {
	msgs := m.broadcasts.GetBroadcasts(overhead, limit)
	if m.delegate != nil {
		msgs = append(msgs, m.delegate.GetBroadcasts(overhead, limit)...)
	}
	return msgs
}

func (m *Memberlist) rawSendMsg(addr string, msg []byte) error {
	if m.config.Keyring != nil {
		key := m.config.Keyring.GetPrimaryKey()
		if key != nil {
			enc, err := encryptPayload(key, msg, nil)
			if err != nil {
				return err
			}
			out := make([]byte, 0, len(enc)+1)
			out = append(out, uint8(encryptMsg))
			out = append(out, enc...)
			msg = out
		}
	}
	_, err := m.transport.WriteTo(msg, addr)
	return err
}

// setAckChannel registers ackCh/nackCh to be signaled when a response
// with seq arrives, or discards them after timeout.
func (m *Memberlist) setAckChannel(seq uint32, ackCh chan ackResp, nackCh chan struct{}, timeout time.Duration) {
	m.ackLock.Lock()
	m.ackHandlers[seq] = &ackHandler{
		ackFn: func(payload []byte, _ time.Time) {
			select {
			case ackCh <- ackResp{SeqNo: seq, Payload: payload}:
			default:
			}
		},
		nackFn: func() {
			select {
			case nackCh <- struct{}{}:
			default:
			}
		},
		timer: time.AfterFunc(timeout, func() {
			m.ackLock.Lock()
			delete(m.ackHandlers, seq)
			m.ackLock.Unlock()
		}),
	}
	m.ackLock.Unlock()
}

func (m *Memberlist) invokeAckHandler(a ackResp, timestamp time.Time) {
	m.ackLock.Lock()
	h, ok := m.ackHandlers[a.SeqNo]
	if ok {
		delete(m.ackHandlers, a.SeqNo)
	}
	m.ackLock.Unlock()
	if !ok {
		return
	}
	h.timer.Stop()
	h.ackFn(a.Payload, timestamp)
}

func (m *Memberlist) invokeNackHandler(n nackResp) {
	m.ackLock.Lock()
	h, ok := m.ackHandlers[n.SeqNo]
	m.ackLock.Unlock()
	if !ok {
		return
	}
	h.nackFn()
}

// packetListen is the single goroutine draining the transport's UDP
// handoff channel and dispatching each datagram by message type.
func (m *Memberlist) packetListen() {
	for {
		select {
		case p := <-m.transport.PacketCh():
			m.handleCommand(p.buf, p.from, p.timestamp)
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Memberlist) handleCommand(buf []byte, from net.Addr, timestamp time.Time) {
	if len(buf) < 1 {
		return
	}
	msgType := messageType(buf[0])
	buf = buf[1:]

	if msgType == encryptMsg {
		if m.config.Keyring == nil {
			return
		}
		plain, err := decryptPayload(m.config.Keyring.GetKeys(), buf, nil)
		if err != nil {
			metrics.IncrCounterWithLabels([]string{"memberlist", "msg", "encryptErr"}, 1, m.config.MetricLabels)
			return
		}
		m.handleCommand(plain, from, timestamp)
		return
	}

	switch msgType {
	case compoundMsg:
		parts, err := decodeCompoundMessage(buf)
		if err != nil {
			return
		}
		for _, part := range parts {
			m.handleCommand(part, from, timestamp)
		}
	case pingMsg:
		var p ping
		if decode(buf, &p) == nil {
			m.handlePing(&p, from)
		}
	case indirectPingMsg:
		var req indirectPingReq
		if decode(buf, &req) == nil {
			m.handleIndirectPing(&req, from)
		}
	case ackRespMsg:
		var a ackResp
		if decode(buf, &a) == nil {
			m.invokeAckHandler(a, timestamp)
		}
	case nackRespMsg:
		var n nackResp
		if decode(buf, &n) == nil {
			m.invokeNackHandler(n)
		}
	case aliveMsg:
		var a alive
		if decode(buf, &a) == nil {
			m.aliveNode(&a, nil, false)
		}
	case suspectMsg:
		var s suspect
		if decode(buf, &s) == nil {
			m.suspectNode(s.Node, s.Incarnation, s.From)
		}
	case deadMsg:
		var d dead
		if decode(buf, &d) == nil {
			m.deadNode(d.Node, d.Incarnation)
		}
	case userMsg:
		if m.delegate != nil {
			m.delegate.NotifyMsg(buf)
		}
	}
}

func (m *Memberlist) handlePing(p *ping, from net.Addr) {
	ack := ackResp{SeqNo: p.SeqNo}
	if m.ping != nil {
		ack.Payload = m.ping.AckPayload()
	}
	buf, err := encode(ackRespMsg, &ack)
	if err != nil {
		return
	}
	m.rawSendMsg(from.String(), buf.Bytes())
}

func (m *Memberlist) handleIndirectPing(req *indirectPingReq, from net.Addr) {
	targetAddr := net.JoinHostPort(net.IP(req.Target).String(), fmt.Sprintf("%d", req.Port))

	seq := m.nextSeqNo()
	ackCh := make(chan ackResp, 1)
	nackCh := make(chan struct{}, 1)
	m.setAckChannel(seq, ackCh, nackCh, m.config.ProbeTimeout)

	localPing := ping{SeqNo: seq, Node: req.Node, SourceNode: m.config.Name}
	buf, err := encode(pingMsg, &localPing)
	if err == nil {
		m.rawSendMsg(targetAddr, buf.Bytes())
	}

	select {
	case <-ackCh:
		relayed := ackResp{SeqNo: req.SeqNo}
		out, err := encode(ackRespMsg, &relayed)
		if err == nil {
			m.rawSendMsg(from.String(), out.Bytes())
		}
	case <-time.After(m.config.ProbeTimeout):
		if req.Nack {
			n := nackResp{SeqNo: req.SeqNo}
			out, err := encode(nackRespMsg, &n)
			if err == nil {
				m.rawSendMsg(from.String(), out.Bytes())
			}
		}
	}
}

// streamListen is the single goroutine draining the transport's TCP
// accept channel and running push/pull exchanges for inbound connections.
func (m *Memberlist) streamListen() {
	for {
		select {
		case conn := <-m.transport.StreamCh():
			go m.handleStream(conn)
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Memberlist) handleStream(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.config.TCPTimeout))

	if err := m.readAndMergeState(conn); err != nil {
		m.logf("[ERR] memberlist: push/pull read failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if err := m.sendLocalState(conn, false); err != nil {
		m.logf("[ERR] memberlist: push/pull write failed to %s: %v", conn.RemoteAddr(), err)
	}
}

// pushPullNode dials addr, exchanges full state, and merges the result.
// join marks this exchange as part of the initial cluster join, which
// the delegate's LocalState/MergeRemoteState may use to include more
// detail (e.g. a full snapshot replay marker).
func (m *Memberlist) pushPullNode(addr string, join bool) error {
	conn, err := m.transport.DialTimeout(addr, m.config.TCPTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.config.TCPTimeout))

	if err := m.sendLocalState(conn, join); err != nil {
		return err
	}
	return m.readAndMergeState(conn)
}

func (m *Memberlist) sendLocalState(conn net.Conn, join bool) error {
	m.nodeLock.RLock()
	remoteNodes := make([]pushNodeState, 0, len(m.nodes))
	for _, ns := range m.nodes {
		remoteNodes = append(remoteNodes, pushNodeState{
			Name:        ns.Name,
			Addr:        []byte(ns.Addr),
			Port:        ns.Port,
			Meta:        ns.Meta,
			Incarnation: ns.Incarnation,
			State:       ns.State,
		})
	}
	m.nodeLock.RUnlock()

	var userState []byte
	if m.delegate != nil {
		userState = m.delegate.LocalState(join)
	}

	header := pushPullHeader{Nodes: len(remoteNodes), UserStateLen: len(userState), Join: join}
	hbuf, err := encode(pushPullMsg, &header)
	if err != nil {
		return err
	}
	if _, err := conn.Write(hbuf.Bytes()); err != nil {
		return err
	}
	for _, ns := range remoteNodes {
		nbuf, err := encode(pushNodeStateMsg, &ns)
		if err != nil {
			return err
		}
		if _, err := conn.Write(nbuf.Bytes()); err != nil {
			return err
		}
	}
	if len(userState) > 0 {
		if _, err := conn.Write(userState); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memberlist) readAndMergeState(conn net.Conn) error {
	dec := newStreamDecoder(conn)

	var header pushPullHeader
	if err := dec.decodeNext(&header); err != nil {
		return err
	}

	remote := make([]*NodeState, 0, header.Nodes)
	states := make([]pushNodeState, 0, header.Nodes)
	for i := 0; i < header.Nodes; i++ {
		var ns pushNodeState
		if err := dec.decodeNext(&ns); err != nil {
			return err
		}
		states = append(states, ns)
		remote = append(remote, &NodeState{
			Node:        Node{Name: ns.Name, Addr: net.IP(ns.Addr), Port: ns.Port, Meta: ns.Meta},
			Incarnation: ns.Incarnation,
			State:       ns.State,
		})
	}

	if m.merge != nil {
		if err := m.merge.NotifyMerge(remote); err != nil {
			return fmt.Errorf("memberlist: merge rejected: %w", err)
		}
	}

	for _, ns := range states {
		switch ns.State {
		case StateAlive:
			m.aliveNode(&alive{
				Incarnation: ns.Incarnation,
				Node:        ns.Name,
				Addr:        ns.Addr,
				Port:        ns.Port,
				Meta:        ns.Meta,
			}, nil, header.Join)
		case StateDead, StateLeft:
			m.deadNode(ns.Name, ns.Incarnation)
		case StateSuspect:
			m.suspectNode(ns.Name, ns.Incarnation, m.config.Name)
		}
	}

	if header.UserStateLen > 0 && m.delegate != nil {
		rest := dec.remaining()
		m.delegate.MergeRemoteState(rest, header.Join)
	}
	return nil
}
