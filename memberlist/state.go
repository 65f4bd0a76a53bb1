package memberlist

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
)

// NodeStateType is a node's position in the SWIM lifecycle.
type NodeStateType int

const (
	StateAlive NodeStateType = iota
	StateSuspect
	StateDead
	StateLeft
)

// Node is the address/metadata identity of a cluster member, as seen by
// the SWIM core (the upper tier decorates this into serf.Member).
type Node struct {
	Name string
	Addr net.IP
	Port uint16
	Meta []byte
}

// Address returns "ip:port" for dialing or comparison.
func (n *Node) Address() string {
	return net.JoinHostPort(n.Addr.String(), fmt.Sprintf("%d", n.Port))
}

// NodeState tracks a Node plus the liveness bookkeeping the prober and
// gossip loop need: its current incarnation/state and the last time that
// state changed (used to compute GossipToTheDeadTime eviction and the
// suspicion clock).
type NodeState struct {
	Node
	Incarnation uint32
	State       NodeStateType
	StateChange time.Time
}

// Address returns "ip:port" for dialing.
func (n *NodeState) Address() string { return n.Node.Address() }

// DeadOrLeft reports whether this node has exited the cluster.
func (n *NodeState) DeadOrLeft() bool {
	return n.State == StateDead || n.State == StateLeft
}

// ackHandler correlates an outstanding ping/indirect-ping by sequence
// number to the channel its caller is waiting on, and the nack channel
// used to distinguish "peer down" from "relay down".
type ackHandler struct {
	ackFn  func(payload []byte, timestamp time.Time)
	nackFn func()
	timer  *time.Timer
}

// schedule starts the three periodic loops (probe, push/pull, gossip)
// that drive the SWIM protocol, each on its own ticker so a slow probe
// round never delays gossip.
func (m *Memberlist) schedule() {
	m.tickerLock.Lock()
	defer m.tickerLock.Unlock()

	if len(m.tickers) > 0 {
		return
	}

	stop := make(chan struct{})

	if m.config.ProbeInterval > 0 {
		t := time.NewTicker(m.config.ProbeInterval)
		go m.triggerFunc(m.config.ProbeInterval, t.C, stop, m.probe)
		m.tickers = append(m.tickers, t)
	}
	if m.config.PushPullInterval > 0 {
		go m.pushPullTrigger(stop)
	}
	if m.config.GossipInterval > 0 && m.config.GossipNodes > 0 {
		t := time.NewTicker(m.config.GossipInterval)
		go m.triggerFunc(m.config.GossipInterval, t.C, stop, m.gossip)
		m.tickers = append(m.tickers, t)
	}

	m.tickerStopCh = stop
}

func (m *Memberlist) triggerFunc(interval time.Duration, c <-chan time.Time, stop chan struct{}, f func()) {
	splay := time.Duration(uint64(rand.Int63()) % uint64(interval))
	select {
	case <-time.After(splay):
	case <-stop:
		return
	}
	for {
		select {
		case <-c:
			f()
		case <-stop:
			return
		}
	}
}

func (m *Memberlist) pushPullTrigger(stop chan struct{}) {
	interval := m.config.PushPullInterval
	for {
		splayed := interval + time.Duration(rand.Int63())%interval/4
		select {
		case <-time.After(splayed):
			m.pushPull()
		case <-stop:
			return
		}
	}
}

// deschedule stops all periodic loops started by schedule.
func (m *Memberlist) deschedule() {
	m.tickerLock.Lock()
	defer m.tickerLock.Unlock()

	if m.tickerStopCh != nil {
		close(m.tickerStopCh)
		m.tickerStopCh = nil
	}
	for _, t := range m.tickers {
		t.Stop()
	}
	m.tickers = nil
}

// nextSeqNo atomically advances the probe sequence number counter.
func (m *Memberlist) nextSeqNo() uint32 {
	return atomic.AddUint32(&m.sequenceNum, 1)
}

// nextIncarnation atomically advances this node's own incarnation,
// issued on self-refutation so the new alive claim outranks whatever
// suspect/dead gossip is in flight.
func (m *Memberlist) nextIncarnation() uint32 {
	return atomic.AddUint32(&m.incarnation, 1)
}

// probe selects the next node in the round-robin probe order and checks
// it directly, falling back to indirect probes through IndirectChecks
// peers if the direct probe times out.
func (m *Memberlist) probe() {
	m.nodeLock.Lock()
	if len(m.nodes) <= 1 {
		m.nodeLock.Unlock()
		return
	}
	if m.probeIndex >= len(m.nodes) {
		m.probeIndex = 0
		m.resetNodesLocked()
	}
	node := m.nodes[m.probeIndex]
	m.probeIndex++
	m.nodeLock.Unlock()

	if node.Name == m.config.Name || node.DeadOrLeft() {
		return
	}

	m.probeNode(node)
}

// resetNodesLocked shuffles the probe order and drops nodes that have
// been dead/left for longer than GossipToTheDeadTime. Caller must hold
// nodeLock.
func (m *Memberlist) resetNodesLocked() {
	n := len(m.nodes)
	kept := m.nodes[:0]
	now := time.Now()
	for _, ns := range m.nodes {
		if ns.DeadOrLeft() && now.Sub(ns.StateChange) > m.config.GossipToTheDeadTime {
			delete(m.nodeMap, ns.Name)
			continue
		}
		kept = append(kept, ns)
	}
	m.nodes = kept

	rand.Shuffle(len(m.nodes), func(i, j int) {
		m.nodes[i], m.nodes[j] = m.nodes[j], m.nodes[i]
	})
	_ = n
}

// probeNode directly pings node, falling back to an indirect probe
// through IndirectChecks relays, and declares the node suspect if
// neither produces an ack before ProbeTimeout.
func (m *Memberlist) probeNode(node *NodeState) {
	seq := m.nextSeqNo()
	ackCh := make(chan ackResp, 1)
	nackCh := make(chan struct{}, 1)
	m.setAckChannel(seq, ackCh, nackCh, m.config.ProbeInterval)

	req := ping{SeqNo: seq, Node: node.Name, SourceNode: m.config.Name}
	buf, err := encode(pingMsg, &req)
	if err == nil {
		m.rawSendMsg(node.Address(), buf.Bytes())
	}

	metrics.IncrCounterWithLabels([]string{"memberlist", "probeNode"}, 1, m.config.MetricLabels)

	select {
	case <-ackCh:
		return
	case <-time.After(m.config.ProbeTimeout):
	}

	m.sendIndirectProbes(node, seq, ackCh, nackCh)

	select {
	case <-ackCh:
		return
	case <-time.After(m.config.ProbeTimeout):
	}

	m.suspectNode(node.Name, node.Incarnation, m.config.Name)
}

func (m *Memberlist) sendIndirectProbes(node *NodeState, seq uint32, ackCh chan ackResp, nackCh chan struct{}) {
	relays := m.kRandomNodes(m.config.IndirectChecks, func(n *NodeState) bool {
		return n.Name == node.Name || n.Name == m.config.Name || n.DeadOrLeft()
	})

	addr, _ := m.advertiseAddr()
	req := indirectPingReq{
		SeqNo:      seq,
		Target:     node.Addr,
		Port:       uint16(node.Port),
		Node:       node.Name,
		SourceAddr: addr,
		SourceNode: m.config.Name,
	}
	buf, err := encode(indirectPingMsg, &req)
	if err != nil {
		return
	}
	for _, relay := range relays {
		m.rawSendMsg(relay.Address(), buf.Bytes())
	}
}

// kRandomNodes picks up to k nodes at random, skipping any matched by
// exclude.
func (m *Memberlist) kRandomNodes(k int, exclude func(*NodeState) bool) []*NodeState {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()

	n := len(m.nodes)
	picked := make([]*NodeState, 0, k)
	for i := 0; i < 3*n && len(picked) < k; i++ {
		idx := rand.Intn(n)
		ns := m.nodes[idx]
		if exclude != nil && exclude(ns) {
			continue
		}
		dup := false
		for _, p := range picked {
			if p.Name == ns.Name {
				dup = true
				break
			}
		}
		if !dup {
			picked = append(picked, ns)
		}
	}
	return picked
}

// gossip piggybacks queued broadcasts on messages to GossipNodes random
// live peers every GossipInterval.
func (m *Memberlist) gossip() {
	peers := m.kRandomNodes(m.config.GossipNodes, func(n *NodeState) bool {
		return n.Name == m.config.Name || n.DeadOrLeft()
	})

	for _, peer := range peers {
		msgs := m.getBroadcasts(compoundOverhead, m.config.UDPBufferSize)
		if len(msgs) == 0 {
			continue
		}
		buf, err := makeCompoundMessage(msgs)
		if err != nil {
			continue
		}
		m.rawSendMsg(peer.Address(), buf)
	}
}

// pushPull performs a full-state anti-entropy exchange with one random
// live peer.
func (m *Memberlist) pushPull() {
	peers := m.kRandomNodes(1, func(n *NodeState) bool {
		return n.Name == m.config.Name || n.DeadOrLeft()
	})
	if len(peers) == 0 {
		return
	}
	if err := m.pushPullNode(peers[0].Address(), false); err != nil {
		m.logf("[ERR] memberlist: push/pull with %s failed: %v", peers[0].Name, err)
	}
}

const compoundOverhead = 2

// makeCompoundMessage packs several already-encoded messages into one
// compoundMsg-prefixed buffer: a count byte, a uint16 length per message,
// then each message's bytes, letting the receiver split them back apart.
func makeCompoundMessage(msgs [][]byte) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(compoundMsg))
	buf.WriteByte(uint8(len(msgs)))
	for _, m := range msgs {
		l := len(m)
		buf.WriteByte(uint8(l >> 8))
		buf.WriteByte(uint8(l))
	}
	for _, m := range msgs {
		buf.Write(m)
	}
	return buf.Bytes(), nil
}

// decodeCompoundMessage splits a compound message body back into its
// constituent messages.
func decodeCompoundMessage(buf []byte) ([][]byte, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("memberlist: missing compound length byte")
	}
	numParts := int(buf[0])
	buf = buf[1:]
	if len(buf) < numParts*2 {
		return nil, fmt.Errorf("memberlist: truncated compound header")
	}
	lengths := make([]int, numParts)
	for i := 0; i < numParts; i++ {
		lengths[i] = int(buf[i*2])<<8 | int(buf[i*2+1])
	}
	buf = buf[numParts*2:]

	parts := make([][]byte, 0, numParts)
	for _, l := range lengths {
		if len(buf) < l {
			return nil, fmt.Errorf("memberlist: truncated compound part")
		}
		parts = append(parts, buf[:l])
		buf = buf[l:]
	}
	return parts, nil
}

// aliveNode processes an alive message for a, either about a new node, a
// refutation of our own suspect/dead state, or a higher-incarnation
// update for a known node. Caller must not hold nodeLock.
func (m *Memberlist) aliveNode(a *alive, notify chan struct{}, bootstrap bool) {
	m.nodeLock.Lock()

	ns, known := m.nodeMap[a.Node]

	if a.Node == m.config.Name {
		m.nodeLock.Unlock()
		if a.Incarnation >= m.incarnation {
			m.refute(a.Incarnation)
		}
		return
	}

	if !known {
		ns = &NodeState{
			Node: Node{
				Name: a.Node,
				Addr: net.IP(a.Addr),
				Port: a.Port,
				Meta: a.Meta,
			},
		}
		m.nodeMap[a.Node] = ns
		idx := rand.Intn(len(m.nodes) + 1)
		m.nodes = append(m.nodes, nil)
		copy(m.nodes[idx+1:], m.nodes[idx:])
		m.nodes[idx] = ns
	} else if a.Incarnation <= ns.Incarnation {
		m.nodeLock.Unlock()
		return
	}

	oldState := ns.State
	ns.Incarnation = a.Incarnation
	ns.Meta = a.Meta
	ns.Addr = net.IP(a.Addr)
	ns.Port = a.Port
	if ns.State != StateAlive {
		ns.State = StateAlive
		ns.StateChange = time.Now()
	}
	m.nodeLock.Unlock()

	metrics.IncrCounterWithLabels([]string{"memberlist", "msg", "alive"}, 1, m.config.MetricLabels)

	m.encodeAndBroadcast(a.Node, aliveMsg, a)

	if m.events != nil {
		if !known {
			m.events.NotifyJoin(&ns.Node)
		} else if oldState != StateAlive {
			m.events.NotifyJoin(&ns.Node)
		} else {
			m.events.NotifyUpdate(&ns.Node)
		}
	}
}

// suspectNode processes a suspicion about node, starting (or confirming)
// its decaying suspicion timer, unless this node is the subject, in
// which case it refutes by issuing a new incarnation and re-broadcasting
// alive.
func (m *Memberlist) suspectNode(node string, incarnation uint32, from string) {
	if node == m.config.Name {
		m.refute(incarnation)
		return
	}

	m.nodeLock.Lock()
	ns, ok := m.nodeMap[node]
	if !ok || ns.Incarnation > incarnation || ns.DeadOrLeft() {
		m.nodeLock.Unlock()
		return
	}

	if existing, ok := m.suspicions[node]; ok {
		m.nodeLock.Unlock()
		existing.Confirm(from)
		return
	}

	ns.State = StateSuspect
	ns.StateChange = time.Now()
	timeoutMin := time.Duration(m.config.SuspicionMult) * m.config.ProbeInterval
	timeoutMax := time.Duration(m.config.SuspicionMaxTimeoutMult) * timeoutMin
	s := newSuspicion(from, m.config.IndirectChecks+1, timeoutMin, timeoutMax, func(confirmations int) {
		m.deadNode(node, incarnation)
	})
	if m.suspicions == nil {
		m.suspicions = make(map[string]*suspicion)
	}
	m.suspicions[node] = s
	m.nodeLock.Unlock()

	metrics.IncrCounterWithLabels([]string{"memberlist", "msg", "suspect"}, 1, m.config.MetricLabels)
	sm := suspect{Incarnation: incarnation, Node: node, From: m.config.Name}
	m.encodeAndBroadcast(node, suspectMsg, &sm)
}

// deadNode marks node dead (or, if it is this node, refutes it), fires
// an event, and broadcasts the dead claim.
func (m *Memberlist) deadNode(node string, incarnation uint32) {
	if node == m.config.Name {
		m.refute(incarnation)
		return
	}

	m.nodeLock.Lock()
	ns, ok := m.nodeMap[node]
	if !ok || ns.Incarnation > incarnation || ns.DeadOrLeft() {
		m.nodeLock.Unlock()
		return
	}
	delete(m.suspicions, node)
	ns.State = StateDead
	ns.StateChange = time.Now()
	m.nodeLock.Unlock()

	metrics.IncrCounterWithLabels([]string{"memberlist", "msg", "dead"}, 1, m.config.MetricLabels)

	if m.events != nil {
		m.events.NotifyLeave(&ns.Node)
	}

	dm := dead{Incarnation: incarnation, Node: node, From: m.config.Name}
	m.encodeAndBroadcast(node, deadMsg, &dm)
}

// refute issues a new incarnation for this node and re-broadcasts alive,
// overriding whatever incarnation prompted the refutation.
func (m *Memberlist) refute(accusedIncarnation uint32) {
	inc := m.nextIncarnation()
	for inc <= accusedIncarnation {
		inc = m.nextIncarnation()
	}

	m.nodeLock.Lock()
	ns := m.nodeMap[m.config.Name]
	if ns != nil {
		ns.Incarnation = inc
		ns.State = StateAlive
		ns.StateChange = time.Now()
	}
	delete(m.suspicions, m.config.Name)
	m.nodeLock.Unlock()

	addr, port := m.advertiseAddr()
	a := alive{
		Incarnation: inc,
		Node:        m.config.Name,
		Addr:        addr,
		Port:        port,
		Meta:        m.localMeta(),
	}
	m.encodeAndBroadcast(m.config.Name, aliveMsg, &a)
}

// encodeAndBroadcast msgpack-encodes msg and queues it for piggyback
// gossip, deduped by node name.
func (m *Memberlist) encodeAndBroadcast(node string, t messageType, msg interface{}) {
	buf, err := encode(t, msg)
	if err != nil {
		m.logf("[ERR] memberlist: failed to encode broadcast: %v", err)
		return
	}
	m.broadcasts.QueueBroadcast(&memberlistBroadcast{node: node, msg: buf.Bytes()})
}

// memberlistBroadcast is the Broadcast implementation for SWIM's own
// alive/suspect/dead gossip, invalidated by any newer broadcast about the
// same node name.
type memberlistBroadcast struct {
	node string
	msg  []byte
}

func (b *memberlistBroadcast) Invalidates(other Broadcast) bool {
	if ob, ok := other.(*memberlistBroadcast); ok {
		return b.node == ob.node
	}
	return false
}
func (b *memberlistBroadcast) Name() string    { return b.node }
func (b *memberlistBroadcast) Message() []byte { return b.msg }
func (b *memberlistBroadcast) Finished()       {}
