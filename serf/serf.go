package serf

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/armon/go-metrics"

	"github.com/clustermesh/clustermesh/coordinate"
	"github.com/clustermesh/clustermesh/memberlist"
)

// ProtocolVersionMin/Max bound the Serf-level wire protocol versions
// this implementation understands.
const (
	ProtocolVersionMin uint8 = 2
	ProtocolVersionMax uint8 = 5
)

// UserEventSizeLimit is the default ceiling on name+payload, used if
// Config.UserEventSizeLimit is unset.
const UserEventSizeLimit = 512

// Serf is a single node participating in a cluster's membership,
// failure detection, and gossip dissemination. It wraps a
// memberlist.Memberlist, layering Lamport-ordered join/leave intents,
// user events, and queries on top of SWIM.
//
// All exported methods are safe to call concurrently.
type Serf struct {
	// clock, eventClock, and queryClock are kept as the first fields so
	// their 64-bit counters stay 8-byte aligned on 32-bit platforms.
	clock      LamportClock
	eventClock LamportClock
	queryClock LamportClock

	broadcasts      *memberlist.TransmitLimitedQueue
	config          *Config
	failedMembers   []*memberState
	leftMembers     []*memberState
	memberlist      *memberlist.Memberlist
	memberLock      sync.RWMutex
	members         map[string]*memberState

	recentIntents map[string]nodeIntent

	eventBroadcasts *memberlist.TransmitLimitedQueue
	eventBuffer     []*userEvents
	eventJoinIgnore bool
	eventMinTime    LamportTime
	eventLock       sync.RWMutex

	queryBroadcasts *memberlist.TransmitLimitedQueue
	queryBuffer     []*queries
	queryMinTime    LamportTime
	queryResponse   map[LamportTime]*QueryResponse
	queryLock       sync.RWMutex

	coordClient    *coordinate.Client
	coordCache     map[string]*coordinate.Coordinate
	coordCacheLock sync.RWMutex

	snapshotter *Snapshotter

	logger     *log.Logger
	stateLock  sync.Mutex
	state      SerfState
	shutdownCh chan struct{}
}

// SerfState is the state of the Serf instance.
type SerfState int

const (
	SerfAlive SerfState = iota
	SerfLeaving
	SerfLeft
	SerfShutdown
)

func (s SerfState) String() string {
	switch s {
	case SerfAlive:
		return "alive"
	case SerfLeaving:
		return "leaving"
	case SerfLeft:
		return "left"
	case SerfShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Member is a single member of the Serf cluster.
type Member struct {
	Name   string
	Addr   net.IP
	Port   uint16
	Tags   map[string]string
	Status MemberStatus
}

// MemberStatus is the state that a member is in.
type MemberStatus int

const (
	StatusNone MemberStatus = iota
	StatusAlive
	StatusLeaving
	StatusLeft
	StatusFailed
)

func (s MemberStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusAlive:
		return "alive"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	case StatusFailed:
		return "failed"
	default:
		panic(fmt.Sprintf("unknown MemberStatus: %d", s))
	}
}

// memberState tracks a Member along with the Lamport time of the last
// status-changing message we accepted for it, and the wall-clock time
// it was marked failed/left (used to drive reaping).
type memberState struct {
	Member
	statusLTime LamportTime
	leaveTime   time.Time
}

// nodeIntent buffers a join/leave intent for a node whose corresponding
// memberlist event hasn't arrived yet, so it can be applied retroactively.
type nodeIntent struct {
	Type     messageType
	WallTime time.Time
	LTime    LamportTime
}

// upsertIntent records an intent if it is newer than anything already
// buffered for that node, regardless of type: a later leave supersedes
// an earlier join and vice versa. Returns whether it was recorded.
func upsertIntent(intents map[string]nodeIntent, node string, itype messageType, ltime LamportTime, stamp func() time.Time) bool {
	existing, ok := intents[node]
	if !ok || ltime > existing.LTime {
		intents[node] = nodeIntent{
			Type:     itype,
			WallTime: stamp(),
			LTime:    ltime,
		}
		return true
	}
	return false
}

// recentIntent looks up the buffered intent for a node, returning it
// only if its type matches what the caller is asking about.
func recentIntent(intents map[string]nodeIntent, node string, itype messageType) (LamportTime, bool) {
	if intents == nil {
		return 0, false
	}
	intent, ok := intents[node]
	if ok && intent.Type == itype {
		return intent.LTime, true
	}
	return 0, false
}

// reapIntents removes buffered intents older than timeout, relative to
// now, so intents for nodes that never show up don't accumulate forever.
func reapIntents(intents map[string]nodeIntent, now time.Time, timeout time.Duration) {
	for node, intent := range intents {
		if now.Sub(intent.WallTime) > timeout {
			delete(intents, node)
		}
	}
}

// userEvent buffers a single user event to prevent re-delivery.
type userEvent struct {
	Name    string
	Payload []byte
}

func (u *userEvent) Equals(other *userEvent) bool {
	return u.Name == other.Name && string(u.Payload) == string(other.Payload)
}

// userEvents stores all the user events witnessed at a specific
// Lamport time.
type userEvents struct {
	LTime  LamportTime
	Events []userEvent
}

// queries buffers the IDs of queries witnessed at a specific Lamport
// time, for the same dedup purpose as userEvents.
type queries struct {
	LTime    LamportTime
	QueryIDs []uint32
}

// Create creates a new Serf instance, starting all the background
// tasks needed to maintain cluster membership.
//
// After calling this function, conf should no longer be used or
// modified by the caller.
func Create(conf *Config) (*Serf, error) {
	if conf.ProtocolVersion < ProtocolVersionMin {
		return nil, fmt.Errorf("protocol version %d too low, must be in range [%d, %d]",
			conf.ProtocolVersion, ProtocolVersionMin, ProtocolVersionMax)
	} else if conf.ProtocolVersion > ProtocolVersionMax {
		return nil, fmt.Errorf("protocol version %d too high, must be in range [%d, %d]",
			conf.ProtocolVersion, ProtocolVersionMin, ProtocolVersionMax)
	}

	conf.Init()
	if conf.NodeName == "" {
		return nil, errors.New("serf: NodeName is required")
	}

	logger := conf.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	serf := &Serf{
		config:        conf,
		logger:        logger,
		members:       make(map[string]*memberState),
		recentIntents: make(map[string]nodeIntent),
		queryResponse: make(map[LamportTime]*QueryResponse),
		coordCache:    make(map[string]*coordinate.Coordinate),
		shutdownCh:    make(chan struct{}),
		state:         SerfAlive,
	}

	eventCh := conf.EventCh
	if conf.CoalescePeriod > 0 && conf.QuiescentPeriod > 0 && eventCh != nil {
		c := &membershipCoalescer{
			lastEvents: make(map[string]*nodeEvent),
			newEvents:  make(map[string]*nodeEvent),
		}
		eventCh = coalescedEventCh(eventCh, serf.shutdownCh, conf.CoalescePeriod, conf.QuiescentPeriod, c)
	}
	if conf.UserCoalescePeriod > 0 && conf.UserQuiescentPeriod > 0 && eventCh != nil {
		eventCh = coalescedUserEventCh(eventCh, serf.shutdownCh, conf.UserCoalescePeriod, conf.UserQuiescentPeriod)
	}
	conf.EventCh = eventCh

	serf.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return len(serf.members) },
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}
	serf.eventBroadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return len(serf.members) },
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}
	serf.queryBroadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return len(serf.members) },
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}

	if conf.EventBuffer <= 0 {
		conf.EventBuffer = 512
	}
	if conf.QueryBuffer <= 0 {
		conf.QueryBuffer = 512
	}
	serf.eventBuffer = make([]*userEvents, conf.EventBuffer)
	serf.queryBuffer = make([]*queries, conf.QueryBuffer)

	coordClient, err := coordinate.NewClient(coordinate.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinate client: %v", err)
	}
	serf.coordClient = coordClient

	// Lamport clocks start at 1 so a default zero LTime never collides
	// with a legitimately-sent first message.
	serf.clock.Increment()
	serf.eventClock.Increment()
	serf.queryClock.Increment()

	var oldClock, oldEventClock, oldQueryClock LamportTime
	var prev []*PreviousNode
	if conf.SnapshotPath != "" {
		eventCh, snap, err := NewSnapshotter(conf.SnapshotPath, snapshotSizeLimit, logger,
			&serf.clock, conf.EventCh, serf.shutdownCh)
		if err != nil {
			return nil, fmt.Errorf("failed to setup snapshot: %v", err)
		}
		serf.snapshotter = snap
		conf.EventCh = eventCh
		prev = snap.AliveNodes()
		oldClock = snap.LastClock()
		oldEventClock = snap.LastEventClock()
		oldQueryClock = snap.LastQueryClock()
		serf.clock.Witness(oldClock)
		serf.eventClock.Witness(oldEventClock)
		serf.queryClock.Witness(oldQueryClock)
	}

	conf.MemberlistConfig.Events = &eventDelegate{serf: serf}
	conf.MemberlistConfig.Delegate = &delegate{serf: serf}
	conf.MemberlistConfig.Merge = &mergeDelegate{serf: serf}
	conf.MemberlistConfig.Ping = &pingDelegate{serf: serf}
	conf.MemberlistConfig.Conflict = &conflictDelegate{serf: serf}
	conf.MemberlistConfig.Name = conf.NodeName

	ml, err := memberlist.Create(conf.MemberlistConfig)
	if err != nil {
		return nil, err
	}
	serf.memberlist = ml

	queryCh, err := newSerfQueries(serf, logger, conf.EventCh, serf.shutdownCh)
	if err != nil {
		return nil, fmt.Errorf("failed to setup serf queries: %v", err)
	}
	conf.EventCh = queryCh

	go serf.handleReap()
	go serf.handleReconnect()
	go serf.checkQueueDepth("Intent", serf.broadcasts)
	go serf.checkQueueDepth("Event", serf.eventBroadcasts)
	go serf.checkQueueDepth("Query", serf.queryBroadcasts)

	if conf.RejoinAfterLeave && len(prev) > 0 {
		addrs := make([]string, 0, len(prev))
		for _, p := range prev {
			addrs = append(addrs, p.Addr)
		}
		go func() {
			if _, err := serf.Join(addrs, true); err != nil {
				serf.logger.Printf("[WARN] serf: Failed to rejoin any previously known node: %v", err)
			}
		}()
	}

	return serf, nil
}

const snapshotSizeLimit = 128 * 1024

// ProtocolVersion returns the Serf-level protocol version in use.
func (s *Serf) ProtocolVersion() uint8 {
	return s.config.ProtocolVersion
}

// EncryptionEnabled reports whether gossip traffic is being encrypted.
func (s *Serf) EncryptionEnabled() bool {
	return s.config.MemberlistConfig.Keyring != nil
}

// WriteKeyringFile persists the given keyring to Config.KeyringFile, if
// one was configured.
func (s *Serf) WriteKeyringFile(k *memberlist.Keyring) error {
	if s.config.KeyringFile == "" {
		return nil
	}
	return memberlist.WriteKeyringFile(s.config.KeyringFile, k)
}

// UserEvent broadcasts a custom user event with the given name and
// payload. If coalesce is true, nodes may collapse this event with a
// later same-named event during their coalescing window.
func (s *Serf) UserEvent(name string, payload []byte, coalesce bool) error {
	limit := s.config.UserEventSizeLimit
	if limit <= 0 {
		limit = UserEventSizeLimit
	}
	if len(name)+len(payload) > limit {
		return fmt.Errorf("user event exceeds limit of %d bytes", limit)
	}

	msg := messageUserEvent{
		LTime:   s.eventClock.Time(),
		Name:    name,
		Payload: payload,
		CC:      coalesce,
	}
	s.eventClock.Increment()

	s.handleUserEvent(&msg)

	raw, err := encodeMessage(messageUserEventType, &msg)
	if err != nil {
		return err
	}
	s.eventBroadcasts.QueueBroadcast(&broadcast{
		key: fmt.Sprintf("user-event:%s:%d", name, msg.LTime),
		msg: raw,
	})
	return nil
}

// Join joins an existing Serf cluster, returning the number of nodes
// successfully contacted. If ignoreOld is true, user events sent prior
// to the join are not replayed to this node's EventCh.
func (s *Serf) Join(existing []string, ignoreOld bool) (int, error) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if s.state == SerfShutdown {
		return 0, errors.New("serf: Join after Shutdown")
	}

	if ignoreOld {
		s.eventJoinIgnore = true
		defer func() { s.eventJoinIgnore = false }()
	}

	num, err := s.memberlist.Join(existing)
	if num > 0 {
		if bErr := s.broadcastJoin(s.clock.Time()); bErr != nil {
			return num, bErr
		}
	}
	return num, err
}

// broadcastJoin broadcasts a join intent at the given Lamport time,
// used both on Join and to refute a stale leave intent about ourself.
func (s *Serf) broadcastJoin(ltime LamportTime) error {
	msg := messageJoin{LTime: ltime, Node: s.config.NodeName}
	s.clock.Witness(ltime)

	s.handleNodeJoinIntent(&msg)

	if err := s.broadcast(messageJoinType, &msg, nil, "join-intent:"+s.config.NodeName); err != nil {
		s.logger.Printf("[WARN] serf: Failed to broadcast join intent: %v", err)
		return err
	}
	return nil
}

// Leave gracefully exits the cluster. Safe to call multiple times.
func (s *Serf) Leave() error {
	s.stateLock.Lock()
	if s.state == SerfLeft {
		s.stateLock.Unlock()
		return nil
	} else if s.state == SerfShutdown {
		s.stateLock.Unlock()
		return errors.New("serf: Leave after Shutdown")
	}

	s.state = SerfLeaving
	s.stateLock.Unlock()
	defer func() {
		s.stateLock.Lock()
		if s.state != SerfLeft {
			s.state = SerfAlive
		}
		s.stateLock.Unlock()
	}()

	msg := messageLeave{LTime: s.clock.Time(), Node: s.config.NodeName}
	s.clock.Increment()

	s.handleNodeLeaveIntent(&msg)

	if s.hasAliveMembers() {
		notifyCh := make(chan struct{})
		if err := s.broadcast(messageLeaveType, &msg, notifyCh, "leave-intent:"+s.config.NodeName); err != nil {
			return err
		}
		select {
		case <-notifyCh:
		case <-time.After(s.config.BroadcastTimeout):
			return errors.New("serf: timeout while waiting for graceful leave")
		}
	}

	if s.snapshotter != nil {
		s.snapshotter.Leave()
	}

	if err := s.memberlist.Leave(s.config.BroadcastTimeout); err != nil {
		return err
	}

	s.stateLock.Lock()
	s.state = SerfLeft
	s.stateLock.Unlock()
	return nil
}

// hasAliveMembers reports whether any member other than ourself is alive.
func (s *Serf) hasAliveMembers() bool {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()

	for _, m := range s.members {
		if m.Name == s.config.NodeName {
			continue
		}
		if m.Status == StatusAlive {
			return true
		}
	}
	return false
}

// Members returns a point-in-time snapshot of the cluster's members.
func (s *Serf) Members() []Member {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()

	members := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m.Member)
	}
	return members
}

// NumNodes returns the number of nodes in the member table, whatever
// their status.
func (s *Serf) NumNodes() int {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()
	return len(s.members)
}

// LocalMember returns this node's own view of its Member entry.
func (s *Serf) LocalMember() Member {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()
	return s.members[s.config.NodeName].Member
}

// SetTags changes this node's tags and broadcasts the update.
func (s *Serf) SetTags(tags map[string]string) error {
	s.config.Tags = tags
	return s.memberlist.UpdateNode()
}

// GetCoordinate returns this node's current network coordinate.
func (s *Serf) GetCoordinate() (*coordinate.Coordinate, error) {
	return s.coordClient.GetCoordinate(), nil
}

// GetCachedCoordinate returns the last known coordinate for a peer, as
// observed via ping round trips, if we have one.
func (s *Serf) GetCachedCoordinate(name string) (*coordinate.Coordinate, bool) {
	s.coordCacheLock.RLock()
	defer s.coordCacheLock.RUnlock()
	c, ok := s.coordCache[name]
	return c, ok
}

// RemoveFailedNode forcibly removes a failed node from the cluster
// immediately, instead of waiting for the reaper, and stops Serf from
// attempting to reconnect to it.
func (s *Serf) RemoveFailedNode(node string) error {
	msg := messageLeave{LTime: s.clock.Time(), Node: node}
	s.clock.Increment()

	s.handleNodeLeaveIntent(&msg)

	if !s.hasAliveMembers() {
		return nil
	}

	notifyCh := make(chan struct{})
	if err := s.broadcast(messageLeaveType, &msg, notifyCh, "leave-intent:"+node); err != nil {
		return err
	}

	select {
	case <-notifyCh:
	case <-time.After(s.config.BroadcastTimeout):
		return errors.New("serf: timed out broadcasting node removal")
	}
	return nil
}

// Shutdown forcefully tears down this Serf instance and its
// memberlist, without propagating a graceful leave. Callers that want
// other nodes to see a clean departure should call Leave first.
//
// Safe to call multiple times.
func (s *Serf) Shutdown() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if s.state == SerfShutdown {
		return nil
	}
	if s.state != SerfLeft {
		s.logger.Printf("[WARN] serf: Shutdown without a Leave")
	}

	if err := s.memberlist.Shutdown(); err != nil {
		return err
	}

	s.state = SerfShutdown
	close(s.shutdownCh)

	if s.snapshotter != nil {
		s.snapshotter.Wait()
	}
	return nil
}

// ShutdownCh returns a channel closed when Shutdown completes.
func (s *Serf) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// State returns the current state of this Serf instance.
func (s *Serf) State() SerfState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// broadcast encodes a Serf message and queues it for gossip. key
// supplies the dedup/invalidation key used by the broadcast queue; an
// empty key means the message never invalidates or is invalidated by
// another. If notify is non-nil, it is closed once the broadcast has
// exhausted its retransmit budget.
func (s *Serf) broadcast(t messageType, msg interface{}, notify chan<- struct{}, key string) error {
	raw, err := encodeMessage(t, msg)
	if err != nil {
		return err
	}
	s.broadcasts.QueueBroadcast(&broadcast{
		key:    key,
		msg:    raw,
		notify: notify,
	})
	return nil
}

// handleNodeJoin is invoked by the memberlist event delegate when a
// node is observed alive.
func (s *Serf) handleNodeJoin(n *memberlist.Node) {
	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	var oldStatus MemberStatus
	member, ok := s.members[n.Name]
	if !ok {
		oldStatus = StatusNone
		member = &memberState{
			Member: Member{
				Name:   n.Name,
				Addr:   net.IP(n.Addr),
				Port:   n.Port,
				Tags:   s.decodeTags(n.Meta),
				Status: StatusAlive,
			},
		}

		if join, ok := recentIntent(s.recentIntents, n.Name, messageJoinType); ok {
			member.statusLTime = join
		}
		if leave, ok := recentIntent(s.recentIntents, n.Name, messageLeaveType); ok {
			member.Status = StatusLeaving
			member.statusLTime = leave
		}

		s.members[n.Name] = member
	} else {
		oldStatus = member.Status
		member.Status = StatusAlive
		member.leaveTime = time.Time{}
		member.Addr = net.IP(n.Addr)
		member.Port = n.Port
		member.Tags = s.decodeTags(n.Meta)
	}

	if oldStatus == StatusFailed || oldStatus == StatusLeft {
		s.failedMembers = removeOldMember(s.failedMembers, member.Name)
		s.leftMembers = removeOldMember(s.leftMembers, member.Name)
	}

	s.logger.Printf("[INFO] serf: EventMemberJoin: %s %s", member.Name, member.Addr)
	if s.config.EventCh != nil {
		s.config.EventCh <- MemberEvent{Type: EventMemberJoin, Members: []Member{member.Member}}
	}
	metrics.IncrCounterWithLabels([]string{"serf", "member", "join"}, 1, s.config.MetricLabels)
}

// handleNodeLeave is invoked by the memberlist event delegate when a
// node is observed to have failed or departed.
func (s *Serf) handleNodeLeave(n *memberlist.Node) {
	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[n.Name]
	if !ok {
		return
	}

	switch member.Status {
	case StatusLeaving:
		member.Status = StatusLeft
		member.leaveTime = time.Now()
		s.leftMembers = append(s.leftMembers, member)
	case StatusAlive:
		member.Status = StatusFailed
		member.leaveTime = time.Now()
		s.failedMembers = append(s.failedMembers, member)
	default:
		s.logger.Printf("[WARN] serf: Bad state when leave: %v", member.Status)
		return
	}

	event := EventMemberLeave
	eventStr := "EventMemberLeave"
	if member.Status != StatusLeft {
		event = EventMemberFailed
		eventStr = "EventMemberFailed"
		metrics.IncrCounterWithLabels([]string{"serf", "member", "failed"}, 1, s.config.MetricLabels)
	}

	s.logger.Printf("[INFO] serf: %s: %s %s", eventStr, member.Name, member.Addr)
	if s.config.EventCh != nil {
		s.config.EventCh <- MemberEvent{Type: event, Members: []Member{member.Member}}
	}
}

// handleNodeConflict is invoked by the memberlist conflict delegate
// when two nodes claim the same name. If the conflict is about a name
// other than our own, it is just logged. If it's about us, and
// Config.EnableNameConflictResolution is set, a `_serf_conflict` query
// is used to poll the cluster and settle which of the two addresses is
// correct; if we lose, we shut ourselves down.
func (s *Serf) handleNodeConflict(existing, other *memberlist.Node) {
	if existing.Name != s.config.NodeName {
		s.logger.Printf("[WARN] serf: Name conflict for '%s' both %s and %s are claiming",
			existing.Name, existing.Addr, other.Addr)
		return
	}

	if !s.config.EnableNameConflictResolution {
		s.logger.Printf("[WARN] serf: Name conflict for '%s' both %s and %s are claiming",
			existing.Name, existing.Addr, other.Addr)
		return
	}

	qName := internalQueryName(conflictQuery)
	resp, err := s.Query(qName, []byte(s.config.NodeName), nil)
	if err != nil {
		s.logger.Printf("[ERR] serf: Failed to start name resolution query: %v", err)
		return
	}

	responses := make(map[string]int)
	total := 0
	for r := range resp.ResponseCh() {
		if len(r.Payload) < 1 || messageType(r.Payload[0]) != messageConflictResponseType {
			s.logger.Printf("[ERR] serf: Invalid conflict query response type: %v", r.Payload)
			continue
		}
		var cr messageConflictResponse
		if err := decodeMessage(r.Payload[1:], &cr); err != nil {
			s.logger.Printf("[ERR] serf: Failed to decode conflict query response: %v", err)
			continue
		}
		if cr.Member == nil {
			continue
		}
		total++
		responses[cr.Member.Addr.String()]++
	}

	var majorityAddr string
	var majorityCount int
	for addr, count := range responses {
		if count > majorityCount {
			majorityAddr = addr
			majorityCount = count
		}
	}

	if total == 0 || float64(majorityCount)/float64(total) < 0.5 {
		s.logger.Printf("[WARN] serf: Cannot determine correct node for '%s'", existing.Name)
		return
	}

	if majorityAddr == net.IP(existing.Addr).String() {
		s.logger.Printf("[INFO] serf: Name conflict for '%s' resolved in our favor", existing.Name)
		return
	}

	s.logger.Printf("[WARN] serf: Name conflict for '%s' resolved against us, shutting down", existing.Name)
	if err := s.Shutdown(); err != nil {
		s.logger.Printf("[ERR] serf: Failed to shut down after losing name conflict: %v", err)
	}
}

// handleNodeUpdate is invoked when memberlist observes a metadata
// change (tags) for an already-known node.
func (s *Serf) handleNodeUpdate(n *memberlist.Node) {
	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[n.Name]
	if !ok {
		return
	}
	member.Addr = net.IP(n.Addr)
	member.Port = n.Port
	member.Tags = s.decodeTags(n.Meta)

	s.logger.Printf("[INFO] serf: EventMemberUpdate: %s", member.Name)
	if s.config.EventCh != nil {
		s.config.EventCh <- MemberEvent{Type: EventMemberUpdate, Members: []Member{member.Member}}
	}
}

// handleNodeLeaveIntent processes a leave-intent message, returning
// whether it should be rebroadcast.
func (s *Serf) handleNodeLeaveIntent(leaveMsg *messageLeave) bool {
	s.clock.Witness(leaveMsg.LTime)

	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[leaveMsg.Node]
	if !ok {
		return upsertIntent(s.recentIntents, leaveMsg.Node, messageLeaveType, leaveMsg.LTime, time.Now)
	}

	if leaveMsg.LTime <= member.statusLTime {
		return false
	}

	if leaveMsg.Node == s.config.NodeName && s.State() == SerfAlive {
		s.logger.Printf("[DEBUG] serf: Refuting an older leave intent")
		go s.broadcastJoin(s.clock.Time())
		return false
	}

	switch member.Status {
	case StatusAlive:
		member.Status = StatusLeaving
		member.statusLTime = leaveMsg.LTime
		return true
	case StatusFailed:
		member.Status = StatusLeft
		member.statusLTime = leaveMsg.LTime
		s.failedMembers = removeOldMember(s.failedMembers, member.Name)
		s.leftMembers = append(s.leftMembers, member)
		return true
	default:
		return false
	}
}

// handleNodeJoinIntent processes a join-intent message, returning
// whether it should be rebroadcast.
func (s *Serf) handleNodeJoinIntent(joinMsg *messageJoin) bool {
	s.clock.Witness(joinMsg.LTime)

	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[joinMsg.Node]
	if !ok {
		return upsertIntent(s.recentIntents, joinMsg.Node, messageJoinType, joinMsg.LTime, time.Now)
	}

	if joinMsg.LTime <= member.statusLTime {
		return false
	}

	member.statusLTime = joinMsg.LTime
	if member.Status == StatusLeaving {
		member.Status = StatusAlive
	}
	return true
}

// handleUserEvent processes a user event broadcast, returning whether
// it should be rebroadcast.
func (s *Serf) handleUserEvent(eventMsg *messageUserEvent) bool {
	s.eventClock.Witness(eventMsg.LTime)

	s.eventLock.Lock()
	defer s.eventLock.Unlock()

	if eventMsg.LTime < s.eventMinTime {
		return false
	}

	curTime := s.eventClock.Time()
	if curTime > LamportTime(len(s.eventBuffer)) &&
		eventMsg.LTime < curTime-LamportTime(len(s.eventBuffer)) {
		s.logger.Printf("[WARN] serf: received old event %s from time %d (current: %d)",
			eventMsg.Name, eventMsg.LTime, curTime)
		return false
	}

	idx := eventMsg.LTime % LamportTime(len(s.eventBuffer))
	seen := s.eventBuffer[idx]
	ue := userEvent{Name: eventMsg.Name, Payload: eventMsg.Payload}
	if seen != nil && seen.LTime == eventMsg.LTime {
		for _, prev := range seen.Events {
			if prev.Equals(&ue) {
				return false
			}
		}
	} else {
		seen = &userEvents{LTime: eventMsg.LTime}
		s.eventBuffer[idx] = seen
	}
	seen.Events = append(seen.Events, ue)

	if s.config.EventCh != nil && !(s.eventJoinIgnore && eventMsg.LTime < s.eventClock.Time()) {
		s.config.EventCh <- UserEvent{
			LTime:    eventMsg.LTime,
			Name:     eventMsg.Name,
			Payload:  eventMsg.Payload,
			Coalesce: eventMsg.CC,
		}
	}
	return true
}

// handleReap periodically reaps tombstones for failed and left members
// once their timeout has elapsed, and reaps stale buffered intents.
func (s *Serf) handleReap() {
	for {
		select {
		case <-time.After(s.config.ReapInterval):
			s.memberLock.Lock()
			s.failedMembers = s.reap(s.failedMembers, time.Now(), s.config.ReconnectTimeout)
			s.leftMembers = s.reap(s.leftMembers, time.Now(), s.config.TombstoneTimeout)
			reapIntents(s.recentIntents, time.Now(), s.config.RecentIntentTimeout)
			s.memberLock.Unlock()
		case <-s.shutdownCh:
			return
		}
	}
}

// handleReconnect attempts to reconnect to recently failed nodes on a
// configured interval.
func (s *Serf) handleReconnect() {
	for {
		select {
		case <-time.After(s.config.ReconnectInterval):
			s.reconnect()
		case <-s.shutdownCh:
			return
		}
	}
}

// reap removes members from old whose leaveTime exceeds timeout
// relative to now, deleting them from s.members too. Locking is left
// to the caller.
func (s *Serf) reap(old []*memberState, now time.Time, timeout time.Duration) []*memberState {
	n := len(old)
	for i := 0; i < n; i++ {
		m := old[i]
		if now.Sub(m.leaveTime) <= timeout {
			continue
		}
		old[i], old[n-1] = old[n-1], nil
		old = old[:n-1]
		n--
		i--

		delete(s.members, m.Name)
		s.logger.Printf("[INFO] serf: EventMemberReap: %s", m.Name)
		if s.config.EventCh != nil {
			s.config.EventCh <- MemberEvent{Type: EventMemberReap, Members: []Member{m.Member}}
		}
	}
	return old
}

// reconnect attempts to rejoin one randomly-selected failed member,
// throttled probabilistically so the whole cluster doesn't hammer the
// same node at once.
func (s *Serf) reconnect() {
	s.memberLock.RLock()
	n := len(s.failedMembers)
	if n == 0 {
		s.memberLock.RUnlock()
		return
	}

	numFailed := float32(n)
	numAlive := float32(len(s.members) - len(s.failedMembers) - len(s.leftMembers))
	if numAlive == 0 {
		numAlive = 1
	}
	prob := numFailed / numAlive
	if rand.Float32() > prob {
		s.memberLock.RUnlock()
		return
	}

	idx := rand.Intn(n)
	mem := s.failedMembers[idx]
	s.memberLock.RUnlock()

	addr := net.JoinHostPort(mem.Addr.String(), strconv.Itoa(int(mem.Port)))
	s.logger.Printf("[INFO] serf: attempting reconnect to %s %s", mem.Name, addr)
	s.memberlist.Join([]string{addr})
}

// checkQueueDepth periodically logs a warning if a broadcast queue
// grows past Config.QueueDepthWarning.
func (s *Serf) checkQueueDepth(name string, queue *memberlist.TransmitLimitedQueue) {
	interval := s.config.QueueCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-time.After(interval):
			numq := queue.NumQueued()
			metrics.AddSampleWithLabels([]string{"serf", "queue", name}, float32(numq), s.config.MetricLabels)
			if numq >= s.config.QueueDepthWarning {
				s.logger.Printf("[WARN] serf: %s queue depth: %d", name, numq)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// removeOldMember removes the member named name from old, if present.
func removeOldMember(old []*memberState, name string) []*memberState {
	for i, m := range old {
		if m.Name == name {
			n := len(old)
			old[i], old[n-1] = old[n-1], nil
			return old[:n-1]
		}
	}
	return old
}

// encodeTags msgpack-encodes this node's tags for use as memberlist
// NodeMeta.
func (s *Serf) encodeTags(tags map[string]string) []byte {
	buf, err := encodeMessage(messageType(0xff), tags)
	if err != nil {
		s.logger.Printf("[ERR] serf: Failed to encode tags: %v", err)
		return nil
	}
	return buf[1:]
}

// decodeTags decodes a node's raw NodeMeta back into a tag map.
func (s *Serf) decodeTags(buf []byte) map[string]string {
	tags := make(map[string]string)
	if len(buf) == 0 {
		return tags
	}
	if err := decodeMessage(buf, &tags); err != nil {
		s.logger.Printf("[ERR] serf: Failed to decode tags: %v", err)
	}
	return tags
}

// localState is the memberlist.Delegate.LocalState implementation,
// producing the push/pull payload describing this node's view of the
// cluster: per-node status Lamport times, the left-member tombstone
// list, and a backlog of recent user events.
func (s *Serf) localState(join bool) []byte {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()
	s.eventLock.RLock()
	defer s.eventLock.RUnlock()

	pp := messagePushPull{
		LTime:        s.clock.Time(),
		StatusLTimes: make(map[string]LamportTime, len(s.members)),
		LeftMembers:  make([]string, 0, len(s.leftMembers)),
		EventLTime:   s.eventClock.Time(),
		Events:       make([]*userEvents, len(s.eventBuffer)),
		QueryLTime:   s.queryClock.Time(),
	}
	for name, m := range s.members {
		pp.StatusLTimes[name] = m.statusLTime
	}
	for _, m := range s.leftMembers {
		pp.LeftMembers = append(pp.LeftMembers, m.Name)
	}
	copy(pp.Events, s.eventBuffer)

	buf, err := encodeMessage(messagePushPullType, &pp)
	if err != nil {
		s.logger.Printf("[ERR] serf: Failed to encode local state: %v", err)
		return nil
	}
	return buf
}

// mergeRemoteState is the memberlist.Delegate.MergeRemoteState
// implementation: it witnesses the peer's clocks, replays any user
// events we might have missed, and marks alive nodes the peer considers
// left as leaving in our own table.
func (s *Serf) mergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var pp messagePushPull
	if err := decodeMessage(buf, &pp); err != nil {
		s.logger.Printf("[ERR] serf: Failed to decode remote state: %v", err)
		return
	}

	if pp.LTime > 0 {
		s.clock.Witness(pp.LTime - 1)
	}
	if pp.EventLTime > 0 {
		s.eventClock.Witness(pp.EventLTime - 1)
	}
	if pp.QueryLTime > 0 {
		s.queryClock.Witness(pp.QueryLTime - 1)
	}

	s.memberLock.Lock()
	for _, name := range pp.LeftMembers {
		if m, ok := s.members[name]; ok && m.Status == StatusAlive {
			m.Status = StatusLeaving
		}
	}
	s.memberLock.Unlock()

	for _, events := range pp.Events {
		if events == nil {
			continue
		}
		for _, e := range events.Events {
			s.handleUserEvent(&messageUserEvent{
				LTime:   events.LTime,
				Name:    e.Name,
				Payload: e.Payload,
			})
		}
	}
}
