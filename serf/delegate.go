package serf

import "github.com/clustermesh/clustermesh/memberlist"

// delegate is the memberlist.Delegate implementation Serf registers,
// translating between memberlist's generic user-message/broadcast hooks
// and Serf's own message types (join/leave intent, user event, query).
type delegate struct {
	serf *Serf
}

func (d *delegate) NodeMeta(limit int) []byte {
	tags := d.serf.encodeTags(d.serf.config.Tags)
	if len(tags) > limit {
		d.serf.logger.Printf("[WARN] serf: Node tags %d exceeds limit of %d bytes", len(tags), limit)
	}
	return tags
}

func (d *delegate) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}

	rebroadcast := false
	rebroadcastQueue := d.serf.broadcasts
	t := messageType(buf[0])
	switch t {
	case messageLeaveType:
		var leave messageLeave
		if err := decodeMessage(buf[1:], &leave); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding leave message: %s", err)
			break
		}
		rebroadcast = d.serf.handleNodeLeaveIntent(&leave)

	case messageJoinType:
		var join messageJoin
		if err := decodeMessage(buf[1:], &join); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding join message: %s", err)
			break
		}
		rebroadcast = d.serf.handleNodeJoinIntent(&join)

	case messageUserEventType:
		var event messageUserEvent
		if err := decodeMessage(buf[1:], &event); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding user event message: %s", err)
			break
		}
		rebroadcast = d.serf.handleUserEvent(&event)

	case messageQueryType:
		var query messageQuery
		if err := decodeMessage(buf[1:], &query); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding query message: %s", err)
			break
		}
		rebroadcast = d.serf.handleQuery(&query)

	case messageQueryResponseType:
		var resp messageQueryResponse
		if err := decodeMessage(buf[1:], &resp); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding query response message: %s", err)
			break
		}
		d.serf.handleQueryResponse(&resp)

	case messageRelayType:
		var relay messageRelay
		if err := decodeMessage(buf[1:], &relay); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding relay message: %s", err)
			break
		}
		if err := d.serf.memberlist.SendUserMsg(relay.DestNode, relay.Msg); err != nil {
			d.serf.logger.Printf("[ERR] serf: Failed to forward relayed message to %s: %s", relay.DestNode, err)
		}

	default:
		d.serf.logger.Printf("[WARN] serf: Received message of unknown type: %d", t)
	}

	if rebroadcast {
		rebroadcastQueue.QueueBroadcast(&rebroadcastMessage{orig: buf})
	}
}

// rebroadcastMessage re-queues an already-encoded inbound message
// verbatim, with no dedup key of its own: the original sender's
// intent/event messages already carry their own keyed broadcasts, this
// is only used when the local handler decides the raw bytes must also
// propagate unmodified.
type rebroadcastMessage struct {
	orig []byte
}

func (r *rebroadcastMessage) Invalidates(other memberlist.Broadcast) bool { return false }
func (r *rebroadcastMessage) Message() []byte                            { return r.orig }
func (r *rebroadcastMessage) Finished()                                  {}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	msgs := d.serf.broadcasts.GetBroadcasts(overhead, limit)

	// Queries, then user events, share what is left of the byte budget.
	for _, q := range []*memberlist.TransmitLimitedQueue{d.serf.queryBroadcasts, d.serf.eventBroadcasts} {
		used := 0
		for _, m := range msgs {
			used += len(m) + overhead
		}
		msgs = append(msgs, q.GetBroadcasts(overhead, limit-used)...)
	}

	if msgs != nil {
		numq := d.serf.broadcasts.NumQueued()
		if numq >= d.serf.config.QueueDepthWarning {
			d.serf.logger.Printf("[WARN] serf: Broadcast queue depth: %d", numq)
		}
	}

	return msgs
}

func (d *delegate) LocalState(join bool) []byte {
	return d.serf.localState(join)
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	d.serf.mergeRemoteState(buf, join)
}
