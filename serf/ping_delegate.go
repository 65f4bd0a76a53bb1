package serf

import (
	"bytes"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"

	"github.com/clustermesh/clustermesh/coordinate"
	"github.com/clustermesh/clustermesh/memberlist"
)

// pingDelegate is notified when memberlist completes a direct probe of a
// peer, and uses the round trip time to update this node's estimated
// network coordinate.
type pingDelegate struct {
	serf *Serf
}

// PingVersion is an internal version for the ping payload, independent
// of the gossip protocol version, so the coordinate envelope can change
// without a full protocol bump.
const PingVersion = 1

func (p *pingDelegate) AckPayload() []byte {
	var buf bytes.Buffer
	buf.WriteByte(PingVersion)

	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(p.serf.coordClient.GetCoordinate()); err != nil {
		p.serf.logger.Printf("[ERR] serf: Failed to encode coordinate: %s", err)
	}
	return buf.Bytes()
}

func (p *pingDelegate) NotifyPingComplete(other *memberlist.Node, rtt time.Duration, payload []byte) {
	if len(payload) == 0 {
		return
	}

	version := payload[0]
	if version != PingVersion {
		p.serf.logger.Printf("[ERR] serf: Unsupported ping version: %d", version)
		return
	}

	r := bytes.NewReader(payload[1:])
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	var coord coordinate.Coordinate
	if err := dec.Decode(&coord); err != nil {
		p.serf.logger.Printf("[ERR] serf: Failed to decode coordinate from ping: %s", err)
		return
	}

	before := p.serf.coordClient.GetCoordinate()
	p.serf.coordClient.Update(&coord, rtt)
	after := p.serf.coordClient.GetCoordinate()

	d := float32(before.DistanceTo(after).Seconds() * 1.0e3)
	metrics.AddSampleWithLabels([]string{"serf", "coordinate", "adjustment-ms"}, d, p.serf.config.MetricLabels)

	p.serf.coordCacheLock.Lock()
	p.serf.coordCache[other.Name] = &coord
	p.serf.coordCache[p.serf.config.NodeName] = p.serf.coordClient.GetCoordinate()
	p.serf.coordCacheLock.Unlock()
}
