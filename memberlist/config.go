package memberlist

import (
	"log"
	"os"
	"time"
)

// Config configures the SWIM core. Fields mirror the knobs spec.md §4.4
// names explicitly; defaults follow DefaultLANConfig, tuned for a single
// datacenter, low-latency network.
type Config struct {
	// Name is this node's unique identifier within the cluster. Required.
	Name string

	// BindAddr/BindPort is the local address the UDP and TCP listeners
	// bind to.
	BindAddr string
	BindPort int

	// AdvertiseAddr/AdvertisePort is what this node tells peers to dial,
	// useful behind NAT. Defaults to BindAddr/BindPort when empty/zero.
	AdvertiseAddr string
	AdvertisePort int

	// ProtocolVersion is the wire protocol version this node speaks.
	ProtocolVersion uint8

	Delegate Delegate
	Events   EventDelegate
	Merge    MergeDelegate
	Ping     PingDelegate
	Conflict ConflictDelegate

	// Keyring holds the symmetric keys used to encrypt/decrypt gossip
	// traffic. A nil Keyring disables encryption.
	Keyring *Keyring

	// CIDRsAllowed, when non-empty, restricts accepted packets/streams to
	// source addresses within one of the listed CIDR blocks.
	CIDRsAllowed []string

	TCPTimeout time.Duration

	// IndirectChecks is the number of peers used for an indirect probe.
	IndirectChecks int

	// RetransmitMult scales the retransmit limit: RetransmitMult *
	// ceil(log10(n+1)).
	RetransmitMult int

	// SuspicionMult and SuspicionMaxTimeoutMult scale the suspicion
	// timeout (min and max) the same way memberlist's real formula does.
	SuspicionMult           int
	SuspicionMaxTimeoutMult int

	PushPullInterval time.Duration
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration

	GossipInterval      time.Duration
	GossipNodes         int
	GossipToTheDeadTime time.Duration

	// DeadNodeReclaimTime names how soon a reaped name may be reclaimed
	// by a new incarnation. This package does not read it; reclaiming a
	// name is not delayed.
	DeadNodeReclaimTime time.Duration

	// HandoffQueueDepth bounds the number of queued inbound packets
	// awaiting processing before new ones are dropped.
	HandoffQueueDepth int

	UDPBufferSize int

	// RequireNodeNames names whether messages must carry a node name.
	// This package does not read it; messages without a node name are
	// accepted.
	RequireNodeNames bool

	LogOutput *log.Logger

	// MetricLabels are attached to every metrics emission from this
	// instance, letting multiple local nodes in tests share one sink.
	MetricLabels []string
}

// DefaultLANConfig returns a Config tuned for same-datacenter operation,
// mirroring memberlist's historical defaults.
func DefaultLANConfig() *Config {
	return &Config{
		BindAddr:                "0.0.0.0",
		BindPort:                7946,
		ProtocolVersion:         ProtocolVersion2Compatible,
		TCPTimeout:              10 * time.Second,
		IndirectChecks:          3,
		RetransmitMult:          4,
		SuspicionMult:           4,
		SuspicionMaxTimeoutMult: 6,
		PushPullInterval:        30 * time.Second,
		ProbeInterval:           1 * time.Second,
		ProbeTimeout:            500 * time.Millisecond,
		GossipInterval:          200 * time.Millisecond,
		GossipNodes:             3,
		GossipToTheDeadTime:     30 * time.Second,
		DeadNodeReclaimTime:     0,
		HandoffQueueDepth:       1024,
		UDPBufferSize:           1400,
		LogOutput:               log.New(os.Stderr, "", log.LstdFlags),
	}
}

// DefaultWANConfig relaxes LAN timing for higher-latency, higher-loss
// networks spanning multiple datacenters.
func DefaultWANConfig() *Config {
	c := DefaultLANConfig()
	c.TCPTimeout = 30 * time.Second
	c.SuspicionMult = 6
	c.PushPullInterval = 60 * time.Second
	c.ProbeInterval = 5 * time.Second
	c.ProbeTimeout = 3 * time.Second
	c.GossipInterval = 500 * time.Millisecond
	c.GossipToTheDeadTime = 60 * time.Second
	return c
}

// DefaultLocalConfig is tuned for tests run on loopback, with aggressive
// timers so convergence polling in _test.go files stays fast.
func DefaultLocalConfig() *Config {
	c := DefaultLANConfig()
	c.TCPTimeout = 1 * time.Second
	c.SuspicionMult = 3
	c.PushPullInterval = 5 * time.Second
	c.ProbeInterval = 200 * time.Millisecond
	c.ProbeTimeout = 50 * time.Millisecond
	c.GossipInterval = 50 * time.Millisecond
	c.GossipToTheDeadTime = 5 * time.Second
	return c
}

const (
	// ProtocolVersion2Compatible is the lowest protocol version this
	// implementation speaks.
	ProtocolVersion2Compatible = 2
	ProtocolVersionMin         = 2
	ProtocolVersionMax         = 5
)

// MetaMaxSize bounds a node's encoded metadata (tags), matching the
// historical memberlist limit.
const MetaMaxSize = 512
