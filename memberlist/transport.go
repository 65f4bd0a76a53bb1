package memberlist

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// packet is a single inbound UDP datagram, handed off to the packet
// processing goroutine with its arrival time so probe/ack RTT accounting
// stays accurate even if the handoff queue briefly backs up.
type packet struct {
	buf       []byte
	from      net.Addr
	timestamp time.Time
}

// NetTransport owns the UDP socket used for probes/gossip and the TCP
// listener used for push/pull and the RPC-free stream protocol, applying
// an optional CIDR allow-list to both before any decode/decrypt work
// happens.
type NetTransport struct {
	config *Config

	udpConn *net.UDPConn
	tcpLn   *net.TCPListener

	allowedCIDRs []*sockaddr.SockAddrMarshaler

	packetCh chan *packet
	streamCh chan net.Conn

	shutdown int32
}

// NewNetTransport opens the UDP and TCP sockets described by config and
// begins accepting traffic.
func NewNetTransport(config *Config) (*NetTransport, error) {
	t := &NetTransport{
		config:   config,
		packetCh: make(chan *packet, config.HandoffQueueDepth),
		streamCh: make(chan net.Conn),
	}

	if err := t.parseCIDRs(config.CIDRsAllowed); err != nil {
		return nil, err
	}

	udpAddr := &net.UDPAddr{IP: net.ParseIP(config.BindAddr), Port: config.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("memberlist: failed to start UDP listener on %q port %d: %w", config.BindAddr, config.BindPort, err)
	}
	t.udpConn = udpLn

	tcpAddr := &net.TCPAddr{IP: net.ParseIP(config.BindAddr), Port: config.BindPort}
	tcpLn, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udpLn.Close()
		return nil, fmt.Errorf("memberlist: failed to start TCP listener on %q port %d: %w", config.BindAddr, config.BindPort, err)
	}
	t.tcpLn = tcpLn

	go t.udpListen()
	go t.tcpListen()

	return t, nil
}

func (t *NetTransport) parseCIDRs(cidrs []string) error {
	for _, cidr := range cidrs {
		sa, err := sockaddr.NewSockAddr(cidr)
		if err != nil {
			return fmt.Errorf("memberlist: invalid CIDR %q: %w", cidr, err)
		}
		marshaler, ok := sa.(*sockaddr.SockAddrMarshaler)
		if ok {
			t.allowedCIDRs = append(t.allowedCIDRs, marshaler)
		}
	}
	return nil
}

// allowed reports whether addr's IP falls inside the configured
// allow-list, or true if no allow-list is configured.
func (t *NetTransport) allowed(addr net.Addr) bool {
	if len(t.config.CIDRsAllowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	sa, err := sockaddr.NewIPAddr(ip.String())
	if err != nil {
		return false
	}
	for _, cidr := range t.config.CIDRsAllowed {
		block, err := sockaddr.NewSockAddr(cidr)
		if err != nil {
			continue
		}
		if ipv4, ok := block.(sockaddr.IPv4Addr); ok && ipv4.Contains(sa) {
			return true
		}
		if ipv6, ok := block.(sockaddr.IPv6Addr); ok && ipv6.Contains(sa) {
			return true
		}
	}
	return false
}

func (t *NetTransport) udpListen() {
	buf := make([]byte, 65536)
	for {
		n, from, err := t.udpConn.ReadFromUDP(buf)
		if err != nil {
			if t.isShutdown() {
				return
			}
			continue
		}
		if !t.allowed(from) {
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])

		select {
		case t.packetCh <- &packet{buf: cp, from: from, timestamp: time.Now()}:
		default:
			// handoff queue full, drop rather than block the read loop
		}
	}
}

func (t *NetTransport) tcpListen() {
	for {
		conn, err := t.tcpLn.AcceptTCP()
		if err != nil {
			if t.isShutdown() {
				return
			}
			continue
		}
		if !t.allowed(conn.RemoteAddr()) {
			conn.Close()
			continue
		}
		select {
		case t.streamCh <- conn:
		default:
			conn.Close()
		}
	}
}

func (t *NetTransport) isShutdown() bool {
	return atomic.LoadInt32(&t.shutdown) == 1
}

// WriteTo sends b to addr over UDP, unencrypted — callers apply the
// security envelope beforehand when a Keyring is configured.
func (t *NetTransport) WriteTo(b []byte, addr string) (time.Time, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return time.Time{}, err
	}
	_, err = t.udpConn.WriteTo(b, udpAddr)
	return time.Now(), err
}

// DialTimeout opens a TCP connection to addr for a push/pull exchange.
func (t *NetTransport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// PacketCh returns the channel of inbound UDP packets.
func (t *NetTransport) PacketCh() <-chan *packet { return t.packetCh }

// StreamCh returns the channel of inbound TCP connections.
func (t *NetTransport) StreamCh() <-chan net.Conn { return t.streamCh }

// FinalAdvertiseAddr resolves the address/port this node should
// advertise to peers, honoring AdvertiseAddr/AdvertisePort when set.
func (t *NetTransport) FinalAdvertiseAddr(advertiseAddr string, advertisePort int) (net.IP, int, error) {
	if advertiseAddr != "" {
		ip := net.ParseIP(advertiseAddr)
		if ip == nil {
			return nil, 0, fmt.Errorf("memberlist: failed to parse advertise address %q", advertiseAddr)
		}
		return ip, advertisePort, nil
	}

	addr := t.udpConn.LocalAddr().(*net.UDPAddr)
	if addr.IP.IsUnspecified() {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil || ip == "" {
			return nil, 0, fmt.Errorf("memberlist: failed to determine local advertise address: %w", err)
		}
		return net.ParseIP(ip), addr.Port, nil
	}
	return addr.IP, addr.Port, nil
}

// Shutdown closes both sockets.
func (t *NetTransport) Shutdown() error {
	atomic.StoreInt32(&t.shutdown, 1)
	if t.udpConn != nil {
		t.udpConn.Close()
	}
	if t.tcpLn != nil {
		t.tcpLn.Close()
	}
	return nil
}
