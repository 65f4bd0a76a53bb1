package ipc

import (
	"io"
	"log"
	"net"
	"sync"

	"github.com/armon/go-metrics"

	"github.com/clustermesh/clustermesh/serf"
)

// Config configures a Server.
type Config struct {
	// BindAddr is the TCP address the server listens on, e.g.
	// "127.0.0.1:7373".
	BindAddr string

	// AuthKey, if non-empty, requires every session to send a matching
	// auth command before any command besides handshake/auth succeeds.
	AuthKey string

	// LogOutput is where the server's own log lines go. If nil, the
	// server's log lines are discarded.
	LogOutput io.Writer

	// MetricsSink, if set, backs the stats command's counters/gauges.
	MetricsSink *metrics.InmemSink
}

// Server accepts client connections and runs one session per
// connection against a Serf instance.
type Server struct {
	serf        *serf.Serf
	authKey     string
	logger      *log.Logger
	logWriter   *LogWriter
	metricsSink *metrics.InmemSink

	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
	handlers map[*eventStream]struct{}

	stop   bool
	stopCh chan struct{}
}

// NewServer starts listening on config.BindAddr and returns a Server
// that dispatches accepted connections against s. logWriter, if
// non-nil, is the process-wide log tee the monitor command registers
// against; pass the same LogWriter a caller feeds into its own log
// output chain via io.MultiWriter.
func NewServer(config *Config, s *serf.Serf, logWriter *LogWriter) (*Server, error) {
	listener, err := net.Listen("tcp", config.BindAddr)
	if err != nil {
		return nil, err
	}

	logOutput := config.LogOutput
	if logOutput == nil {
		logOutput = io.Discard
	}
	if logWriter == nil {
		logWriter = NewLogWriter(512)
	}

	srv := &Server{
		serf:        s,
		authKey:     config.AuthKey,
		logger:      log.New(logOutput, "", log.LstdFlags),
		logWriter:   logWriter,
		metricsSink: config.MetricsSink,
		listener:    listener,
		sessions:    make(map[*session]struct{}),
		handlers:    make(map[*eventStream]struct{}),
		stopCh:      make(chan struct{}),
	}
	go srv.listen()
	return srv, nil
}

// Addr returns the address the server is listening on.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Shutdown closes the listener and every active session.
func (srv *Server) Shutdown() {
	srv.mu.Lock()
	if srv.stop {
		srv.mu.Unlock()
		return
	}
	srv.stop = true
	close(srv.stopCh)
	srv.listener.Close()

	for sess := range srv.sessions {
		sess.conn.Close()
	}
	srv.mu.Unlock()
}

func (srv *Server) listen() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			srv.mu.Lock()
			stopped := srv.stop
			srv.mu.Unlock()
			if stopped {
				return
			}
			srv.logger.Printf("[ERR] ipc: failed to accept client: %v", err)
			continue
		}

		sess := newSession(srv, conn)

		srv.mu.Lock()
		if srv.stop {
			srv.mu.Unlock()
			conn.Close()
			continue
		}
		srv.sessions[sess] = struct{}{}
		srv.mu.Unlock()

		go sess.run()
	}
}

func (srv *Server) deregisterSession(sess *session) {
	srv.mu.Lock()
	delete(srv.sessions, sess)
	srv.mu.Unlock()
}

// registerEventStream wires es into the Serf event channel for the
// lifetime of its subscription. Serf itself has no per-handler
// registration hook (its EventCh is fixed at Create time), so the
// server keeps its own fan-out set and a single forwarding goroutine
// feeding every active stream subscription, seeded from the Serf
// instance's configured EventCh.
func (srv *Server) registerEventStream(es *eventStream) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.handlers[es] = struct{}{}
}

func (srv *Server) deregisterEventStream(es *eventStream) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.handlers, es)
}

// broadcast fans e out to every session currently subscribed via the
// stream command. Wire this as the Serf instance's EventCh consumer
// (see EventForwarder) so a client's stream subscriptions actually see
// cluster events.
func (srv *Server) broadcast(e serf.Event) {
	srv.mu.Lock()
	handlers := make([]*eventStream, 0, len(srv.handlers))
	for es := range srv.handlers {
		handlers = append(handlers, es)
	}
	srv.mu.Unlock()

	for _, es := range handlers {
		es.HandleEvent(e)
	}
}

// EventForwarder drains eventCh and fans every event out to subscribed
// sessions until shutdownCh closes. Callers construct Serf with an
// EventCh and run this in its own goroutine, e.g.:
//
//	eventCh := make(chan serf.Event, 256)
//	conf.EventCh = eventCh
//	s, _ := serf.Create(conf)
//	srv, _ := ipc.NewServer(ipcConfig, s, logWriter)
//	go srv.EventForwarder(eventCh, s.ShutdownCh())
func (srv *Server) EventForwarder(eventCh <-chan serf.Event, shutdownCh <-chan struct{}) {
	for {
		select {
		case e := <-eventCh:
			srv.broadcast(e)
		case <-shutdownCh:
			return
		case <-srv.stopCh:
			return
		}
	}
}
