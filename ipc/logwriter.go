package ipc

import (
	"strings"
	"sync"

	"github.com/armon/circbuf"
)

// LogHandler receives one already-formatted log line at a time.
type LogHandler interface {
	HandleLog(string)
}

// LogWriter is an io.Writer that tees every write to a set of
// registered handlers, used to fan a process's log output out to any
// number of IPC sessions that have issued a monitor command. Callers
// typically wrap a LogWriter in io.MultiWriter alongside the process's
// normal log destination. A bounded backlog is kept so a handler
// registered mid-stream (a `monitor` command issued after the process
// has been running a while) immediately sees recent context instead of
// only lines written after it subscribed.
type LogWriter struct {
	mu       sync.Mutex
	handlers map[LogHandler]struct{}
	backlog  *circbuf.Buffer
}

// NewLogWriter creates a LogWriter retaining up to buf bytes of
// recently written log output for newly registered handlers to replay.
func NewLogWriter(buf int) *LogWriter {
	backlog, _ := circbuf.NewBuffer(int64(buf))
	return &LogWriter{
		handlers: make(map[LogHandler]struct{}),
		backlog:  backlog,
	}
}

// RegisterHandler adds h to the fan-out set and immediately replays
// the current backlog to it so it doesn't miss recent history.
func (w *LogWriter) RegisterHandler(h LogHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[h] = struct{}{}

	if w.backlog != nil {
		for _, line := range strings.Split(strings.TrimRight(w.backlog.String(), "\n"), "\n") {
			if line != "" {
				h.HandleLog(line)
			}
		}
	}
}

func (w *LogWriter) DeregisterHandler(h LogHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handlers, h)
}

func (w *LogWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > 0 && p[n-1] == '\n' {
		p = p[:n-1]
	}
	line := string(p)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.backlog != nil {
		w.backlog.Write(p)
		w.backlog.Write([]byte("\n"))
	}
	for h := range w.handlers {
		h.HandleLog(line)
	}
	return n, nil
}
