package ipc

import (
	"bytes"

	gsyslog "github.com/hashicorp/go-syslog"
)

// SyslogWriter adapts a gsyslog.Syslogger into an io.Writer usable as
// Config.LogOutput, picking the syslog priority from the bracketed
// level prefix ("[INFO]", "[ERR]", ...) this package's own logger
// already writes. Grounded on the teacher's command/agent/syslog_writer.go
// level-extraction logic, with the backend swapped from stdlib
// log/syslog (Unix-only) to the cross-platform gsyslog package.
type SyslogWriter struct {
	logger gsyslog.Syslogger
}

// NewSyslogWriter opens a connection to the local syslog daemon under
// the given facility (e.g. "LOCAL0") and tag.
func NewSyslogWriter(facility, tag string) (*SyslogWriter, error) {
	l, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, facility, tag)
	if err != nil {
		return nil, err
	}
	return &SyslogWriter{logger: l}, nil
}

func (w *SyslogWriter) Write(p []byte) (int, error) {
	if err := w.logger.WriteLevel(extractLevel(p), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func extractLevel(p []byte) gsyslog.Priority {
	x := bytes.IndexByte(p, '[')
	if x < 0 {
		return gsyslog.LOG_INFO
	}
	y := bytes.IndexByte(p[x:], ']')
	if y < 0 {
		return gsyslog.LOG_INFO
	}

	switch string(p[x+1 : x+y]) {
	case "TRACE", "DEBUG":
		return gsyslog.LOG_DEBUG
	case "INFO":
		return gsyslog.LOG_INFO
	case "WARN":
		return gsyslog.LOG_WARNING
	case "ERR":
		return gsyslog.LOG_ERR
	default:
		return gsyslog.LOG_INFO
	}
}
