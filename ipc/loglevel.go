package ipc

import (
	"io/ioutil"

	"github.com/hashicorp/logutils"
)

// logLevels are the levels a monitor subscription can gate on. TRACE is
// included even though the teacher's own levelFilter omitted it,
// because spec.md's monitor command documents TRACE as a valid level.
var logLevels = []logutils.LogLevel{"TRACE", "DEBUG", "INFO", "WARN", "ERR"}

func newLevelFilter() *logutils.LevelFilter {
	return &logutils.LevelFilter{
		Levels:   logLevels,
		MinLevel: "INFO",
		Writer:   ioutil.Discard,
	}
}

func validLevelFilter(filter *logutils.LevelFilter) bool {
	for _, level := range filter.Levels {
		if level == filter.MinLevel {
			return true
		}
	}
	return false
}
