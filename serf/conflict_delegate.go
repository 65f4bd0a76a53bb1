package serf

import (
	"github.com/clustermesh/clustermesh/memberlist"
)

// conflictDelegate is the memberlist.ConflictDelegate implementation
// Serf registers so two nodes racing to claim the same name trigger
// name-conflict resolution instead of silently flapping between
// addresses.
type conflictDelegate struct {
	serf *Serf
}

func (c *conflictDelegate) NotifyConflict(existing, other *memberlist.Node) {
	c.serf.handleNodeConflict(existing, other)
}
