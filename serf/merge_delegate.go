package serf

import (
	"fmt"
	"regexp"

	"github.com/clustermesh/clustermesh/memberlist"
)

// MergeDelegate is implemented by a Serf user that wants veto power over
// accepting a remote cluster's membership during a push/pull exchange,
// e.g. to reject joining a cluster tagged for a different environment.
type MergeDelegate interface {
	NotifyMerge([]*Member) error
}

type mergeDelegate struct {
	serf *Serf
}

var invalidNameRe = regexp.MustCompile(`[^A-Za-z0-9\-]+`)

func (m *mergeDelegate) NotifyMerge(nodes []*memberlist.NodeState) error {
	members := make([]*Member, len(nodes))
	for idx, n := range nodes {
		var err error
		members[idx], err = m.nodeToMember(n)
		if err != nil {
			return err
		}
	}
	return m.serf.config.Merge.NotifyMerge(members)
}

func (m *mergeDelegate) nodeToMember(n *memberlist.NodeState) (*Member, error) {
	status := StatusNone
	switch n.State {
	case memberlist.StateLeft:
		status = StatusLeft
	case memberlist.StateDead:
		status = StatusFailed
	case memberlist.StateAlive:
		status = StatusAlive
	}
	if err := m.validateMemberInfo(n); err != nil {
		return nil, err
	}
	return &Member{
		Name:   n.Name,
		Addr:   n.Addr,
		Port:   n.Port,
		Tags:   m.serf.decodeTags(n.Meta),
		Status: status,
	}, nil
}

// maxNodeNameLength bounds a node name when ValidateNodeNames is set.
const maxNodeNameLength = 128

// validateMemberInfo checks that a remote node's identity is well
// formed before it is admitted into our member table.
func (m *mergeDelegate) validateMemberInfo(n *memberlist.NodeState) error {
	if m.serf.config.ValidateNodeNames {
		if len(n.Name) > maxNodeNameLength {
			return fmt.Errorf("Node name is %d characters. Valid length is between 1 and %d characters", len(n.Name), maxNodeNameLength)
		}
		if invalidNameRe.MatchString(n.Name) {
			return fmt.Errorf("Node name contains invalid characters")
		}
	}

	addrLen := len(n.Addr)
	if addrLen != 4 && addrLen != 16 {
		return fmt.Errorf("IP byte length is invalid: %v", addrLen)
	}

	if len(n.Meta) > memberlist.MetaMaxSize {
		return fmt.Errorf("Encoded length of tags exceeds limit of %d bytes", memberlist.MetaMaxSize)
	}
	return nil
}
