package serf

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clustermesh/clustermesh/memberlist"
)

// testConfig builds a Config bound to a fixed loopback port, short
// reap/reconnect intervals so lifecycle tests don't have to wait out
// the production defaults.
func testConfig(t *testing.T, name string, port int) *Config {
	t.Helper()

	c := DefaultConfig()
	c.NodeName = name
	c.Tags = make(map[string]string)
	c.ReapInterval = 10 * time.Millisecond
	c.ReconnectInterval = 10 * time.Millisecond
	c.TombstoneTimeout = 100 * time.Millisecond
	c.QueueCheckInterval = time.Hour

	c.MemberlistConfig = memberlist.DefaultLocalConfig()
	c.MemberlistConfig.Name = name
	c.MemberlistConfig.BindAddr = "127.0.0.1"
	c.MemberlistConfig.BindPort = port
	return c
}

func waitUntilNumNodes(t *testing.T, n int, serfs ...*Serf) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range serfs {
			if s.NumNodes() != n {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateShutdown(t *testing.T) {
	c := testConfig(t, "node1", 18946)
	s, err := Create(c)
	require.NoError(t, err)
	require.Equal(t, SerfAlive, s.State())
	require.Equal(t, "node1", s.LocalMember().Name)
	require.NoError(t, s.Shutdown())
	require.Equal(t, SerfShutdown, s.State())
}

func TestJoinLeave(t *testing.T) {
	c1 := testConfig(t, "node1", 18947)
	s1, err := Create(c1)
	require.NoError(t, err)
	defer s1.Shutdown()

	c2 := testConfig(t, "node2", 18948)
	s2, err := Create(c2)
	require.NoError(t, err)
	defer s2.Shutdown()

	n, err := s2.Join([]string{fmt.Sprintf("127.0.0.1:%d", c1.MemberlistConfig.BindPort)}, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	waitUntilNumNodes(t, 2, s1, s2)

	require.NoError(t, s2.Leave())

	require.Eventually(t, func() bool {
		for _, m := range s1.Members() {
			if m.Name == "node2" {
				return m.Status == StatusLeft
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUserEventAndQuery(t *testing.T) {
	c1 := testConfig(t, "node1", 18949)
	eventCh := make(chan Event, 64)
	c1.EventCh = eventCh
	s1, err := Create(c1)
	require.NoError(t, err)
	defer s1.Shutdown()

	c2 := testConfig(t, "node2", 18950)
	s2, err := Create(c2)
	require.NoError(t, err)
	defer s2.Shutdown()

	_, err = s2.Join([]string{fmt.Sprintf("127.0.0.1:%d", c1.MemberlistConfig.BindPort)}, false)
	require.NoError(t, err)
	waitUntilNumNodes(t, 2, s1, s2)

	require.NoError(t, s1.UserEvent("deploy", []byte("v2"), false))

	require.Eventually(t, func() bool {
		select {
		case e := <-eventCh:
			ue, ok := e.(UserEvent)
			return ok && ue.Name == "deploy"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := s1.Query("ping-app", nil, nil)
	require.NoError(t, err)

	got := 0
	timeout := time.After(2 * time.Second)
LOOP:
	for {
		select {
		case _, ok := <-resp.ResponseCh():
			if !ok {
				break LOOP
			}
			got++
		case <-timeout:
			break LOOP
		}
	}
	require.GreaterOrEqual(t, got, 0)
}

func TestMemberStatus_String(t *testing.T) {
	cases := []struct {
		s        MemberStatus
		expected string
	}{
		{StatusNone, "none"},
		{StatusAlive, "alive"},
		{StatusLeaving, "leaving"},
		{StatusLeft, "left"},
		{StatusFailed, "failed"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, tc.s.String())
	}
}

func TestUpsertAndRecentIntent(t *testing.T) {
	intents := make(map[string]nodeIntent)
	stamp := func() time.Time { return time.Unix(100, 0) }

	require.True(t, upsertIntent(intents, "node1", messageJoinType, 1, stamp))
	ltime, ok := recentIntent(intents, "node1", messageJoinType)
	require.True(t, ok)
	require.EqualValues(t, 1, ltime)

	// A later leave supersedes the earlier join.
	require.True(t, upsertIntent(intents, "node1", messageLeaveType, 2, stamp))
	_, ok = recentIntent(intents, "node1", messageJoinType)
	require.False(t, ok)
	ltime, ok = recentIntent(intents, "node1", messageLeaveType)
	require.True(t, ok)
	require.EqualValues(t, 2, ltime)

	// A stale intent at an older LTime is dropped.
	require.False(t, upsertIntent(intents, "node1", messageJoinType, 1, stamp))
}

func TestReapIntents(t *testing.T) {
	intents := map[string]nodeIntent{
		"old": {Type: messageJoinType, LTime: 1, WallTime: time.Unix(0, 0)},
		"new": {Type: messageJoinType, LTime: 2, WallTime: time.Unix(1000, 0)},
	}
	reapIntents(intents, time.Unix(1000, 0), 500*time.Second)

	_, ok := intents["old"]
	require.False(t, ok)
	_, ok = intents["new"]
	require.True(t, ok)
}

func TestReap(t *testing.T) {
	c := testConfig(t, "node1", 18951)
	s, err := Create(c)
	require.NoError(t, err)
	defer s.Shutdown()

	now := time.Now()
	old := []*memberState{
		{Member: Member{Name: "gone"}, leaveTime: now.Add(-time.Hour)},
		{Member: Member{Name: "fresh"}, leaveTime: now},
	}
	s.members["gone"] = old[0]
	s.members["fresh"] = old[1]

	remaining := s.reap(old, now, time.Minute)
	require.Len(t, remaining, 1)
	require.Equal(t, "fresh", remaining[0].Name)
	_, ok := s.members["gone"]
	require.False(t, ok)
}
