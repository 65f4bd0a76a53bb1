package ipc

import (
	"fmt"
	"time"

	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clustermesh/clustermesh/memberlist"
	"github.com/clustermesh/clustermesh/serf"
)

// testServer brings up a single-node Serf instance plus an ipc.Server
// wired to it, along with the EventForwarder goroutine a real caller
// would run so stream subscriptions actually see cluster events.
func testServer(t *testing.T, name string, port int) (*serf.Serf, *Server) {
	t.Helper()

	c := serf.DefaultConfig()
	c.NodeName = name
	c.Tags = make(map[string]string)
	c.MemberlistConfig = memberlist.DefaultLocalConfig()
	c.MemberlistConfig.Name = name
	c.MemberlistConfig.BindAddr = "127.0.0.1"
	c.MemberlistConfig.BindPort = port

	eventCh := make(chan serf.Event, 64)
	c.EventCh = eventCh

	s, err := serf.Create(c)
	require.NoError(t, err)

	srv, err := NewServer(&Config{BindAddr: "127.0.0.1:0"}, s, nil)
	require.NoError(t, err)
	go srv.EventForwarder(eventCh, s.ShutdownCh())

	return s, srv
}

func testClient(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(srv.Addr().String(), time.Second)
	require.NoError(t, err)
	return c
}

func TestHandshakeAndMembers(t *testing.T) {
	s, srv := testServer(t, "node1", 19001)
	defer s.Shutdown()
	defer srv.Shutdown()

	c := testClient(t, srv)
	defer c.Close()

	members, err := c.Members()
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "node1", members[0].Name)
}

func TestAuthRequired(t *testing.T) {
	s, srv := testServer(t, "node1", 19002)
	defer s.Shutdown()
	defer srv.Shutdown()
	srv.authKey = "secret"

	c := testClient(t, srv)
	defer c.Close()

	_, err := c.Members()
	require.Error(t, err)
	require.Contains(t, err.Error(), authRequired)

	require.NoError(t, c.Auth("secret"))
	_, err = c.Members()
	require.NoError(t, err)
}

func TestMembersFiltered(t *testing.T) {
	s, srv := testServer(t, "node1", 19003)
	defer s.Shutdown()
	defer srv.Shutdown()

	require.NoError(t, s.SetTags(map[string]string{"role": "web"}))

	c := testClient(t, srv)
	defer c.Close()

	members, err := c.MembersFiltered("", "", map[string]string{"role": "web"})
	require.NoError(t, err)
	require.Len(t, members, 1)

	members, err = c.MembersFiltered("", "", map[string]string{"role": "db"})
	require.NoError(t, err)
	require.Len(t, members, 0)
}

func TestSetTagsAndFormat(t *testing.T) {
	s, srv := testServer(t, "node1", 19009)
	defer s.Shutdown()
	defer srv.Shutdown()

	c := testClient(t, srv)
	defer c.Close()

	require.NoError(t, c.SetTags(map[string]string{"role": "web", "az": "us-east-1"}, nil))
	require.Eventually(t, func() bool {
		return s.LocalMember().Tags["role"] == "web"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetTags(nil, []string{"az"}))
	require.Eventually(t, func() bool {
		_, ok := s.LocalMember().Tags["az"]
		return !ok
	}, time.Second, 10*time.Millisecond)

	members, err := c.Members()
	require.NoError(t, err)
	out := FormatMembers(members)
	require.Contains(t, out, "node1")

	stats, err := c.Stats()
	require.NoError(t, err)
	out = FormatStats(stats)
	require.Contains(t, out, "agent.name")
}

func TestUserEventStream(t *testing.T) {
	s, srv := testServer(t, "node1", 19004)
	defer s.Shutdown()
	defer srv.Shutdown()

	c := testClient(t, srv)
	defer c.Close()

	seq, eventCh, err := c.Stream("user:deploy")
	require.NoError(t, err)
	defer c.Stop(seq)

	require.NoError(t, c.UserEvent("deploy", []byte("v2"), false))

	select {
	case rec := <-eventCh:
		require.Equal(t, "user", rec.Event)
		require.Equal(t, "deploy", rec.Name)
		require.Equal(t, []byte("v2"), rec.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for user event")
	}
}

func TestMonitor(t *testing.T) {
	s, srv := testServer(t, "node1", 19005)
	defer s.Shutdown()
	defer srv.Shutdown()

	c := testClient(t, srv)
	defer c.Close()

	seq, lineCh, err := c.Monitor("INFO")
	require.NoError(t, err)
	defer c.Stop(seq)

	srv.logWriter.Write([]byte("[INFO] hello from test\n"))

	select {
	case line := <-lineCh:
		require.Contains(t, line, "hello from test")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for log line")
	}
}

func TestStatsAndCoordinate(t *testing.T) {
	s, srv := testServer(t, "node1", 19006)
	defer s.Shutdown()
	defer srv.Shutdown()

	c := testClient(t, srv)
	defer c.Close()

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, "node1", stats["agent"]["name"])

	_, err = c.GetCoordinate("node1")
	require.Error(t, err)
}

func TestJoinAndLeave(t *testing.T) {
	s1, srv1 := testServer(t, "node1", 19007)
	defer s1.Shutdown()
	defer srv1.Shutdown()

	s2, srv2 := testServer(t, "node2", 19008)
	defer s2.Shutdown()
	defer srv2.Shutdown()

	c := testClient(t, srv2)
	defer c.Close()

	n, err := c.Join([]string{fmt.Sprintf("127.0.0.1:%d", 19007)}, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		return s1.NumNodes() == 2 && s2.NumNodes() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Leave())
}
