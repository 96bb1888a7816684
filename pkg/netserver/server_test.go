package netserver

import (
	"sync"
	"testing"
	"time"

	"github.com/blockrealm/voxeld/pkg/chat"
	"github.com/blockrealm/voxeld/pkg/transport"
	"github.com/blockrealm/voxeld/pkg/voxel"
	"github.com/blockrealm/voxeld/pkg/wire"
)

type fakeConn struct {
	id     transport.ConnID
	mu     sync.Mutex
	sent   []wire.Packet
	status transport.Status
}

func newFakeConn(id transport.ConnID) *fakeConn {
	return &fakeConn{id: id, status: transport.StatusActive}
}

func (c *fakeConn) ID() transport.ConnID { return c.id }

func (c *fakeConn) SendReliable(pkt wire.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, pkt)
	return nil
}

func (c *fakeConn) SendUnreliable(pkt wire.Packet) error { return c.SendReliable(pkt) }

func (c *fakeConn) Status() transport.Status { return c.status }

func (c *fakeConn) Close() error { c.status = transport.StatusClosedByPeer; return nil }

func (c *fakeConn) sentPackets() []wire.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Packet, len(c.sent))
	copy(out, c.sent)
	return out
}

func newTestServer(t *testing.T) (*Server, *fakeConn) {
	t.Helper()
	store := voxel.NewChunkStore(1, t.TempDir())
	history, err := chat.Open("")
	if err != nil {
		t.Fatalf("chat.Open: %v", err)
	}
	cfg := DefaultConfig()
	s := New(cfg, nil, store, history, nil)
	conn := newFakeConn(1)
	s.onAccept(conn)
	return s, conn
}

func TestOnShootRequestRubberStampsAHit(t *testing.T) {
	s, conn := newTestServer(t)
	s.onShootRequest(conn, wire.ShootRequest{ShotID: 7, Tick: 3, Seed: 42})

	sent := conn.sentPackets()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent packet, got %d", len(sent))
	}
	result, ok := sent[0].(wire.ShootResult)
	if !ok {
		t.Fatalf("expected ShootResult, got %T", sent[0])
	}
	if !result.Accepted || !result.DidHit || result.HitEntity != 123 || result.Damage != 25 {
		t.Fatalf("unexpected ShootResult: %+v", result)
	}
	if result.ShotID != 7 || result.ServerSeed != 42 {
		t.Fatalf("unexpected ShootResult: %+v", result)
	}
}

func TestOnChatMessageDoesNothingForUnregisteredSession(t *testing.T) {
	s, conn := newTestServer(t)
	s.onChatMessage(conn, wire.Message{Text: "hello"})

	if len(conn.sentPackets()) != 0 {
		t.Fatal("expected no broadcast for a connection with no established session")
	}
}

func TestOnChatMessageBroadcastsAfterConnect(t *testing.T) {
	s, conn := newTestServer(t)
	s.sessions.OnConnectRequest(conn, wire.ConnectRequest{Username: "ignored"})

	other := newFakeConn(2)
	s.onAccept(other)
	s.sessions.OnConnectRequest(other, wire.ConnectRequest{Username: "ignored2"})

	s.onChatMessage(conn, wire.Message{Text: "hello world"})

	found := false
	for _, pkt := range other.sentPackets() {
		if msg, ok := pkt.(wire.Message); ok && msg.Text == s.sessions.UsernameFor(conn)+":hello world" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the other connection to receive the broadcast chat message")
	}

	recent := s.chatHistory.Recent(10)
	if len(recent) != 1 || recent[0].Text != "hello world" {
		t.Fatalf("expected chat history to record the message, got %+v", recent)
	}
}

func TestOnCloseRemovesConnectionAndBroadcastsDisconnect(t *testing.T) {
	s, conn := newTestServer(t)
	s.sessions.OnConnectRequest(conn, wire.ConnectRequest{Username: "x"})

	other := newFakeConn(2)
	s.onAccept(other)
	s.sessions.OnConnectRequest(other, wire.ConnectRequest{Username: "y"})

	s.onClose(conn.ID())

	if _, ok := s.connsSnapshot()[conn.ID()]; ok {
		t.Fatal("expected connection to be removed from the live set")
	}

	found := false
	for _, pkt := range other.sentPackets() {
		if _, ok := pkt.(wire.ClientDisconnect); ok {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the other connection to receive ClientDisconnect")
	}
}

func TestOnChunkRequestDoesNothingForUnregisteredSession(t *testing.T) {
	s, conn := newTestServer(t)
	s.onChunkRequest(conn, wire.ChunkRequest{CX: 0, CY: 0, CZ: 0, ViewDist: 2})

	if len(conn.sentPackets()) != 0 {
		t.Fatal("expected no chunk data for a connection with no established session")
	}
}

func TestOnChunkRequestStreamsAfterConnect(t *testing.T) {
	s, conn := newTestServer(t)
	s.sessions.OnConnectRequest(conn, wire.ConnectRequest{Username: "ignored"})

	s.onChunkRequest(conn, wire.ChunkRequest{CX: 0, CY: 0, CZ: 0, ViewDist: 2})

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.sentPackets()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(conn.sentPackets()) == 0 {
		t.Fatal("expected a registered session's ChunkRequest to produce chunk data")
	}
}

func (s *Server) connsSnapshot() map[transport.ConnID]transport.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[transport.ConnID]transport.Conn, len(s.conns))
	for k, v := range s.conns {
		out[k] = v
	}
	return out
}
