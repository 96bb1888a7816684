package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/blockrealm/voxeld/pkg/session"
	"github.com/blockrealm/voxeld/pkg/transport"
	"github.com/blockrealm/voxeld/pkg/voxel"
	"github.com/blockrealm/voxeld/pkg/wire"
)

// newTestPipeline builds a pipeline backed by a session manager with
// conn already registered, the way Server.onAccept/New wire things
// together in production.
func newTestPipeline(t *testing.T, store *voxel.ChunkStore, conn transport.Conn) (*Pipeline, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(nil)
	sessions.Accept(conn)
	p := NewPipeline(store, sessions)
	return p, sessions
}

type fakeConn struct {
	id transport.ConnID

	mu        sync.Mutex
	reliable  []wire.Packet
	failSends bool
}

func newFakeConn(id transport.ConnID) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() transport.ConnID { return c.id }

func (c *fakeConn) SendReliable(pkt wire.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends {
		return errSendFailed
	}
	c.reliable = append(c.reliable, pkt)
	return nil
}

func (c *fakeConn) SendUnreliable(pkt wire.Packet) error { return c.SendReliable(pkt) }
func (c *fakeConn) Status() transport.Status             { return transport.StatusActive }
func (c *fakeConn) Close() error                         { return nil }

func (c *fakeConn) reliableCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reliable)
}

func (c *fakeConn) chunkDataCoords() []voxel.ChunkCoord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []voxel.ChunkCoord
	for _, pkt := range c.reliable {
		if cd, ok := pkt.(wire.ChunkData); ok {
			out = append(out, voxel.ChunkCoord{CX: cd.CX, CY: cd.CY, CZ: cd.CZ})
		}
	}
	return out
}

type sendFailedErr struct{}

func (sendFailedErr) Error() string { return "fake send failure" }

var errSendFailed = sendFailedErr{}

func waitForSends(t *testing.T, conn *fakeConn, atLeast int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn.reliableCount() >= atLeast {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for at least %d reliable sends, got %d", atLeast, conn.reliableCount())
}

func TestViewDistanceClampedToBounds(t *testing.T) {
	if got := clampViewDistance(0); got != ViewDistanceClampMin {
		t.Fatalf("clampViewDistance(0) = %d, want %d", got, ViewDistanceClampMin)
	}
	if got := clampViewDistance(10_000); got != ViewDistanceClampMax {
		t.Fatalf("clampViewDistance(huge) = %d, want %d", got, ViewDistanceClampMax)
	}
	if got := clampViewDistance(3); got != 3 {
		t.Fatalf("clampViewDistance(3) = %d, want 3 (within bounds)", got)
	}
}

func TestUpdateForClientSendsChunksWithinViewDistance(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	conn := newFakeConn(1)
	p, _ := newTestPipeline(t, store, conn)
	defer p.Close()

	req := wire.ChunkRequest{CX: 0, CY: 0, CZ: 0, ViewDist: 2}
	p.UpdateForClient(conn, req)

	waitForSends(t, conn, 1, 2*time.Second)

	for _, c := range conn.chunkDataCoords() {
		dx, dz := c.CX, c.CZ
		if dx*dx+dz*dz > 2*2 {
			t.Fatalf("received chunk %+v outside the requested radius", c)
		}
	}
}

func TestUpdateForClientNeverExceedsMaxSendsPerUpdate(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	conn := newFakeConn(1)
	p, _ := newTestPipeline(t, store, conn)
	defer p.Close()

	req := wire.ChunkRequest{CX: 0, CY: 0, CZ: 0, ViewDist: 2}
	p.UpdateForClient(conn, req)

	// A single call to UpdateForClient must not queue more preps than
	// MaxSendsPerUpdate, even though the desired set is far larger.
	time.Sleep(100 * time.Millisecond)
	p.queueMu.Lock()
	queuedForConn := 0
	for key := range p.prepQueued {
		if key.conn == conn.ID() {
			queuedForConn++
		}
	}
	for key := range p.sendQueued {
		if key.conn == conn.ID() {
			queuedForConn++
		}
	}
	p.queueMu.Unlock()
	sent := conn.reliableCount()
	if queuedForConn+sent > MaxSendsPerUpdate {
		t.Fatalf("queued(%d)+sent(%d) exceeds MaxSendsPerUpdate(%d)", queuedForConn, sent, MaxSendsPerUpdate)
	}
}

func TestClearPipelineRemovesQueueState(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	conn := newFakeConn(1)
	p, _ := newTestPipeline(t, store, conn)
	defer p.Close()

	p.UpdateForClient(conn, wire.ChunkRequest{CX: 0, CY: 0, CZ: 0, ViewDist: 2})
	waitForSends(t, conn, 1, 2*time.Second)

	p.ClearPipeline(conn)

	p.queueMu.Lock()
	_, hasSendQueue := p.sendQueues[conn.ID()]
	queuedForConn := 0
	for key := range p.prepQueued {
		if key.conn == conn.ID() {
			queuedForConn++
		}
	}
	for key := range p.sendQueued {
		if key.conn == conn.ID() {
			queuedForConn++
		}
	}
	p.queueMu.Unlock()
	if hasSendQueue {
		t.Fatal("ClearPipeline should remove the client's send queue")
	}
	if queuedForConn != 0 {
		t.Fatal("ClearPipeline should remove the client's prep/send-queued entries")
	}
}

func TestOnAckMovesCoordFromPendingToStreamed(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	conn := newFakeConn(1)
	p, sessions := newTestPipeline(t, store, conn)
	defer p.Close()

	coord := voxel.ChunkCoord{CX: 0, CY: 0, CZ: 0}
	sessions.WithChunkInterest(conn, func(ci *session.ChunkInterest) {
		ci.Pending[coord] = time.Now()
		ci.PendingHash[coord] = 42
	})

	if ok := p.OnAck(conn, wire.ChunkAck{AckedType: wire.TagChunkData, Sequence: 42, CX: 0, CY: 0, CZ: 0, Version: 1}); !ok {
		t.Fatal("expected ack should report true")
	}

	sessions.WithChunkInterest(conn, func(ci *session.ChunkInterest) {
		if _, stillPending := ci.Pending[coord]; stillPending {
			t.Fatal("acked coord should leave pending")
		}
		if _, streamed := ci.Streamed[coord]; !streamed {
			t.Fatal("acked coord should enter streamed")
		}
	})
}

func TestOnAckHashMismatchResetsCooldownInsteadOfStreaming(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	conn := newFakeConn(1)
	p, sessions := newTestPipeline(t, store, conn)
	defer p.Close()

	coord := voxel.ChunkCoord{CX: 0, CY: 0, CZ: 0}
	sessions.WithChunkInterest(conn, func(ci *session.ChunkInterest) {
		ci.Pending[coord] = time.Now()
		ci.PendingHash[coord] = 42
	})

	if ok := p.OnAck(conn, wire.ChunkAck{AckedType: wire.TagChunkData, Sequence: 999, CX: 0, CY: 0, CZ: 0, Version: 1}); !ok {
		t.Fatal("a hash mismatch against a pending coord is still an expected ack")
	}

	sessions.WithChunkInterest(conn, func(ci *session.ChunkInterest) {
		newSentAt, stillPending := ci.Pending[coord]
		if !stillPending {
			t.Fatal("hash mismatch should leave the coord pending, not drop it")
		}
		if !newSentAt.IsZero() {
			t.Fatal("hash mismatch should reset sentAt to the epoch so the next update retries immediately")
		}
		if _, streamed := ci.Streamed[coord]; streamed {
			t.Fatal("hash mismatch must not mark the coord streamed")
		}
	})
}

func TestOnAckIgnoresUnexpectedAck(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	conn := newFakeConn(1)
	p, sessions := newTestPipeline(t, store, conn)
	defer p.Close()

	coord := voxel.ChunkCoord{CX: 5, CY: 0, CZ: 5}

	if ok := p.OnAck(conn, wire.ChunkAck{AckedType: wire.TagChunkData, Sequence: 1, CX: 5, CY: 0, CZ: 5, Version: 1}); ok {
		t.Fatal("an ack for a coord that was never pending or streamed should report false")
	}

	sessions.WithChunkInterest(conn, func(ci *session.ChunkInterest) {
		if _, streamed := ci.Streamed[coord]; streamed {
			t.Fatal("an ack for a coord that was never pending must not mark it streamed")
		}
	})
}

func TestOnAckUnregisteredSessionReportsFalse(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	sessions := session.NewManager(nil)
	p := NewPipeline(store, sessions)
	defer p.Close()

	conn := newFakeConn(1) // never Accept()-ed
	if ok := p.OnAck(conn, wire.ChunkAck{AckedType: wire.TagChunkData, Sequence: 1, CX: 0, CY: 0, CZ: 0, Version: 1}); ok {
		t.Fatal("an ack from a connection with no registered session should report false")
	}
}

func TestToLoadSortOrdersByDistanceThenVerticalAnchor(t *testing.T) {
	center := voxel.ChunkCoord{CX: 0, CY: 0, CZ: 0}
	near := voxel.ChunkCoord{CX: 1, CY: 0, CZ: 0}
	far := voxel.ChunkCoord{CX: 5, CY: 0, CZ: 0}
	if !lessToLoad(near, far, center, 0, false) {
		t.Fatal("a horizontally closer chunk should sort before a farther one")
	}
	sameDistCloseY := voxel.ChunkCoord{CX: 1, CY: 1, CZ: 0}
	sameDistFarY := voxel.ChunkCoord{CX: 1, CY: 5, CZ: 0}
	if !lessToLoad(sameDistCloseY, sameDistFarY, center, 0, false) {
		t.Fatal("at equal horizontal distance, the chunk closer to the vertical anchor should sort first")
	}
}
