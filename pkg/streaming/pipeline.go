// Package streaming implements the per-client chunk streaming state
// machine: deciding what a connection should see, preparing chunk
// data off the hot path, sending it, and reconciling acknowledgments
// against a bounded queue with retry cooldowns.
package streaming

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/blockrealm/voxeld/pkg/session"
	"github.com/blockrealm/voxeld/pkg/transport"
	"github.com/blockrealm/voxeld/pkg/voxel"
	"github.com/blockrealm/voxeld/pkg/wire"
)

// Tunables. MaxPrepQueue and MaxSendQueuePerClient are deliberately
// generous so backpressure only triggers under genuinely pathological
// request rates.
const (
	MaxPendingChunkData   = 128
	MaxPrepQueue          = 512
	MaxSendQueuePerClient = 256
	MaxSendsPerUpdate     = 24
	ChunkRetryInterval    = 500 * time.Millisecond
	ViewDistanceClampMin  = 2
)

// ViewDistanceClampMax is ⌈√(spanX² + spanZ²)⌉ over the chunk-grid
// extents, the largest radius that could ever contain the whole world.
var ViewDistanceClampMax = int32(math.Ceil(math.Sqrt(
	float64(voxel.WorldMaxChunkX-voxel.WorldMinChunkX)*float64(voxel.WorldMaxChunkX-voxel.WorldMinChunkX) +
		float64(voxel.WorldMaxChunkZ-voxel.WorldMinChunkZ)*float64(voxel.WorldMaxChunkZ-voxel.WorldMinChunkZ))))

func clampViewDistance(v int32) int32 {
	if v < ViewDistanceClampMin {
		return ViewDistanceClampMin
	}
	if v > ViewDistanceClampMax {
		return ViewDistanceClampMax
	}
	return v
}

// ConnSessions is the subset of *session.Manager the pipeline needs:
// access to each connection's chunk interest state. That state lives
// in pkg/session, not here — see session.ChunkInterest.
type ConnSessions interface {
	WithChunkInterest(conn transport.Conn, fn func(*session.ChunkInterest)) bool
}

type prepKey struct {
	conn  transport.ConnID
	coord voxel.ChunkCoord
}

type prepTask struct {
	conn  transport.Conn
	coord voxel.ChunkCoord
}

// Pipeline drives chunk streaming for every connected client against a
// single world store. Per-client interest/streamed/pending state lives
// in pkg/session (see ConnSessions); this struct owns only the
// prep/send queues, under queueMu.
type Pipeline struct {
	store    *voxel.ChunkStore
	sessions ConnSessions

	queueMu    sync.Mutex
	prepQueued map[prepKey]struct{}
	sendQueued map[prepKey]struct{}
	sendQueues map[transport.ConnID][]voxel.ChunkCoord

	prepCh chan prepTask
	done   chan struct{}
}

// NewPipeline builds a pipeline backed by store and starts its single
// prep worker goroutine. sessions resolves each connection's chunk
// interest state.
func NewPipeline(store *voxel.ChunkStore, sessions ConnSessions) *Pipeline {
	p := &Pipeline{
		store:      store,
		sessions:   sessions,
		prepQueued: make(map[prepKey]struct{}),
		sendQueued: make(map[prepKey]struct{}),
		sendQueues: make(map[transport.ConnID][]voxel.ChunkCoord),
		prepCh:     make(chan prepTask, MaxPrepQueue),
		done:       make(chan struct{}),
	}
	go p.prepWorker()
	return p
}

// Close stops the prep worker. Outstanding prep tasks are abandoned.
func (p *Pipeline) Close() {
	close(p.done)
}

// ClearPipeline drops the prep/send queue state associated with conn.
// Prep tasks already sitting in the buffered channel are not removed
// from it — they fail the "still pending" check when popped and are
// discarded there instead, exactly as in-flight tasks are. The
// connection's chunk interest itself lives in its session and is
// dropped when the session is removed, not here.
func (p *Pipeline) ClearPipeline(conn transport.Conn) {
	id := conn.ID()

	p.queueMu.Lock()
	for key := range p.prepQueued {
		if key.conn == id {
			delete(p.prepQueued, key)
		}
	}
	for key := range p.sendQueued {
		if key.conn == id {
			delete(p.sendQueued, key)
		}
	}
	delete(p.sendQueues, id)
	p.queueMu.Unlock()
}

// UpdateForClient runs the eight-step update-for-client algorithm in
// response to a ChunkRequest. It is a no-op if conn has no registered
// session — callers are expected to gate ChunkRequest on that already.
func (p *Pipeline) UpdateForClient(conn transport.Conn, req wire.ChunkRequest) {
	// Step 1: clamp view distance.
	viewDistance := clampViewDistance(int32(req.ViewDist))
	center := voxel.ChunkCoord{CX: req.CX, CY: req.CY, CZ: req.CZ}

	// Step 2: desired set. Every cy in the world's vertical range is
	// deliberate, not an oversight — this streamer
	// gives clients full vertical chunk visibility within the radial
	// footprint, not just a horizontal column.
	desired := desiredSet(center, viewDistance)

	p.sessions.WithChunkInterest(conn, func(ci *session.ChunkInterest) {
		// Step 3: update interest, snapshot streamed/pending, evict stale pending.
		ci.InterestCenter = center
		ci.ViewDistance = viewDistance
		initialSync := !ci.HasInterest
		ci.HasInterest = true

		streamedSnapshot := make(map[voxel.ChunkCoord]struct{}, len(ci.Streamed))
		for coord := range ci.Streamed {
			streamedSnapshot[coord] = struct{}{}
		}
		pendingSnapshot := make(map[voxel.ChunkCoord]time.Time, len(ci.Pending))
		for coord, sentAt := range ci.Pending {
			pendingSnapshot[coord] = sentAt
		}

		for coord := range ci.Pending {
			if _, ok := desired[coord]; !ok {
				delete(ci.Pending, coord)
				delete(ci.PendingHash, coord)
			}
		}

		// Step 4: toLoad = desired \ streamed, minus fresh-enough pending.
		now := time.Now()
		var toLoad []voxel.ChunkCoord
		for coord := range desired {
			if _, ok := streamedSnapshot[coord]; ok {
				continue
			}
			if sentAt, ok := pendingSnapshot[coord]; ok && now.Sub(sentAt) < ChunkRetryInterval {
				continue
			}
			toLoad = append(toLoad, coord)
		}

		// Step 5: sort.
		verticalAnchor := center.CY
		if verticalAnchor < voxel.WorldMinChunkY {
			verticalAnchor = voxel.WorldMinChunkY
		}
		if verticalAnchor > voxel.WorldMaxChunkY {
			verticalAnchor = voxel.WorldMaxChunkY
		}
		if verticalAnchor == voxel.WorldMaxChunkY {
			verticalAnchor--
		}
		sort.Slice(toLoad, func(i, j int) bool {
			return lessToLoad(toLoad[i], toLoad[j], center, verticalAnchor, initialSync)
		})

		// Step 6: queue preps, respecting both backpressure caps.
		queued := 0
		for _, coord := range toLoad {
			if queued >= MaxSendsPerUpdate {
				break
			}
			_, isRetry := ci.Pending[coord]
			if !isRetry && len(ci.Pending) >= MaxPendingChunkData {
				break
			}
			if !p.queuePrep(conn, coord) {
				break
			}
			ci.Pending[coord] = now
			queued++
		}

		// Step 7: unload whatever fell outside desired.
		toUnload := make(map[voxel.ChunkCoord]struct{})
		for coord := range streamedSnapshot {
			if _, ok := desired[coord]; !ok {
				toUnload[coord] = struct{}{}
			}
		}
		for coord := range pendingSnapshot {
			if _, ok := desired[coord]; !ok {
				toUnload[coord] = struct{}{}
			}
		}
		for coord := range toUnload {
			_ = conn.SendReliable(wire.ChunkUnload{CX: coord.CX, CY: coord.CY, CZ: coord.CZ})
			delete(ci.Streamed, coord)
			delete(ci.Pending, coord)
			delete(ci.PendingHash, coord)
		}

		// Step 8: flush this connection's send queue.
		for i := 0; i < MaxSendsPerUpdate; i++ {
			coord, ok := p.popSendQueue(conn)
			if !ok {
				break
			}
			if _, stillPending := ci.Pending[coord]; !stillPending {
				continue
			}
			hash, err := p.sendChunkData(conn, coord)
			if err != nil {
				continue
			}
			ci.Pending[coord] = time.Now()
			ci.PendingHash[coord] = hash
		}
	})
}

func desiredSet(center voxel.ChunkCoord, viewDistance int32) map[voxel.ChunkCoord]struct{} {
	desired := make(map[voxel.ChunkCoord]struct{})
	r2 := viewDistance * viewDistance
	for dx := -viewDistance; dx <= viewDistance; dx++ {
		for dz := -viewDistance; dz <= viewDistance; dz++ {
			if dx*dx+dz*dz > r2 {
				continue
			}
			cx, cz := center.CX+dx, center.CZ+dz
			for cy := int32(voxel.WorldMinChunkY); cy <= voxel.WorldMaxChunkY; cy++ {
				coord := voxel.ChunkCoord{CX: cx, CY: cy, CZ: cz}
				if voxel.InBounds(coord) {
					desired[coord] = struct{}{}
				}
			}
		}
	}
	return desired
}

func lessToLoad(a, b, center voxel.ChunkCoord, verticalAnchor int32, initialSync bool) bool {
	da := sq(a.CX-center.CX) + sq(a.CZ-center.CZ)
	db := sq(b.CX-center.CX) + sq(b.CZ-center.CZ)
	if da != db {
		return da < db
	}
	if initialSync {
		aBelow := a.CY <= verticalAnchor
		bBelow := b.CY <= verticalAnchor
		if aBelow != bBelow {
			return aBelow
		}
	}
	da2 := absInt32(a.CY - verticalAnchor)
	db2 := absInt32(b.CY - verticalAnchor)
	if da2 != db2 {
		return da2 < db2
	}
	if a.CX != b.CX {
		return a.CX < b.CX
	}
	if a.CY != b.CY {
		return a.CY < b.CY
	}
	return a.CZ < b.CZ
}

func sq(v int32) int32 {
	return v * v
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// queuePrep attempts to enqueue (conn, coord) for preparation. It
// reports false only when the prep queue itself is full; a coordinate
// already in flight (prepQueued or sendQueued) is treated as success
// since it suppresses re-enqueueing rather than failing the caller.
func (p *Pipeline) queuePrep(conn transport.Conn, coord voxel.ChunkCoord) bool {
	key := prepKey{conn: conn.ID(), coord: coord}

	p.queueMu.Lock()
	if _, ok := p.prepQueued[key]; ok {
		p.queueMu.Unlock()
		return true
	}
	if _, ok := p.sendQueued[key]; ok {
		p.queueMu.Unlock()
		return true
	}
	select {
	case p.prepCh <- prepTask{conn: conn, coord: coord}:
		p.prepQueued[key] = struct{}{}
		p.queueMu.Unlock()
		return true
	default:
		p.queueMu.Unlock()
		return false
	}
}

func (p *Pipeline) popSendQueue(conn transport.Conn) (voxel.ChunkCoord, bool) {
	id := conn.ID()
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	q := p.sendQueues[id]
	if len(q) == 0 {
		return voxel.ChunkCoord{}, false
	}
	coord := q[0]
	p.sendQueues[id] = q[1:]
	delete(p.sendQueued, prepKey{conn: id, coord: coord})
	return coord, true
}

func (p *Pipeline) prepWorker() {
	for {
		select {
		case <-p.done:
			return
		case task := <-p.prepCh:
			p.prepOne(task)
		}
	}
}

func (p *Pipeline) prepOne(task prepTask) {
	key := prepKey{conn: task.conn.ID(), coord: task.coord}

	stillPending := false
	p.sessions.WithChunkInterest(task.conn, func(ci *session.ChunkInterest) {
		_, stillPending = ci.Pending[task.coord]
	})

	if !stillPending {
		p.queueMu.Lock()
		delete(p.prepQueued, key)
		p.queueMu.Unlock()
		return
	}

	// Materialize the chunk plus its one-ring neighborhood so the
	// streaming boundary has correct block visibility at borders. Every
	// coordinate in the neighborhood is decorated, not just
	// terrain-filled, so a tree rooted in one chunk is visible in the
	// neighbor it spans into.
	for dx := int32(-1); dx <= 1; dx++ {
		for dy := int32(-1); dy <= 1; dy++ {
			for dz := int32(-1); dz <= 1; dz++ {
				coord := voxel.ChunkCoord{CX: task.coord.CX + dx, CY: task.coord.CY + dy, CZ: task.coord.CZ + dz}
				if !voxel.InBounds(coord) {
					continue
				}
				_, _ = p.store.GenerateDecoratedAt(coord)
			}
		}
	}

	p.queueMu.Lock()
	delete(p.prepQueued, key)
	if len(p.sendQueues[task.conn.ID()]) >= MaxSendQueuePerClient {
		p.queueMu.Unlock()
		return
	}
	p.sendQueued[key] = struct{}{}
	p.sendQueues[task.conn.ID()] = append(p.sendQueues[task.conn.ID()], task.coord)
	p.queueMu.Unlock()

	// Flush the send queue now, so a prepared chunk goes out without
	// waiting for the client's next ChunkRequest.
	p.sessions.WithChunkInterest(task.conn, func(ci *session.ChunkInterest) {
		for coord, ok := p.popSendQueue(task.conn); ok; coord, ok = p.popSendQueue(task.conn) {
			if _, stillPending := ci.Pending[coord]; !stillPending {
				continue
			}
			if hash, err := p.sendChunkData(task.conn, coord); err == nil {
				ci.Pending[coord] = time.Now()
				ci.PendingHash[coord] = hash
			}
		}
	})
}

// sendChunkData serializes and sends the prepared chunk at coord,
// returning the FNV-1a-32 hash of the encoded outer packet.
func (p *Pipeline) sendChunkData(conn transport.Conn, coord voxel.ChunkCoord) (uint32, error) {
	c, ok := p.store.TryGet(coord)
	if !ok {
		var err error
		c, err = p.store.LoadOrGenerate(coord)
		if err != nil {
			return 0, err
		}
	}

	raw := c.SerializeCompressed()
	payload, compressed := voxel.CompressForWire(raw)
	flags := byte(0)
	if compressed {
		flags |= wire.FlagCompressed
	}
	pkt := wire.ChunkData{CX: coord.CX, CY: coord.CY, CZ: coord.CZ, Version: c.Version(), Flags: flags, Payload: payload}

	encoded, err := wire.Encode(pkt)
	if err != nil {
		return 0, err
	}
	if err := conn.SendReliable(pkt); err != nil {
		return 0, err
	}
	return fnv1a32(encoded), nil
}

func fnv1a32(data []byte) uint32 {
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}

// OnAck reconciles a ChunkAck against a connection's pending set. It
// applies uniformly to ChunkData,
// ChunkDelta, and ChunkUnload acks: the coord leaves pending and
// enters streamed only when it was actually pending and either no
// expected hash was recorded or the ack's sequence matches it.
//
// It reports false when conn has no registered session or the ack
// matched neither a pending nor an already-streamed coordinate — the
// caller should log that case, since this package has no logger of
// its own.
func (p *Pipeline) OnAck(conn transport.Conn, ack wire.ChunkAck) bool {
	coord := voxel.ChunkCoord{CX: ack.CX, CY: ack.CY, CZ: ack.CZ}

	expected := false
	hasSession := p.sessions.WithChunkInterest(conn, func(ci *session.ChunkInterest) {
		_, pending := ci.Pending[coord]
		_, streamed := ci.Streamed[coord]
		if !pending {
			expected = streamed
			return
		}
		expected = true

		expectedHash, haveExpected := ci.PendingHash[coord]
		if haveExpected && ack.Sequence != expectedHash {
			ci.Pending[coord] = time.Time{} // reset sentAt to the epoch: re-queue immediately, bypassing cooldown
			return
		}

		delete(ci.Pending, coord)
		delete(ci.PendingHash, coord)
		ci.Streamed[coord] = struct{}{}
	})
	return hasSession && expected
}
