// Package session tracks connected players: username allocation,
// heartbeat-based liveness, and the periodic unreliable snapshot
// broadcast.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockrealm/voxeld/pkg/transport"
	"github.com/blockrealm/voxeld/pkg/voxel"
	"github.com/blockrealm/voxeld/pkg/wire"
)

// SpawnX, SpawnY, SpawnZ are the fixed coordinates every new player
// record starts at.
const (
	SpawnX float32 = 0
	SpawnY float32 = 60
	SpawnZ float32 = 0
)

// SnapshotInterval is how often broadcastSnapshots runs.
const SnapshotInterval = 100 * time.Millisecond

// GravityAccel and FloorY implement the server's physics stub: every
// player accelerates downward each tick and clamps to a fixed floor
// plane. There is no collision against the block store here — a real
// voxel collision check is out of scope.
const (
	GravityAccel float32 = -32
	FloorY       float32 = SpawnY
)

// HeartbeatTimeout is how long a session may go without a heartbeat
// before it is considered stale. Transport-level disconnect detection
// is handled separately in pkg/netserver; this timeout backs up the
// case where the transport itself never notices a silently vanished
// peer.
const HeartbeatTimeout = 30 * time.Second

// Player is one connected player's authoritative, server-owned state.
type Player struct {
	ID         uint64
	Username   string
	PX, PY, PZ float32
	VX, VY, VZ float32
	Yaw, Pitch float32
	OnGround   bool
}

// ChunkInterest is the per-connection chunk streaming state: which
// chunks a client has already been sent, which are in flight, and
// its current view interest. It belongs to the session rather than to
// the streaming pipeline because it is part of what a connection IS —
// the pipeline's own mutex is reserved for the prep/send queues it
// actually owns.
type ChunkInterest struct {
	Streamed       map[voxel.ChunkCoord]struct{}
	Pending        map[voxel.ChunkCoord]time.Time
	PendingHash    map[voxel.ChunkCoord]uint32
	InterestCenter voxel.ChunkCoord
	ViewDistance   int32
	HasInterest    bool
}

func newChunkInterest() *ChunkInterest {
	return &ChunkInterest{
		Streamed:    make(map[voxel.ChunkCoord]struct{}),
		Pending:     make(map[voxel.ChunkCoord]time.Time),
		PendingHash: make(map[voxel.ChunkCoord]uint32),
	}
}

// Session is one connection's identity, liveness, and streaming
// interest state.
type Session struct {
	Conn     transport.Conn
	Username string
	PlayerID uint64

	mu            sync.Mutex
	lastHeartbeat time.Time
	interest      *ChunkInterest
}

// WithChunkInterest runs fn with exclusive access to this session's
// chunk streaming state, under the same mutex that guards its
// liveness fields.
func (s *Session) WithChunkInterest(fn func(*ChunkInterest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.interest)
}

// Manager owns every session and the player records they resolve to.
type Manager struct {
	mu       sync.RWMutex
	sessions map[transport.ConnID]*Session
	players  map[uint64]*Player
	usedName map[string]struct{}
	counter  uint32

	onBroadcastReliable func(wire.Packet, transport.ConnID)
}

// NewManager builds an empty session manager. onBroadcastReliable is
// called to fan a packet out to every session except the one whose
// ConnID is passed (0 to exclude none); the network loop supplies it
// so this package does not need its own connection registry beyond
// the sessions map it already keeps.
func NewManager(onBroadcastReliable func(wire.Packet, transport.ConnID)) *Manager {
	return &Manager{
		sessions:            make(map[transport.ConnID]*Session),
		players:             make(map[uint64]*Player),
		usedName:            make(map[string]struct{}),
		onBroadcastReliable: onBroadcastReliable,
	}
}

// Accept registers a new connection with an empty username.
func (m *Manager) Accept(conn transport.Conn) *Session {
	s := &Session{Conn: conn, lastHeartbeat: time.Now(), interest: newChunkInterest()}
	m.mu.Lock()
	m.sessions[conn.ID()] = s
	m.mu.Unlock()
	return s
}

// WithChunkInterest resolves conn's session and runs fn with its chunk
// streaming state. Reports false if conn has no registered session, in
// which case fn is not called — the caller should treat that the same
// as any other unregistered-sender drop.
func (m *Manager) WithChunkInterest(conn transport.Conn, fn func(*ChunkInterest)) bool {
	m.mu.RLock()
	s, ok := m.sessions[conn.ID()]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.WithChunkInterest(fn)
	return true
}

// OnConnectRequest allocates an auto-name for conn regardless of the
// username it requested (the requested name is decoded off the wire
// and discarded) and a player record at the fixed spawn point. It
// replies with ConnectResponse and, on
// success, broadcasts ClientConnect to every other session.
func (m *Manager) OnConnectRequest(conn transport.Conn, req wire.ConnectRequest) {
	m.mu.Lock()
	s, ok := m.sessions[conn.ID()]
	if !ok {
		m.mu.Unlock()
		_ = conn.SendReliable(wire.ConnectResponse{OK: false})
		return
	}

	name := m.allocateNameLocked()
	playerID := m.nextPlayerIDLocked()
	player := &Player{ID: playerID, Username: name, PX: SpawnX, PY: SpawnY, PZ: SpawnZ}
	m.players[playerID] = player
	m.usedName[name] = struct{}{}

	// Re-check the session is still registered; if the connection
	// vanished while we were allocating, roll the player record back.
	if _, stillHere := m.sessions[conn.ID()]; !stillHere {
		delete(m.players, playerID)
		delete(m.usedName, name)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.Username = name
	s.PlayerID = playerID
	s.mu.Unlock()

	_ = conn.SendReliable(wire.ConnectResponse{OK: true})
	if m.onBroadcastReliable != nil {
		m.onBroadcastReliable(wire.ClientConnect{Username: name}, conn.ID())
	}
}

func (m *Manager) allocateNameLocked() string {
	for {
		m.counter++
		if m.counter > 9999 {
			m.counter = 0
		}
		candidate := fmt.Sprintf("player%04d", m.counter)
		if _, taken := m.usedName[candidate]; !taken {
			return candidate
		}
	}
}

func (m *Manager) nextPlayerIDLocked() uint64 {
	id := uuid.New()
	// Fold the UUID down to a uint64 player id; PlayerSnapshot carries
	// a u64 id field, not a full 128-bit UUID.
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	if v == 0 {
		v = 1
	}
	return v
}

// OnHeartbeat refreshes the liveness clock of the session whose player
// has playerID.
func (m *Manager) OnHeartbeat(playerID uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.PlayerID == playerID {
			s.mu.Lock()
			s.lastHeartbeat = time.Now()
			s.mu.Unlock()
			return
		}
	}
}

// RefreshHeartbeat marks conn's session alive right now. It exists for
// handlers that have the connection but not a playerID (ShootRequest,
// for instance).
func (m *Manager) RefreshHeartbeat(conn transport.Conn) {
	m.mu.RLock()
	s, ok := m.sessions[conn.ID()]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// OnPlayerPosition overwrites a player's authoritative position and
// refreshes its heartbeat. It intentionally never touches streaming
// interest — streaming is driven only by explicit ChunkRequest packets.
func (m *Manager) OnPlayerPosition(conn transport.Conn, pos wire.PlayerPosition) {
	m.mu.Lock()
	s, ok := m.sessions[conn.ID()]
	if !ok {
		m.mu.Unlock()
		return
	}
	player, hasPlayer := m.players[s.PlayerID]
	m.mu.Unlock()
	if !hasPlayer {
		return
	}

	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	m.mu.Lock()
	player.PX, player.PY, player.PZ = pos.X, pos.Y, pos.Z
	player.VX, player.VY, player.VZ = pos.VX, pos.VY, pos.VZ
	m.mu.Unlock()
}

// UpdatePhysics advances every player's vertical velocity by gravity
// and integrates position over dt, clamping to the floor plane and
// setting OnGround accordingly. Called once per network-loop tick.
func (m *Manager) UpdatePhysics(dt time.Duration) {
	seconds := float32(dt.Seconds())
	if seconds <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.players {
		p.VY += GravityAccel * seconds
		p.PY += p.VY * seconds
		if p.PY <= FloorY {
			p.PY = FloorY
			p.VY = 0
			p.OnGround = true
		} else {
			p.OnGround = false
		}
	}
}

// EvictStale drops every session whose heartbeat has gone quiet for
// longer than HeartbeatTimeout, in addition to whatever transport-
// level eviction the network loop already performs. Returns the
// evicted sessions so the caller can clear their streaming state.
func (m *Manager) EvictStale() []*Session {
	cutoff := time.Now().Add(-HeartbeatTimeout)

	m.mu.Lock()
	var evicted []*Session
	for id, s := range m.sessions {
		s.mu.Lock()
		stale := s.lastHeartbeat.Before(cutoff)
		s.mu.Unlock()
		if stale {
			evicted = append(evicted, s)
			delete(m.sessions, id)
			delete(m.players, s.PlayerID)
			delete(m.usedName, s.Username)
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		if m.onBroadcastReliable != nil && s.Username != "" {
			m.onBroadcastReliable(wire.ClientDisconnect{Username: s.Username}, 0)
		}
	}
	return evicted
}

// UsernameFor returns the allocated username for conn, or "" if it has
// no registered session yet (e.g. chat arriving before ConnectRequest
// completes).
func (m *Manager) UsernameFor(conn transport.Conn) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conn.ID()]
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Username
}

// Remove drops a single session immediately — used when the transport
// reports a terminal connection state outside the heartbeat sweep
// .
func (m *Manager) Remove(conn transport.Conn) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[conn.ID()]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.sessions, conn.ID())
	delete(m.players, s.PlayerID)
	delete(m.usedName, s.Username)
	m.mu.Unlock()
	return s, true
}

// BuildSnapshotFor serializes every currently known player into the
// body of a PlayerSnapshot. Returns an empty-but-valid packet if
// recipient has no registered session.
func (m *Manager) BuildSnapshotFor(recipient transport.ConnID) wire.PlayerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[recipient]; !ok {
		return wire.PlayerSnapshot{}
	}

	entries := make([]wire.PlayerSnapshotEntry, 0, len(m.players))
	for _, p := range m.players {
		entries = append(entries, wire.PlayerSnapshotEntry{
			ID: p.ID,
			PX: p.PX, PY: p.PY, PZ: p.PZ,
			VX: p.VX, VY: p.VY, VZ: p.VZ,
			Yaw: p.Yaw, Pitch: p.Pitch,
			OnGround: p.OnGround,
		})
	}
	return wire.PlayerSnapshot{Players: entries}
}

// BroadcastSnapshots sends every session with a player id its
// snapshot over the unreliable channel, evicting any session whose
// snapshot comes back empty. Intended to be called on
// SnapshotInterval by the network loop.
func (m *Manager) BroadcastSnapshots() {
	m.mu.RLock()
	type target struct {
		conn     transport.Conn
		playerID uint64
	}
	var targets []target
	for _, s := range m.sessions {
		s.mu.Lock()
		hasPlayer := s.PlayerID != 0
		s.mu.Unlock()
		if hasPlayer {
			targets = append(targets, target{conn: s.Conn, playerID: s.PlayerID})
		}
	}
	m.mu.RUnlock()

	for _, t := range targets {
		snap := m.BuildSnapshotFor(t.conn.ID())
		if len(snap.Players) == 0 {
			m.Remove(t.conn)
			continue
		}
		_ = t.conn.SendUnreliable(snap)
	}
}
