// Package netserver drives the authoritative tick loop: accepting
// connections, dispatching inbound packets to the session, chat, and
// streaming subsystems, and broadcasting player snapshots. A single
// owner goroutine mutates all player/session state; the dispatch loop
// drains Transport's channels rather than blocking on a net.Conn, so
// it fits a QUIC transport whose events arrive asynchronously from
// its own internal goroutines.
package netserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blockrealm/voxeld/pkg/chat"
	"github.com/blockrealm/voxeld/pkg/housekeeping"
	"github.com/blockrealm/voxeld/pkg/session"
	"github.com/blockrealm/voxeld/pkg/streaming"
	"github.com/blockrealm/voxeld/pkg/transport"
	"github.com/blockrealm/voxeld/pkg/voxel"
	"github.com/blockrealm/voxeld/pkg/wire"
)

// TickInterval is the period of the loop's physics ticker.
const TickInterval = 10 * time.Millisecond

// clientLimiters is one rate.Limiter pair per connection, for the
// chunk-request and chat-message budgets a misbehaving or buggy client
// could otherwise use to flood the prep queue or chat history. Uses a
// non-blocking Allow check rather than a blocking wait, since this
// loop must never block on a single connection.
type clientLimiters struct {
	chunkRequests *rate.Limiter
	chatMessages  *rate.Limiter
}

// Server owns every subsystem and runs the single dispatch loop.
type Server struct {
	cfg Config

	transport   transport.Transport
	sessions    *session.Manager
	streams     *streaming.Pipeline
	store       *voxel.ChunkStore
	chatHistory *chat.History
	scheduler   *housekeeping.Scheduler

	mu       sync.RWMutex
	conns    map[transport.ConnID]transport.Conn
	limiters map[transport.ConnID]*clientLimiters

	logger *slog.Logger
}

// New wires every subsystem together. It does not start listening;
// call Run for that.
func New(cfg Config, tp transport.Transport, store *voxel.ChunkStore, chatHistory *chat.History, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:         cfg,
		transport:   tp,
		store:       store,
		chatHistory: chatHistory,
		conns:       make(map[transport.ConnID]transport.Conn),
		limiters:    make(map[transport.ConnID]*clientLimiters),
		logger:      logger,
	}
	s.sessions = session.NewManager(s.broadcastReliable)
	s.streams = streaming.NewPipeline(store, s.sessions)
	return s
}

func (s *Server) broadcastReliable(pkt wire.Packet, exclude transport.ConnID) {
	for _, conn := range s.connectedConns() {
		if conn.ID() == exclude {
			continue
		}
		_ = conn.SendReliable(pkt)
	}
}

// connectedConns snapshots the live connection set, kept up to date by
// onAccept/onClose.
func (s *Server) connectedConns() []transport.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transport.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Run parses the MaxIdle duration from cfg (falling back to
// housekeeping.DefaultMaxIdle), starts the
// housekeeping scheduler and transport listener, and blocks running
// the dispatch loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	maxIdle, err := time.ParseDuration(s.cfg.MaxIdle)
	if err != nil {
		maxIdle = housekeeping.DefaultMaxIdle
	}
	s.scheduler = housekeeping.New(s.store, maxIdle, s.logger)
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	defer s.scheduler.Stop()

	if err := s.transport.Listen(s.cfg.ListenAddr); err != nil {
		return err
	}
	defer s.transport.Close()
	defer s.streams.Close()

	s.logger.Info("listening", "addr", s.cfg.ListenAddr)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	snapshotTicker := time.NewTicker(session.SnapshotInterval)
	defer snapshotTicker.Stop()

	lastFrame := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-s.transport.Accepted():
			s.onAccept(conn)
		case id := <-s.transport.Closed():
			s.onClose(id)
		case in := <-s.transport.Receive():
			s.dispatch(in.Conn, in.Packet)
		case <-snapshotTicker.C:
			s.sessions.BroadcastSnapshots()
			for _, sess := range s.sessions.EvictStale() {
				s.streams.ClearPipeline(sess.Conn)
			}
		case now := <-ticker.C:
			s.sessions.UpdatePhysics(now.Sub(lastFrame))
			lastFrame = now
		}
	}
}

func (s *Server) onAccept(conn transport.Conn) {
	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.limiters[conn.ID()] = &clientLimiters{
		chunkRequests: rate.NewLimiter(rate.Limit(s.cfg.ChunkRequestsPerSecond), int(s.cfg.ChunkRequestsPerSecond)+1),
		chatMessages:  rate.NewLimiter(rate.Limit(s.cfg.ChatMessagesPerSecond), int(s.cfg.ChatMessagesPerSecond)+1),
	}
	s.mu.Unlock()
	s.sessions.Accept(conn)
}

func (s *Server) onClose(id transport.ConnID) {
	s.mu.Lock()
	conn := s.conns[id]
	delete(s.conns, id)
	delete(s.limiters, id)
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if sess, ok := s.sessions.Remove(conn); ok {
		s.broadcastReliable(wire.ClientDisconnect{Username: sess.Username}, id)
	}
	s.streams.ClearPipeline(conn)
}

func (s *Server) dispatch(conn transport.Conn, pkt wire.Packet) {
	switch p := pkt.(type) {
	case wire.ConnectRequest:
		s.sessions.OnConnectRequest(conn, p)
	case wire.Message:
		s.onChatMessage(conn, p)
	case wire.PlayerPosition:
		s.sessions.OnPlayerPosition(conn, p)
	case wire.ChunkRequest:
		s.onChunkRequest(conn, p)
	case wire.ChunkAck:
		if !s.streams.OnAck(conn, p) {
			s.logger.Warn("unexpected chunk ack", "cx", p.CX, "cy", p.CY, "cz", p.CZ, "sequence", p.Sequence)
		}
	case wire.ShootRequest:
		s.onShootRequest(conn, p)
	default:
		s.logger.Warn("unhandled packet", "type", pkt.Tag())
	}
}

func (s *Server) onChatMessage(conn transport.Conn, p wire.Message) {
	lim := s.limiterFor(conn)
	if lim != nil && !lim.chatMessages.Allow() {
		return
	}
	username := s.sessions.UsernameFor(conn)
	if username == "" {
		return
	}
	msg := chat.Message{Username: username, Text: p.Text, Timestamp: time.Now()}
	if s.chatHistory != nil {
		if err := s.chatHistory.Append(msg); err != nil {
			s.logger.Error("chat append failed", "error", err)
		}
	}
	s.broadcastReliable(wire.Message{Text: username + ":" + p.Text}, 0)
}

func (s *Server) onChunkRequest(conn transport.Conn, p wire.ChunkRequest) {
	lim := s.limiterFor(conn)
	if lim != nil && !lim.chunkRequests.Allow() {
		return
	}
	username := s.sessions.UsernameFor(conn)
	if username == "" {
		return
	}
	s.streams.UpdateForClient(conn, p)
}

// onShootRequest rubber-stamps every shot as a hit on entity 123 for
// 25 damage. A real hit scan against the block store and the player
// set at the client's lag-compensated time is not implemented.
func (s *Server) onShootRequest(conn transport.Conn, p wire.ShootRequest) {
	s.sessions.RefreshHeartbeat(conn)

	result := wire.ShootResult{
		ShotID:     p.ShotID,
		Tick:       p.Tick,
		Accepted:   true,
		DidHit:     true,
		HitEntity:  123,
		HitX:       p.PosX + p.DirX,
		HitY:       p.PosY + p.DirY,
		HitZ:       p.PosZ + p.DirZ,
		NormalX:    -p.DirX,
		NormalY:    -p.DirY,
		NormalZ:    -p.DirZ,
		Damage:     25,
		Ammo:       9,
		ServerSeed: p.Seed,
	}
	_ = conn.SendReliable(result)
}

func (s *Server) limiterFor(conn transport.Conn) *clientLimiters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiters[conn.ID()]
}
