// Package transport abstracts the dual reliable/unreliable channel a
// connection exposes to the rest of the server: a reliable stream for
// packets that must arrive (chat, chunk data, acks) and an unreliable,
// no-delay channel for packets where a dropped frame is cheaper than a
// stale one (player snapshots).
package transport

import (
	"fmt"

	"github.com/blockrealm/voxeld/pkg/wire"
)

// ConnID identifies a connection for the lifetime of the process.
type ConnID uint64

// Status describes a connection's lifecycle state: a connection is
// Active until the peer or the local side tears it down.
type Status int

const (
	StatusActive Status = iota
	StatusClosedByPeer
	StatusLocalProblem
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosedByPeer:
		return "closed_by_peer"
	case StatusLocalProblem:
		return "local_problem"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the connection has left the Active state.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Conn is one connected client's dual-channel handle.
type Conn interface {
	ID() ConnID
	// SendReliable queues pkt on the reliable, ordered channel.
	SendReliable(pkt wire.Packet) error
	// SendUnreliable best-effort sends pkt with no retransmission or
	// ordering guarantee.
	SendUnreliable(pkt wire.Packet) error
	Status() Status
	Close() error
}

// Inbound is one message received on either channel of a connection.
type Inbound struct {
	Conn   Conn
	Packet wire.Packet
}

// Transport listens for connections and multiplexes every inbound
// message from every connection into a single receive group that the
// network loop drains every tick. Implementations must be safe for
// concurrent use.
type Transport interface {
	// Listen starts accepting connections on addr. Non-blocking: it
	// returns once the listener is bound, and accepted connections and
	// their messages arrive on the channels below.
	Listen(addr string) error

	// Accepted yields newly established connections.
	Accepted() <-chan Conn

	// Closed yields the IDs of connections that left the Active state,
	// exactly once each.
	Closed() <-chan ConnID

	// Receive is the receive group: every inbound message from every
	// connection, reliable or unreliable, interleaved in arrival order.
	Receive() <-chan Inbound

	// Close tears down the listener and every open connection.
	Close() error
}
