package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/blockrealm/voxeld/pkg/wire"
)

// QUICTransport implements Transport over raw QUIC (no HTTP/3 layer):
// each connection opens one client-initiated bidirectional stream for
// the reliable channel, framed with wire.WriteFramed/ReadFramed, plus
// QUIC datagrams for the unreliable channel. A bare quic-go listener
// rather than an HTTP/3 or WebTransport session, since this protocol
// has no HTTP/3 surface to ride on.
type QUICTransport struct {
	listener *quic.Listener

	mu    sync.Mutex
	conns map[ConnID]*quicConn

	nextID atomic.Uint64

	accepted chan Conn
	closed   chan ConnID
	receive  chan Inbound

	closeOnce sync.Once
	done      chan struct{}
}

// NewQUICTransport builds an unstarted transport. Call Listen to bind.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{
		conns:    make(map[ConnID]*quicConn),
		accepted: make(chan Conn, 64),
		closed:   make(chan ConnID, 64),
		receive:  make(chan Inbound, 1024),
		done:     make(chan struct{}),
	}
}

func (t *QUICTransport) Listen(addr string) error {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return fmt.Errorf("transport: generate tls config: %w", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

func (t *QUICTransport) Accepted() <-chan Conn   { return t.accepted }
func (t *QUICTransport) Closed() <-chan ConnID   { return t.closed }
func (t *QUICTransport) Receive() <-chan Inbound { return t.receive }

func (t *QUICTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.listener != nil {
			err = t.listener.Close()
		}
		t.mu.Lock()
		conns := make([]*quicConn, 0, len(t.conns))
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return err
}

func (t *QUICTransport) acceptLoop() {
	for {
		raw, err := t.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				log.Printf("transport: accept error: %v", err)
				return
			}
		}
		id := ConnID(t.nextID.Add(1))
		c := &quicConn{id: id, raw: raw, transport: t}
		c.status.Store(int32(StatusActive))

		t.mu.Lock()
		t.conns[id] = c
		t.mu.Unlock()

		select {
		case t.accepted <- c:
		case <-t.done:
			return
		}
		go t.serveConn(c)
	}
}

func (t *QUICTransport) serveConn(c *quicConn) {
	stream, err := c.raw.AcceptStream(context.Background())
	if err != nil {
		t.dropConn(c, StatusClosedByPeer)
		return
	}
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	go t.readDatagrams(c)
	t.readReliable(c, stream)
}

func (t *QUICTransport) readReliable(c *quicConn, stream quic.Stream) {
	for {
		pkt, err := wire.ReadFramed(stream)
		if err != nil {
			status := StatusClosedByPeer
			if err != io.EOF {
				status = StatusLocalProblem
			}
			t.dropConn(c, status)
			return
		}
		t.deliver(c, pkt)
	}
}

func (t *QUICTransport) readDatagrams(c *quicConn) {
	for {
		raw, err := c.raw.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		pkt, err := wire.Decode(raw)
		if err != nil {
			log.Printf("transport: conn %d: malformed datagram: %v", c.id, err)
			continue
		}
		t.deliver(c, pkt)
	}
}

func (t *QUICTransport) deliver(c *quicConn, pkt wire.Packet) {
	select {
	case t.receive <- Inbound{Conn: c, Packet: pkt}:
	case <-t.done:
	}
}

func (t *QUICTransport) dropConn(c *quicConn, status Status) {
	c.status.Store(int32(status))
	t.mu.Lock()
	_, already := t.conns[c.id]
	delete(t.conns, c.id)
	t.mu.Unlock()
	if !already {
		return
	}
	_ = c.raw.CloseWithError(0, "")
	select {
	case t.closed <- c.id:
	case <-t.done:
	}
}

// quicConn adapts a quic.Connection plus its reliable stream to Conn.
type quicConn struct {
	id        ConnID
	raw       quic.Connection
	transport *QUICTransport

	mu     sync.Mutex
	stream quic.Stream

	status atomic.Int32
}

func (c *quicConn) ID() ConnID { return c.id }

func (c *quicConn) Status() Status { return Status(c.status.Load()) }

func (c *quicConn) SendReliable(pkt wire.Packet) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("transport: reliable stream not yet established for conn %d", c.id)
	}
	if err := wire.WriteFramed(stream, pkt); err != nil {
		c.transport.dropConn(c, StatusLocalProblem)
		return err
	}
	return nil
}

func (c *quicConn) SendUnreliable(pkt wire.Packet) error {
	raw, err := wire.Encode(pkt)
	if err != nil {
		return err
	}
	if err := c.raw.SendDatagram(raw); err != nil {
		c.transport.dropConn(c, StatusLocalProblem)
		return err
	}
	return nil
}

func (c *quicConn) Close() error {
	c.transport.dropConn(c, StatusLocalProblem)
	return nil
}

// selfSignedTLSConfig generates an ephemeral ECDSA certificate for the
// QUIC handshake. There is no CA-issued cert in this deployment shape
// (this is a bare listen(port) for a private game
// server, not a public HTTPS endpoint); clients are expected to pin
// or skip verification the way
// game clients do for a private server address.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"voxeld"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"voxeld"},
	}, nil
}
