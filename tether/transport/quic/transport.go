// Package quic is the network Transport: QUIC over a single UDP socket
// used both to accept and to dial, one frame per stream. Because peers
// dial from their listening socket, the address a frame arrived from is
// also where the reply goes.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/tether/tether/protocol"
	"github.com/TheusHen/tether/tether/transport"
)

const (
	inboxSize     = 128
	streamTimeout = 30 * time.Second
)

type Transport struct {
	udp     *net.UDPConn
	tr      *q.Transport
	ln      *q.Listener
	tlsConf *tls.Config
	conf    *q.Config
	log     *slog.Logger
	inbox   chan transport.Message

	mu    sync.Mutex
	conns map[string]q.Connection

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// Listen binds addr (e.g. ":7420") and starts accepting connections.
func Listen(addr string, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	tlsConf, err := newTLSConfig()
	if err != nil {
		udp.Close()
		return nil, err
	}
	conf := &q.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  time.Minute,
	}

	tr := &q.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, conf)
	if err != nil {
		udp.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		udp:     udp,
		tr:      tr,
		ln:      ln,
		tlsConf: tlsConf,
		conf:    conf,
		log:     logger,
		inbox:   make(chan transport.Message, inboxSize),
		conns:   map[string]q.Connection{},
		ctx:     ctx,
		cancel:  cancel,
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) Addr() string { return t.udp.LocalAddr().String() }

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("quic accept failed", "error", err)
			}
			return
		}
		t.track(conn)
	}
}

// track registers conn for replies and serves its incoming streams.
func (t *Transport) track(conn q.Connection) {
	key := conn.RemoteAddr().String()
	t.mu.Lock()
	if old, ok := t.conns[key]; ok && old != conn {
		_ = old.CloseWithError(0, "replaced")
	}
	t.conns[key] = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.serveConn(key, conn)
}

func (t *Transport) drop(key string, conn q.Connection) {
	t.mu.Lock()
	if t.conns[key] == conn {
		delete(t.conns, key)
	}
	t.mu.Unlock()
}

// serveConn reads the connection's streams one at a time. Streams are
// accepted in the order the peer opened them, so frames reach the inbox
// in send order.
func (t *Transport) serveConn(key string, conn q.Connection) {
	defer t.wg.Done()
	defer t.drop(key, conn)
	for {
		s, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}
		t.readStream(key, s)
	}
}

func (t *Transport) readStream(from string, s q.Stream) {
	defer s.Close()

	_ = s.SetReadDeadline(time.Now().Add(streamTimeout))
	f, err := protocol.ReadFrame(s)
	if err != nil {
		t.log.Debug("dropping unreadable stream", "from", from, "error", err)
		s.CancelRead(1)
		return
	}
	select {
	case t.inbox <- transport.Message{From: from, Frame: f}:
	case <-t.ctx.Done():
	}
}

func (t *Transport) Receive(ctx context.Context) (transport.Message, error) {
	select {
	case m := <-t.inbox:
		return m, nil
	case <-t.ctx.Done():
		return transport.Message{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (t *Transport) connTo(ctx context.Context, addr string) (string, q.Connection, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	key := udpAddr.String()

	t.mu.Lock()
	conn, ok := t.conns[key]
	t.mu.Unlock()
	if ok && conn.Context().Err() == nil {
		return key, conn, nil
	}

	conn, err = t.tr.Dial(ctx, udpAddr, t.tlsConf, t.conf)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	t.track(conn)
	return key, conn, nil
}

// Send opens a stream to addr, dialing if no connection exists, and
// writes f. A stale cached connection is replaced once.
func (t *Transport) Send(ctx context.Context, addr string, f protocol.Frame) error {
	if t.ctx.Err() != nil {
		return transport.ErrClosed
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		key, conn, err := t.connTo(ctx, addr)
		if err != nil {
			return err
		}
		if lastErr = t.write(ctx, conn, f); lastErr == nil {
			return nil
		}
		t.drop(key, conn)
		_ = conn.CloseWithError(0, "send failed")
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %v", transport.ErrUnreachable, lastErr)
}

func (t *Transport) write(ctx context.Context, conn q.Connection, f protocol.Frame) error {
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	_ = s.SetWriteDeadline(time.Now().Add(streamTimeout))
	if err := protocol.WriteFrame(s, f); err != nil {
		s.CancelWrite(1)
		return err
	}
	return s.Close()
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		for _, c := range t.conns {
			_ = c.CloseWithError(0, "shutdown")
		}
		t.mu.Unlock()
		err = errors.Join(t.ln.Close(), t.tr.Close())
		t.wg.Wait()
		t.udp.Close()
	})
	return err
}
