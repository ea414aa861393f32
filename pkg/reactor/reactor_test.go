package reactor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// memTransceiver is one side of an in-memory stream. Each call moves at most
// chunk bytes so that the driver loops are exercised.
type memTransceiver struct {
	mu     sync.Mutex
	in     []byte
	eof    bool
	closed bool
	peer   *memTransceiver
	cb     transport.ReadyCallback
	chunk  int
	setups int
}

func memPair(chunk int) (*memTransceiver, *memTransceiver) {
	a := &memTransceiver{chunk: chunk, setups: 2}
	b := &memTransceiver{chunk: chunk, setups: 2}
	a.peer, b.peer = b, a
	return a, b
}

func (m *memTransceiver) Initialize(_, _ *transport.Buffer) (transport.Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setups > 0 {
		m.setups--
		go m.notify(transport.OpWrite)
		return transport.OpWrite, nil
	}
	return transport.OpNone, nil
}

func (m *memTransceiver) Read(buf *transport.Buffer) (transport.Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transport.OpNone, transport.NewError(transport.KindConnectionLost, "read", io.ErrClosedPipe)
	}
	if len(m.in) == 0 {
		if m.eof {
			return transport.OpNone, transport.NewError(transport.KindConnectionLost, "read", io.EOF)
		}
		return transport.OpRead, nil
	}
	n := copy(buf.Tail(), m.in[:min(len(m.in), m.chunk)])
	m.in = m.in[n:]
	buf.Advance(n)
	return transport.OpNone, nil
}

func (m *memTransceiver) Write(buf *transport.Buffer) (transport.Op, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return transport.OpNone, transport.NewError(transport.KindConnectionLost, "write", io.ErrClosedPipe)
	}
	m.mu.Unlock()
	p := buf.Tail()[:min(buf.Remaining(), m.chunk)]
	m.peer.mu.Lock()
	m.peer.in = append(m.peer.in, p...)
	m.peer.mu.Unlock()
	buf.Advance(len(p))
	m.peer.notify(transport.OpRead)
	if buf.Remaining() > 0 {
		go m.notify(transport.OpWrite)
		return transport.OpWrite, nil
	}
	return transport.OpNone, nil
}

func (m *memTransceiver) notify(op transport.Op) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb != nil {
		cb.Ready(op, false)
	}
}

func (m *memTransceiver) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.peer.mu.Lock()
	m.peer.eof = true
	m.peer.mu.Unlock()
	m.peer.notify(transport.OpRead)
	return nil
}

func (m *memTransceiver) Protocol() string { return "mem" }
func (m *memTransceiver) String() string   { return "mem" }
func (m *memTransceiver) Info() transport.ConnectionInfo {
	return transport.ConnectionInfo{Protocol: "mem"}
}
func (m *memTransceiver) SetBufferSize(int, int) {}
func (m *memTransceiver) SetReadyCallback(cb transport.ReadyCallback) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}
func (m *memTransceiver) CheckSendSize(n int) error {
	if n > 1<<20 {
		return transport.Errorf(transport.KindSocket, "send", "too large")
	}
	return nil
}

func TestConnRoundTrip(t *testing.T) {
	a, b := memPair(3)
	log := zaptest.NewLogger(t)
	ca, cb := NewConn(a, log), NewConn(b, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ca.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	payload := bytes.Repeat([]byte("0123456789"), 50)
	errc := make(chan error, 1)
	go func() { errc <- ca.Write(ctx, payload) }()
	got := make([]byte, len(payload))
	if err := cb.ReadFull(ctx, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}

	_ = ca.Close()
	if _, err := cb.ReadSome(ctx, got); !errors.Is(err, transport.ErrConnectionLost) {
		t.Fatalf("expected connection lost, got %v", err)
	}
	if err := ca.Write(ctx, make([]byte, 2<<20)); transport.KindOf(err) != transport.KindSocket {
		t.Fatalf("oversized write must be rejected before sending, got %v", err)
	}
}

func TestReadHonoursContext(t *testing.T) {
	a, _ := memPair(8)
	c := NewConn(a, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.ReadSome(ctx, make([]byte, 4)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("read did not observe cancellation promptly")
	}
}

type memConnector struct {
	tr  transport.Transceiver
	err error
}

func (m memConnector) Connect() (transport.Transceiver, error) { return m.tr, m.err }
func (m memConnector) Protocol() string                        { return "mem" }
func (m memConnector) String() string                          { return "mem" }

func TestDialSkipsRetryableFailures(t *testing.T) {
	a, _ := memPair(8)
	refused := memConnector{err: transport.NewError(transport.KindConnectionRefused, "connect", nil)}
	c, err := Dial(context.Background(), []transport.Connector{refused, memConnector{tr: a}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if c.Transceiver() != a {
		t.Fatalf("dial must use the second connector")
	}

	security := memConnector{err: transport.NewError(transport.KindSecurity, "handshake", nil)}
	if _, err := Dial(context.Background(), []transport.Connector{security, memConnector{tr: a}}, nil); !errors.Is(err, transport.ErrSecurity) {
		t.Fatalf("security failures must stop dialing, got %v", err)
	}
	if _, err := Dial(context.Background(), nil, nil); !errors.Is(err, transport.ErrConnectFailed) {
		t.Fatalf("no connectors must fail, got %v", err)
	}
}

// memAcceptor hands out transceivers pushed by the test.
type memAcceptor struct {
	mu      sync.Mutex
	pending []transport.Transceiver
	closed  bool
	cb      transport.ReadyCallback
}

func (m *memAcceptor) Listen() (transport.Endpoint, error) { return nil, nil }

func (m *memAcceptor) Accept() (transport.Transceiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, transport.Errorf(transport.KindSocket, "accept", "closed")
	}
	if len(m.pending) == 0 {
		return nil, transport.ErrWouldBlock
	}
	tr := m.pending[0]
	m.pending = m.pending[1:]
	return tr, nil
}

func (m *memAcceptor) push(tr transport.Transceiver) {
	m.mu.Lock()
	m.pending = append(m.pending, tr)
	cb := m.cb
	m.mu.Unlock()
	if cb != nil {
		cb.Ready(transport.OpRead, false)
	}
}

func (m *memAcceptor) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memAcceptor) Protocol() string { return "mem" }
func (m *memAcceptor) String() string   { return "mem acceptor" }
func (m *memAcceptor) SetReadyCallback(cb transport.ReadyCallback) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

func TestServerShutdownStopsHandlers(t *testing.T) {
	acc := &memAcceptor{}
	started := make(chan struct{}, 2)
	srv, _, err := Serve(acc, func(ctx context.Context, c *Conn) {
		started <- struct{}{}
		buf := make([]byte, 8)
		for {
			n, err := c.ReadSome(ctx, buf)
			if err != nil {
				return
			}
			if err := c.Write(ctx, buf[:n]); err != nil {
				return
			}
		}
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var clients []*Conn
	for range 2 {
		local, remote := memPair(4)
		acc.push(remote)
		cl := NewConn(local, nil)
		clients = append(clients, cl)
		select {
		case <-started:
		case <-ctx.Done():
			t.Fatalf("handler never started")
		}
	}
	if err := clients[0].Write(ctx, []byte("echo")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 4)
	if err := clients[0].ReadFull(ctx, got); err != nil || string(got) != "echo" {
		t.Fatalf("echo %q: %v", got, err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown blocked on handlers")
	}
	for _, cl := range clients {
		if _, err := cl.ReadSome(ctx, got); !errors.Is(err, transport.ErrConnectionLost) {
			t.Fatalf("client must observe the server side close, got %v", err)
		}
	}
	if err := srv.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
