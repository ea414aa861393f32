package blocking

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

type chanListener struct {
	ch   chan io.ReadWriteCloser
	done chan struct{}
	once sync.Once
}

func newChanListener() *chanListener {
	return &chanListener{ch: make(chan io.ReadWriteCloser), done: make(chan struct{})}
}

func (l *chanListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

type stubEndpoint struct{ transport.Endpoint }

func (stubEndpoint) String() string { return "stub" }

type wrapped struct {
	transport.Transceiver
	conn io.ReadWriteCloser
}

func newTestAcceptor(t *testing.T, ln *chanListener) *Acceptor {
	t.Helper()
	inst := testInstance(t)
	a := NewAcceptor(AcceptorOptions{
		Protocol: "stub",
		Instance: inst,
		Listen:   func() (Listener, transport.Endpoint, error) { return ln, stubEndpoint{}, nil },
		Wrap: func(c io.ReadWriteCloser) (transport.Transceiver, error) {
			return wrapped{Transceiver: New(c, Options{Protocol: "stub", Instance: inst, Incoming: true}), conn: c}, nil
		},
	})
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAcceptorPendingStack(t *testing.T) {
	ln := newChanListener()
	a := newTestAcceptor(t, ln)
	if _, err := a.Accept(); !errors.Is(err, transport.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock before listen, got %v", err)
	}
	ep, err := a.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if again, _ := a.Listen(); again != ep {
		t.Fatalf("listen is not idempotent")
	}
	cb := &countingCallback{}
	a.SetReadyCallback(cb)

	var servers, clients []net.Conn
	for i := 0; i < 3; i++ {
		c, s := net.Pipe()
		clients = append(clients, c)
		servers = append(servers, s)
		ln.ch <- s
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()
	waitFor(t, "pending connections", func() bool { return a.Pending() == 3 })
	waitFor(t, "a read signal per connection", func() bool { return cb.count(transport.OpRead) >= 3 })

	for i := 2; i >= 0; i-- {
		tr, err := a.Accept()
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if w := tr.(wrapped); w.conn != servers[i] {
			t.Fatalf("expected most recent connection first")
		}
		_ = tr.Close()
	}
	if _, err := a.Accept(); !errors.Is(err, transport.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestAcceptorCloseDiscardsPending(t *testing.T) {
	ln := newChanListener()
	a := newTestAcceptor(t, ln)
	if _, err := a.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	c, s := net.Pipe()
	defer c.Close()
	ln.ch <- s
	waitFor(t, "pending connection", func() bool { return a.Pending() == 1 })

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("pending connection not closed: %v", err)
	}
	if _, err := a.Accept(); !errors.Is(err, transport.ErrSocket) {
		t.Fatalf("accept after close must fail, got %v", err)
	}
}

type failingListener struct{}

func (failingListener) Accept() (io.ReadWriteCloser, error) {
	return nil, errors.New("adapter gone")
}

func (failingListener) Close() error { return nil }

func TestAcceptorListenerFailure(t *testing.T) {
	inst := testInstance(t)
	a := NewAcceptor(AcceptorOptions{
		Protocol: "stub",
		Instance: inst,
		Listen: func() (Listener, transport.Endpoint, error) {
			return failingListener{}, stubEndpoint{}, nil
		},
		Wrap: func(c io.ReadWriteCloser) (transport.Transceiver, error) { return nil, nil },
	})
	defer a.Close()
	if _, err := a.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	var err error
	waitFor(t, "accept failure", func() bool {
		_, err = a.Accept()
		return !errors.Is(err, transport.ErrWouldBlock)
	})
	if !errors.Is(err, transport.ErrSocket) {
		t.Fatalf("expected socket error, got %v", err)
	}
}
