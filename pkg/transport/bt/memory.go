package bt

import (
	"context"
	"io"
	"net"
	"sync"
	"syscall"
)

// MemoryAdapter is an in-process RFCOMM controller. Connections are
// synchronous in-memory pipes and services can be found by UUID, so a
// channel is optional when dialing.
type MemoryAdapter struct {
	addr string

	mu        sync.Mutex
	listeners map[int]*memListener
}

var _ Adapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter returns a controller with the given device address.
func NewMemoryAdapter(addr string) *MemoryAdapter {
	return &MemoryAdapter{addr: addr, listeners: make(map[int]*memListener)}
}

func (a *MemoryAdapter) Address() (string, error) { return a.addr, nil }

func (a *MemoryAdapter) Listen(addr string, channel int, uuid, _ string, backlog int) (Listener, error) {
	if addr != "" && addr != a.addr {
		return nil, &net.OpError{Op: "listen", Net: "rfcomm", Err: syscall.EADDRNOTAVAIL}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if channel == 0 {
		for ch := 1; ch <= MaxChannel; ch++ {
			if a.listeners[ch] == nil {
				channel = ch
				break
			}
		}
	}
	if channel == 0 || a.listeners[channel] != nil {
		return nil, &net.OpError{Op: "listen", Net: "rfcomm", Err: syscall.EADDRINUSE}
	}
	l := &memListener{
		a:       a,
		channel: channel,
		uuid:    uuid,
		backlog: max(backlog, 1),
		conns:   make(chan io.ReadWriteCloser),
		done:    make(chan struct{}),
	}
	a.listeners[channel] = l
	return l, nil
}

func (a *MemoryAdapter) lookup(channel int, uuid string) *memListener {
	a.mu.Lock()
	defer a.mu.Unlock()
	if channel > 0 {
		return a.listeners[channel]
	}
	for _, l := range a.listeners {
		if uuid != "" && l.uuid == uuid {
			return l
		}
	}
	return nil
}

func (a *MemoryAdapter) Dial(ctx context.Context, addr string, channel int, uuid string) (io.ReadWriteCloser, error) {
	refused := &net.OpError{Op: "dial", Net: "rfcomm", Err: syscall.ECONNREFUSED}
	if addr != a.addr {
		return nil, refused
	}
	l := a.lookup(channel, uuid)
	if l == nil {
		return nil, refused
	}
	cli, srv := net.Pipe()
	select {
	case l.conns <- &memConn{Conn: srv, local: &Addr{MAC: a.addr, Channel: l.channel}, remote: &Addr{MAC: a.addr}}:
	case <-l.done:
		_ = cli.Close()
		_ = srv.Close()
		return nil, refused
	case <-ctx.Done():
		_ = cli.Close()
		_ = srv.Close()
		return nil, ctx.Err()
	}
	return &memConn{Conn: cli, local: &Addr{MAC: a.addr}, remote: &Addr{MAC: a.addr, Channel: l.channel}}, nil
}

type memListener struct {
	a       *MemoryAdapter
	channel int
	uuid    string
	backlog int
	conns   chan io.ReadWriteCloser
	done    chan struct{}
	once    sync.Once
}

func (l *memListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.a.mu.Lock()
		if l.a.listeners[l.channel] == l {
			delete(l.a.listeners, l.channel)
		}
		l.a.mu.Unlock()
	})
	return nil
}

func (l *memListener) Channel() int { return l.channel }

type memConn struct {
	net.Conn
	local, remote *Addr
}

func (c *memConn) LocalAddr() net.Addr  { return c.local }
func (c *memConn) RemoteAddr() net.Addr { return c.remote }
