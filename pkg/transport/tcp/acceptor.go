package tcp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// AcceptorOptions configure a stream acceptor.
type AcceptorOptions struct {
	Instance *transport.Instance
	Protocol string
	Params   Params
	// Endpoint builds the listening endpoint once the port is known.
	Endpoint func(p Params) transport.Endpoint
	Wrap     WrapFunc
}

// Acceptor listens on a TCP port. Accept waits at most
// Instance.AcceptTimeout on the listener.
//
// ConnectToSelf connects to the listening address so that a goroutine
// blocked in Accept returns. The throwaway connection is recognised by its
// remote address and never handed out.
type Acceptor struct {
	opts AcceptorOptions
	log  *zap.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	ln          *net.TCPListener
	endpoint    transport.Endpoint
	closed      bool
	selfPending int
	selfConns   map[string]struct{}
	cb          transport.ReadyCallback

	closeOnce sync.Once
}

var (
	_ transport.Acceptor      = (*Acceptor)(nil)
	_ transport.SelfConnector = (*Acceptor)(nil)
)

func NewAcceptor(opts AcceptorOptions) *Acceptor {
	a := &Acceptor{opts: opts, log: opts.Instance.Log(), selfConns: make(map[string]struct{})}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *Acceptor) Listen() (transport.Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, transport.Errorf(transport.KindSocket, "listen", "acceptor closed")
	}
	if a.ln != nil {
		return a.endpoint, nil
	}
	p := a.opts.Params
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", p.Addr())
	if err != nil {
		return nil, transport.NewError(transport.KindSocket, "listen", err)
	}
	a.ln = l.(*net.TCPListener)
	p.Port = a.ln.Addr().(*net.TCPAddr).Port
	a.endpoint = a.opts.Endpoint(p)
	a.log.Info("listening", zap.String("endpoint", a.endpoint.String()))
	return a.endpoint, nil
}

func (a *Acceptor) Accept() (transport.Transceiver, error) {
	a.mu.Lock()
	ln, closed := a.ln, a.closed
	a.mu.Unlock()
	switch {
	case closed:
		return nil, transport.Errorf(transport.KindSocket, "accept", "acceptor closed")
	case ln == nil:
		return nil, transport.Errorf(transport.KindSocket, "accept", "acceptor not listening")
	}

	if d := a.opts.Instance.AcceptTimeout; d > 0 {
		_ = ln.SetDeadline(time.Now().Add(d))
	}
	c, err := ln.AcceptTCP()
	if err != nil {
		a.mu.Lock()
		closed = a.closed
		a.mu.Unlock()
		var ne net.Error
		switch {
		case closed || errors.Is(err, net.ErrClosed):
			return nil, transport.Errorf(transport.KindSocket, "accept", "acceptor closed")
		case errors.As(err, &ne) && ne.Timeout():
			return nil, transport.NewError(transport.KindTimeout, "accept", err)
		}
		return nil, transport.NewError(transport.KindSocket, "accept", err)
	}

	// A self-connect may have been accepted before ConnectToSelf recorded
	// its address.
	key := addrKey(c.RemoteAddr())
	a.mu.Lock()
	for a.selfPending > 0 && !a.closed {
		a.cond.Wait()
	}
	_, self := a.selfConns[key]
	delete(a.selfConns, key)
	a.mu.Unlock()
	if self {
		_ = c.Close()
		a.log.Debug("discarded self-connect", zap.String("remote", key))
		return nil, transport.ErrWouldBlock
	}

	sock, err := NewSocket(a.opts.Instance, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	t, err := a.opts.Wrap(sock)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	if a.opts.Instance.Tracing() {
		a.log.Debug("accepted connection", zap.String("protocol", a.opts.Protocol), zap.String("conn", sock.String()))
	}
	return t, nil
}

// ConnectToSelf wakes a goroutine blocked in Accept.
func (a *Acceptor) ConnectToSelf() error {
	a.mu.Lock()
	if a.ln == nil {
		a.mu.Unlock()
		return transport.Errorf(transport.KindSocket, "connect to self", "acceptor not listening")
	}
	target := selfAddr(a.ln.Addr().(*net.TCPAddr))
	a.selfPending++
	a.mu.Unlock()

	c, err := net.DialTimeout("tcp", target, time.Second)

	a.mu.Lock()
	a.selfPending--
	if err == nil {
		a.selfConns[addrKey(c.LocalAddr())] = struct{}{}
	}
	a.cond.Broadcast()
	a.mu.Unlock()

	if err != nil {
		return transport.ClassifyConnect("connect to self", err)
	}
	return c.Close()
}

func (a *Acceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		ln := a.ln
		a.cond.Broadcast()
		a.mu.Unlock()
		if ln != nil {
			err = ln.Close()
		}
	})
	return err
}

func (a *Acceptor) Protocol() string { return a.opts.Protocol }

func (a *Acceptor) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln != nil {
		return "local address = " + a.ln.Addr().String()
	}
	return a.opts.Params.Addr()
}

// SetReadyCallback only records cb; the reactor polls the listener.
func (a *Acceptor) SetReadyCallback(cb transport.ReadyCallback) {
	a.mu.Lock()
	a.cb = cb
	a.mu.Unlock()
}

// selfAddr maps a wildcard listening address to loopback.
func selfAddr(la *net.TCPAddr) string {
	ip := la.IP
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(la.Port))
}

func addrKey(a net.Addr) string {
	if ta, ok := a.(*net.TCPAddr); ok {
		return net.JoinHostPort(ta.IP.String(), strconv.Itoa(ta.Port))
	}
	return a.String()
}
