package tcp

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// StreamSocket is a TCP connection used with non-blocking reads and writes.
// An outgoing socket connects in the background; Connect reports OpConnect
// until the attempt has finished.
type StreamSocket struct {
	inst *transport.Instance
	addr string

	mu      sync.Mutex
	conn    *net.TCPConn
	raw     syscall.RawConn
	dialErr error
	closed  bool

	done      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// DialSocket starts connecting to addr. A timeout of zero waits
// indefinitely.
func DialSocket(inst *transport.Instance, addr string, source *net.TCPAddr, timeout time.Duration) *StreamSocket {
	s := &StreamSocket{inst: inst, addr: addr, done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.dial(ctx, source, timeout)
	return s
}

func (s *StreamSocket) dial(ctx context.Context, source *net.TCPAddr, timeout time.Duration) {
	defer s.wg.Done()
	defer close(s.done)
	d := net.Dialer{Timeout: timeout}
	if source != nil {
		d.LocalAddr = source
	}
	c, err := d.DialContext(ctx, "tcp", s.addr)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.dialErr = transport.ClassifyConnect("connect", err)
		return
	}
	if s.closed {
		_ = c.Close()
		s.dialErr = transport.Errorf(transport.KindConnectFailed, "connect", "socket closed")
		return
	}
	if err := s.attachLocked(c.(*net.TCPConn)); err != nil {
		_ = c.Close()
		s.dialErr = transport.NewError(transport.KindSocket, "connect", err)
	}
}

// NewSocket wraps an accepted connection.
func NewSocket(inst *transport.Instance, c *net.TCPConn) (*StreamSocket, error) {
	s := &StreamSocket{inst: inst, addr: c.RemoteAddr().String(), done: make(chan struct{})}
	close(s.done)
	if err := s.attachLocked(c); err != nil {
		return nil, transport.NewError(transport.KindSocket, "accept", err)
	}
	return s, nil
}

func (s *StreamSocket) attachLocked(c *net.TCPConn) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	_ = c.SetNoDelay(true)
	rcv, snd := s.inst.BufferSizes()
	_ = c.SetReadBuffer(rcv)
	_ = c.SetWriteBuffer(snd)
	s.conn, s.raw = c, raw
	return nil
}

// Connect reports the state of the background connect.
func (s *StreamSocket) Connect() (transport.Op, error) {
	select {
	case <-s.done:
	default:
		return transport.OpConnect, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.dialErr != nil:
		return transport.OpNone, s.dialErr
	case s.closed:
		return transport.OpNone, transport.Errorf(transport.KindConnectionLost, "connect", "socket closed")
	}
	return transport.OpNone, nil
}

func (s *StreamSocket) handles() (*net.TCPConn, syscall.RawConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, transport.Errorf(transport.KindConnectionLost, "io", "socket closed")
	}
	if s.conn == nil {
		return nil, nil, transport.Errorf(transport.KindSocket, "io", "socket not connected")
	}
	return s.conn, s.raw, nil
}

// Read reads what is available without waiting. It returns 0 and a nil
// error when nothing is.
func (s *StreamSocket) Read(p []byte) (int, error) {
	c, raw, err := s.handles()
	if err != nil {
		return 0, err
	}
	n, err := readNonBlocking(c, raw, p)
	if err != nil {
		return n, transport.ClassifyIO("read", err)
	}
	return n, nil
}

// Write writes what the socket accepts without waiting.
func (s *StreamSocket) Write(p []byte) (int, error) {
	c, raw, err := s.handles()
	if err != nil {
		return 0, err
	}
	n, err := writeNonBlocking(c, raw, p)
	if err != nil {
		return n, transport.ClassifyIO("write", err)
	}
	return n, nil
}

// WaitReadable waits at most d for inbound data.
func (s *StreamSocket) WaitReadable(d time.Duration) (bool, error) {
	c, raw, err := s.handles()
	if err != nil {
		return false, err
	}
	ok, err := waitReadable(c, raw, d)
	if err != nil {
		return false, transport.ClassifyIO("poll", err)
	}
	return ok, nil
}

// WaitReady blocks until op can make progress or ctx is done.
func (s *StreamSocket) WaitReady(ctx context.Context, op transport.Op) error {
	if op.Has(transport.OpConnect) {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c, raw, err := s.handles()
	if err != nil {
		return err
	}
	return waitOp(ctx, c, raw, op)
}

func (s *StreamSocket) ShutdownWrite() error {
	c, _, err := s.handles()
	if err != nil {
		return err
	}
	return c.CloseWrite()
}

func (s *StreamSocket) ShutdownReadWrite() error {
	c, _, err := s.handles()
	if err != nil {
		return err
	}
	_ = c.CloseRead()
	return c.CloseWrite()
}

// SetBufferSize adjusts the kernel socket buffers.
func (s *StreamSocket) SetBufferSize(rcv, snd int) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return
	}
	if rcv > 0 {
		if err := c.SetReadBuffer(rcv); err != nil {
			s.inst.Log().Debug("setting receive buffer failed", zap.Int("size", rcv), zap.Error(err))
		}
	}
	if snd > 0 {
		if err := c.SetWriteBuffer(snd); err != nil {
			s.inst.Log().Debug("setting send buffer failed", zap.Int("size", snd), zap.Error(err))
		}
	}
}

// Close aborts a pending connect and closes the connection. It waits for
// the connect goroutine.
func (s *StreamSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		c := s.conn
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		if c != nil {
			err = c.Close()
		}
		s.wg.Wait()
	})
	return err
}

// Conn returns the connection, nil while connecting.
func (s *StreamSocket) Conn() *net.TCPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Fill sets the address fields of info.
func (s *StreamSocket) Fill(info *transport.ConnectionInfo) {
	if c := s.Conn(); c != nil {
		info.SetAddrs(c.LocalAddr(), c.RemoteAddr())
	}
}

func (s *StreamSocket) String() string {
	if c := s.Conn(); c != nil {
		return transport.DescribeAddrs(c.LocalAddr(), c.RemoteAddr())
	}
	return "connecting to " + s.addr
}
