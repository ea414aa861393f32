package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "wire-quic"

// preamble opens the single stream of a connection. The listener only sees
// a stream once the peer sent data on it, so the dialer writes these bytes
// first.
var preamble = [4]byte{'W', 'Q', 0, 1}

// streamAcceptTimeout bounds how long an inbound connection may take to
// open its stream when the endpoint has no timeout.
const streamAcceptTimeout = 10 * time.Second

func quicConfig(timeout int) *quicgo.Config {
	qc := &quicgo.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
	if timeout > 0 {
		qc.HandshakeIdleTimeout = transport.TimeoutDuration(timeout)
	}
	return qc
}

// restrictTLS narrows the shared TLS settings to what QUIC negotiates.
func restrictTLS(base *tls.Config) *tls.Config {
	tc := base.Clone()
	tc.MinVersion = tls.VersionTLS13
	tc.NextProtos = []string{ALPN}
	return tc
}

// streamConn is the one bidirectional stream of a QUIC connection. Closing
// it tears the whole connection down.
type streamConn struct {
	conn   *quicgo.Conn
	stream *quicgo.Stream
	once   sync.Once
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *streamConn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}

func (c *streamConn) TLS() tls.ConnectionState { return c.conn.ConnectionState().TLS }

// dial connects, opens the stream and sends the preamble.
func dial(ctx context.Context, addr string, tc *tls.Config, qc *quicgo.Config) (*streamConn, error) {
	conn, err := quicgo.DialAddr(ctx, addr, tc, qc)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	if _, err := stream.Write(preamble[:]); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{conn: conn, stream: stream}, nil
}

// listener adapts a quic-go listener to blocking.Listener. Connections are
// accepted on one goroutine and each inbound stream is awaited on its own,
// so a slow peer does not delay the others.
type listener struct {
	ln      *quicgo.Listener
	log     *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	conns  chan *streamConn
	wg     sync.WaitGroup
	once   sync.Once
}

func listen(addr string, tc *tls.Config, qc *quicgo.Config, timeout int, log *zap.Logger) (*listener, error) {
	ln, err := quicgo.ListenAddr(addr, tc, qc)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		ln:      ln,
		log:     log,
		timeout: streamAcceptTimeout,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(chan *streamConn),
	}
	if timeout > 0 {
		l.timeout = transport.TimeoutDuration(timeout)
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (l *listener) Port() int {
	if ua, ok := l.ln.Addr().(*net.UDPAddr); ok {
		return ua.Port
	}
	return 0
}

func (l *listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.awaitStream(conn)
	}
}

func (l *listener) awaitStream(conn *quicgo.Conn) {
	defer l.wg.Done()
	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err == nil {
		err = readPreamble(stream, l.timeout)
	}
	if err != nil {
		l.log.Debug("discarding quic connection", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		_ = conn.CloseWithError(1, "no stream")
		return
	}
	c := &streamConn{conn: conn, stream: stream}
	select {
	case l.conns <- c:
	case <-l.ctx.Done():
		_ = c.Close()
	}
}

func readPreamble(stream *quicgo.Stream, timeout time.Duration) error {
	var got [4]byte
	_ = stream.SetReadDeadline(time.Now().Add(timeout))
	if _, err := io.ReadFull(stream, got[:]); err != nil {
		return err
	}
	_ = stream.SetReadDeadline(time.Time{})
	if got != preamble {
		return fmt.Errorf("unexpected stream preamble %x", got)
	}
	return nil
}

func (l *listener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
		l.wg.Wait()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
