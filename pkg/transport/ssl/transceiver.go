package ssl

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/tcp"
)

// maxPacketSize caps the plaintext handed to the engine per write.
var maxPacketSize = func() int {
	if runtime.GOOS == "windows" {
		return 64 * 1024
	}
	return 16 * 1024
}()

type state int

const (
	stateConnecting state = iota
	stateHandshaking
	stateComplete
	stateClosed
)

// Transceiver runs TLS over a non-blocking tcp socket. The handshake is
// driven by Initialize and starts lazily on the first call once the socket
// is connected.
type Transceiver struct {
	inst         *transport.Instance
	cfg          *Config
	tlsCfg       *tls.Config
	sock         *tcp.StreamSocket
	incoming     bool
	adapterName  string
	connectionID string
	timeout      int

	mu       sync.Mutex
	state    state
	err      error
	info     transport.ConnectionInfo
	rcvSize  int
	sndSize  int
	cb       transport.ReadyCallback
	deadline time.Time

	pipe    *pipe
	conn    *tls.Conn
	appIn   bytes.Buffer
	plain   []byte
	netBuf  []byte
	wireBuf []byte

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ transport.Transceiver = (*Transceiver)(nil)
	_ transport.Poller      = (*Transceiver)(nil)
	_ transport.Shutdowner  = (*Transceiver)(nil)
)

func newTransceiver(inst *transport.Instance, cfg *Config, tlsCfg *tls.Config, sock *tcp.StreamSocket, incoming bool, adapterName, connectionID string, timeout int) *Transceiver {
	t := &Transceiver{
		inst:         inst,
		cfg:          cfg,
		tlsCfg:       tlsCfg,
		sock:         sock,
		incoming:     incoming,
		adapterName:  adapterName,
		connectionID: connectionID,
		timeout:      timeout,
		plain:        make([]byte, 16*1024),
		netBuf:       make([]byte, 32*1024),
		wireBuf:      make([]byte, 64*1024),
	}
	t.rcvSize, t.sndSize = inst.BufferSizes()
	return t
}

func (t *Transceiver) fail(err error) error {
	t.mu.Lock()
	first := t.err == nil
	if first {
		t.err = err
	}
	err = t.err
	t.mu.Unlock()
	if first {
		if t.inst.Tracing() {
			t.inst.Log().Debug("ssl connection failed", zap.String("conn", t.sock.String()), zap.Error(err))
		}
		if errors.Is(err, transport.ErrSecurity) {
			_ = t.sock.Close()
		}
	}
	return err
}

func (t *Transceiver) current() (state, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.err
}

func (t *Transceiver) Initialize(_, _ *transport.Buffer) (transport.Op, error) {
	st, err := t.current()
	if err != nil {
		return transport.OpNone, err
	}
	switch st {
	case stateConnecting:
		op, err := t.sock.Connect()
		if err != nil {
			return transport.OpNone, t.fail(err)
		}
		if op != transport.OpNone {
			return op, nil
		}
		if err := t.startHandshake(); err != nil {
			return transport.OpNone, t.fail(err)
		}
		return t.handshake()
	case stateHandshaking:
		return t.handshake()
	case stateClosed:
		return transport.OpNone, errClosed
	}
	return transport.OpNone, nil
}

var errClosed = transport.Errorf(transport.KindConnectionLost, "ssl", "connection closed")

func (t *Transceiver) startHandshake() error {
	c := t.sock.Conn()
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return errClosed
	}
	t.pipe = newPipe(c.LocalAddr(), c.RemoteAddr())
	if t.incoming {
		t.conn = tls.Server(t.pipe, t.tlsCfg)
	} else {
		t.conn = tls.Client(t.pipe, t.tlsCfg)
	}
	t.state = stateHandshaking
	t.deadline = transport.Deadline(t.timeout)
	t.info = transport.ConnectionInfo{
		Protocol:     Protocol,
		Incoming:     t.incoming,
		AdapterName:  t.adapterName,
		ConnectionID: t.connectionID,
	}
	t.sock.Fill(&t.info)
	t.pipe.handshake(&t.wg, t.conn.Handshake)
	t.mu.Unlock()
	return nil
}

// handshake advances the engine until it needs the network.
func (t *Transceiver) handshake() (transport.Op, error) {
	for {
		st := t.pipe.status()
		switch st {
		case needTask:
			t.pipe.runTask()
		case needWrap:
			pending, err := t.flush()
			if err != nil {
				return transport.OpNone, t.fail(err)
			}
			if pending {
				return transport.OpWrite, nil
			}
		case needUnwrap:
			if !t.deadline.IsZero() && time.Now().After(t.deadline) {
				return transport.OpNone, t.fail(transport.Errorf(transport.KindTimeout, "handshake",
					"no handshake progress within %s", transport.FormatTimeout(t.timeout)))
			}
			got, err := t.fill(t.inst.ReadWait)
			if err != nil {
				return transport.OpNone, t.fail(err)
			}
			if !got {
				return transport.OpRead, nil
			}
		case finished:
			return t.complete()
		}
	}
}

func (t *Transceiver) complete() (transport.Op, error) {
	if err := t.pipe.result(); err != nil {
		return transport.OpNone, t.fail(ioError("handshake", err))
	}
	cs := t.conn.ConnectionState()
	t.mu.Lock()
	info := t.info
	t.mu.Unlock()
	info.Cipher = tls.CipherSuiteName(cs.CipherSuite)
	info.TLSVersion = tls.VersionName(cs.Version)
	info.ServerName = cs.ServerName
	info.PeerCertificates = cs.PeerCertificates
	info.Verified = len(cs.VerifiedChains) > 0
	if cs.NegotiatedProtocol != "" {
		info.Extra = map[string]string{"alpn": cs.NegotiatedProtocol}
	}
	under := transport.ConnectionInfo{Protocol: tcp.Protocol, Incoming: t.incoming}
	t.sock.Fill(&under)
	info.Underlying = &under

	if err := t.verify(info); err != nil {
		return transport.OpNone, t.fail(err)
	}

	t.mu.Lock()
	t.state = stateComplete
	t.info = info
	t.mu.Unlock()
	if t.inst.Tracing() {
		t.inst.Log().Debug("ssl handshake completed",
			zap.String("conn", t.sock.String()),
			zap.String("cipher", info.Cipher),
			zap.String("version", info.TLSVersion))
	}
	buffered, err := t.drain()
	if err != nil {
		return transport.OpNone, t.fail(err)
	}
	if buffered || t.pipe.inLen() > 0 {
		t.notify(transport.OpRead, true)
	}
	return transport.OpNone, nil
}

// drain decrypts records the engine pulled in together with the final
// handshake flight. The socket will not become readable for them again.
func (t *Transceiver) drain() (bool, error) {
	n, err := t.conn.Read(t.plain)
	if n > 0 {
		t.appIn.Write(t.plain[:n])
	}
	if _, ferr := t.flush(); ferr != nil {
		return false, ferr
	}
	if err != nil && !errors.Is(err, errWouldBlock) {
		// Latched by the engine; Read reports it.
		return true, nil
	}
	return n > 0, nil
}

func (t *Transceiver) verify(info transport.ConnectionInfo) error {
	if len(info.PeerCertificates) == 0 {
		switch {
		case !t.incoming && t.cfg.VerifyPeer > 0:
			return transport.Errorf(transport.KindSecurity, "verify", "server presented no certificate")
		case t.incoming && t.cfg.VerifyPeer >= 2:
			return transport.Errorf(transport.KindSecurity, "verify", "client presented no certificate")
		}
	}
	if t.cfg.Verifier != nil {
		if err := t.cfg.Verifier(info); err != nil {
			return transport.NewError(transport.KindSecurity, "verify", err)
		}
	}
	return nil
}

// ioError maps an engine failure. A peer that disappears is a lost
// connection, anything else a security failure.
func ioError(op string, err error) error {
	if transport.KindOf(err) != transport.KindUnknown {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return transport.NewError(transport.KindConnectionLost, op, err)
	}
	return transport.NewError(transport.KindSecurity, op, err)
}

// fill moves available ciphertext from the socket into the engine, waiting
// at most wait when none is available.
func (t *Transceiver) fill(wait time.Duration) (bool, error) {
	n, err := t.sock.Read(t.netBuf)
	if err != nil {
		return false, err
	}
	if n == 0 && wait > 0 {
		ok, err := t.sock.WaitReadable(wait)
		if err != nil {
			return false, err
		}
		if ok {
			if n, err = t.sock.Read(t.netBuf); err != nil {
				return false, err
			}
		}
	}
	if n == 0 {
		return false, nil
	}
	t.pipe.feed(t.netBuf[:n])
	return true, nil
}

// flush writes pending ciphertext. It reports whether some is left because
// the socket would block.
func (t *Transceiver) flush() (bool, error) {
	for {
		data := t.pipe.pending(t.wireBuf)
		if len(data) == 0 {
			return false, nil
		}
		n, err := t.sock.Write(data)
		t.pipe.consume(n)
		if err != nil {
			return true, err
		}
		if n < len(data) {
			return true, nil
		}
	}
}

func (t *Transceiver) ready() (transport.Op, error) {
	st, err := t.current()
	if err != nil {
		return transport.OpNone, err
	}
	if st == stateComplete {
		return transport.OpNone, nil
	}
	return t.Initialize(nil, nil)
}

// Read returns decrypted bytes. When both the plaintext and the ciphertext
// buffers are empty it waits at most ReadWait for the socket before
// reporting OpRead.
func (t *Transceiver) Read(buf *transport.Buffer) (transport.Op, error) {
	if op, err := t.ready(); err != nil || op != transport.OpNone {
		return op, err
	}
	for buf.Remaining() > 0 {
		if t.appIn.Len() > 0 {
			n, _ := t.appIn.Read(buf.Tail())
			buf.Advance(n)
			continue
		}
		n, err := t.conn.Read(t.plain)
		if n > 0 {
			t.appIn.Write(t.plain[:n])
		}
		if _, ferr := t.flush(); ferr != nil {
			return transport.OpNone, t.fail(ferr)
		}
		if n > 0 || err == nil {
			continue
		}
		if errors.Is(err, errWouldBlock) {
			got, ferr := t.fill(t.inst.ReadWait)
			if ferr != nil {
				return transport.OpNone, t.fail(ferr)
			}
			if !got {
				return transport.OpRead, nil
			}
			continue
		}
		return transport.OpNone, t.fail(ioError("read", err))
	}
	if t.appIn.Len() > 0 || t.pipe.inLen() > 0 {
		t.notify(transport.OpRead, true)
	}
	return transport.OpNone, nil
}

// Write encrypts buf in packets of at most maxPacketSize and returns
// OpWrite while ciphertext is still queued.
func (t *Transceiver) Write(buf *transport.Buffer) (transport.Op, error) {
	if op, err := t.ready(); err != nil || op != transport.OpNone {
		return op, err
	}
	pending, err := t.flush()
	if err != nil {
		return transport.OpNone, t.fail(err)
	}
	if pending {
		return transport.OpWrite, nil
	}
	for buf.Remaining() > 0 {
		n := min(buf.Remaining(), maxPacketSize)
		if _, err := t.conn.Write(buf.Tail()[:n]); err != nil {
			return transport.OpNone, t.fail(ioError("write", err))
		}
		buf.Advance(n)
		pending, err := t.flush()
		if err != nil {
			return transport.OpNone, t.fail(err)
		}
		if pending {
			return transport.OpWrite, nil
		}
	}
	return transport.OpNone, nil
}

func (t *Transceiver) WaitReady(ctx context.Context, op transport.Op) error {
	if op.Has(transport.OpWrite) && t.pipe != nil && t.pipe.outLen() == 0 {
		op &^= transport.OpWrite
		if op == transport.OpNone {
			return nil
		}
	}
	return t.sock.WaitReady(ctx, op)
}

// ShutdownWrite sends close_notify and half-closes the socket. A failure to
// deliver the alert is logged and otherwise ignored.
func (t *Transceiver) ShutdownWrite() error {
	t.closeNotify()
	return t.sock.ShutdownWrite()
}

func (t *Transceiver) ShutdownReadWrite() error {
	t.closeNotify()
	return t.sock.ShutdownReadWrite()
}

func (t *Transceiver) closeNotify() {
	if st, err := t.current(); st != stateComplete || err != nil {
		return
	}
	if err := t.conn.CloseWrite(); err != nil {
		t.inst.Log().Debug("ssl close_notify failed", zap.String("conn", t.sock.String()), zap.Error(err))
		return
	}
	pending, err := t.flush()
	if pending && err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.inst.ReadWait)
		if err = t.sock.WaitReady(ctx, transport.OpWrite); err == nil {
			pending, err = t.flush()
		}
		cancel()
	}
	if err != nil || pending {
		t.inst.Log().Debug("ssl close_notify not delivered", zap.String("conn", t.sock.String()), zap.Error(err))
	}
}

// Close releases the engine and the socket. It is safe to call from any
// goroutine and more than once.
func (t *Transceiver) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = stateClosed
		p := t.pipe
		t.mu.Unlock()
		if p != nil {
			_ = p.Close()
		}
		err = t.sock.Close()
		t.wg.Wait()
	})
	return err
}

func (t *Transceiver) Protocol() string { return Protocol }
func (t *Transceiver) String() string   { return t.sock.String() }

func (t *Transceiver) Info() transport.ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.info
	info.RcvSize, info.SndSize = t.rcvSize, t.sndSize
	return info
}

func (t *Transceiver) SetBufferSize(rcvSize, sndSize int) {
	t.mu.Lock()
	if rcvSize > 0 {
		t.rcvSize = rcvSize
	}
	if sndSize > 0 {
		t.sndSize = sndSize
	}
	t.mu.Unlock()
	t.sock.SetBufferSize(rcvSize, sndSize)
}

// SetReadyCallback installs cb. It is fired when decrypted or undecrypted
// input remains buffered after a read, which socket polling cannot see.
func (t *Transceiver) SetReadyCallback(cb transport.ReadyCallback) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

func (t *Transceiver) notify(op transport.Op, more bool) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb != nil {
		cb.Ready(op, more)
	}
}

func (t *Transceiver) CheckSendSize(n int) error { return t.inst.CheckSendSize(n) }
