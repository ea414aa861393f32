package blocking

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// DefaultChunkSize is the size of one blocking read performed by the reader
// goroutine.
const DefaultChunkSize = 4096

// DialFunc opens the underlying connection. It runs on a dedicated goroutine
// and may block; ctx is cancelled when the transceiver is closed first.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Options describe the transport wrapping a blocking connection.
type Options struct {
	Protocol string
	Instance *transport.Instance
	// Incoming marks connections produced by an acceptor.
	Incoming bool
	// ChunkSize bounds a single blocking read; DefaultChunkSize when zero.
	ChunkSize int
	// Describe fills transport specific ConnectionInfo fields once the
	// connection is established.
	Describe func(c io.ReadWriteCloser, info *transport.ConnectionInfo)
	// Desc is used by String while no connection exists yet.
	Desc string
}

type state int

const (
	stateConnecting state = iota
	stateConnected
	stateClosed
)

// Stats reports buffer occupancy. Peaks are high-water marks since creation.
type Stats struct {
	Inbound      int
	Outbound     int
	PeakInbound  int
	PeakOutbound int
}

// Transceiver emulates non-blocking I/O over a blocking connection. A reader
// and a writer goroutine own all socket calls; Read and Write only copy
// between the caller's buffer and the internal buffers.
type Transceiver struct {
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	state state
	conn  io.ReadWriteCloser
	err   error
	cb    transport.ReadyCallback

	in, out          bytes.Buffer
	rcvSize, sndSize int
	peakIn, peakOut  int

	info   transport.ConnectionInfo
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ transport.Transceiver = (*Transceiver)(nil)

// New wraps an established connection and starts its reader and writer.
func New(conn io.ReadWriteCloser, opts Options) *Transceiver {
	t := newTransceiver(opts)
	t.mu.Lock()
	t.establishLocked(conn)
	t.mu.Unlock()
	return t
}

// Dial returns a transceiver in the connecting state; dial runs in the
// background and Initialize reports OpConnect until it finishes.
func Dial(dial DialFunc, opts Options) *Transceiver {
	t := newTransceiver(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.dial(ctx, dial)
	return t
}

func newTransceiver(opts Options) *Transceiver {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	t := &Transceiver{opts: opts, log: opts.Instance.Log()}
	t.cond = sync.NewCond(&t.mu)
	t.rcvSize, t.sndSize = opts.Instance.BufferSizes()
	return t
}

func (t *Transceiver) dial(ctx context.Context, dial DialFunc) {
	defer t.wg.Done()
	conn, err := dial(ctx)
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.setErrLocked(transport.ClassifyConnect("connect", err))
		cb := t.cb
		t.mu.Unlock()
		notify(cb, transport.OpConnect|transport.OpRead|transport.OpWrite, false)
		return
	}
	t.establishLocked(conn)
	cb := t.cb
	t.mu.Unlock()
	notify(cb, transport.OpConnect, false)
}

// establishLocked must be called with t.mu held.
func (t *Transceiver) establishLocked(conn io.ReadWriteCloser) {
	t.conn = conn
	t.state = stateConnected
	t.info = transport.ConnectionInfo{Protocol: t.opts.Protocol, Incoming: t.opts.Incoming}
	if t.opts.Describe != nil {
		t.opts.Describe(conn, &t.info)
	}
	t.wg.Add(2)
	go t.reader(conn)
	go t.writer(conn)
	if t.opts.Instance.Tracing() {
		t.log.Debug("connection established",
			zap.String("protocol", t.opts.Protocol),
			zap.Bool("incoming", t.opts.Incoming),
			zap.String("remote", t.info.RemoteAddress))
	}
}

func (t *Transceiver) reader(conn io.Reader) {
	defer t.wg.Done()
	chunk := make([]byte, t.opts.ChunkSize)
	for {
		t.mu.Lock()
		for t.state == stateConnected && t.err == nil && t.in.Len() >= t.rcvSize {
			t.cond.Wait()
		}
		if t.state != stateConnected || t.err != nil {
			t.mu.Unlock()
			return
		}
		n := min(len(chunk), t.rcvSize-t.in.Len())
		t.mu.Unlock()

		n, err := conn.Read(chunk[:n])

		t.mu.Lock()
		if t.state == stateClosed {
			t.mu.Unlock()
			return
		}
		if n > 0 {
			t.in.Write(chunk[:n])
			t.peakIn = max(t.peakIn, t.in.Len())
		}
		if err != nil {
			t.setErrLocked(transport.ClassifyIO("read", err))
		}
		more := t.in.Len() > 0
		cb := t.cb
		t.mu.Unlock()

		if err != nil {
			notify(cb, transport.OpRead|transport.OpWrite, more)
			return
		}
		if n > 0 {
			notify(cb, transport.OpRead, more)
		}
	}
}

func (t *Transceiver) writer(conn io.Writer) {
	defer t.wg.Done()
	var pending []byte
	for {
		t.mu.Lock()
		for t.state == stateConnected && t.err == nil && t.out.Len() == 0 {
			t.cond.Wait()
		}
		if t.state != stateConnected || t.err != nil {
			t.mu.Unlock()
			return
		}
		// The outbound buffer may be reallocated by Write while the socket
		// call is in progress, so write from a private copy.
		pending = append(pending[:0], t.out.Bytes()...)
		t.mu.Unlock()

		n, err := writeAll(conn, pending)

		t.mu.Lock()
		if t.state == stateClosed {
			t.mu.Unlock()
			return
		}
		t.out.Next(n)
		if err != nil {
			t.setErrLocked(transport.ClassifyIO("write", err))
		}
		more := t.sndSize-t.out.Len() > 0
		cb := t.cb
		t.mu.Unlock()

		if err != nil {
			notify(cb, transport.OpRead|transport.OpWrite, false)
			return
		}
		notify(cb, transport.OpWrite, more)
	}
}

func writeAll(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// setErrLocked records the first failure; later ones are dropped.
func (t *Transceiver) setErrLocked(err error) {
	if t.err == nil {
		t.err = err
		if t.opts.Instance.Tracing() {
			t.log.Debug("connection failed", zap.String("protocol", t.opts.Protocol), zap.Error(err))
		}
	}
	t.cond.Broadcast()
}

func notify(cb transport.ReadyCallback, op transport.Op, more bool) {
	if cb != nil {
		cb.Ready(op, more)
	}
}

// Initialize reports OpConnect while the background dial runs.
func (t *Transceiver) Initialize(_, _ *transport.Buffer) (transport.Op, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.err != nil:
		return transport.OpNone, t.err
	case t.state == stateClosed:
		return transport.OpNone, transport.Errorf(transport.KindConnectionLost, "initialize", "transceiver closed")
	case t.state == stateConnecting:
		return transport.OpConnect, nil
	}
	return transport.OpNone, nil
}

// Read copies buffered inbound bytes. Bytes received before a failure are
// delivered before the failure is raised.
func (t *Transceiver) Read(buf *transport.Buffer) (transport.Op, error) {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return transport.OpNone, transport.Errorf(transport.KindConnectionLost, "read", "transceiver closed")
	}
	if t.state == stateConnecting && t.err == nil {
		t.mu.Unlock()
		return transport.OpConnect, nil
	}
	if buf.Remaining() > 0 && t.in.Len() > 0 {
		n, _ := t.in.Read(buf.Tail())
		buf.Advance(n)
		t.cond.Broadcast()
	}
	if buf.Remaining() > 0 {
		err := t.err
		t.mu.Unlock()
		if err != nil {
			return transport.OpNone, err
		}
		return transport.OpRead, nil
	}
	more := t.in.Len() > 0
	cb := t.cb
	t.mu.Unlock()
	if more {
		notify(cb, transport.OpRead, true)
	}
	return transport.OpNone, nil
}

// Write copies as much of buf as fits under sndSize and returns OpWrite
// while bytes remain.
func (t *Transceiver) Write(buf *transport.Buffer) (transport.Op, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.err != nil:
		return transport.OpNone, t.err
	case t.state == stateClosed:
		return transport.OpNone, transport.Errorf(transport.KindConnectionLost, "write", "transceiver closed")
	case t.state == stateConnecting:
		return transport.OpConnect, nil
	}
	if room := t.sndSize - t.out.Len(); room > 0 && buf.Remaining() > 0 {
		n := min(room, buf.Remaining())
		t.out.Write(buf.Tail()[:n])
		buf.Advance(n)
		t.peakOut = max(t.peakOut, t.out.Len())
		t.cond.Broadcast()
	}
	if buf.Remaining() > 0 {
		return transport.OpWrite, nil
	}
	return transport.OpNone, nil
}

// Close closes the connection, which unblocks the reader and writer, and
// waits for them. Calling Close again is a no-op.
func (t *Transceiver) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = stateClosed
		conn := t.conn
		t.cond.Broadcast()
		t.mu.Unlock()

		if t.cancel != nil {
			t.cancel()
		}
		if conn != nil {
			err = conn.Close()
		}
		t.wg.Wait()

		t.mu.Lock()
		t.in.Reset()
		t.out.Reset()
		t.mu.Unlock()
	})
	return err
}

func (t *Transceiver) Protocol() string { return t.opts.Protocol }

func (t *Transceiver) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateConnecting || t.conn == nil {
		return t.opts.Desc
	}
	return fmt.Sprintf("local address = %s:%d\nremote address = %s:%d",
		t.info.LocalAddress, t.info.LocalPort, t.info.RemoteAddress, t.info.RemotePort)
}

func (t *Transceiver) Info() transport.ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.info
	info.RcvSize, info.SndSize = t.rcvSize, t.sndSize
	return info
}

// SetBufferSize changes the backpressure thresholds. Non-positive values
// keep the current setting.
func (t *Transceiver) SetBufferSize(rcvSize, sndSize int) {
	t.mu.Lock()
	if rcvSize > 0 {
		t.rcvSize = rcvSize
	}
	if sndSize > 0 {
		t.sndSize = sndSize
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

// SetReadyCallback installs cb and replays conditions that became true
// before it was installed.
func (t *Transceiver) SetReadyCallback(cb transport.ReadyCallback) {
	t.mu.Lock()
	t.cb = cb
	var op transport.Op
	switch {
	case t.err != nil:
		op = transport.OpRead | transport.OpWrite
	case t.state == stateConnected && t.in.Len() > 0:
		op = transport.OpRead
	}
	more := t.in.Len() > 0
	t.mu.Unlock()
	if op != transport.OpNone {
		notify(cb, op, more)
	}
}

func (t *Transceiver) CheckSendSize(n int) error { return t.opts.Instance.CheckSendSize(n) }

// Stats returns the current and peak buffer occupancy.
func (t *Transceiver) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Inbound: t.in.Len(), Outbound: t.out.Len(), PeakInbound: t.peakIn, PeakOutbound: t.peakOut}
}

// Conn returns the underlying connection, or nil while connecting.
func (t *Transceiver) Conn() io.ReadWriteCloser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}
