package tcp

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// Transceiver is a plain TCP stream.
type Transceiver struct {
	inst         *transport.Instance
	sock         *StreamSocket
	protocol     string
	incoming     bool
	adapterName  string
	connectionID string

	mu        sync.Mutex
	connected bool
	err       error
	info      transport.ConnectionInfo
	rcvSize   int
	sndSize   int
}

var (
	_ transport.Transceiver = (*Transceiver)(nil)
	_ transport.Poller      = (*Transceiver)(nil)
	_ transport.Shutdowner  = (*Transceiver)(nil)
)

func newTransceiver(inst *transport.Instance, sock *StreamSocket, incoming bool, adapterName, connectionID string) *Transceiver {
	t := &Transceiver{
		inst:         inst,
		sock:         sock,
		protocol:     Protocol,
		incoming:     incoming,
		adapterName:  adapterName,
		connectionID: connectionID,
	}
	t.rcvSize, t.sndSize = inst.BufferSizes()
	return t
}

func (t *Transceiver) fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
		if t.inst.Tracing() {
			t.inst.Log().Debug("tcp connection failed", zap.String("conn", t.sock.String()), zap.Error(err))
		}
	}
	return t.err
}

func (t *Transceiver) sticky() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transceiver) Initialize(_, _ *transport.Buffer) (transport.Op, error) {
	if err := t.sticky(); err != nil {
		return transport.OpNone, err
	}
	op, err := t.sock.Connect()
	if err != nil {
		return transport.OpNone, t.fail(err)
	}
	if op != transport.OpNone {
		return op, nil
	}
	t.mu.Lock()
	if !t.connected {
		t.connected = true
		t.info = transport.ConnectionInfo{
			Protocol:     t.protocol,
			Incoming:     t.incoming,
			AdapterName:  t.adapterName,
			ConnectionID: t.connectionID,
		}
		t.sock.Fill(&t.info)
	}
	t.mu.Unlock()
	return transport.OpNone, nil
}

func (t *Transceiver) Read(buf *transport.Buffer) (transport.Op, error) {
	if op, err := t.Initialize(nil, nil); err != nil || op != transport.OpNone {
		return op, err
	}
	for buf.Remaining() > 0 {
		n, err := t.sock.Read(buf.Tail())
		buf.Advance(n)
		if err != nil {
			return transport.OpNone, t.fail(err)
		}
		if n == 0 {
			return transport.OpRead, nil
		}
	}
	return transport.OpNone, nil
}

func (t *Transceiver) Write(buf *transport.Buffer) (transport.Op, error) {
	if op, err := t.Initialize(nil, nil); err != nil || op != transport.OpNone {
		return op, err
	}
	for buf.Remaining() > 0 {
		n, err := t.sock.Write(buf.Tail())
		buf.Advance(n)
		if err != nil {
			return transport.OpNone, t.fail(err)
		}
		if n == 0 {
			return transport.OpWrite, nil
		}
	}
	return transport.OpNone, nil
}

func (t *Transceiver) WaitReady(ctx context.Context, op transport.Op) error {
	return t.sock.WaitReady(ctx, op)
}

func (t *Transceiver) ShutdownWrite() error     { return t.sock.ShutdownWrite() }
func (t *Transceiver) ShutdownReadWrite() error { return t.sock.ShutdownReadWrite() }

func (t *Transceiver) Close() error { return t.sock.Close() }

func (t *Transceiver) Protocol() string { return t.protocol }
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

// SetReadyCallback is a no-op: the reactor polls the socket directly.
func (t *Transceiver) SetReadyCallback(transport.ReadyCallback) {}

func (t *Transceiver) CheckSendSize(n int) error { return t.inst.CheckSendSize(n) }
