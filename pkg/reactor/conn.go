package reactor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// pollSlice bounds one wait so that ready callbacks and cancellation are
// observed promptly even when the transceiver can be polled.
const pollSlice = 50 * time.Millisecond

// Conn drives one transceiver from the calling goroutine. It is not safe for
// concurrent use, matching the single-threaded reactor the transports are
// written for.
type Conn struct {
	tr    transport.Transceiver
	log   *zap.Logger
	ready chan struct{}
}

// NewConn installs a ready callback on tr.
func NewConn(tr transport.Transceiver, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{tr: tr, log: logger, ready: make(chan struct{}, 1)}
	tr.SetReadyCallback(transport.ReadyFunc(c.signal))
	return c
}

func (c *Conn) signal(transport.Op, bool) {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// wait blocks until op may make progress. Spurious returns are allowed.
func (c *Conn) wait(ctx context.Context, op transport.Op) error {
	select {
	case <-c.ready:
		return nil
	default:
	}
	if p, ok := c.tr.(transport.Poller); ok {
		pctx, cancel := context.WithTimeout(ctx, pollSlice)
		err := p.WaitReady(pctx, op)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
	timer := time.NewTimer(pollSlice)
	defer timer.Stop()
	select {
	case <-c.ready:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Initialize completes connection setup.
func (c *Conn) Initialize(ctx context.Context) error {
	for {
		op, err := c.tr.Initialize(nil, nil)
		if err != nil {
			return err
		}
		if op == transport.OpNone {
			return nil
		}
		if err := c.wait(ctx, op); err != nil {
			return err
		}
	}
}

// Write sends all of p.
func (c *Conn) Write(ctx context.Context, p []byte) error {
	if err := c.tr.CheckSendSize(len(p)); err != nil {
		return err
	}
	buf := transport.WrapBuffer(p)
	for buf.Remaining() > 0 {
		op, err := c.tr.Write(buf)
		if err != nil {
			return err
		}
		if op == transport.OpNone {
			continue
		}
		if err := c.wait(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// ReadFull fills p.
func (c *Conn) ReadFull(ctx context.Context, p []byte) error {
	buf := transport.WrapBuffer(p)
	for buf.Remaining() > 0 {
		op, err := c.tr.Read(buf)
		if err != nil {
			return err
		}
		if buf.Remaining() == 0 {
			break
		}
		if err := c.wait(ctx, op|transport.OpRead); err != nil {
			return err
		}
	}
	return nil
}

// ReadSome returns once at least one byte was read into p.
func (c *Conn) ReadSome(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := transport.WrapBuffer(p)
	for {
		op, err := c.tr.Read(buf)
		if buf.Pos > 0 {
			return buf.Pos, nil
		}
		if err != nil {
			return 0, err
		}
		if err := c.wait(ctx, op|transport.OpRead); err != nil {
			return 0, err
		}
	}
}

func (c *Conn) Info() transport.ConnectionInfo     { return c.tr.Info() }
func (c *Conn) Transceiver() transport.Transceiver { return c.tr }
func (c *Conn) String() string                     { return c.tr.String() }
func (c *Conn) Close() error                       { return c.tr.Close() }

// CloseWrite half-closes the connection when the transport supports it.
func (c *Conn) CloseWrite() error {
	if s, ok := c.tr.(transport.Shutdowner); ok {
		return s.ShutdownWrite()
	}
	return nil
}

// Dial connects through the first connector that succeeds. Retryable
// failures move on to the next connector.
func Dial(ctx context.Context, connectors []transport.Connector, logger *zap.Logger) (*Conn, error) {
	if len(connectors) == 0 {
		return nil, transport.Errorf(transport.KindConnectFailed, "dial", "no connectors")
	}
	var lastErr error
	for _, cn := range connectors {
		tr, err := cn.Connect()
		if err == nil {
			c := NewConn(tr, logger)
			if err = c.Initialize(ctx); err == nil {
				return c, nil
			}
			_ = c.Close()
		}
		lastErr = err
		if ctx.Err() != nil || !transport.IsRetryable(err) {
			break
		}
		if logger != nil {
			logger.Debug("connect attempt failed", zap.String("connector", cn.String()), zap.Error(err))
		}
	}
	return nil, lastErr
}

// DialEndpoint resolves ep and dials it.
func DialEndpoint(ctx context.Context, ep transport.Endpoint, logger *zap.Logger) (*Conn, error) {
	connectors, err := ep.Connectors(ctx)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, connectors, logger)
}
