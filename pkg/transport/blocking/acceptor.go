package blocking

import (
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// Listener is a blocking accept primitive. Close must unblock a pending
// Accept.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
}

// AcceptorOptions configure an Acceptor.
type AcceptorOptions struct {
	Protocol string
	Instance *transport.Instance
	// Listen opens the listening resource and returns the endpoint with the
	// effective channel or port.
	Listen func() (Listener, transport.Endpoint, error)
	// Wrap turns an accepted connection into a transceiver.
	Wrap func(c io.ReadWriteCloser) (transport.Transceiver, error)
	Desc string
}

// Acceptor runs one accept goroutine and keeps accepted connections on a
// pending stack until the reactor claims them with Accept.
type Acceptor struct {
	opts AcceptorOptions
	log  *zap.Logger

	mu       sync.Mutex
	ln       Listener
	endpoint transport.Endpoint
	pending  []io.ReadWriteCloser
	err      error
	closed   bool
	cb       transport.ReadyCallback

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ transport.Acceptor = (*Acceptor)(nil)

func NewAcceptor(opts AcceptorOptions) *Acceptor {
	return &Acceptor{opts: opts, log: opts.Instance.Log()}
}

// Listen opens the listener and starts the accept goroutine. Later calls
// return the endpoint of the first successful call.
func (a *Acceptor) Listen() (transport.Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, transport.Errorf(transport.KindSocket, "listen", "acceptor closed")
	}
	if a.ln != nil {
		return a.endpoint, nil
	}
	ln, ep, err := a.opts.Listen()
	if err != nil {
		return nil, err
	}
	a.ln, a.endpoint = ln, ep
	a.wg.Add(1)
	go a.acceptLoop(ln)
	a.log.Debug("accepting connections", zap.String("protocol", a.opts.Protocol), zap.String("endpoint", ep.String()))
	return ep, nil
}

func (a *Acceptor) acceptLoop(ln Listener) {
	defer a.wg.Done()
	for {
		c, err := ln.Accept()

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			if c != nil {
				_ = c.Close()
			}
			return
		}
		if err != nil {
			a.err = transport.NewError(transport.KindSocket, "accept", err)
			cb := a.cb
			a.mu.Unlock()
			a.log.Warn("accept failed", zap.String("protocol", a.opts.Protocol), zap.Error(err))
			notify(cb, transport.OpRead, false)
			return
		}
		a.pending = append(a.pending, c)
		cb := a.cb
		a.mu.Unlock()
		notify(cb, transport.OpRead, true)
	}
}

// Accept pops the most recently accepted connection. It returns
// ErrWouldBlock when nothing is pending.
func (a *Acceptor) Accept() (transport.Transceiver, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, transport.Errorf(transport.KindSocket, "accept", "acceptor closed")
	}
	if len(a.pending) == 0 {
		err := a.err
		a.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, transport.ErrWouldBlock
	}
	last := len(a.pending) - 1
	c := a.pending[last]
	a.pending[last] = nil
	a.pending = a.pending[:last]
	more := len(a.pending) > 0
	cb := a.cb
	a.mu.Unlock()

	if more {
		notify(cb, transport.OpRead, true)
	}
	t, err := a.opts.Wrap(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return t, nil
}

// Close closes the listener, waits for the accept goroutine and closes
// every unclaimed connection.
func (a *Acceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		ln := a.ln
		a.mu.Unlock()

		if ln != nil {
			err = ln.Close()
		}
		a.wg.Wait()

		a.mu.Lock()
		pending := a.pending
		a.pending = nil
		a.mu.Unlock()
		for _, c := range pending {
			_ = c.Close()
		}
	})
	return err
}

// Pending reports how many accepted connections await Accept.
func (a *Acceptor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Acceptor) Protocol() string { return a.opts.Protocol }

func (a *Acceptor) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.endpoint != nil {
		return a.endpoint.String()
	}
	return a.opts.Desc
}

// SetReadyCallback installs cb; it fires at once if connections are
// already pending.
func (a *Acceptor) SetReadyCallback(cb transport.ReadyCallback) {
	a.mu.Lock()
	a.cb = cb
	fire := len(a.pending) > 0 || a.err != nil
	more := len(a.pending) > 0
	a.mu.Unlock()
	if fire {
		notify(cb, transport.OpRead, more)
	}
}
