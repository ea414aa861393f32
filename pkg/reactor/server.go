package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// Handler serves one accepted connection. ctx is cancelled on Shutdown.
type Handler func(ctx context.Context, c *Conn)

// Server runs an accept loop over an acceptor and hands every connection to
// a handler goroutine.
type Server struct {
	acc     transport.Acceptor
	handler Handler
	log     *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	ready    chan struct{}
	loopDone chan struct{}

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// Serve listens on acc and starts the accept loop.
func Serve(acc transport.Acceptor, handler Handler, logger *zap.Logger) (*Server, transport.Endpoint, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ep, err := acc.Listen()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		acc:      acc,
		handler:  handler,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		conns:    make(map[*Conn]struct{}),
	}
	acc.SetReadyCallback(transport.ReadyFunc(func(transport.Op, bool) {
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}))
	go s.acceptLoop()
	return s, ep, nil
}

func (s *Server) acceptLoop() {
	defer close(s.loopDone)
	for !s.stopping.Load() {
		tr, err := s.acc.Accept()
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrWouldBlock):
				select {
				case <-s.ready:
				case <-time.After(pollSlice):
				case <-s.ctx.Done():
				}
				continue
			case errors.Is(err, transport.ErrTimeout):
				continue
			}
			if !s.stopping.Load() {
				s.log.Error("accept failed", zap.String("acceptor", s.acc.String()), zap.Error(err))
			}
			return
		}
		s.start(tr)
	}
}

func (s *Server) start(tr transport.Transceiver) {
	c := NewConn(tr, s.log)
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		_ = tr.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			_ = c.Close()
		}()
		if err := c.Initialize(s.ctx); err != nil {
			s.log.Debug("connection setup failed", zap.String("conn", c.String()), zap.Error(err))
			return
		}
		s.handler(s.ctx, c)
	}()
}

// Shutdown stops accepting, closes every connection and waits for the
// handlers.
func (s *Server) Shutdown() error {
	if s.stopping.Swap(true) {
		<-s.loopDone
		return nil
	}
	if sc, ok := s.acc.(transport.SelfConnector); ok {
		if err := sc.ConnectToSelf(); err != nil {
			s.log.Debug("connect to self failed", zap.Error(err))
		}
	}
	s.cancel()
	err := s.acc.Close()
	<-s.loopDone

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}
