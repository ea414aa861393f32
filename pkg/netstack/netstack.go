// Package netstack starts the listen and dial endpoints of a node from
// configuration and keeps outgoing connections alive with backoff.
package netstack

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/reactor"
	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// Backoff controls redial delays. Zero fields select the defaults.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  time.Duration
}

func (b Backoff) initial() time.Duration {
	if b.Initial <= 0 {
		return 500 * time.Millisecond
	}
	return b.Initial
}

func (b Backoff) max() time.Duration {
	if b.Max <= 0 {
		return 30 * time.Second
	}
	return b.Max
}

// next doubles d up to the maximum.
func (b Backoff) next(d time.Duration) time.Duration {
	d *= 2
	if m := b.max(); d > m {
		d = m
	}
	return d
}

func (b Backoff) withJitter(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	return d + rand.N(b.Jitter)
}

// Options configure Start.
type Options struct {
	Registry *transport.Registry
	// AdapterName is reported by accepted connections.
	AdapterName string
	// Accept serves inbound connections.
	Accept reactor.Handler
	// Dialed serves outgoing connections. The endpoint is redialed when it
	// returns.
	Dialed  reactor.Handler
	Backoff Backoff
	Logger  *zap.Logger
}

// Stack owns the servers and dial loops started from configuration.
type Stack struct {
	log     *zap.Logger
	servers []*reactor.Server
	bound   []transport.Endpoint

	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeDials atomic.Int64
	once        sync.Once
}

// Start parses every endpoint first so that a typo fails the whole start,
// then listens and launches one dial loop per dial endpoint. Dial loops stop
// when ctx is cancelled or Close is called.
func Start(ctx context.Context, listen, dial []string, opts Options) (*Stack, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("netstack: nil registry")
	}
	listenEps := make([]transport.Endpoint, 0, len(listen))
	for _, s := range listen {
		ep, err := opts.Registry.Parse(s, true)
		if err != nil {
			return nil, fmt.Errorf("listen endpoint %q: %w", s, err)
		}
		listenEps = append(listenEps, ep)
	}
	dialEps := make([]transport.Endpoint, 0, len(dial))
	for _, s := range dial {
		ep, err := opts.Registry.Parse(s, false)
		if err != nil {
			return nil, fmt.Errorf("dial endpoint %q: %w", s, err)
		}
		dialEps = append(dialEps, ep)
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &Stack{log: log, cancel: cancel}
	for _, ep := range listenEps {
		acc, err := ep.Acceptor(opts.AdapterName)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("acceptor %s: %w", ep, err)
		}
		srv, bound, err := reactor.Serve(acc, opts.Accept, log.With(zap.String("endpoint", ep.String())))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("listen %s: %w", ep, err)
		}
		log.Info("listening", zap.String("endpoint", bound.String()))
		st.servers = append(st.servers, srv)
		st.bound = append(st.bound, bound)
	}
	for _, ep := range dialEps {
		st.wg.Add(1)
		st.activeDials.Add(1)
		go func() {
			defer st.wg.Done()
			defer st.activeDials.Add(-1)
			st.dialLoop(ctx, ep, opts.Dialed, opts.Backoff)
		}()
	}
	return st, nil
}

// Endpoints returns the bound listen endpoints, with ephemeral ports and
// generated names filled in.
func (s *Stack) Endpoints() []transport.Endpoint {
	return append([]transport.Endpoint(nil), s.bound...)
}

func (s *Stack) ActiveDials() int64     { return s.activeDials.Load() }
func (s *Stack) ActiveListeners() int64 { return int64(len(s.servers)) }

func (s *Stack) dialLoop(ctx context.Context, ep transport.Endpoint, handler reactor.Handler, b Backoff) {
	log := s.log.With(zap.String("endpoint", ep.String()))
	delay := b.initial()
	for {
		if ctx.Err() != nil {
			return
		}
		c, err := reactor.DialEndpoint(ctx, ep, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !transport.IsRetryable(err) {
				log.Error("dial failed permanently", zap.Stringer("kind", transport.KindOf(err)), zap.Error(err))
				return
			}
			log.Warn("dial failed", zap.Duration("retry_in", delay), zap.Error(err))
			if !sleep(ctx, b.withJitter(delay)) {
				return
			}
			delay = b.next(delay)
			continue
		}
		delay = b.initial()
		log.Info("dialed", zap.String("connection", c.String()))
		if handler != nil {
			handler(ctx, c)
		}
		_ = c.Close()
		if !sleep(ctx, b.withJitter(delay)) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close stops the dial loops and shuts down every server.
func (s *Stack) Close() error {
	var firstErr error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		for i := len(s.servers) - 1; i >= 0; i-- {
			if err := s.servers[i].Shutdown(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
