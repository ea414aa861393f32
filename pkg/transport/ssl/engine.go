package ssl

import (
	"bytes"
	"net"
	"sync"
	"time"
)

// errWouldBlock is returned by the pipe when no ciphertext is buffered. It
// is temporary so crypto/tls does not latch it as a permanent error.
var errWouldBlock net.Error = wouldBlock{}

type wouldBlock struct{}

func (wouldBlock) Error() string   { return "ssl: no buffered input" }
func (wouldBlock) Timeout() bool   { return false }
func (wouldBlock) Temporary() bool { return true }

type hsStatus int

const (
	needTask hsStatus = iota
	needWrap
	needUnwrap
	finished
)

func (s hsStatus) String() string {
	switch s {
	case needWrap:
		return "need-wrap"
	case needUnwrap:
		return "need-unwrap"
	case finished:
		return "finished"
	}
	return "need-task"
}

// pipe is the net.Conn handed to crypto/tls. Ciphertext read from the
// socket is fed into in; records produced by the engine accumulate in out
// until the transceiver flushes them. While the handshake goroutine runs
// the pipe blocks on empty input and reports parked, afterwards reads
// return errWouldBlock.
type pipe struct {
	mu   sync.Mutex
	cond *sync.Cond
	in   bytes.Buffer
	out  bytes.Buffer

	blocking bool
	parked   bool
	closed   bool

	hsDone bool
	hsErr  error

	local, remote net.Addr
}

var _ net.Conn = (*pipe)(nil)

func newPipe(local, remote net.Addr) *pipe {
	p := &pipe{local: local, remote: remote}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.in.Len() == 0 {
		switch {
		case p.closed:
			return 0, net.ErrClosed
		case !p.blocking:
			return 0, errWouldBlock
		}
		p.parked = true
		p.cond.Broadcast()
		p.cond.Wait()
		p.parked = false
	}
	return p.in.Read(b)
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	p.out.Write(b)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

func (p *pipe) LocalAddr() net.Addr              { return p.local }
func (p *pipe) RemoteAddr() net.Addr             { return p.remote }
func (p *pipe) SetDeadline(time.Time) error      { return nil }
func (p *pipe) SetReadDeadline(time.Time) error  { return nil }
func (p *pipe) SetWriteDeadline(time.Time) error { return nil }

// feed appends ciphertext received from the socket.
func (p *pipe) feed(b []byte) {
	p.mu.Lock()
	p.in.Write(b)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pipe) inLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in.Len()
}

// pending copies up to len(dst) bytes of unsent ciphertext into dst.
func (p *pipe) pending(dst []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(dst, p.out.Bytes())
	return dst[:n]
}

func (p *pipe) consume(n int) {
	p.mu.Lock()
	p.out.Next(n)
	p.mu.Unlock()
}

func (p *pipe) outLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Len()
}

// handshake runs fn on its own goroutine with a blocking pipe. wg tracks
// the goroutine.
func (p *pipe) handshake(wg *sync.WaitGroup, fn func() error) {
	p.mu.Lock()
	p.blocking = true
	p.mu.Unlock()
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := fn()
		p.mu.Lock()
		p.hsDone, p.hsErr = true, err
		p.blocking = false
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
}

// status tells the transceiver what the handshake needs next. Output is
// always flushed before completion is reported so the peer sees the final
// flight or the alert.
func (p *pipe) status() hsStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *pipe) statusLocked() hsStatus {
	switch {
	case p.out.Len() > 0:
		return needWrap
	case p.hsDone:
		return finished
	case p.parked && p.in.Len() == 0:
		return needUnwrap
	}
	return needTask
}

// runTask waits until the handshake goroutine has consumed its input and
// either produced output, parked for more or finished.
func (p *pipe) runTask() {
	p.mu.Lock()
	for p.statusLocked() == needTask {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *pipe) result() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hsErr
}
