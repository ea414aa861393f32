//go:build unix

package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

func readNonBlocking(_ *net.TCPConn, raw syscall.RawConn, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var (
		n     int
		operr error
	)
	err := raw.Read(func(fd uintptr) bool {
		for {
			n, operr = unix.Read(int(fd), p)
			if operr != unix.EINTR {
				return true
			}
		}
	})
	switch {
	case err != nil:
		return 0, err
	case operr == unix.EAGAIN || operr == unix.EWOULDBLOCK:
		return 0, nil
	case operr != nil:
		return 0, os.NewSyscallError("read", operr)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func writeNonBlocking(_ *net.TCPConn, raw syscall.RawConn, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var (
		n     int
		operr error
	)
	err := raw.Write(func(fd uintptr) bool {
		for {
			n, operr = unix.Write(int(fd), p)
			if operr != unix.EINTR {
				return true
			}
		}
	})
	switch {
	case err != nil:
		return 0, err
	case operr == unix.EAGAIN || operr == unix.EWOULDBLOCK:
		return 0, nil
	case operr != nil:
		return 0, os.NewSyscallError("write", operr)
	}
	return max(n, 0), nil
}

func pollFd(fd uintptr, events int16) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		return err == nil && n > 0
	}
}

// waitReadable parks on the runtime poller until the descriptor is
// readable or d elapses.
func waitReadable(c *net.TCPConn, raw syscall.RawConn, d time.Duration) (bool, error) {
	var ready bool
	probe := func(fd uintptr) bool {
		ready = pollFd(fd, unix.POLLIN)
		return ready
	}
	if d <= 0 {
		err := raw.Control(func(fd uintptr) { probe(fd) })
		return ready, err
	}
	if err := c.SetReadDeadline(time.Now().Add(d)); err != nil {
		return false, err
	}
	defer c.SetReadDeadline(time.Time{})
	err := raw.Read(probe)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false, nil
	}
	return ready, err
}

var aLongTimeAgo = time.Unix(1, 0)

func waitOp(ctx context.Context, c *net.TCPConn, raw syscall.RawConn, op transport.Op) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = c.SetDeadline(aLongTimeAgo)
		case <-stop:
		}
	}()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}

	var err error
	if op.Has(transport.OpWrite) {
		err = raw.Write(func(fd uintptr) bool { return pollFd(fd, unix.POLLOUT) })
	} else {
		err = raw.Read(func(fd uintptr) bool { return pollFd(fd, unix.POLLIN) })
	}

	close(stop)
	wg.Wait()
	_ = c.SetDeadline(time.Time{})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}
