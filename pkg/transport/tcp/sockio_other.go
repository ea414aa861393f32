//go:build !unix

package tcp

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// Without access to the descriptor, non-blocking calls are approximated
// with a short deadline.
const pollSlice = time.Millisecond

func readNonBlocking(c *net.TCPConn, _ syscall.RawConn, p []byte) (int, error) {
	_ = c.SetReadDeadline(time.Now().Add(pollSlice))
	n, err := c.Read(p)
	_ = c.SetReadDeadline(time.Time{})
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func writeNonBlocking(c *net.TCPConn, _ syscall.RawConn, p []byte) (int, error) {
	_ = c.SetWriteDeadline(time.Now().Add(pollSlice))
	n, err := c.Write(p)
	_ = c.SetWriteDeadline(time.Time{})
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func waitReadable(_ *net.TCPConn, _ syscall.RawConn, _ time.Duration) (bool, error) {
	return true, nil
}

func waitOp(ctx context.Context, _ *net.TCPConn, _ syscall.RawConn, _ transport.Op) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pollSlice):
		return nil
	}
}
