//go:build linux

package bt

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SystemAdapter returns the RFCOMM socket adapter for the named controller
// ("hci0" when empty). Service discovery is not available, so dialing needs
// an explicit channel.
func SystemAdapter(device string) Adapter {
	if device == "" {
		device = "hci0"
	}
	return &linuxAdapter{device: device}
}

type linuxAdapter struct{ device string }

func (a *linuxAdapter) Address() (string, error) {
	b, err := os.ReadFile("/sys/class/bluetooth/" + a.device + "/address")
	if err != nil {
		return "", errors.Wrapf(err, "can't read address of %s", a.device)
	}
	return ParseMAC(strings.TrimSpace(string(b)))
}

// bdaddr converts a device address to the kernel's little-endian layout.
func bdaddr(mac string) ([6]uint8, error) {
	var out [6]uint8
	if mac == "" {
		return out, nil
	}
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return out, errors.Errorf("invalid bluetooth address %q", mac)
	}
	for i := range out {
		out[i] = hw[5-i]
	}
	return out, nil
}

func macString(b [6]uint8) string {
	hw := make(net.HardwareAddr, 6)
	for i := range hw {
		hw[i] = b[5-i]
	}
	return strings.ToUpper(hw.String())
}

func rfcommAddr(sa unix.Sockaddr) *Addr {
	if r, ok := sa.(*unix.SockaddrRFCOMM); ok {
		return &Addr{MAC: macString(r.Addr), Channel: int(r.Channel)}
	}
	return &Addr{}
}

func (a *linuxAdapter) Dial(ctx context.Context, addr string, channel int, _ string) (io.ReadWriteCloser, error) {
	if channel <= 0 {
		return nil, errors.New("service discovery is not supported, an RFCOMM channel is required")
	}
	ba, err := bdaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}

	// A blocked connect is aborted by shutting the socket down.
	stop := make(chan struct{})
	aborted := false
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = unix.Shutdown(fd, unix.SHUT_RDWR)
			aborted = true
		case <-stop:
		}
	}()
	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: ba, Channel: uint8(channel)})
	close(stop)
	wg.Wait()
	if err != nil {
		_ = unix.Close(fd)
		if aborted {
			return nil, ctx.Err()
		}
		return nil, &net.OpError{Op: "dial", Net: "rfcomm", Err: os.NewSyscallError("connect", err)}
	}
	return newConn(fd)
}

func (a *linuxAdapter) Listen(addr string, channel int, _, _ string, backlog int) (Listener, error) {
	ba, err := bdaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}
	first, last := channel, channel
	if channel == 0 {
		first, last = 1, MaxChannel
	}
	bound := 0
	for ch := first; ch <= last; ch++ {
		if err = unix.Bind(fd, &unix.SockaddrRFCOMM{Addr: ba, Channel: uint8(ch)}); err == nil {
			bound = ch
			break
		}
	}
	if bound == 0 {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "can't bind rfcomm socket")
	}
	if err := unix.Listen(fd, max(backlog, 1)); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "can't listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "can't set non-blocking mode")
	}
	f := os.NewFile(uintptr(fd), "rfcomm-listener")
	raw, err := f.SyscallConn()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "can't access listener")
	}
	return &linuxListener{f: f, raw: raw, channel: bound}, nil
}

// linuxListener parks Accept on the runtime poller so that Close unblocks
// it.
type linuxListener struct {
	f       *os.File
	raw     syscall.RawConn
	channel int
}

func (l *linuxListener) Accept() (io.ReadWriteCloser, error) {
	var nfd int
	var aerr error
	err := l.raw.Read(func(fd uintptr) bool {
		nfd, _, aerr = unix.Accept(int(fd))
		return aerr != unix.EAGAIN
	})
	if err != nil {
		return nil, err
	}
	if aerr != nil {
		return nil, os.NewSyscallError("accept", aerr)
	}
	return newConn(nfd)
}

func (l *linuxListener) Close() error { return l.f.Close() }
func (l *linuxListener) Channel() int { return l.channel }

// conn is an RFCOMM stream. Reads and writes block the calling goroutine;
// Close interrupts them.
type conn struct {
	*os.File
	local, remote *Addr
	closeOnce     sync.Once
	closeErr      error
}

func newConn(fd int) (io.ReadWriteCloser, error) {
	local, remote := &Addr{}, &Addr{}
	if sa, err := unix.Getsockname(fd); err == nil {
		local = rfcommAddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		remote = rfcommAddr(sa)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "can't set non-blocking mode")
	}
	return &conn{File: os.NewFile(uintptr(fd), "rfcomm"), local: local, remote: remote}, nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.File.Close() })
	return c.closeErr
}

func (c *conn) LocalAddr() net.Addr  { return c.local }
func (c *conn) RemoteAddr() net.Addr { return c.remote }
