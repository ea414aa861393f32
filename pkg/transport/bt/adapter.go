package bt

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// MaxChannel is the highest RFCOMM channel.
const MaxChannel = 30

// Adapter is the blocking RFCOMM socket API of a Bluetooth controller.
// Every call may block; the transport runs them on dedicated goroutines.
type Adapter interface {
	// Address returns the controller's device address.
	Address() (string, error)
	// Listen binds a listener. An empty addr binds every controller and
	// channel 0 picks a free channel. uuid and name describe the service.
	// backlog bounds the pending connection queue; values below 1 mean 1.
	Listen(addr string, channel int, uuid, name string, backlog int) (Listener, error)
	// Dial connects to a remote device. Implementations without service
	// discovery require a channel.
	Dial(ctx context.Context, addr string, channel int, uuid string) (io.ReadWriteCloser, error)
}

// Listener accepts RFCOMM connections. Close unblocks a pending Accept.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
	Channel() int
}

// Addr is an RFCOMM socket address.
type Addr struct {
	MAC     string
	Channel int
}

func (a *Addr) Network() string { return "rfcomm" }
func (a *Addr) String() string  { return a.MAC + "#" + strconv.Itoa(a.Channel) }

// ParseMAC validates a device address and returns it in upper case.
func ParseMAC(s string) (string, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 || strings.Count(s, ":") != 5 {
		return "", fmt.Errorf("invalid bluetooth address %q", s)
	}
	return strings.ToUpper(hw.String()), nil
}

func errUnsupported(op string) error {
	return transport.Errorf(transport.KindSocket, op, "bluetooth is not supported on this platform")
}
