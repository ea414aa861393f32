package tcp

import (
	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// WrapFunc builds the transceiver running over a socket.
type WrapFunc func(sock *StreamSocket) (transport.Transceiver, error)

// Connector dials one resolved address of a stream endpoint.
type Connector struct {
	inst     *transport.Instance
	protocol string
	p        Params
	wrap     WrapFunc
}

var _ transport.Connector = (*Connector)(nil)

func NewConnector(inst *transport.Instance, protocol string, p Params, wrap WrapFunc) *Connector {
	return &Connector{inst: inst, protocol: protocol, p: p, wrap: wrap}
}

// Connect starts a background connect and returns the transceiver at once.
// Connect failures and timeouts surface from Initialize.
func (c *Connector) Connect() (transport.Transceiver, error) {
	sock := DialSocket(c.inst, c.p.Addr(), c.p.SourceTCPAddr(), transport.TimeoutDuration(c.p.Timeout))
	t, err := c.wrap(sock)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	return t, nil
}

func (c *Connector) Protocol() string { return c.protocol }

func (c *Connector) String() string { return c.p.Addr() }
