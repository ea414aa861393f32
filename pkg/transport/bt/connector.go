package bt

import (
	"context"
	"io"
	"strconv"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/blocking"
)

// Connector dials an RFCOMM service on a dedicated goroutine.
type Connector struct {
	inst    *transport.Instance
	adapter Adapter
	p       Params
}

var _ transport.Connector = (*Connector)(nil)

// Connect returns at once with a connecting transceiver. The endpoint
// timeout bounds the blocking connect.
func (c *Connector) Connect() (transport.Transceiver, error) {
	p := c.p
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, transport.TimeoutDuration(p.Timeout))
			defer cancel()
		}
		return c.adapter.Dial(ctx, p.Addr, p.Channel, p.UUID)
	}
	return blocking.Dial(dial, blocking.Options{
		Protocol: Protocol,
		Instance: c.inst,
		Describe: describe("", p.ConnectionID, p.UUID),
		Desc:     c.String(),
	}), nil
}

func (c *Connector) Protocol() string { return Protocol }

func (c *Connector) String() string {
	if c.p.Channel > 0 {
		return c.p.Addr + "#" + strconv.Itoa(c.p.Channel)
	}
	return c.p.Addr + " " + c.p.UUID
}
