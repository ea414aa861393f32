//go:build windows

package transports

import (
	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/winpipe"
)

func newWinPipeFactory(inst *transport.Instance) (transport.EndpointFactory, error) {
	return winpipe.NewFactory(inst), nil
}
