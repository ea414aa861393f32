//go:build !windows

package transports

import (
	"fmt"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

func newWinPipeFactory(*transport.Instance) (transport.EndpointFactory, error) {
	return nil, fmt.Errorf("winpipe transport is not supported on this platform")
}
