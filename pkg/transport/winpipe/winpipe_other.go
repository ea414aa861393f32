//go:build !windows

package winpipe

import (
	"context"
	"io"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

func unsupported(op string) error {
	return transport.Errorf(transport.KindSocket, op, "named pipes are not supported on this platform")
}

func dialPipe(context.Context, string) (io.ReadWriteCloser, error) { return nil, unsupported("dial") }

type listener struct{}

func listenPipe(string) (*listener, error) { return nil, unsupported("listen") }

func (*listener) Accept() (io.ReadWriteCloser, error) { return nil, unsupported("accept") }
func (*listener) Close() error                        { return nil }
