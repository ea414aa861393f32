//go:build windows

package winpipe

import (
	"context"
	"io"
	"net"

	"github.com/Microsoft/go-winio"
)

func dialPipe(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	return winio.DialPipeContext(ctx, name)
}

// listener adapts a winio pipe listener; closing it unblocks Accept.
type listener struct{ l net.Listener }

func listenPipe(name string) (*listener, error) {
	l, err := winio.ListenPipe(name, &winio.PipeConfig{InputBufferSize: 64 << 10, OutputBufferSize: 64 << 10})
	if err != nil {
		return nil, err
	}
	return &listener{l: l}, nil
}

func (l *listener) Accept() (io.ReadWriteCloser, error) { return l.l.Accept() }
func (l *listener) Close() error                        { return l.l.Close() }
