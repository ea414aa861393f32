//go:build !linux

package bt

import (
	"context"
	"io"
)

// SystemAdapter returns an adapter that fails every call: RFCOMM sockets
// are only implemented on Linux.
func SystemAdapter(string) Adapter { return unsupported{} }

type unsupported struct{}

func (unsupported) Address() (string, error) { return "", errUnsupported("address") }

func (unsupported) Listen(string, int, string, string, int) (Listener, error) {
	return nil, errUnsupported("listen")
}

func (unsupported) Dial(context.Context, string, int, string) (io.ReadWriteCloser, error) {
	return nil, errUnsupported("connect")
}
