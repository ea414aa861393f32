// Package transports assembles the endpoint registry from the transport
// packages.
package transports

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/bt"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/quic"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/ssl"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/tcp"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/ws"
)

// Options select and configure the transports of a registry.
type Options struct {
	// Protocols lists the transports to register; empty registers all that
	// are available on this platform.
	Protocols []string
	// SSL configures ssl and quic. Nil uses an empty configuration.
	SSL *ssl.Config
	// Bluetooth is the RFCOMM adapter; nil selects the system adapter.
	Bluetooth bt.Adapter
}

type constructor func(inst *transport.Instance, opts Options) (transport.EndpointFactory, error)

var constructors = map[string]constructor{
	tcp.Protocol: func(inst *transport.Instance, _ Options) (transport.EndpointFactory, error) {
		return tcp.NewFactory(inst), nil
	},
	ssl.Protocol: func(inst *transport.Instance, opts Options) (transport.EndpointFactory, error) {
		return ssl.NewFactory(inst, opts.SSL), nil
	},
	ws.Protocol: func(inst *transport.Instance, _ Options) (transport.EndpointFactory, error) {
		return ws.NewFactory(inst), nil
	},
	quic.Protocol: func(inst *transport.Instance, opts Options) (transport.EndpointFactory, error) {
		return quic.NewFactory(inst, opts.SSL), nil
	},
	bt.Protocol: func(inst *transport.Instance, opts Options) (transport.EndpointFactory, error) {
		return bt.NewFactory(inst, opts.Bluetooth), nil
	},
	"pipe": func(inst *transport.Instance, _ Options) (transport.EndpointFactory, error) {
		return newWinPipeFactory(inst)
	},
}

// aliases map alternative names accepted in endpoint strings.
var aliases = map[string]string{
	"tls":    ssl.Protocol,
	"rfcomm": bt.Protocol,
}

// Known lists every protocol name that Build understands.
func Known() []string {
	out := make([]string, 0, len(constructors))
	for p := range constructors {
		out = append(out, p)
	}
	return out
}

// ErrUnknownKind is returned for a protocol no transport package provides.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }

// Build returns a registry holding the selected transports. Transports
// that are unavailable on this platform are skipped when Protocols is
// empty and reported otherwise.
func Build(inst *transport.Instance, opts Options) (*transport.Registry, error) {
	reg := transport.NewRegistry()
	explicit := len(opts.Protocols) > 0
	protocols := opts.Protocols
	if !explicit {
		protocols = Known()
	}
	for _, name := range protocols {
		name = strings.ToLower(strings.TrimSpace(name))
		if target, ok := aliases[name]; ok {
			name = target
		}
		ctor, ok := constructors[name]
		if !ok {
			return nil, ErrUnknownKind(name)
		}
		f, err := ctor(inst, opts)
		if err != nil {
			if explicit {
				return nil, fmt.Errorf("transport %s: %w", name, err)
			}
			inst.Log().Debug("transport not available", zap.String("protocol", name), zap.Error(err))
			continue
		}
		reg.Register(f)
	}
	for alias, target := range aliases {
		if _, err := reg.Get(target); err == nil {
			_ = reg.Alias(alias, target)
		}
	}
	return reg, nil
}
