package ssl

import (
	"context"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/tcp"
)

const (
	Protocol       = "ssl"
	Type     int16 = 2
)

// Endpoint addresses a TLS listener. It takes the tcp options.
type Endpoint struct {
	inst *transport.Instance
	cfg  *Config
	p    tcp.Params
}

var _ transport.Endpoint = (*Endpoint)(nil)

func NewEndpoint(inst *transport.Instance, cfg *Config, p tcp.Params) *Endpoint {
	return &Endpoint{inst: inst, cfg: cfg, p: p}
}

func (e *Endpoint) Params() tcp.Params { return e.p }

func (e *Endpoint) Type() int16      { return Type }
func (e *Endpoint) Protocol() string { return Protocol }
func (e *Endpoint) Options() string  { return e.p.Options() }
func (e *Endpoint) String() string   { return transport.FormatEndpoint(Protocol, e.Options()) }
func (e *Endpoint) Secure() bool     { return true }

func (e *Endpoint) Timeout() int         { return e.p.Timeout }
func (e *Endpoint) Compress() bool       { return e.p.Compress }
func (e *Endpoint) ConnectionID() string { return e.p.ConnectionID }

func (e *Endpoint) with(p tcp.Params) *Endpoint { return &Endpoint{inst: e.inst, cfg: e.cfg, p: p} }

func (e *Endpoint) WithTimeout(ms int) transport.Endpoint {
	p := e.p
	p.Timeout = ms
	return e.with(p)
}

func (e *Endpoint) WithCompress(c bool) transport.Endpoint {
	p := e.p
	p.Compress = c
	return e.with(p)
}

func (e *Endpoint) WithConnectionID(id string) transport.Endpoint {
	p := e.p
	p.ConnectionID = id
	return e.with(p)
}

// Connectors resolves the host. The configured host name, not the resolved
// address, is used for server name verification.
func (e *Endpoint) Connectors(ctx context.Context) ([]transport.Connector, error) {
	ps, err := e.p.ExpandHost(ctx)
	if err != nil {
		return nil, err
	}
	tlsCfg := e.cfg.ClientTLS(e.p.Host)
	out := make([]transport.Connector, 0, len(ps))
	for _, p := range ps {
		connID, timeout := p.ConnectionID, p.Timeout
		out = append(out, tcp.NewConnector(e.inst, Protocol, p, func(sock *tcp.StreamSocket) (transport.Transceiver, error) {
			return newTransceiver(e.inst, e.cfg, tlsCfg, sock, false, "", connID, timeout), nil
		}))
	}
	return out, nil
}

func (e *Endpoint) Acceptor(adapterName string) (transport.Acceptor, error) {
	tlsCfg, err := e.cfg.ServerTLS(e.inst.Log())
	if err != nil {
		return nil, err
	}
	timeout := e.p.Timeout
	return tcp.NewAcceptor(tcp.AcceptorOptions{
		Instance: e.inst,
		Protocol: Protocol,
		Params:   e.p,
		Endpoint: func(p tcp.Params) transport.Endpoint { return e.with(p) },
		Wrap: func(sock *tcp.StreamSocket) (transport.Transceiver, error) {
			return newTransceiver(e.inst, e.cfg, tlsCfg, sock, true, adapterName, "", timeout), nil
		},
	}), nil
}

func (e *Endpoint) ExpandHost(ctx context.Context) ([]transport.Endpoint, error) {
	ps, err := e.p.ExpandHost(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]transport.Endpoint, 0, len(ps))
	for _, p := range ps {
		out = append(out, e.with(p))
	}
	return out, nil
}

func (e *Endpoint) Equivalent(other transport.Endpoint) bool {
	o, ok := other.(*Endpoint)
	return ok && e.p.Equivalent(o.p)
}

func (e *Endpoint) Compare(other transport.Endpoint) int {
	if c, differ := transport.CompareType(e, other); differ {
		return c
	}
	return e.p.Compare(other.(*Endpoint).p)
}

func (e *Endpoint) Hash() uint32 { return e.p.Hash(Type) }

func (e *Endpoint) MarshalBody() ([]byte, error) { return transport.EncodeBody(e.p.Wire()) }

// Factory creates ssl endpoints sharing one Config.
type Factory struct {
	inst *transport.Instance
	cfg  *Config
}

// NewFactory returns a factory. A nil cfg accepts any server and serves a
// generated certificate.
func NewFactory(inst *transport.Instance, cfg *Config) *Factory {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Factory{inst: inst, cfg: cfg}
}

func (f *Factory) Type() int16      { return Type }
func (f *Factory) Protocol() string { return Protocol }

func (f *Factory) Parse(args []string, server bool) (transport.Endpoint, error) {
	p, err := tcp.ParseParams(Protocol, args, server, f.inst, nil)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(f.inst, f.cfg, p), nil
}

func (f *Factory) Decode(body []byte) (transport.Endpoint, error) {
	var w tcp.Wire
	if err := transport.DecodeBody(body, &w); err != nil {
		return nil, err
	}
	p, err := tcp.ParamsFromWire(Protocol, w)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(f.inst, f.cfg, p), nil
}
