package tcp

import (
	"context"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

const (
	Protocol       = "tcp"
	Type     int16 = 1
)

// Endpoint addresses a plain TCP listener.
type Endpoint struct {
	inst *transport.Instance
	p    Params
}

var _ transport.Endpoint = (*Endpoint)(nil)

func NewEndpoint(inst *transport.Instance, p Params) *Endpoint { return &Endpoint{inst: inst, p: p} }

func (e *Endpoint) Params() Params { return e.p }

func (e *Endpoint) Type() int16      { return Type }
func (e *Endpoint) Protocol() string { return Protocol }
func (e *Endpoint) Options() string  { return e.p.Options() }
func (e *Endpoint) String() string   { return transport.FormatEndpoint(Protocol, e.Options()) }
func (e *Endpoint) Secure() bool     { return false }

func (e *Endpoint) Timeout() int         { return e.p.Timeout }
func (e *Endpoint) Compress() bool       { return e.p.Compress }
func (e *Endpoint) ConnectionID() string { return e.p.ConnectionID }

func (e *Endpoint) with(p Params) *Endpoint { return &Endpoint{inst: e.inst, p: p} }

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

func (e *Endpoint) Connectors(ctx context.Context) ([]transport.Connector, error) {
	ps, err := e.p.ExpandHost(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]transport.Connector, 0, len(ps))
	for _, p := range ps {
		connID := p.ConnectionID
		out = append(out, NewConnector(e.inst, Protocol, p, func(sock *StreamSocket) (transport.Transceiver, error) {
			return newTransceiver(e.inst, sock, false, "", connID), nil
		}))
	}
	return out, nil
}

func (e *Endpoint) Acceptor(adapterName string) (transport.Acceptor, error) {
	return NewAcceptor(AcceptorOptions{
		Instance: e.inst,
		Protocol: Protocol,
		Params:   e.p,
		Endpoint: func(p Params) transport.Endpoint { return e.with(p) },
		Wrap: func(sock *StreamSocket) (transport.Transceiver, error) {
			return newTransceiver(e.inst, sock, true, adapterName, ""), nil
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

// Factory creates tcp endpoints.
type Factory struct{ inst *transport.Instance }

func NewFactory(inst *transport.Instance) *Factory { return &Factory{inst: inst} }

func (f *Factory) Type() int16      { return Type }
func (f *Factory) Protocol() string { return Protocol }

func (f *Factory) Parse(args []string, server bool) (transport.Endpoint, error) {
	p, err := ParseParams(Protocol, args, server, f.inst, nil)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(f.inst, p), nil
}

func (f *Factory) Decode(body []byte) (transport.Endpoint, error) {
	var w Wire
	if err := transport.DecodeBody(body, &w); err != nil {
		return nil, err
	}
	p, err := ParamsFromWire(Protocol, w)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(f.inst, p), nil
}
