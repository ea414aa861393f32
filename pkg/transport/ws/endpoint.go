package ws

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/blocking"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/tcp"
)

const (
	Protocol       = "ws"
	Type     int16 = 4
)

// Params extend the tcp options with the HTTP resource path (-r).
type Params struct {
	tcp.Params
	Resource string
}

func ParseParams(args []string, server bool, inst *transport.Instance) (Params, error) {
	resource := "/"
	p, err := tcp.ParseParams(Protocol, args, server, inst, func(opt, arg string, hasArg bool) (bool, error) {
		if opt != "-r" {
			return false, transport.UnknownOption(Protocol, opt)
		}
		if !hasArg {
			return false, transport.MissingArgument(Protocol, opt)
		}
		resource = arg
		return true, nil
	})
	if err != nil {
		return Params{}, err
	}
	if !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	return Params{Params: p, Resource: resource}, nil
}

func (p Params) Options() string {
	return p.Params.Options() + " -r " + transport.QuoteOption(p.Resource)
}

func (p Params) Compare(o Params) int {
	if c := p.Params.Compare(o.Params); c != 0 {
		return c
	}
	return transport.CompareStrings(p.Resource, o.Resource)
}

// URL is the dial target.
func (p Params) URL() string {
	u := url.URL{Scheme: "ws", Host: p.Addr(), Path: p.Resource}
	return u.String()
}

// Wire is the encoded form: the tcp fields followed by the resource.
type Wire struct {
	_        struct{} `cbor:",toarray"`
	Host     string
	Port     int32
	Timeout  int32
	Compress bool
	Resource string
}

// Endpoint addresses a websocket resource.
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
	eps, err := e.ExpandHost(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]transport.Connector, 0, len(eps))
	for _, ep := range eps {
		out = append(out, &Connector{inst: e.inst, p: ep.(*Endpoint).p})
	}
	return out, nil
}

func (e *Endpoint) Acceptor(adapterName string) (transport.Acceptor, error) {
	return blocking.NewAcceptor(blocking.AcceptorOptions{
		Protocol: Protocol,
		Instance: e.inst,
		Listen: func() (blocking.Listener, transport.Endpoint, error) {
			ln, err := listen(e.p.Addr(), e.p.Resource, e.inst.Log())
			if err != nil {
				return nil, nil, transport.NewError(transport.KindSocket, "listen", err)
			}
			p := e.p
			p.Port = ln.Port()
			return ln, e.with(p), nil
		},
		Wrap: func(c io.ReadWriteCloser) (transport.Transceiver, error) {
			return blocking.New(c, blocking.Options{
				Protocol: Protocol,
				Instance: e.inst,
				Incoming: true,
				Describe: describe(adapterName, ""),
			}), nil
		},
		Desc: e.String(),
	}), nil
}

func (e *Endpoint) ExpandHost(ctx context.Context) ([]transport.Endpoint, error) {
	ps, err := e.p.Params.ExpandHost(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]transport.Endpoint, 0, len(ps))
	for _, tp := range ps {
		out = append(out, e.with(Params{Params: tp, Resource: e.p.Resource}))
	}
	return out, nil
}

func (e *Endpoint) Equivalent(other transport.Endpoint) bool {
	o, ok := other.(*Endpoint)
	return ok && e.p.Params.Equivalent(o.p.Params) && e.p.Resource == o.p.Resource
}

func (e *Endpoint) Compare(other transport.Endpoint) int {
	if c, differ := transport.CompareType(e, other); differ {
		return c
	}
	return e.p.Compare(other.(*Endpoint).p)
}

func (e *Endpoint) Hash() uint32 {
	return transport.NewHasher(Type).
		Int(int(e.p.Params.Hash(Type))).
		String(e.p.Resource).
		Sum()
}

func (e *Endpoint) MarshalBody() ([]byte, error) {
	return transport.EncodeBody(Wire{
		Host:     e.p.Host,
		Port:     int32(e.p.Port),
		Timeout:  int32(e.p.Timeout),
		Compress: e.p.Compress,
		Resource: e.p.Resource,
	})
}

func describe(adapterName, connectionID string) func(io.ReadWriteCloser, *transport.ConnectionInfo) {
	return func(c io.ReadWriteCloser, info *transport.ConnectionInfo) {
		info.AdapterName = adapterName
		info.ConnectionID = connectionID
		wc, ok := c.(*conn)
		if !ok {
			return
		}
		info.SetAddrs(wc.LocalAddr(), wc.RemoteAddr())
		info.Extra = map[string]string{
			"resource":    wc.resource,
			"subprotocol": wc.ws.Subprotocol(),
		}
	}
}

// Connector upgrades one resolved address.
type Connector struct {
	inst *transport.Instance
	p    Params
}

var _ transport.Connector = (*Connector)(nil)

func (c *Connector) Connect() (transport.Transceiver, error) {
	p := c.p
	dialFn := func(ctx context.Context) (io.ReadWriteCloser, error) {
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, transport.TimeoutDuration(p.Timeout))
			defer cancel()
		}
		return dial(ctx, p.URL(), p.SourceTCPAddr(), transport.TimeoutDuration(p.Timeout), p.Resource)
	}
	return blocking.Dial(dialFn, blocking.Options{
		Protocol: Protocol,
		Instance: c.inst,
		Describe: describe("", p.ConnectionID),
		Desc:     c.String(),
	}), nil
}

func (c *Connector) Protocol() string { return Protocol }
func (c *Connector) String() string   { return c.p.URL() }

// Factory creates ws endpoints.
type Factory struct{ inst *transport.Instance }

func NewFactory(inst *transport.Instance) *Factory { return &Factory{inst: inst} }

func (f *Factory) Type() int16      { return Type }
func (f *Factory) Protocol() string { return Protocol }

func (f *Factory) Parse(args []string, server bool) (transport.Endpoint, error) {
	p, err := ParseParams(args, server, f.inst)
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
	tp, err := tcp.ParamsFromWire(Protocol, tcp.Wire{Host: w.Host, Port: w.Port, Timeout: w.Timeout, Compress: w.Compress})
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(w.Resource, "/") {
		return nil, transport.ParseErrorf("invalid resource %q in encoded %s endpoint", w.Resource, Protocol)
	}
	return NewEndpoint(f.inst, Params{Params: tp, Resource: w.Resource}), nil
}
