package quic

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/blocking"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/ssl"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/tcp"
)

const (
	Protocol       = "quic"
	Type     int16 = 10
)

// Endpoint addresses a QUIC listener. It takes the tcp options except
// --sourceAddress and the TLS settings of an ssl.Config.
type Endpoint struct {
	inst *transport.Instance
	cfg  *ssl.Config
	p    tcp.Params
}

var _ transport.Endpoint = (*Endpoint)(nil)

func NewEndpoint(inst *transport.Instance, cfg *ssl.Config, p tcp.Params) *Endpoint {
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

func (e *Endpoint) Connectors(ctx context.Context) ([]transport.Connector, error) {
	ps, err := e.p.ExpandHost(ctx)
	if err != nil {
		return nil, err
	}
	tc := restrictTLS(e.cfg.ClientTLS(e.p.Host))
	out := make([]transport.Connector, 0, len(ps))
	for _, p := range ps {
		out = append(out, &Connector{inst: e.inst, tls: tc, p: p})
	}
	return out, nil
}

func (e *Endpoint) Acceptor(adapterName string) (transport.Acceptor, error) {
	base, err := e.cfg.ServerTLS(e.inst.Log())
	if err != nil {
		return nil, err
	}
	tc := restrictTLS(base)
	return blocking.NewAcceptor(blocking.AcceptorOptions{
		Protocol: Protocol,
		Instance: e.inst,
		Listen: func() (blocking.Listener, transport.Endpoint, error) {
			ln, err := listen(e.p.Addr(), tc, quicConfig(e.p.Timeout), e.p.Timeout, e.inst.Log())
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

// describe copies the negotiated TLS state of a stream connection.
func describe(adapterName, connectionID string) func(io.ReadWriteCloser, *transport.ConnectionInfo) {
	return func(c io.ReadWriteCloser, info *transport.ConnectionInfo) {
		info.AdapterName = adapterName
		info.ConnectionID = connectionID
		sc, ok := c.(*streamConn)
		if !ok {
			return
		}
		info.SetAddrs(sc.LocalAddr(), sc.RemoteAddr())
		st := sc.TLS()
		info.Cipher = tls.CipherSuiteName(st.CipherSuite)
		info.TLSVersion = tls.VersionName(st.Version)
		info.ServerName = st.ServerName
		info.PeerCertificates = st.PeerCertificates
		info.Verified = len(st.VerifiedChains) > 0
		info.Extra = map[string]string{"alpn": st.NegotiatedProtocol}
	}
}

// Connector dials one resolved address.
type Connector struct {
	inst *transport.Instance
	tls  *tls.Config
	p    tcp.Params
}

var _ transport.Connector = (*Connector)(nil)

// Connect returns a connecting transceiver; the QUIC handshake runs in the
// background, bounded by the endpoint timeout.
func (c *Connector) Connect() (transport.Transceiver, error) {
	p := c.p
	dialFn := func(ctx context.Context) (io.ReadWriteCloser, error) {
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, transport.TimeoutDuration(p.Timeout))
			defer cancel()
		}
		return dial(ctx, p.Addr(), c.tls, quicConfig(p.Timeout))
	}
	return blocking.Dial(dialFn, blocking.Options{
		Protocol: Protocol,
		Instance: c.inst,
		Describe: describe("", p.ConnectionID),
		Desc:     c.String(),
	}), nil
}

func (c *Connector) Protocol() string { return Protocol }
func (c *Connector) String() string   { return c.p.Addr() }

// Factory creates quic endpoints sharing one TLS configuration.
type Factory struct {
	inst *transport.Instance
	cfg  *ssl.Config
}

// NewFactory returns a factory; a nil cfg behaves like an empty ssl.Config.
func NewFactory(inst *transport.Instance, cfg *ssl.Config) *Factory {
	if cfg == nil {
		cfg = &ssl.Config{}
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
	if p.SourceAddress != "" {
		return nil, transport.UnknownOption(Protocol, "--sourceAddress")
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
