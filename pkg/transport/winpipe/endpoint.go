package winpipe

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/blocking"
)

const (
	Protocol       = "pipe"
	Type     int16 = 11

	// Prefix is the namespace every pipe name lives in.
	Prefix = `\\.\pipe\`
)

// Params are the pipe endpoint fields.
type Params struct {
	Name         string
	Timeout      int
	Compress     bool
	ConnectionID string
}

// ParseParams reads -n -t -z. Names are completed with Prefix; a listening
// endpoint without -n gets a unique name.
func ParseParams(args []string, server bool, inst *transport.Instance) (Params, error) {
	p := Params{Timeout: -2}
	err := transport.ParseOptions(Protocol, args, func(opt, arg string, hasArg bool) (bool, error) {
		switch opt {
		case "-z":
			p.Compress = true
			return false, nil
		case "-n", "-t":
			if !hasArg {
				return false, transport.MissingArgument(Protocol, opt)
			}
		default:
			return false, transport.UnknownOption(Protocol, opt)
		}
		if opt == "-n" {
			p.Name = CanonicalName(arg)
			return true, nil
		}
		t, err := transport.ParseTimeout(Protocol, arg)
		if err != nil {
			return false, err
		}
		p.Timeout = t
		return true, nil
	})
	if err != nil {
		return Params{}, err
	}
	if p.Timeout == -2 {
		p.Timeout = inst.DefaultTimeoutOr(60000)
	}
	if p.Name == "" {
		if !server {
			return Params{}, transport.ParseErrorf("no pipe name in %s endpoint for an outgoing connection", Protocol)
		}
		p.Name = Prefix + "wire-" + uuid.NewString()
	}
	return p, nil
}

// CanonicalName prefixes short names with the pipe namespace.
func CanonicalName(name string) string {
	if strings.HasPrefix(strings.ToLower(name), strings.ToLower(Prefix)) {
		return name
	}
	return Prefix + strings.TrimLeft(name, `\`)
}

func (p Params) Options() string {
	var sb strings.Builder
	sb.WriteString("-n ")
	sb.WriteString(transport.QuoteOption(p.Name))
	sb.WriteString(" -t ")
	sb.WriteString(transport.FormatTimeout(p.Timeout))
	if p.Compress {
		sb.WriteString(" -z")
	}
	return sb.String()
}

func (p Params) Compare(o Params) int {
	if c := transport.CompareStrings(p.Name, o.Name); c != 0 {
		return c
	}
	if c := transport.CompareInts(p.Timeout, o.Timeout); c != 0 {
		return c
	}
	if c := transport.CompareStrings(p.ConnectionID, o.ConnectionID); c != 0 {
		return c
	}
	return transport.CompareBools(p.Compress, o.Compress)
}

// Wire is the encoded form.
type Wire struct {
	_        struct{} `cbor:",toarray"`
	Name     string
	Timeout  int32
	Compress bool
}

// Endpoint addresses a named pipe on the local machine.
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

func (e *Endpoint) Connectors(context.Context) ([]transport.Connector, error) {
	return []transport.Connector{&Connector{inst: e.inst, p: e.p}}, nil
}

func (e *Endpoint) Acceptor(adapterName string) (transport.Acceptor, error) {
	return blocking.NewAcceptor(blocking.AcceptorOptions{
		Protocol: Protocol,
		Instance: e.inst,
		Listen: func() (blocking.Listener, transport.Endpoint, error) {
			ln, err := listenPipe(e.p.Name)
			if err != nil {
				return nil, nil, transport.NewError(transport.KindSocket, "listen", err)
			}
			return ln, e, nil
		},
		Wrap: func(c io.ReadWriteCloser) (transport.Transceiver, error) {
			return blocking.New(c, blocking.Options{
				Protocol: Protocol,
				Instance: e.inst,
				Incoming: true,
				Describe: describe(adapterName, "", e.p.Name),
			}), nil
		},
		Desc: e.String(),
	}), nil
}

// ExpandHost is a no-op: pipe names need no resolution.
func (e *Endpoint) ExpandHost(context.Context) ([]transport.Endpoint, error) {
	return []transport.Endpoint{e}, nil
}

func (e *Endpoint) Equivalent(other transport.Endpoint) bool {
	o, ok := other.(*Endpoint)
	return ok && strings.EqualFold(e.p.Name, o.p.Name)
}

func (e *Endpoint) Compare(other transport.Endpoint) int {
	if c, differ := transport.CompareType(e, other); differ {
		return c
	}
	return e.p.Compare(other.(*Endpoint).p)
}

func (e *Endpoint) Hash() uint32 {
	return transport.NewHasher(Type).
		String(e.p.Name).
		Int(e.p.Timeout).
		String(e.p.ConnectionID).
		Bool(e.p.Compress).
		Sum()
}

func (e *Endpoint) MarshalBody() ([]byte, error) {
	return transport.EncodeBody(Wire{Name: e.p.Name, Timeout: int32(e.p.Timeout), Compress: e.p.Compress})
}

func describe(adapterName, connectionID, name string) func(io.ReadWriteCloser, *transport.ConnectionInfo) {
	return func(_ io.ReadWriteCloser, info *transport.ConnectionInfo) {
		info.AdapterName = adapterName
		info.ConnectionID = connectionID
		info.LocalAddress, info.LocalPort = name, -1
		info.RemoteAddress, info.RemotePort = name, -1
	}
}

// Connector opens the pipe on a dedicated goroutine.
type Connector struct {
	inst *transport.Instance
	p    Params
}

var _ transport.Connector = (*Connector)(nil)

func (c *Connector) Connect() (transport.Transceiver, error) {
	p := c.p
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, transport.TimeoutDuration(p.Timeout))
			defer cancel()
		}
		return dialPipe(ctx, p.Name)
	}
	return blocking.Dial(dial, blocking.Options{
		Protocol: Protocol,
		Instance: c.inst,
		Describe: describe("", p.ConnectionID, p.Name),
		Desc:     p.Name,
	}), nil
}

func (c *Connector) Protocol() string { return Protocol }
func (c *Connector) String() string   { return c.p.Name }

// Factory creates pipe endpoints.
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
	if w.Name == "" || w.Timeout < -1 || w.Timeout == 0 {
		return nil, transport.ParseErrorf("invalid encoded %s endpoint", Protocol)
	}
	return NewEndpoint(f.inst, Params{Name: CanonicalName(w.Name), Timeout: int(w.Timeout), Compress: w.Compress}), nil
}
