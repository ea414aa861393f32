package bt

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/blocking"
)

const (
	Protocol       = "bt"
	Type     int16 = 6

	// DefaultServiceName is advertised when a listening endpoint has no
	// --name.
	DefaultServiceName = "wire service"
)

// Params are the bt endpoint fields. An empty Addr is the wildcard.
type Params struct {
	Addr         string
	UUID         string
	Channel      int
	Timeout      int
	Compress     bool
	ConnectionID string
	Name         string
}

// ParseParams reads -a -u -c -t -z --name. Listening endpoints without a
// UUID get a random one.
func ParseParams(args []string, server bool, inst *transport.Instance) (Params, error) {
	p := Params{Timeout: -2}
	wildcard := false
	err := transport.ParseOptions(Protocol, args, func(opt, arg string, hasArg bool) (bool, error) {
		if opt == "-z" {
			p.Compress = true
			return false, nil
		}
		if !hasArg {
			switch opt {
			case "-a", "-u", "-c", "-t", "--name":
				return false, transport.MissingArgument(Protocol, opt)
			}
			return false, transport.UnknownOption(Protocol, opt)
		}
		switch opt {
		case "-a":
			if arg == "*" {
				wildcard, p.Addr = true, ""
				return true, nil
			}
			mac, err := ParseMAC(arg)
			if err != nil {
				return false, transport.ParseErrorf("invalid address `%s' in %s endpoint", arg, Protocol)
			}
			p.Addr = mac
		case "-u":
			id, err := uuid.Parse(arg)
			if err != nil {
				return false, transport.ParseErrorf("invalid UUID `%s' in %s endpoint", arg, Protocol)
			}
			p.UUID = id.String()
		case "-c":
			ch, err := strconv.Atoi(arg)
			if err != nil || ch < 0 || ch > MaxChannel {
				return false, transport.ParseErrorf("invalid channel value `%s' in %s endpoint", arg, Protocol)
			}
			p.Channel = ch
		case "-t":
			t, err := transport.ParseTimeout(Protocol, arg)
			if err != nil {
				return false, err
			}
			p.Timeout = t
		case "--name":
			p.Name = arg
		default:
			return false, transport.UnknownOption(Protocol, opt)
		}
		return true, nil
	})
	if err != nil {
		return Params{}, err
	}
	if p.Timeout == -2 {
		p.Timeout = inst.DefaultTimeoutOr(60000)
	}
	if server {
		if p.UUID == "" {
			p.UUID = uuid.NewString()
		}
		return p, nil
	}
	switch {
	case wildcard:
		return Params{}, transport.ParseErrorf("`-a *' not valid for proxy endpoint `%s'", Protocol)
	case p.Addr == "":
		return Params{}, transport.ParseErrorf("no address in %s endpoint for an outgoing connection", Protocol)
	case p.UUID == "":
		return Params{}, transport.ParseErrorf("no UUID in %s endpoint for an outgoing connection", Protocol)
	}
	return p, nil
}

func (p Params) Options() string {
	var sb strings.Builder
	sb.WriteString("-a ")
	if p.Addr == "" {
		sb.WriteString("*")
	} else {
		sb.WriteString(transport.QuoteOption(p.Addr))
	}
	sb.WriteString(" -u ")
	sb.WriteString(p.UUID)
	if p.Channel > 0 {
		sb.WriteString(" -c ")
		sb.WriteString(strconv.Itoa(p.Channel))
	}
	sb.WriteString(" -t ")
	sb.WriteString(transport.FormatTimeout(p.Timeout))
	if p.Compress {
		sb.WriteString(" -z")
	}
	if p.Name != "" {
		sb.WriteString(" --name ")
		sb.WriteString(transport.QuoteOption(p.Name))
	}
	return sb.String()
}

// Compare orders by address, UUID, channel, timeout, connection id and
// compression.
func (p Params) Compare(o Params) int {
	if c := transport.CompareStrings(p.Addr, o.Addr); c != 0 {
		return c
	}
	if c := transport.CompareStrings(p.UUID, o.UUID); c != 0 {
		return c
	}
	if c := transport.CompareInts(p.Channel, o.Channel); c != 0 {
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

// Wire is the encoded form. Channel, name and connection id are local.
type Wire struct {
	_        struct{} `cbor:",toarray"`
	Addr     string
	UUID     string
	Timeout  int32
	Compress bool
}

// Endpoint addresses an RFCOMM service.
type Endpoint struct {
	inst    *transport.Instance
	adapter Adapter
	p       Params
}

var _ transport.Endpoint = (*Endpoint)(nil)

func NewEndpoint(inst *transport.Instance, adapter Adapter, p Params) *Endpoint {
	return &Endpoint{inst: inst, adapter: adapter, p: p}
}

func (e *Endpoint) Params() Params { return e.p }

func (e *Endpoint) Type() int16      { return Type }
func (e *Endpoint) Protocol() string { return Protocol }
func (e *Endpoint) Options() string  { return e.p.Options() }
func (e *Endpoint) String() string   { return transport.FormatEndpoint(Protocol, e.Options()) }
func (e *Endpoint) Secure() bool     { return false }

func (e *Endpoint) Timeout() int         { return e.p.Timeout }
func (e *Endpoint) Compress() bool       { return e.p.Compress }
func (e *Endpoint) ConnectionID() string { return e.p.ConnectionID }

func (e *Endpoint) with(p Params) *Endpoint { return &Endpoint{inst: e.inst, adapter: e.adapter, p: p} }

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
	return []transport.Connector{&Connector{inst: e.inst, adapter: e.adapter, p: e.p}}, nil
}

func (e *Endpoint) Acceptor(adapterName string) (transport.Acceptor, error) {
	name := e.p.Name
	if name == "" {
		name = DefaultServiceName
	}
	return blocking.NewAcceptor(blocking.AcceptorOptions{
		Protocol: Protocol,
		Instance: e.inst,
		Listen: func() (blocking.Listener, transport.Endpoint, error) {
			ln, err := e.adapter.Listen(e.p.Addr, e.p.Channel, e.p.UUID, name, e.inst.Backlog)
			if err != nil {
				return nil, nil, transport.NewError(transport.KindSocket, "listen", err)
			}
			p := e.p
			p.Channel = ln.Channel()
			return ln, e.with(p), nil
		},
		Wrap: func(c io.ReadWriteCloser) (transport.Transceiver, error) {
			return blocking.New(c, blocking.Options{
				Protocol: Protocol,
				Instance: e.inst,
				Incoming: true,
				Describe: describe(adapterName, "", e.p.UUID),
			}), nil
		},
		Desc: e.String(),
	}), nil
}

// ExpandHost is a no-op: device addresses need no resolution.
func (e *Endpoint) ExpandHost(context.Context) ([]transport.Endpoint, error) {
	return []transport.Endpoint{e}, nil
}

func (e *Endpoint) Equivalent(other transport.Endpoint) bool {
	o, ok := other.(*Endpoint)
	return ok && e.p.Addr == o.p.Addr && e.p.UUID == o.p.UUID && e.p.Channel == o.p.Channel
}

func (e *Endpoint) Compare(other transport.Endpoint) int {
	if c, differ := transport.CompareType(e, other); differ {
		return c
	}
	return e.p.Compare(other.(*Endpoint).p)
}

func (e *Endpoint) Hash() uint32 {
	return transport.NewHasher(Type).
		String(e.p.Addr).
		String(e.p.UUID).
		Int(e.p.Channel).
		Int(e.p.Timeout).
		String(e.p.ConnectionID).
		Bool(e.p.Compress).
		Sum()
}

func (e *Endpoint) MarshalBody() ([]byte, error) {
	return transport.EncodeBody(Wire{Addr: e.p.Addr, UUID: e.p.UUID, Timeout: int32(e.p.Timeout), Compress: e.p.Compress})
}

// describe fills the RFCOMM details of a new connection.
func describe(adapterName, connectionID, serviceUUID string) func(io.ReadWriteCloser, *transport.ConnectionInfo) {
	return func(c io.ReadWriteCloser, info *transport.ConnectionInfo) {
		info.AdapterName = adapterName
		info.ConnectionID = connectionID
		info.UUID = serviceUUID
		ac, ok := c.(interface {
			LocalAddr() net.Addr
			RemoteAddr() net.Addr
		})
		if !ok {
			return
		}
		if la, ok := ac.LocalAddr().(*Addr); ok {
			info.LocalAddress, info.LocalPort = la.MAC, la.Channel
		}
		if ra, ok := ac.RemoteAddr().(*Addr); ok {
			info.RemoteAddress, info.RemotePort = ra.MAC, ra.Channel
		}
		if info.Incoming {
			info.Channel = info.LocalPort
		} else {
			info.Channel = info.RemotePort
		}
	}
}

// Factory creates bt endpoints bound to one adapter.
type Factory struct {
	inst    *transport.Instance
	adapter Adapter
}

// NewFactory returns a factory. A nil adapter selects the system adapter.
func NewFactory(inst *transport.Instance, adapter Adapter) *Factory {
	if adapter == nil {
		adapter = SystemAdapter("")
	}
	return &Factory{inst: inst, adapter: adapter}
}

func (f *Factory) Type() int16      { return Type }
func (f *Factory) Protocol() string { return Protocol }

func (f *Factory) Parse(args []string, server bool) (transport.Endpoint, error) {
	p, err := ParseParams(args, server, f.inst)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(f.inst, f.adapter, p), nil
}

func (f *Factory) Decode(body []byte) (transport.Endpoint, error) {
	var w Wire
	if err := transport.DecodeBody(body, &w); err != nil {
		return nil, err
	}
	if w.Timeout < -1 || w.Timeout == 0 {
		return nil, transport.ParseErrorf("invalid timeout %d in encoded %s endpoint", w.Timeout, Protocol)
	}
	if w.Addr != "" {
		mac, err := ParseMAC(w.Addr)
		if err != nil {
			return nil, transport.ParseErrorf("invalid address %q in encoded %s endpoint", w.Addr, Protocol)
		}
		w.Addr = mac
	}
	return NewEndpoint(f.inst, f.adapter, Params{Addr: w.Addr, UUID: w.UUID, Timeout: int(w.Timeout), Compress: w.Compress}), nil
}
