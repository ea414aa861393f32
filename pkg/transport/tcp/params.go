package tcp

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// Params are the fields shared by every endpoint running over an IP stream
// or datagram socket (tcp, ssl, ws, quic).
type Params struct {
	Host          string
	Port          int
	SourceAddress string
	Timeout       int
	Compress      bool
	ConnectionID  string
}

// ParseParams reads the -h -p -t -z --sourceAddress options. Options it
// does not know are passed to extra, which may be nil.
func ParseParams(protocol string, args []string, server bool, inst *transport.Instance, extra transport.OptionFunc) (Params, error) {
	p := Params{Port: -1, Timeout: -2}
	wildcard := false
	err := transport.ParseOptions(protocol, args, func(opt, arg string, hasArg bool) (bool, error) {
		switch opt {
		case "-h":
			if !hasArg {
				return false, transport.MissingArgument(protocol, opt)
			}
			if arg == "*" {
				wildcard = true
				arg = ""
			}
			p.Host = arg
			return true, nil
		case "-p":
			if !hasArg {
				return false, transport.MissingArgument(protocol, opt)
			}
			port, err := strconv.Atoi(arg)
			if err != nil || port < 0 || port > 65535 {
				return false, transport.ParseErrorf("invalid port value `%s' in %s endpoint", arg, protocol)
			}
			p.Port = port
			return true, nil
		case "-t":
			if !hasArg {
				return false, transport.MissingArgument(protocol, opt)
			}
			t, err := transport.ParseTimeout(protocol, arg)
			if err != nil {
				return false, err
			}
			p.Timeout = t
			return true, nil
		case "-z":
			p.Compress = true
			return false, nil
		case "--sourceAddress":
			if !hasArg {
				return false, transport.MissingArgument(protocol, opt)
			}
			if net.ParseIP(arg) == nil {
				return false, transport.ParseErrorf("invalid IP address `%s' provided for --sourceAddress in %s endpoint", arg, protocol)
			}
			p.SourceAddress = arg
			return true, nil
		}
		if extra != nil {
			return extra(opt, arg, hasArg)
		}
		return false, transport.UnknownOption(protocol, opt)
	})
	if err != nil {
		return Params{}, err
	}
	if p.Port < 0 {
		p.Port = 0
	}
	if p.Timeout == -2 {
		p.Timeout = inst.DefaultTimeoutOr(60000)
	}
	if p.Host == "" && !wildcard {
		p.Host = inst.DefaultHostOr("")
	}
	if !server {
		switch {
		case wildcard:
			return Params{}, transport.ParseErrorf("`-h *' not valid for proxy endpoint `%s'", protocol)
		case p.Host == "":
			return Params{}, transport.ParseErrorf("no host in %s endpoint for an outgoing connection", protocol)
		case p.Port == 0:
			return Params{}, transport.ParseErrorf("no port in %s endpoint for an outgoing connection", protocol)
		}
	}
	if server && p.SourceAddress != "" {
		return Params{}, transport.ParseErrorf("`--sourceAddress' not valid for object adapter endpoint `%s'", protocol)
	}
	return p, nil
}

// Options renders the parameters in option string form.
func (p Params) Options() string {
	var sb strings.Builder
	if p.Host != "" {
		sb.WriteString("-h ")
		sb.WriteString(transport.QuoteOption(p.Host))
	} else {
		sb.WriteString("-h *")
	}
	sb.WriteString(" -p ")
	sb.WriteString(strconv.Itoa(p.Port))
	if p.SourceAddress != "" {
		sb.WriteString(" --sourceAddress ")
		sb.WriteString(transport.QuoteOption(p.SourceAddress))
	}
	sb.WriteString(" -t ")
	sb.WriteString(transport.FormatTimeout(p.Timeout))
	if p.Compress {
		sb.WriteString(" -z")
	}
	return sb.String()
}

// Addr is the host:port form used for dialing.
func (p Params) Addr() string { return net.JoinHostPort(p.Host, strconv.Itoa(p.Port)) }

// Equivalent compares only the fields identifying the remote resource.
func (p Params) Equivalent(o Params) bool {
	return p.Host == o.Host && p.Port == o.Port && p.SourceAddress == o.SourceAddress
}

// Compare orders by host, port, source address, timeout, connection id and
// compression.
func (p Params) Compare(o Params) int {
	if c := transport.CompareStrings(p.Host, o.Host); c != 0 {
		return c
	}
	if c := transport.CompareInts(p.Port, o.Port); c != 0 {
		return c
	}
	if c := transport.CompareStrings(p.SourceAddress, o.SourceAddress); c != 0 {
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

// Hash mixes every compared field.
func (p Params) Hash(typ int16) uint32 {
	return transport.NewHasher(typ).
		String(p.Host).
		Int(p.Port).
		String(p.SourceAddress).
		Int(p.Timeout).
		String(p.ConnectionID).
		Bool(p.Compress).
		Sum()
}

// IsLiteral reports whether the host needs no name resolution.
func (p Params) IsLiteral() bool { return p.Host == "" || net.ParseIP(p.Host) != nil }

// ExpandHost resolves the host and returns one copy of p per address.
func (p Params) ExpandHost(ctx context.Context) ([]Params, error) {
	if p.IsLiteral() {
		return []Params{p}, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, p.Host)
	if err != nil {
		return nil, transport.NewError(transport.KindConnectFailed, "resolve", err)
	}
	out := make([]Params, 0, len(addrs))
	for _, a := range addrs {
		q := p
		q.Host = a
		out = append(out, q)
	}
	return out, nil
}

// SourceTCPAddr returns the local address to bind outgoing connections to.
func (p Params) SourceTCPAddr() *net.TCPAddr {
	if p.SourceAddress == "" {
		return nil
	}
	return &net.TCPAddr{IP: net.ParseIP(p.SourceAddress)}
}

// Wire is the encoded form of Params. The source address and connection id
// are local settings and are not encoded.
type Wire struct {
	_        struct{} `cbor:",toarray"`
	Host     string
	Port     int32
	Timeout  int32
	Compress bool
}

func (p Params) Wire() Wire {
	return Wire{Host: p.Host, Port: int32(p.Port), Timeout: int32(p.Timeout), Compress: p.Compress}
}

// ParamsFromWire validates a decoded body.
func ParamsFromWire(protocol string, w Wire) (Params, error) {
	if w.Port < 0 || w.Port > 65535 {
		return Params{}, transport.ParseErrorf("invalid port %d in encoded %s endpoint", w.Port, protocol)
	}
	if w.Timeout < -1 || w.Timeout == 0 {
		return Params{}, transport.ParseErrorf("invalid timeout %d in encoded %s endpoint", w.Timeout, protocol)
	}
	return Params{Host: w.Host, Port: int(w.Port), Timeout: int(w.Timeout), Compress: w.Compress}, nil
}
