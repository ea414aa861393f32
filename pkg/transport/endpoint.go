package transport

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zeroc-ice/ice-sub030/pkg/protocol/codec"
)

// Endpoint is an immutable description of one reachable address for a
// transport. Setter-like methods return a new Endpoint.
type Endpoint interface {
	// Type is the transport type id used on the wire.
	Type() int16
	Protocol() string
	// Options renders the option string without the protocol prefix.
	Options() string
	// String renders "<protocol> <options>"; parsing it yields an equal endpoint.
	String() string

	Timeout() int
	WithTimeout(ms int) Endpoint
	ConnectionID() string
	WithConnectionID(id string) Endpoint
	Compress() bool
	WithCompress(c bool) Endpoint
	Secure() bool

	// Connectors resolves the endpoint into one connector per concrete address.
	Connectors(ctx context.Context) ([]Connector, error)
	// Acceptor returns an acceptor for a listening endpoint.
	Acceptor(adapterName string) (Acceptor, error)
	// ExpandHost resolves a symbolic host into concrete endpoints; transports
	// without name resolution return the endpoint itself.
	ExpandHost(ctx context.Context) ([]Endpoint, error)

	// Equivalent reports whether both endpoints address the same resource,
	// ignoring timeout, compression and connection id.
	Equivalent(other Endpoint) bool
	// Compare orders endpoints totally, consistent with equality.
	Compare(other Endpoint) int
	Hash() uint32

	// MarshalBody encodes the wire fields of the endpoint.
	MarshalBody() ([]byte, error)
}

// Equal reports whether a and b are equal endpoints.
func Equal(a, b Endpoint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Compare(b) == 0
}

// CompareType orders endpoints of different transports by type id. It
// returns 0 and false when the types match.
func CompareType(a, b Endpoint) (int, bool) {
	if a.Type() == b.Type() {
		return 0, false
	}
	if a.Type() < b.Type() {
		return -1, true
	}
	return 1, true
}

// SortEndpoints sorts and removes duplicates in place.
func SortEndpoints(eps []Endpoint) []Endpoint {
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Compare(eps[j]) < 0 })
	out := eps[:0]
	for i, e := range eps {
		if i > 0 && Equal(out[len(out)-1], e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Hasher accumulates endpoint fields into a 32-bit hash.
type Hasher struct{ h uint32 }

// NewHasher seeds a hasher with the endpoint type.
func NewHasher(typ int16) *Hasher { return &Hasher{h: 5381 + uint32(typ)} }

func (h *Hasher) String(s string) *Hasher {
	f := fnv.New32a()
	_, _ = f.Write([]byte(s))
	return h.mix(f.Sum32())
}

func (h *Hasher) Int(v int) *Hasher { return h.mix(uint32(v)) }

func (h *Hasher) Bool(v bool) *Hasher {
	if v {
		return h.mix(1)
	}
	return h.mix(0)
}

func (h *Hasher) Sum() uint32 { return h.h }

func (h *Hasher) mix(v uint32) *Hasher {
	h.h = ((h.h << 5) + h.h) ^ v
	return h
}

// CompareStrings and friends help endpoints implement lexicographic Compare.
func CompareStrings(a, b string) int { return strings.Compare(a, b) }

func CompareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func CompareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// ---- option strings ----

// SplitOptions splits an endpoint string into whitespace separated tokens,
// honouring single and double quotes.
func SplitOptions(s string) ([]string, error) {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		inTok bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inTok = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inTok {
				out = append(out, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if quote != 0 {
		return nil, ParseErrorf("mismatched quote in endpoint `%s'", s)
	}
	if inTok {
		out = append(out, cur.String())
	}
	return out, nil
}

// QuoteOption quotes an option argument when it would not survive
// SplitOptions as a single token. Quotes are literal, so a value holding
// both quote characters is emitted as adjacent segments.
func QuoteOption(s string) string {
	switch {
	case s != "" && !strings.ContainsAny(s, " \t\n\r:@'\""):
		return s
	case !strings.Contains(s, `"`):
		return `"` + s + `"`
	case !strings.Contains(s, "'"):
		return "'" + s + "'"
	default:
		return `"` + strings.ReplaceAll(s, `"`, `"'"'"`) + `"`
	}
}

// OptionFunc handles one option. It reports whether arg was consumed.
type OptionFunc func(opt, arg string, hasArg bool) (used bool, err error)

// ParseOptions walks "-x [arg]" pairs, handing each to check. Unknown
// options must be rejected by check with a ParseError.
func ParseOptions(protocol string, args []string, check OptionFunc) error {
	for i := 0; i < len(args); {
		opt := args[i]
		i++
		if len(opt) < 2 || opt[0] != '-' {
			return ParseErrorf("expected an endpoint option but found `%s' in %s endpoint", opt, protocol)
		}
		arg, hasArg := "", false
		if i < len(args) && !strings.HasPrefix(args[i], "-") {
			arg, hasArg = args[i], true
		}
		used, err := check(opt, arg, hasArg)
		if err != nil {
			return err
		}
		if used {
			i++
		}
	}
	return nil
}

// UnknownOption is the error for an option a transport does not support.
func UnknownOption(protocol, opt string) error {
	return ParseErrorf("unrecognized option `%s' in %s endpoint", opt, protocol)
}

// MissingArgument is the error for an option lacking its argument.
func MissingArgument(protocol, opt string) error {
	return ParseErrorf("no argument provided for %s option in %s endpoint", opt, protocol)
}

// ParseTimeout parses a -t argument: "infinite" or a positive integer that
// fits the 32-bit wire field.
func ParseTimeout(protocol, arg string) (int, error) {
	if arg == "infinite" {
		return -1, nil
	}
	v, err := strconv.Atoi(arg)
	if err != nil || v < 1 || v > math.MaxInt32 {
		return 0, ParseErrorf("invalid timeout value `%s' in %s endpoint", arg, protocol)
	}
	return v, nil
}

// ---- wire encoding ----

var wireCodec = codec.MustCBOR()

type wireEndpoint struct {
	_    struct{} `cbor:",toarray"`
	Type int16
	Body []byte
}

// EncodeBody marshals an endpoint's wire fields (a struct tagged toarray).
func EncodeBody(v any) ([]byte, error) { return wireCodec.Marshal(v) }

// DecodeBody unmarshals wire fields produced by EncodeBody.
func DecodeBody(data []byte, v any) error {
	if err := wireCodec.Unmarshal(data, v); err != nil {
		return ParseErrorf("malformed endpoint encoding: %v", err)
	}
	return nil
}

// ---- registry ----

// EndpointFactory creates endpoints for one transport.
type EndpointFactory interface {
	Type() int16
	Protocol() string
	// Parse builds an endpoint from option tokens. server selects the
	// listening grammar, which accepts wildcard addresses.
	Parse(args []string, server bool) (Endpoint, error)
	// Decode builds an endpoint from a body produced by MarshalBody.
	Decode(body []byte) (Endpoint, error)
}

// Registry maps protocol names and type ids to endpoint factories.
type Registry struct {
	mu      sync.RWMutex
	byProto map[string]EndpointFactory
	byType  map[int16]EndpointFactory
}

func NewRegistry() *Registry {
	return &Registry{byProto: make(map[string]EndpointFactory), byType: make(map[int16]EndpointFactory)}
}

// Register adds a factory, replacing any factory with the same protocol.
func (r *Registry) Register(f EndpointFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byProto[f.Protocol()] = f
	r.byType[f.Type()] = f
}

// Alias makes name resolve to the factory registered for protocol.
func (r *Registry) Alias(name, protocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.byProto[protocol]
	if !ok {
		return ErrUnknownProtocol(protocol)
	}
	r.byProto[name] = f
	return nil
}

// Get returns the factory for a protocol name.
func (r *Registry) Get(protocol string) (EndpointFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byProto[protocol]
	if !ok {
		return nil, ErrUnknownProtocol(protocol)
	}
	return f, nil
}

// Protocols lists registered protocol names.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byProto))
	for p := range r.byProto {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Parse builds an endpoint from "<protocol> <options>".
func (r *Registry) Parse(s string, server bool) (Endpoint, error) {
	args, err := SplitOptions(s)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, ParseErrorf("empty endpoint string")
	}
	f, err := r.Get(strings.ToLower(args[0]))
	if err != nil {
		return nil, NewError(KindParse, "", err)
	}
	return f.Parse(args[1:], server)
}

// Encode puts an endpoint on the wire as [type, body].
func (r *Registry) Encode(e Endpoint) ([]byte, error) {
	body, err := e.MarshalBody()
	if err != nil {
		return nil, err
	}
	return wireCodec.Marshal(wireEndpoint{Type: e.Type(), Body: body})
}

// Decode reads an endpoint produced by Encode.
func (r *Registry) Decode(data []byte) (Endpoint, error) {
	var w wireEndpoint
	if err := DecodeBody(data, &w); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.byType[w.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, ParseErrorf("unknown endpoint type %d", w.Type)
	}
	return f.Decode(w.Body)
}

// FormatEndpoint joins protocol and options.
func FormatEndpoint(protocol, options string) string {
	if options == "" {
		return protocol
	}
	return fmt.Sprintf("%s %s", protocol, options)
}
