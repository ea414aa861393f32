// Package codec provides the content codecs used for endpoint wire encoding
// and for exporting connection diagnostics.
package codec

import "sort"

// Codec marshals typed values. Implementations are deterministic so that
// encodings can be compared byte for byte across processes.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types and short names to codecs.
type Registry struct {
	byType map[string]Codec
	byName map[string]Codec
}

// NewRegistry returns a registry preloaded with JSON, CBOR and Protobuf.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec), byName: make(map[string]Codec)}
	r.RegisterAs("json", JSON())
	r.RegisterAs("cbor", MustCBOR())
	r.RegisterAs("proto", Proto())
	return r
}

// Register adds a codec under its content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// RegisterAs adds a codec under its content type and a short name.
func (r *Registry) RegisterAs(name string, c Codec) {
	r.Register(c)
	r.byName[name] = c
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Lookup returns a codec by short name or content type, or nil.
func (r *Registry) Lookup(name string) Codec {
	if c := r.byName[name]; c != nil {
		return c
	}
	return r.byType[name]
}

// Names lists the registered short names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
