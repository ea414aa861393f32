package bt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

const (
	testMAC  = "01:23:45:67:89:AB"
	testUUID = "f6d289b4-1596-4294-ac34-f08e8adbfe33"
)

func newRegistry(t *testing.T) (*transport.Registry, *transport.Instance, *MemoryAdapter) {
	t.Helper()
	inst := transport.DefaultInstance(zaptest.NewLogger(t))
	adapter := NewMemoryAdapter(testMAC)
	reg := transport.NewRegistry()
	reg.Register(NewFactory(inst, adapter))
	return reg, inst, adapter
}

func TestParseAndString(t *testing.T) {
	reg, _, _ := newRegistry(t)
	cases := []struct {
		in     string
		server bool
		want   string
	}{
		{"bt -a 01:23:45:67:89:ab -u " + testUUID, false, `bt -a "01:23:45:67:89:AB" -u ` + testUUID + " -t 60000"},
		{"bt -a " + testMAC + " -u " + strings.ToUpper(testUUID) + " -c 3 -t 500 -z --name 'my service'", false,
			`bt -a "01:23:45:67:89:AB" -u ` + testUUID + ` -c 3 -t 500 -z --name "my service"`},
		{"bt -a * -u " + testUUID + " -c 0 -t infinite", true, "bt -a * -u " + testUUID + " -t infinite"},
	}
	for _, tc := range cases {
		e, err := reg.Parse(tc.in, tc.server)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if e.String() != tc.want {
			t.Fatalf("parse %q: got %q want %q", tc.in, e.String(), tc.want)
		}
		again, err := reg.Parse(e.String(), tc.server)
		if err != nil || !transport.Equal(e, again) || e.Hash() != again.Hash() {
			t.Fatalf("round trip of %q changed the endpoint: %v", e.String(), err)
		}
	}
}

func TestServerGetsGeneratedUUID(t *testing.T) {
	reg, _, _ := newRegistry(t)
	a, err := reg.Parse("bt -a * -c 4", true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, _ := reg.Parse("bt -a * -c 4", true)
	ua, ub := a.(*Endpoint).Params().UUID, b.(*Endpoint).Params().UUID
	if ua == "" || ua == ub {
		t.Fatalf("expected distinct generated UUIDs, got %q and %q", ua, ub)
	}
}

func TestParseErrors(t *testing.T) {
	reg, _, _ := newRegistry(t)
	cases := []struct {
		in     string
		server bool
	}{
		{"bt -a * -u " + testUUID, false},
		{"bt -u " + testUUID, false},
		{"bt -a " + testMAC, false},
		{"bt -a 01:23:45 -u " + testUUID, false},
		{"bt -a " + testMAC + " -u not-a-uuid", false},
		{"bt -a " + testMAC + " -u " + testUUID + " -c 31", false},
		{"bt -a " + testMAC + " -u " + testUUID + " -c -1", false},
		{"bt -a " + testMAC + " -u " + testUUID + " -t 0", false},
		{"bt -a " + testMAC + " -u " + testUUID + " -h localhost", false},
		{"bt -a", true},
		{"bt --name", true},
	}
	for _, tc := range cases {
		if _, err := reg.Parse(tc.in, tc.server); !errors.Is(err, transport.ErrParse) {
			t.Fatalf("parse %q: expected parse error, got %v", tc.in, err)
		}
	}
}

func TestOrderingAndEquivalence(t *testing.T) {
	reg, _, _ := newRegistry(t)
	base, _ := reg.Parse("bt -a "+testMAC+" -u "+testUUID+" -c 2", false)
	ordered := []transport.Endpoint{
		base.WithTimeout(100),
		base.WithTimeout(100).WithConnectionID("x"),
		base.WithTimeout(100).WithConnectionID("x").WithCompress(true),
		base,
	}
	higherChannel, _ := reg.Parse("bt -a "+testMAC+" -u "+testUUID+" -c 3", false)
	otherUUID, _ := reg.Parse("bt -a "+testMAC+" -u ff000000-0000-0000-0000-000000000000 -c 1", false)
	otherAddr, _ := reg.Parse("bt -a 02:00:00:00:00:00 -u "+testUUID, false)
	ordered = append(ordered, higherChannel, otherUUID, otherAddr)
	for i := 0; i+1 < len(ordered); i++ {
		if ordered[i].Compare(ordered[i+1]) >= 0 || ordered[i+1].Compare(ordered[i]) <= 0 {
			t.Fatalf("expected %q < %q", ordered[i], ordered[i+1])
		}
	}
	if !base.WithTimeout(5).WithCompress(true).Equivalent(base) || base.Equivalent(higherChannel) {
		t.Fatalf("equivalence must only consider address, UUID and channel")
	}
	expanded, err := base.ExpandHost(context.Background())
	if err != nil || len(expanded) != 1 || !transport.Equal(expanded[0], base) {
		t.Fatalf("ExpandHost must return the endpoint itself")
	}
}

func TestWireDropsLocalFields(t *testing.T) {
	reg, _, _ := newRegistry(t)
	e, _ := reg.Parse("bt -a "+testMAC+" -u "+testUUID+" -c 7 -t 1500 -z --name svc", false)
	data, err := reg.Encode(e.WithConnectionID("local"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := reg.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want, _ := reg.Parse("bt -a "+testMAC+" -u "+testUUID+" -t 1500 -z", false)
	if !transport.Equal(got, want) {
		t.Fatalf("decoded %q, want %q", got, want)
	}
	if _, err := reg.Decode(data[:3]); !errors.Is(err, transport.ErrParse) {
		t.Fatalf("truncated encoding must be a parse error, got %v", err)
	}
}

func TestTimeoutBoundarySurvivesEncoding(t *testing.T) {
	reg, _, _ := newRegistry(t)
	e, err := reg.Parse("bt -a "+testMAC+" -u "+testUUID+" -t 2147483647", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := reg.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := reg.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !transport.Equal(got, e) || got.Timeout() != 2147483647 {
		t.Fatalf("decoded %q, want %q", got, e)
	}
	if _, err := reg.Parse("bt -a "+testMAC+" -u "+testUUID+" -t 3000000000", false); !errors.Is(err, transport.ErrParse) {
		t.Fatalf("timeout beyond the wire range must be a parse error, got %v", err)
	}
}

func TestNameWithQuotesAndTabSurvivesString(t *testing.T) {
	reg, _, _ := newRegistry(t)
	for _, name := range []string{`say "hi"`, "col\tumn", `it's "x"`} {
		e := &Endpoint{p: Params{Addr: testMAC, UUID: testUUID, Timeout: 60000, Name: name}}
		again, err := reg.Parse(e.String(), false)
		if err != nil {
			t.Fatalf("reparse %q: %v", e, err)
		}
		if got := again.(*Endpoint).Params().Name; got != name {
			t.Fatalf("name %q came back as %q via %q", name, got, e)
		}
	}
}
