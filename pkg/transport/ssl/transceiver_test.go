package ssl

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/zeroc-ice/ice-sub030/pkg/reactor"
	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

func testInstance(t *testing.T) *transport.Instance {
	return transport.DefaultInstance(zaptest.NewLogger(t))
}

func mustCert(t *testing.T, hosts ...string) tls.Certificate {
	t.Helper()
	c, err := SelfSigned(hosts...)
	if err != nil {
		t.Fatalf("self-signed: %v", err)
	}
	return c
}

func mustPool(t *testing.T, certs ...tls.Certificate) *x509.CertPool {
	t.Helper()
	p, err := Pool(certs...)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return p
}

type pair struct {
	cli, srv       *reactor.Conn
	cliErr, srvErr error
}

// connect listens with srvCfg, dials with cliCfg and runs both handshakes.
func connect(t *testing.T, srvCfg, cliCfg *Config) pair {
	t.Helper()
	inst := testInstance(t)
	srvReg := transport.NewRegistry()
	srvReg.Register(NewFactory(inst, srvCfg))
	cliReg := transport.NewRegistry()
	cliReg.Register(NewFactory(inst, cliCfg))

	ep, err := srvReg.Parse("ssl -h 127.0.0.1 -p 0", true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	acc, err := ep.Acceptor("secure")
	if err != nil {
		t.Fatalf("acceptor: %v", err)
	}
	bound, err := acc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = acc.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	results := make(chan pair, 1)
	go func() {
		for ctx.Err() == nil {
			tr, err := acc.Accept()
			if errors.Is(err, transport.ErrWouldBlock) || errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if err != nil {
				results <- pair{srvErr: err}
				return
			}
			c := reactor.NewConn(tr, inst.Log())
			results <- pair{srv: c, srvErr: c.Initialize(ctx)}
			return
		}
		results <- pair{srvErr: ctx.Err()}
	}()

	target, err := cliReg.Parse(bound.String(), false)
	if err != nil {
		t.Fatalf("parse %q: %v", bound.String(), err)
	}
	cli, cliErr := reactor.DialEndpoint(ctx, target, inst.Log())
	if cli != nil {
		t.Cleanup(func() { _ = cli.Close() })
	}
	r := <-results
	if r.srv != nil {
		t.Cleanup(func() { _ = r.srv.Close() })
	}
	r.cli, r.cliErr = cli, cliErr
	return r
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	cert := mustCert(t, "127.0.0.1")
	srvCfg := &Config{Certificates: []tls.Certificate{cert}}
	cliCfg := &Config{VerifyPeer: 1, RootCAs: mustPool(t, cert)}

	r := connect(t, srvCfg, cliCfg)
	if r.cliErr != nil || r.srvErr != nil {
		t.Fatalf("handshake: client %v, server %v", r.cliErr, r.srvErr)
	}
	cli, srv := r.cli, r.srv

	info := cli.Info()
	if info.Protocol != Protocol || info.Incoming || info.Cipher == "" || info.TLSVersion == "" {
		t.Fatalf("unexpected client info %+v", info)
	}
	if !info.Verified || len(info.PeerCertificates) != 1 {
		t.Fatalf("client must have verified the server certificate")
	}
	if info.Underlying == nil || info.Underlying.Protocol != "tcp" {
		t.Fatalf("missing underlying tcp info")
	}
	if sinfo := srv.Info(); !sinfo.Incoming || sinfo.AdapterName != "secure" || len(sinfo.PeerCertificates) != 0 {
		t.Fatalf("unexpected server info %+v", sinfo)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, dir := range []struct {
		name     string
		from, to *reactor.Conn
	}{{"client to server", cli, srv}, {"server to client", srv, cli}} {
		payload := bytes.Repeat([]byte(dir.name), 20000)
		errc := make(chan error, 1)
		go func() { errc <- dir.from.Write(ctx, payload) }()
		got := make([]byte, len(payload))
		if err := dir.to.ReadFull(ctx, got); err != nil {
			t.Fatalf("%s: read: %v", dir.name, err)
		}
		if err := <-errc; err != nil {
			t.Fatalf("%s: write: %v", dir.name, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("%s: payload mismatch", dir.name)
		}
	}
}

func TestRequiredClientCertificateMissing(t *testing.T) {
	srvCfg := &Config{Certificates: []tls.Certificate{mustCert(t, "127.0.0.1")}, VerifyPeer: 2}
	cliCfg := &Config{}

	r := connect(t, srvCfg, cliCfg)
	if !errors.Is(r.srvErr, transport.ErrSecurity) {
		t.Fatalf("server: expected security error, got %v", r.srvErr)
	}
	if _, err := r.srv.ReadSome(context.Background(), make([]byte, 1)); !errors.Is(err, transport.ErrSecurity) {
		t.Fatalf("server error must be sticky, got %v", err)
	}
	if r.cliErr != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := r.cli.ReadSome(ctx, make([]byte, 16))
	if err == nil || n != 0 {
		t.Fatalf("client must not receive application data, got %d bytes, err %v", n, err)
	}
}

func TestClientCertificateVerified(t *testing.T) {
	srvCert := mustCert(t, "127.0.0.1")
	cliCert := mustCert(t, "client")
	srvCfg := &Config{Certificates: []tls.Certificate{srvCert}, VerifyPeer: 2, ClientCAs: mustPool(t, cliCert)}
	cliCfg := &Config{Certificates: []tls.Certificate{cliCert}}

	r := connect(t, srvCfg, cliCfg)
	if r.cliErr != nil || r.srvErr != nil {
		t.Fatalf("handshake: client %v, server %v", r.cliErr, r.srvErr)
	}
	info := r.srv.Info()
	if len(info.PeerCertificates) != 1 || !info.Verified {
		t.Fatalf("server must have verified the client certificate: %+v", info)
	}
}

func TestUntrustedServerRejected(t *testing.T) {
	srvCfg := &Config{Certificates: []tls.Certificate{mustCert(t, "127.0.0.1")}}
	cliCfg := &Config{VerifyPeer: 1, RootCAs: x509.NewCertPool()}

	if r := connect(t, srvCfg, cliCfg); !errors.Is(r.cliErr, transport.ErrSecurity) {
		t.Fatalf("expected security error, got %v", r.cliErr)
	}
}

func TestVerifierRejects(t *testing.T) {
	srvCfg := &Config{}
	cliCfg := &Config{Verifier: func(info transport.ConnectionInfo) error {
		if info.TLSVersion == "" {
			t.Errorf("verifier called without negotiated parameters")
		}
		return errors.New("not this one")
	}}

	if r := connect(t, srvCfg, cliCfg); !errors.Is(r.cliErr, transport.ErrSecurity) {
		t.Fatalf("expected security error, got %v", r.cliErr)
	}
}

func TestShutdownWriteSendsCloseNotify(t *testing.T) {
	r := connect(t, &Config{}, &Config{})
	if r.cliErr != nil || r.srvErr != nil {
		t.Fatalf("handshake: client %v, server %v", r.cliErr, r.srvErr)
	}
	cli, srv := r.cli, r.srv
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Write(ctx, []byte("last words")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cli.CloseWrite(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	got := make([]byte, len("last words"))
	if err := srv.ReadFull(ctx, got); err != nil || string(got) != "last words" {
		t.Fatalf("data before close_notify must arrive, got %q %v", got, err)
	}
	if _, err := srv.ReadSome(ctx, make([]byte, 1)); !errors.Is(err, transport.ErrConnectionLost) {
		t.Fatalf("expected connection lost after close_notify, got %v", err)
	}
}

// silentServer accepts TCP connections and never answers.
func silentServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var held []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held = append(held, c)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
		for _, c := range held {
			_ = c.Close()
		}
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func TestHandshakeTimeout(t *testing.T) {
	port := silentServer(t)
	inst := testInstance(t)
	reg := transport.NewRegistry()
	reg.Register(NewFactory(inst, nil))
	ep, err := reg.Parse("ssl -h 127.0.0.1 -p "+strconv.Itoa(port)+" -t 200", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err = reactor.DialEndpoint(ctx, ep, inst.Log())
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Fatalf("timed out before the endpoint timeout")
	}
}

func TestCloseDuringHandshake(t *testing.T) {
	port := silentServer(t)
	inst := testInstance(t)
	reg := transport.NewRegistry()
	reg.Register(NewFactory(inst, nil))
	ep, _ := reg.Parse("ssl -h 127.0.0.1 -p "+strconv.Itoa(port), false)
	cns, err := ep.Connectors(context.Background())
	if err != nil || len(cns) != 1 {
		t.Fatalf("connectors: %v", err)
	}
	tr, err := cns[0].Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		op, err := tr.Initialize(nil, nil)
		if err != nil {
			t.Fatalf("initialize: %v", err)
		}
		if op == transport.OpRead || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	done := make(chan struct{})
	go func() {
		_ = tr.Close()
		_ = tr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not return")
	}
	if _, err := tr.Read(transport.NewBuffer(1)); !errors.Is(err, transport.ErrConnectionLost) {
		t.Fatalf("expected connection lost after close, got %v", err)
	}
}

func TestDataBehindFinishedIsSignalled(t *testing.T) {
	cert := mustCert(t, "127.0.0.1")
	inst := testInstance(t)
	srvReg := transport.NewRegistry()
	srvReg.Register(NewFactory(inst, &Config{Certificates: []tls.Certificate{cert}}))
	cliReg := transport.NewRegistry()
	cliReg.Register(NewFactory(inst, &Config{VerifyPeer: 1, RootCAs: mustPool(t, cert)}))

	ep, _ := srvReg.Parse("ssl -h 127.0.0.1 -p 0", true)
	acc, err := ep.Acceptor("")
	if err != nil {
		t.Fatalf("acceptor: %v", err)
	}
	bound, err := acc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer acc.Close()
	target, _ := cliReg.Parse(bound.String(), false)
	cns, err := target.Connectors(context.Background())
	if err != nil || len(cns) != 1 {
		t.Fatalf("connectors: %v", err)
	}
	cli, err := cns[0].Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	deadline := time.Now().Add(5 * time.Second)
	var srv transport.Transceiver
	for srv == nil {
		if time.Now().After(deadline) {
			t.Fatalf("nothing accepted")
		}
		if _, err := cli.Initialize(nil, nil); err != nil {
			t.Fatalf("client initialize: %v", err)
		}
		srv, err = acc.Accept()
		if errors.Is(err, transport.ErrWouldBlock) || errors.Is(err, transport.ErrTimeout) {
			srv = nil
			continue
		}
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	defer srv.Close()
	signalled := make(chan transport.Op, 8)
	srv.SetReadyCallback(transport.ReadyFunc(func(op transport.Op, _ bool) { signalled <- op }))

	// Step both sides until the client is done; the server is then still
	// waiting for the client's Finished.
	for {
		if time.Now().After(deadline) {
			t.Fatalf("client handshake did not complete")
		}
		if _, err := srv.Initialize(nil, nil); err != nil {
			t.Fatalf("server initialize: %v", err)
		}
		op, err := cli.Initialize(nil, nil)
		if err != nil {
			t.Fatalf("client initialize: %v", err)
		}
		if op == transport.OpNone {
			break
		}
	}
	if op, err := cli.Write(transport.WrapBuffer([]byte("hello"))); err != nil || op != transport.OpNone {
		t.Fatalf("write: %v %v", op, err)
	}
	time.Sleep(50 * time.Millisecond)

	for {
		if time.Now().After(deadline) {
			t.Fatalf("server handshake did not complete")
		}
		op, err := srv.Initialize(nil, nil)
		if err != nil {
			t.Fatalf("server initialize: %v", err)
		}
		if op == transport.OpNone {
			break
		}
	}
	select {
	case op := <-signalled:
		if !op.Has(transport.OpRead) {
			t.Fatalf("unexpected signal %v", op)
		}
	default:
		t.Fatalf("buffered application data was not signalled")
	}
	buf := transport.NewBuffer(5)
	if op, err := srv.Read(buf); err != nil || op != transport.OpNone || string(buf.Filled()) != "hello" {
		t.Fatalf("read %q: %v %v", buf.Filled(), op, err)
	}
}
