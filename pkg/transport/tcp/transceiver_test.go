package tcp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/zeroc-ice/ice-sub030/pkg/reactor"
	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

func listen(t *testing.T, reg *transport.Registry) (transport.Acceptor, transport.Endpoint) {
	t.Helper()
	ep, err := reg.Parse("tcp -h 127.0.0.1 -p 0", true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	acc, err := ep.Acceptor("test")
	if err != nil {
		t.Fatalf("acceptor: %v", err)
	}
	bound, err := acc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = acc.Close() })
	return acc, bound
}

func acceptOne(t *testing.T, acc transport.Acceptor) transport.Transceiver {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tr, err := acc.Accept()
		if err == nil {
			return tr
		}
		if !errors.Is(err, transport.ErrTimeout) && !errors.Is(err, transport.ErrWouldBlock) {
			t.Fatalf("accept: %v", err)
		}
	}
	t.Fatalf("no connection accepted")
	return nil
}

func TestListenReportsEffectivePort(t *testing.T) {
	reg, _ := newRegistry(t)
	acc, bound := listen(t, reg)
	p := bound.(*Endpoint).Params()
	if p.Port == 0 {
		t.Fatalf("listening endpoint must carry the effective port")
	}
	again, err := acc.Listen()
	if err != nil || !transport.Equal(again, bound) {
		t.Fatalf("second Listen must return the same endpoint")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	reg, inst := newRegistry(t)
	acc, bound := listen(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := reactor.DialEndpoint(ctx, bound, inst.Log())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	srv := reactor.NewConn(acceptOne(t, acc), inst.Log())
	defer srv.Close()
	if err := srv.Initialize(ctx); err != nil {
		t.Fatalf("server initialize: %v", err)
	}

	payload := bytes.Repeat([]byte("tcp stream "), 50000)
	errc := make(chan error, 1)
	go func() { errc <- cli.Write(ctx, payload) }()
	got := make([]byte, len(payload))
	if err := srv.ReadFull(ctx, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}

	info := srv.Info()
	if !info.Incoming || info.Protocol != "tcp" || info.AdapterName != "test" {
		t.Fatalf("unexpected server info %+v", info)
	}
	if info.RemotePort != cli.Info().LocalPort {
		t.Fatalf("server remote port %d does not match client local port %d", info.RemotePort, cli.Info().LocalPort)
	}
}

func TestConnectRefused(t *testing.T) {
	reg, inst := newRegistry(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	ep, err := reg.Parse("tcp -h 127.0.0.1 -p "+strconv.Itoa(port)+" -t 2000", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = reactor.DialEndpoint(ctx, ep, inst.Log())
	if !errors.Is(err, transport.ErrConnectFailed) {
		t.Fatalf("expected connect failure, got %v", err)
	}
	if !transport.IsRetryable(err) {
		t.Fatalf("connect failures must be retryable")
	}
}

func TestPeerCloseIsConnectionLost(t *testing.T) {
	reg, inst := newRegistry(t)
	acc, bound := listen(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, err := reactor.DialEndpoint(ctx, bound, inst.Log())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := reactor.NewConn(acceptOne(t, acc), inst.Log())
	defer srv.Close()
	_ = cli.Close()
	_ = cli.Close()

	_, err = srv.ReadSome(ctx, make([]byte, 16))
	if !errors.Is(err, transport.ErrConnectionLost) {
		t.Fatalf("expected connection lost, got %v", err)
	}
	if _, again := srv.ReadSome(ctx, make([]byte, 16)); again != err {
		t.Fatalf("error must be sticky, got %v then %v", err, again)
	}
}

func TestSelfConnectIsNeverAccepted(t *testing.T) {
	reg, inst := newRegistry(t)
	acc, bound := listen(t, reg)
	sc := acc.(transport.SelfConnector)

	for i := 0; i < 3; i++ {
		if err := sc.ConnectToSelf(); err != nil {
			t.Fatalf("connect to self: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := reactor.DialEndpoint(ctx, bound, inst.Log())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	var accepted []transport.Transceiver
	discarded := 0
	deadline := time.Now().Add(5 * time.Second)
	for len(accepted) == 0 && time.Now().Before(deadline) {
		tr, err := acc.Accept()
		switch {
		case err == nil:
			accepted = append(accepted, tr)
		case errors.Is(err, transport.ErrWouldBlock):
			discarded++
		case errors.Is(err, transport.ErrTimeout):
		default:
			t.Fatalf("accept: %v", err)
		}
	}
	if len(accepted) != 1 {
		t.Fatalf("expected the real connection to be accepted")
	}
	defer accepted[0].Close()
	if op, err := accepted[0].Initialize(nil, nil); err != nil || op != transport.OpNone {
		t.Fatalf("initialize accepted connection: %v %v", op, err)
	}
	if discarded != 3 {
		t.Fatalf("expected 3 discarded self-connects, got %d", discarded)
	}
	if accepted[0].Info().RemotePort != cli.Info().LocalPort {
		t.Fatalf("accepted a connection other than the client's")
	}
}

func TestAcceptAfterClose(t *testing.T) {
	reg, _ := newRegistry(t)
	acc, _ := listen(t, reg)
	if err := acc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := acc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := acc.Accept(); !errors.Is(err, transport.ErrSocket) {
		t.Fatalf("expected socket error after close, got %v", err)
	}
}
