package bt

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/zeroc-ice/ice-sub030/pkg/reactor"
	"github.com/zeroc-ice/ice-sub030/pkg/transport"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/blocking"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func echo(ctx context.Context, c *reactor.Conn) {
	buf := make([]byte, 1024)
	for {
		n, err := c.ReadSome(ctx, buf)
		if err != nil {
			return
		}
		if err := c.Write(ctx, buf[:n]); err != nil {
			return
		}
	}
}

func serveEcho(t *testing.T, reg *transport.Registry, inst *transport.Instance, target string) transport.Endpoint {
	t.Helper()
	ep, err := reg.Parse(target, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	acc, err := ep.Acceptor("bt-adapter")
	if err != nil {
		t.Fatalf("acceptor: %v", err)
	}
	if _, ok := acc.(transport.SelfConnector); ok {
		t.Fatalf("bt acceptors are interrupted by closing the listener, not by connecting to themselves")
	}
	srv, bound, err := reactor.Serve(acc, echo, inst.Log())
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return bound
}

func TestEchoOverMemoryAdapter(t *testing.T) {
	reg, inst, _ := newRegistry(t)
	bound := serveEcho(t, reg, inst, "bt -a * -u "+testUUID)
	channel := bound.(*Endpoint).Params().Channel
	if channel < 1 || channel > MaxChannel {
		t.Fatalf("listening endpoint must carry the bound channel, got %d", channel)
	}

	target, err := reg.Parse("bt -a "+testMAC+" -u "+testUUID, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cli, err := reactor.DialEndpoint(ctx, target.WithConnectionID("c1"), inst.Log())
	if err != nil {
		t.Fatalf("dial by UUID: %v", err)
	}
	defer cli.Close()

	payload := bytes.Repeat([]byte("rfcomm "), 3000)
	if err := cli.Write(ctx, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(payload))
	if err := cli.ReadFull(ctx, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch")
	}

	info := cli.Info()
	if info.Protocol != Protocol || info.Incoming || info.UUID != testUUID || info.Channel != channel {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.RemoteAddress != testMAC || info.ConnectionID != "c1" {
		t.Fatalf("unexpected addressing %+v", info)
	}
}

func TestDialRefused(t *testing.T) {
	reg, inst, _ := newRegistry(t)
	target, _ := reg.Parse("bt -a "+testMAC+" -u "+testUUID+" -c 9", false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := reactor.DialEndpoint(ctx, target, inst.Log())
	if !errors.Is(err, transport.ErrConnectionRefused) || !errors.Is(err, transport.ErrConnectFailed) {
		t.Fatalf("expected connection refused, got %v", err)
	}
}

func TestBackpressureOverMemoryAdapter(t *testing.T) {
	_, inst, adapter := newRegistry(t)
	inst.RcvSize = 4096
	ln, err := adapter.Listen("", 0, testUUID, "svc", 1)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *blocking.Transceiver, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- blocking.New(c, blocking.Options{Protocol: Protocol, Instance: inst, Incoming: true})
	}()
	cli, err := (&Connector{inst: inst, adapter: adapter, p: Params{Addr: testMAC, Channel: ln.Channel(), Timeout: 1000}}).Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()
	srv := <-accepted
	if srv == nil {
		t.Fatalf("accept failed")
	}
	defer srv.Close()

	go func() {
		data := bytes.Repeat([]byte{0x5a}, 37)
		sent := 0
		for sent < 10000 {
			buf := transport.WrapBuffer(data)
			if _, err := cli.Initialize(nil, nil); err != nil {
				return
			}
			if _, err := cli.Write(buf); err != nil {
				return
			}
			sent += buf.Pos
			if buf.Pos == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()
	waitFor(t, "inbound buffer to fill", func() bool { return srv.Stats().Inbound >= 4096 })
	time.Sleep(50 * time.Millisecond)
	if peak := srv.Stats().PeakInbound; peak > 4096 {
		t.Fatalf("inbound buffer grew to %d bytes past the 4096 limit", peak)
	}
}

func TestCloseReleasesGoroutines(t *testing.T) {
	reg, _, _ := newRegistry(t)
	before := runtime.NumGoroutine()

	ep, _ := reg.Parse("bt -a * -u "+testUUID+" -c 5", true)
	acc, err := ep.Acceptor("")
	if err != nil {
		t.Fatalf("acceptor: %v", err)
	}
	if _, err := acc.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	target, _ := reg.Parse("bt -a "+testMAC+" -u "+testUUID+" -c 5", false)
	var clients []transport.Transceiver
	for i := 0; i < 3; i++ {
		cns, _ := target.Connectors(context.Background())
		tr, err := cns[0].Connect()
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		clients = append(clients, tr)
	}
	for _, tr := range clients {
		waitFor(t, "connect", func() bool {
			op, err := tr.Initialize(nil, nil)
			return err == nil && op == transport.OpNone
		})
	}
	waitFor(t, "pending connections", func() bool { return acc.(*blocking.Acceptor).Pending() == 3 })
	claimed, err := acc.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	for _, tr := range append(clients, claimed) {
		_ = tr.Close()
		_ = tr.Close()
	}
	_ = acc.Close()
	_ = acc.Close()
	waitFor(t, "goroutines to exit", func() bool { return runtime.NumGoroutine() <= before })
}

func TestAcceptorListensWithConfiguredBacklog(t *testing.T) {
	reg, inst, adapter := newRegistry(t)
	inst.Backlog = 64
	ep, _ := reg.Parse("bt -a * -u "+testUUID+" -c 6", true)
	acc, err := ep.Acceptor("")
	if err != nil {
		t.Fatalf("acceptor: %v", err)
	}
	defer acc.Close()
	if _, err := acc.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	l := adapter.lookup(6, testUUID)
	if l == nil || l.backlog != 64 {
		t.Fatalf("listener not bound with backlog 64: %+v", l)
	}

	ln, err := adapter.Listen("", 0, testUUID, "svc", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if got := adapter.lookup(ln.Channel(), testUUID).backlog; got != 1 {
		t.Fatalf("non-positive backlog must become 1, got %d", got)
	}
}
