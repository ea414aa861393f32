package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestRefusedMatchesConnectFailed(t *testing.T) {
	err := fmt.Errorf("dial: %w", NewError(KindConnectionRefused, "connect", syscall.ECONNREFUSED))
	if !errors.Is(err, ErrConnectFailed) || !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("refused must match both kinds: %v", err)
	}
	if errors.Is(NewError(KindConnectFailed, "connect", nil), ErrConnectionRefused) {
		t.Fatalf("a plain connect failure is not a refusal")
	}
	if KindOf(err) != KindConnectionRefused || !IsRetryable(err) {
		t.Fatalf("unexpected kind %v", KindOf(err))
	}
}

func TestClassifyConnect(t *testing.T) {
	cases := []struct {
		in   error
		want ErrorKind
	}{
		{syscall.ECONNREFUSED, KindConnectionRefused},
		{os.ErrDeadlineExceeded, KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("no route"), KindConnectFailed},
		{NewError(KindSecurity, "handshake", nil), KindSecurity},
	}
	for _, c := range cases {
		if got := KindOf(ClassifyConnect("connect", c.in)); got != c.want {
			t.Fatalf("ClassifyConnect(%v) = %v want %v", c.in, got, c.want)
		}
	}
	if ClassifyConnect("connect", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestClassifyIO(t *testing.T) {
	cases := []struct {
		in   error
		want ErrorKind
	}{
		{io.EOF, KindConnectionLost},
		{net.ErrClosed, KindConnectionLost},
		{syscall.ECONNRESET, KindConnectionLost},
		{os.ErrDeadlineExceeded, KindTimeout},
		{errors.New("bad descriptor"), KindSocket},
	}
	for _, c := range cases {
		if got := KindOf(ClassifyIO("read", c.in)); got != c.want {
			t.Fatalf("ClassifyIO(%v) = %v want %v", c.in, got, c.want)
		}
	}
}

func TestRetryableKinds(t *testing.T) {
	for _, k := range []ErrorKind{KindSecurity, KindParse, KindSocket, KindUnknown} {
		if IsRetryable(NewError(k, "", nil)) {
			t.Fatalf("%v must not be retryable", k)
		}
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("unclassified errors are not retryable")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Errorf(KindTimeout, "read", "no data within %dms", 50)
	if got := err.Error(); got != "read: timeout: no data within 50ms" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := ParseErrorf("bad").Error(); got != "parse error: bad" {
		t.Fatalf("unexpected message %q", got)
	}
}
