package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind is the closed set of failure classes raised by transports.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnectFailed
	KindConnectionRefused
	KindConnectionLost
	KindTimeout
	KindSocket
	KindSecurity
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectFailed:
		return "connect failed"
	case KindConnectionRefused:
		return "connection refused"
	case KindConnectionLost:
		return "connection lost"
	case KindTimeout:
		return "timeout"
	case KindSocket:
		return "socket error"
	case KindSecurity:
		return "security error"
	case KindParse:
		return "parse error"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is. ErrConnectFailed also matches refused
// connections.
var (
	ErrConnectFailed     = kindSentinel(KindConnectFailed)
	ErrConnectionRefused = kindSentinel(KindConnectionRefused)
	ErrConnectionLost    = kindSentinel(KindConnectionLost)
	ErrTimeout           = kindSentinel(KindTimeout)
	ErrSocket            = kindSentinel(KindSocket)
	ErrSecurity          = kindSentinel(KindSecurity)
	ErrParse             = kindSentinel(KindParse)
)

// ErrWouldBlock is returned by acceptors polled without a pending connection.
var ErrWouldBlock = errors.New("transport: operation would block")

type kindSentinel ErrorKind

func (k kindSentinel) Error() string { return "transport: " + ErrorKind(k).String() }

// Error is a classified transport failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	if !ok {
		return false
	}
	if ErrorKind(k) == e.Kind {
		return true
	}
	return ErrorKind(k) == KindConnectFailed && e.Kind == KindConnectionRefused
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ParseErrorf reports a malformed endpoint string or encoding.
func ParseErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindParse, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the ErrorKind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsRetryable reports failures after which another endpoint may be tried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnectFailed, KindConnectionRefused, KindTimeout, KindConnectionLost:
		return true
	default:
		return false
	}
}

// ClassifyConnect maps an error from an outbound connect attempt.
func ClassifyConnect(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	switch {
	case isTimeout(err):
		return NewError(KindTimeout, op, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewError(KindConnectionRefused, op, err)
	default:
		return NewError(KindConnectFailed, op, err)
	}
}

// ClassifyIO maps an error from reading or writing an established connection.
func ClassifyIO(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	switch {
	case isTimeout(err):
		return NewError(KindTimeout, op, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return NewError(KindConnectionLost, op, err)
	default:
		return NewError(KindSocket, op, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ErrUnknownProtocol is returned when no factory is registered for a protocol.
type ErrUnknownProtocol string

func (e ErrUnknownProtocol) Error() string { return "unknown transport protocol: " + string(e) }
