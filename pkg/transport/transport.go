package transport

import (
	"context"
	"strings"
)

// Op is a set of socket operations a transceiver or acceptor is waiting on.
type Op int

const (
	OpNone    Op = 0
	OpRead    Op = 1
	OpConnect Op = 2
	OpWrite   Op = 4
)

func (o Op) String() string {
	if o == OpNone {
		return "none"
	}
	var parts []string
	if o&OpRead != 0 {
		parts = append(parts, "read")
	}
	if o&OpConnect != 0 {
		parts = append(parts, "connect")
	}
	if o&OpWrite != 0 {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Has reports whether all bits of x are set in o.
func (o Op) Has(x Op) bool { return o&x == x && x != OpNone }

// ReadyCallback is notified by a transport when an operation became
// satisfiable without the reactor having polled for it. more reports whether
// further data or connections are immediately available.
// Callbacks may be delivered from any goroutine and concurrently.
type ReadyCallback interface {
	Ready(op Op, more bool)
}

// ReadyFunc adapts a function to ReadyCallback.
type ReadyFunc func(op Op, more bool)

func (f ReadyFunc) Ready(op Op, more bool) { f(op, more) }

// Transceiver is a duplex byte stream with non-blocking semantics. Read and
// Write never block the calling goroutine for longer than a bounded poll;
// they return the operations still required to finish.
type Transceiver interface {
	// Initialize advances connection setup (pending connect, handshake). It
	// returns OpNone once the connection is established.
	Initialize(rb, wb *Buffer) (Op, error)
	// Read fills the unfilled tail of buf with inbound bytes.
	Read(buf *Buffer) (Op, error)
	// Write consumes the unconsumed tail of buf.
	Write(buf *Buffer) (Op, error)
	// Close releases the connection. It is idempotent and does not return
	// before every goroutine owned by the transceiver has stopped.
	Close() error

	Protocol() string
	String() string
	Info() ConnectionInfo
	SetBufferSize(rcvSize, sndSize int)
	SetReadyCallback(cb ReadyCallback)
	// CheckSendSize rejects messages that exceed the configured maximum.
	CheckSendSize(n int) error
}

// Poller is implemented by transceivers exposing a natively pollable handle.
// WaitReady blocks until op is likely to make progress or ctx is done.
type Poller interface {
	WaitReady(ctx context.Context, op Op) error
}

// Shutdowner is implemented by stream transceivers that support half-close.
type Shutdowner interface {
	ShutdownWrite() error
	ShutdownReadWrite() error
}

// Acceptor produces Transceivers for inbound connections.
type Acceptor interface {
	// Listen starts accepting and returns the endpoint with the effective
	// port or channel filled in. Calling it again returns the same endpoint.
	Listen() (Endpoint, error)
	// Accept returns a transceiver for one pending inbound connection.
	// Acceptors without a pending connection return ErrWouldBlock.
	Accept() (Transceiver, error)
	// Close stops accepting; Accept never succeeds afterwards.
	Close() error

	Protocol() string
	String() string
	SetReadyCallback(cb ReadyCallback)
}

// SelfConnector is implemented by acceptors that can wake a goroutine blocked
// in Accept by connecting to their own listening address.
type SelfConnector interface {
	ConnectToSelf() error
}

// Connector produces a Transceiver for one outbound connection. The
// returned transceiver may still be connecting; Initialize completes it.
type Connector interface {
	Connect() (Transceiver, error)
	Protocol() string
	String() string
}
