package transport

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Instance carries the settings shared by every transport created for one
// communicator. Transports copy what they need; an Instance is not mutated
// after construction.
type Instance struct {
	Logger *zap.Logger

	// DefaultHost is used when an endpoint omits -h.
	DefaultHost string
	// DefaultTimeout in milliseconds applied when an endpoint omits -t.
	DefaultTimeout int
	// RcvSize and SndSize bound the per-connection buffers (bytes).
	RcvSize int
	SndSize int
	// MessageSizeMax rejects larger outgoing messages; 0 disables the check.
	MessageSizeMax int
	// AcceptTimeout bounds one blocking Accept call on pollable acceptors.
	AcceptTimeout time.Duration
	// ReadWait bounds the single socket wait a pollable transceiver performs
	// when its network buffer is exhausted; 0 returns OpRead at once.
	ReadWait time.Duration
	// Backlog for listening sockets.
	Backlog int
	// TraceLevel > 0 enables per-connection debug logs.
	TraceLevel int
}

// DefaultInstance returns an Instance with the defaults used by the tools.
func DefaultInstance(logger *zap.Logger) *Instance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instance{
		Logger:         logger,
		DefaultHost:    "",
		DefaultTimeout: 60000,
		RcvSize:        128 * 1024,
		SndSize:        128 * 1024,
		MessageSizeMax: 1024 * 1024,
		AcceptTimeout:  time.Second,
		ReadWait:       10 * time.Millisecond,
		Backlog:        511,
	}
}

// Log returns the instance logger, never nil.
func (i *Instance) Log() *zap.Logger {
	if i == nil || i.Logger == nil {
		return zap.NewNop()
	}
	return i.Logger
}

// Tracing reports whether per-connection debug logging is on.
func (i *Instance) Tracing() bool { return i != nil && i.TraceLevel > 0 }

// CheckSendSize implements Transceiver.CheckSendSize for transports.
func (i *Instance) CheckSendSize(n int) error {
	if i == nil || i.MessageSizeMax <= 0 || n <= i.MessageSizeMax {
		return nil
	}
	return Errorf(KindSocket, "send", "message size %d exceeds maximum %d", n, i.MessageSizeMax)
}

// BufferSizes returns the configured sizes, substituting defaults for
// non-positive values.
func (i *Instance) BufferSizes() (rcv, snd int) {
	rcv, snd = 128*1024, 128*1024
	if i != nil && i.RcvSize > 0 {
		rcv = i.RcvSize
	}
	if i != nil && i.SndSize > 0 {
		snd = i.SndSize
	}
	return rcv, snd
}

// TimeoutDuration converts an endpoint timeout in milliseconds; negative
// means no deadline and yields 0.
func TimeoutDuration(ms int) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Deadline returns the absolute deadline for a timeout in milliseconds, or
// the zero time when the timeout is infinite.
func Deadline(ms int) time.Time {
	if ms < 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// FormatTimeout renders a timeout option value.
func FormatTimeout(ms int) string {
	if ms < 0 {
		return "infinite"
	}
	return fmt.Sprint(ms)
}

// DefaultTimeoutOr returns the configured default timeout or def.
func (i *Instance) DefaultTimeoutOr(def int) int {
	if i == nil || i.DefaultTimeout == 0 {
		return def
	}
	return i.DefaultTimeout
}

// DefaultHostOr returns the configured default host or def.
func (i *Instance) DefaultHostOr(def string) string {
	if i == nil || i.DefaultHost == "" {
		return def
	}
	return i.DefaultHost
}
