package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// TransportConfig holds the settings every transport shares.
// Example YAML:
//
//	transport:
//	  protocols: [tcp, ssl, bt]
//	  timeout_ms: 5000
//	  rcv_size: 65536
//	  trace_level: 1
type TransportConfig struct {
	// Protocols restricts the registered transports; empty enables all.
	Protocols      []string `mapstructure:"protocols"`
	DefaultHost    string   `mapstructure:"default_host"`
	TimeoutMS      int      `mapstructure:"timeout_ms"`
	RcvSize        int      `mapstructure:"rcv_size"`
	SndSize        int      `mapstructure:"snd_size"`
	MessageSizeMax int      `mapstructure:"message_size_max"`
	// AcceptTimeoutMS bounds one accept wait of pollable acceptors.
	AcceptTimeoutMS int `mapstructure:"accept_timeout_ms"`
	// ReadWaitMS bounds the socket wait of a TLS read that found no data.
	ReadWaitMS int `mapstructure:"read_wait_ms"`
	Backlog    int `mapstructure:"backlog"`
	TraceLevel int `mapstructure:"trace_level"`
}

// BluetoothConfig selects the RFCOMM controller.
type BluetoothConfig struct {
	Device string `mapstructure:"device"`
}

func (t *TransportConfig) validate() error {
	if t.TimeoutMS == 0 || t.TimeoutMS < -1 {
		return fmt.Errorf("invalid transport.timeout_ms: %d", t.TimeoutMS)
	}
	if t.RcvSize < 0 || t.SndSize < 0 || t.MessageSizeMax < 0 {
		return fmt.Errorf("transport buffer sizes must not be negative")
	}
	if t.AcceptTimeoutMS < 0 || t.ReadWaitMS < 0 {
		return fmt.Errorf("transport waits must not be negative")
	}
	for i, p := range t.Protocols {
		t.Protocols[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return nil
}

// Instance builds the transport settings for logger.
func (c *Config) Instance(logger *zap.Logger) *transport.Instance {
	inst := transport.DefaultInstance(logger)
	t := c.Transport
	inst.DefaultHost = t.DefaultHost
	inst.DefaultTimeout = t.TimeoutMS
	if t.RcvSize > 0 {
		inst.RcvSize = t.RcvSize
	}
	if t.SndSize > 0 {
		inst.SndSize = t.SndSize
	}
	inst.MessageSizeMax = t.MessageSizeMax
	if t.AcceptTimeoutMS > 0 {
		inst.AcceptTimeout = time.Duration(t.AcceptTimeoutMS) * time.Millisecond
	}
	inst.ReadWait = time.Duration(t.ReadWaitMS) * time.Millisecond
	if t.Backlog > 0 {
		inst.Backlog = t.Backlog
	}
	inst.TraceLevel = t.TraceLevel
	return inst
}
