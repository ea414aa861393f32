package transport

import (
	"crypto/x509"
	"net"
	"strconv"
)

// ConnectionInfo is a snapshot of an established connection.
type ConnectionInfo struct {
	Protocol     string
	Incoming     bool
	AdapterName  string
	ConnectionID string

	LocalAddress  string
	LocalPort     int
	RemoteAddress string
	RemotePort    int

	RcvSize int
	SndSize int

	// TLS
	Cipher           string
	TLSVersion       string
	ServerName       string
	PeerCertificates []*x509.Certificate
	Verified         bool

	// Bluetooth RFCOMM
	UUID    string
	Channel int

	// Extra holds transport specific details (ALPN, websocket resource, ...).
	Extra map[string]string

	// Underlying describes the connection a layered transport runs over.
	Underlying *ConnectionInfo
}

// SetAddrs fills the address fields from net.Addr values.
func (ci *ConnectionInfo) SetAddrs(local, remote net.Addr) {
	ci.LocalAddress, ci.LocalPort = splitAddr(local)
	ci.RemoteAddress, ci.RemotePort = splitAddr(remote)
}

func splitAddr(a net.Addr) (string, int) {
	if a == nil {
		return "", -1
	}
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP.String(), v.Port
	case *net.UDPAddr:
		return v.IP.String(), v.Port
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), -1
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return host, -1
	}
	return host, p
}

// Fields flattens the snapshot into a map suitable for structured export.
func (ci ConnectionInfo) Fields() map[string]any {
	m := map[string]any{
		"protocol":       ci.Protocol,
		"incoming":       ci.Incoming,
		"adapter_name":   ci.AdapterName,
		"connection_id":  ci.ConnectionID,
		"local_address":  ci.LocalAddress,
		"local_port":     ci.LocalPort,
		"remote_address": ci.RemoteAddress,
		"remote_port":    ci.RemotePort,
		"rcv_size":       ci.RcvSize,
		"snd_size":       ci.SndSize,
	}
	if ci.Cipher != "" {
		m["cipher"] = ci.Cipher
		m["tls_version"] = ci.TLSVersion
		m["verified"] = ci.Verified
		if ci.ServerName != "" {
			m["server_name"] = ci.ServerName
		}
		subjects := make([]any, 0, len(ci.PeerCertificates))
		for _, c := range ci.PeerCertificates {
			subjects = append(subjects, c.Subject.String())
		}
		m["peer_certificates"] = subjects
	}
	if ci.UUID != "" {
		m["uuid"] = ci.UUID
		m["channel"] = ci.Channel
	}
	if len(ci.Extra) > 0 {
		extra := make(map[string]any, len(ci.Extra))
		for k, v := range ci.Extra {
			extra[k] = v
		}
		m["extra"] = extra
	}
	if ci.Underlying != nil {
		m["underlying"] = ci.Underlying.Fields()
	}
	return m
}

// DescribeAddrs renders a connection's addresses for String methods.
func DescribeAddrs(local, remote net.Addr) string {
	l, r := "<not available>", "<not connected>"
	if local != nil {
		l = local.String()
	}
	if remote != nil {
		r = remote.String()
	}
	return "local address = " + l + "\nremote address = " + r
}
