package ssl

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/transport"
)

// Config holds the TLS settings shared by all ssl endpoints of an instance.
//
// VerifyPeer follows the usual three levels. For clients 0 skips server
// verification and any other value verifies the chain and host name. For
// servers 0 requests no certificate, 1 verifies a certificate if the client
// sends one and 2 requires one.
type Config struct {
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
	ClientCAs    *x509.CertPool
	VerifyPeer   int
	ServerName   string
	MinVersion   uint16
	CipherSuites []uint16
	NextProtos   []string
	// Verifier is called after every successful handshake; an error aborts
	// the connection with a security error.
	Verifier func(info transport.ConnectionInfo) error

	selfOnce sync.Once
	selfCert tls.Certificate
	selfErr  error
}

// LoadConfig reads PEM encoded files. Empty names are skipped. The CA file
// is used to verify both servers and clients.
func LoadConfig(certFile, keyFile, caFile string, verifyPeer int) (*Config, error) {
	cfg := &Config{VerifyPeer: verifyPeer}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs, cfg.ClientCAs = pool, pool
	}
	return cfg, nil
}

func (c *Config) minVersion() uint16 {
	if c.MinVersion == 0 {
		return tls.VersionTLS12
	}
	return c.MinVersion
}

// ClientTLS builds the client configuration for a connection to host. It is
// also used by transports that run TLS themselves (quic).
func (c *Config) ClientTLS(host string) *tls.Config {
	tc := &tls.Config{
		Certificates: c.Certificates,
		RootCAs:      c.RootCAs,
		MinVersion:   c.minVersion(),
		CipherSuites: c.CipherSuites,
		NextProtos:   c.NextProtos,
		ServerName:   c.ServerName,
	}
	if tc.ServerName == "" {
		tc.ServerName = host
	}
	if c.VerifyPeer <= 0 {
		tc.InsecureSkipVerify = true
	}
	return tc
}

// ServerTLS builds the server configuration, generating a self-signed
// certificate when none is configured.
func (c *Config) ServerTLS(log *zap.Logger) (*tls.Config, error) {
	certs := c.Certificates
	if len(certs) == 0 {
		c.selfOnce.Do(func() {
			c.selfCert, c.selfErr = SelfSigned("localhost", "127.0.0.1", "::1")
			if c.selfErr == nil {
				log.Warn("no server certificate configured, using a generated self-signed certificate")
			}
		})
		if c.selfErr != nil {
			return nil, transport.NewError(transport.KindSecurity, "certificate", c.selfErr)
		}
		certs = []tls.Certificate{c.selfCert}
	}
	tc := &tls.Config{
		Certificates: certs,
		ClientCAs:    c.ClientCAs,
		MinVersion:   c.minVersion(),
		CipherSuites: c.CipherSuites,
		NextProtos:   c.NextProtos,
	}
	switch {
	case c.VerifyPeer <= 0:
		tc.ClientAuth = tls.NoClientCert
	case c.VerifyPeer == 1:
		tc.ClientAuth = tls.VerifyClientCertIfGiven
	case c.ClientCAs == nil:
		tc.ClientAuth = tls.RequireAnyClientCert
	default:
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}
