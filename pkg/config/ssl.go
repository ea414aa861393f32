package config

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/zeroc-ice/ice-sub030/pkg/transport/ssl"
)

// SSLConfig describes the certificates and verification policy of the ssl
// and quic transports. Files are PEM encoded.
type SSLConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
	// VerifyPeer: 0 none, 1 verify if presented, 2 require
	VerifyPeer int    `mapstructure:"verify_peer"`
	ServerName string `mapstructure:"server_name"`
	// MinVersion: 1.2 or 1.3
	MinVersion string `mapstructure:"min_version"`
	// Ciphers lists TLS 1.2 cipher suite names; empty keeps Go's defaults.
	Ciphers []string `mapstructure:"ciphers"`
}

func (s SSLConfig) minVersion() (uint16, error) {
	switch strings.TrimSpace(s.MinVersion) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("invalid ssl.min_version: %q", s.MinVersion)
	}
}

// TLS loads the files and builds the transport configuration.
func (s SSLConfig) TLS() (*ssl.Config, error) {
	cfg, err := ssl.LoadConfig(s.CertFile, s.KeyFile, s.CAFile, s.VerifyPeer)
	if err != nil {
		return nil, err
	}
	cfg.ServerName = s.ServerName
	if cfg.MinVersion, err = s.minVersion(); err != nil {
		return nil, err
	}
	for _, name := range s.Ciphers {
		id, ok := cipherSuite(name)
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		cfg.CipherSuites = append(cfg.CipherSuites, id)
	}
	return cfg, nil
}

func cipherSuite(name string) (uint16, bool) {
	for _, cs := range tls.CipherSuites() {
		if strings.EqualFold(cs.Name, strings.TrimSpace(name)) {
			return cs.ID, true
		}
	}
	return 0, false
}
