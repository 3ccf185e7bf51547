package tlsutil

import (
	"crypto/tls"
	"fmt"
	"net"
)

// DefaultTLSConfig returns a hardened TLS configuration.
// MinVersion TLS 1.2, AEAD-only cipher suites.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// ClientConfig 为拨号地址 addr（host:port）构建客户端 TLS 配置，
// ServerName 取自 host。
func ClientConfig(addr string) (*tls.Config, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid TLS address %q: %w", addr, err)
	}
	if host == "" {
		return nil, fmt.Errorf("invalid TLS address %q: missing host", addr)
	}
	cfg := DefaultTLSConfig()
	cfg.ServerName = host
	return cfg, nil
}
