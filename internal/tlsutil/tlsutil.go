// Package tlsutil builds the HTTP clients the SDK uses to reach providers
// and collectors: TLS 1.2 or later with AEAD cipher suites only.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

const defaultIdleConnsPerHost = 10

// Options adjusts the client TLS setup, typically for a self-hosted
// collector. The zero value verifies against the system roots.
type Options struct {
	// CAFile is a PEM bundle trusted in addition to the system roots.
	CAFile string
	// ServerName overrides the name checked against the certificate.
	ServerName string
	// InsecureSkipVerify disables certificate verification. Local
	// development only.
	InsecureSkipVerify bool
	// MaxIdleConnsPerHost defaults to 10. Exporters talk to one host, so this
	// bounds the connections a busy pipeline keeps open.
	MaxIdleConnsPerHost int
}

// Config returns the client TLS configuration.
func Config() *tls.Config {
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

// TLSConfig returns Config with o applied.
func (o Options) TLSConfig() (*tls.Config, error) {
	cfg := Config()
	cfg.ServerName = o.ServerName
	cfg.InsecureSkipVerify = o.InsecureSkipVerify
	if o.CAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("tlsutil: CA file contains no PEM certificates")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// NewHTTPClient returns a client for o. A zero timeout means none, which
// streaming callers need.
func NewHTTPClient(timeout time.Duration, o Options) (*http.Client, error) {
	tlsCfg, err := o.TLSConfig()
	if err != nil {
		return nil, err
	}
	idle := o.MaxIdleConnsPerHost
	if idle <= 0 {
		idle = defaultIdleConnsPerHost
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(tlsCfg, idle),
	}, nil
}

// HTTPClient returns a client with default Options.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(Config(), defaultIdleConnsPerHost),
	}
}

func newTransport(tlsCfg *tls.Config, idlePerHost int) *http.Transport {
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsCfg,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        2 * idlePerHost,
		MaxIdleConnsPerHost: idlePerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
