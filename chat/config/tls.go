package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewServerTLS builds a server configuration that presents cert and
// requires a client certificate chaining to clientCAs.
func NewServerTLS(cert tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    clientCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// LoadServerTLS reads the server key pair and client trust root from disk.
func LoadServerTLS(files TLSFiles) (*tls.Config, error) {
	if err := files.validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	pool, err := LoadCAPool(files.CAFile)
	if err != nil {
		return nil, err
	}

	return NewServerTLS(cert, pool), nil
}

// LoadClientTLS reads the client key pair and server trust root from disk.
func LoadClientTLS(files TLSFiles) (*tls.Config, error) {
	if err := files.validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key pair: %w", err)
	}

	pool, err := LoadCAPool(files.CAFile)
	if err != nil {
		return nil, err
	}

	serverName := files.ServerName
	if serverName == "" {
		serverName = DefaultServerName
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadCAPool reads a PEM bundle of trusted roots.
func LoadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidConfig, path)
	}
	return pool, nil
}

// PeerSubject returns the common name of the verified peer certificate,
// or "" when the peer presented none.
func PeerSubject(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}
