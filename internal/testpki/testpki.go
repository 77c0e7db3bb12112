// Package testpki issues throwaway certificate authorities and leaf
// certificates for tests that need real mutual TLS.
package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// CA is a self-signed certificate authority.
type CA struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
}

// Leaf is a certificate issued by a CA together with its key.
type Leaf struct {
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

// NewCA creates a CA valid for one day.
func NewCA(commonName string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &CA{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// IssueServer issues a server certificate for localhost and 127.0.0.1.
func (ca *CA) IssueServer(commonName string, validFor time.Duration) (*Leaf, error) {
	return ca.issue(commonName, x509.ExtKeyUsageServerAuth, validFor)
}

// IssueClient issues a client certificate.
func (ca *CA) IssueClient(commonName string, validFor time.Duration) (*Leaf, error) {
	return ca.issue(commonName, x509.ExtKeyUsageClientAuth, validFor)
}

func (ca *CA) issue(commonName string, usage x509.ExtKeyUsage, validFor time.Duration) (*Leaf, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial(),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	if usage == x509.ExtKeyUsageServerAuth {
		tmpl.DNSNames = []string{"localhost"}
		tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}

	return &Leaf{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Pool returns a pool trusting only this CA.
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return pool
}

// TLSCertificate converts the leaf for use in a tls.Config.
func (l *Leaf) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(l.CertPEM, l.KeyPEM)
}

// WriteFiles writes <name>.crt and <name>.key into dir.
func (l *Leaf) WriteFiles(dir, name string) (certPath, keyPath string, err error) {
	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")
	if err := os.WriteFile(certPath, l.CertPEM, 0o600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(keyPath, l.KeyPEM, 0o600); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// WriteFile writes the CA certificate to dir/<name>.crt.
func (ca *CA) WriteFile(dir, name string) (string, error) {
	path := filepath.Join(dir, name+".crt")
	return path, os.WriteFile(path, ca.CertPEM, 0o600)
}

func serial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		panic(fmt.Sprintf("testpki: serial: %v", err))
	}
	return n
}

// Env bundles a CA with a server and client certificate and ready-made
// TLS configurations for both sides.
type Env struct {
	CA     *CA
	Server *Leaf
	Client *Leaf

	ServerTLS *tls.Config
	ClientTLS *tls.Config
}

// New builds an Env or fails the test.
func New(t testing.TB) *Env {
	t.Helper()

	ca, err := NewCA("test-root")
	if err != nil {
		t.Fatalf("testpki: CA: %v", err)
	}
	return NewWithCA(t, ca, "chat-client")
}

// NewWithCA issues fresh leaves from ca. clientCN names the client certificate.
func NewWithCA(t testing.TB, ca *CA, clientCN string) *Env {
	t.Helper()

	server, err := ca.IssueServer("chat-server", 24*time.Hour)
	if err != nil {
		t.Fatalf("testpki: server leaf: %v", err)
	}
	client, err := ca.IssueClient(clientCN, 24*time.Hour)
	if err != nil {
		t.Fatalf("testpki: client leaf: %v", err)
	}

	serverCert, err := server.TLSCertificate()
	if err != nil {
		t.Fatalf("testpki: server key pair: %v", err)
	}
	clientCert, err := client.TLSCertificate()
	if err != nil {
		t.Fatalf("testpki: client key pair: %v", err)
	}

	return &Env{
		CA:     ca,
		Server: server,
		Client: client,
		ServerTLS: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientCAs:    ca.Pool(),
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS12,
		},
		ClientTLS: &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			RootCAs:      ca.Pool(),
			ServerName:   "localhost",
			MinVersion:   tls.VersionTLS12,
		},
	}
}

// Files is the on-disk layout written by WriteAll.
type Files struct {
	CAFile         string
	ServerCertFile string
	ServerKeyFile  string
	ClientCertFile string
	ClientKeyFile  string
}

// WriteAll writes every PEM file of the Env into dir.
func (e *Env) WriteAll(t testing.TB, dir string) Files {
	t.Helper()

	var f Files
	var err error
	if f.CAFile, err = e.CA.WriteFile(dir, "root"); err != nil {
		t.Fatalf("testpki: write CA: %v", err)
	}
	if f.ServerCertFile, f.ServerKeyFile, err = e.Server.WriteFiles(dir, "server"); err != nil {
		t.Fatalf("testpki: write server: %v", err)
	}
	if f.ClientCertFile, f.ClientKeyFile, err = e.Client.WriteFiles(dir, "client"); err != nil {
		t.Fatalf("testpki: write client: %v", err)
	}
	return f
}
