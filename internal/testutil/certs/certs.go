// Package certs generates a throwaway PKI for TLS tests: a CA, a server
// certificate for the loopback address, an expired copy of it and a client
// certificate.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/youmark/pkcs8"
)

// Bundle holds the generated material and the PEM files written for it.
type Bundle struct {
	Dir string

	CAFile     string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string

	CAPool        *x509.CertPool
	Server        tls.Certificate
	ExpiredServer tls.Certificate
	clientKey     *rsa.PrivateKey
}

// Generate creates a bundle under a fresh temporary directory.
func Generate(t testing.TB) *Bundle {
	t.Helper()

	dir := t.TempDir()
	b := &Bundle{Dir: dir, CAPool: x509.NewCertPool()}

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("certs: generate CA key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "splunkout test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("certs: create CA: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("certs: parse CA: %v", err)
	}
	b.CAPool.AddCert(caCert)
	b.CAFile = writePEM(t, dir, "ca.pem", "CERTIFICATE", caDER)

	now := time.Now()
	b.ServerCert, b.ServerKey = issueServer(t, dir, "server", 2, caCert, caKey, now.Add(-time.Hour), now.Add(24*time.Hour))
	b.Server, err = tls.LoadX509KeyPair(b.ServerCert, b.ServerKey)
	if err != nil {
		t.Fatalf("certs: load server pair: %v", err)
	}
	expiredCert, expiredKey := issueServer(t, dir, "server-expired", 4, caCert, caKey, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	b.ExpiredServer, err = tls.LoadX509KeyPair(expiredCert, expiredKey)
	if err != nil {
		t.Fatalf("certs: load expired server pair: %v", err)
	}

	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("certs: generate client key: %v", err)
	}
	clientTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "splunkout client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	clientDER, err := x509.CreateCertificate(rand.Reader, clientTmpl, caCert, &clientKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("certs: create client certificate: %v", err)
	}
	b.clientKey = clientKey
	b.ClientCert = writePEM(t, dir, "client.pem", "CERTIFICATE", clientDER)
	b.ClientKey = writePEM(t, dir, "client-key.pem", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(clientKey))

	return b
}

// ExpiredServerTLS returns a server configuration presenting a certificate
// that is signed by the CA but no longer valid.
func (b *Bundle) ExpiredServerTLS() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{b.ExpiredServer},
		MinVersion:   tls.VersionTLS12,
	}
}

// ServerTLS returns a server configuration. When requireClient is set the
// server demands a client certificate signed by the CA.
func (b *Bundle) ServerTLS(requireClient bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{b.Server},
		MinVersion:   tls.VersionTLS12,
	}
	if requireClient {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = b.CAPool
	}
	return cfg
}

// EncryptedClientKey writes the client key encrypted with pass as a PKCS#8
// "ENCRYPTED PRIVATE KEY" block and returns its path.
func (b *Bundle) EncryptedClientKey(t testing.TB, pass string) string {
	t.Helper()
	der, err := pkcs8.ConvertPrivateKeyToPKCS8(b.clientKey, []byte(pass))
	if err != nil {
		t.Fatalf("certs: encrypt client key: %v", err)
	}
	return writePEM(t, b.Dir, "client-key-enc.pem", "ENCRYPTED PRIVATE KEY", der)
}

// LegacyEncryptedClientKey writes the client key as a traditional encrypted
// PEM block (Proc-Type/DEK-Info headers) and returns its path.
func (b *Bundle) LegacyEncryptedClientKey(t testing.TB, pass string) string {
	t.Helper()
	//nolint:staticcheck // legacy format under test
	block, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(b.clientKey), []byte(pass), x509.PEMCipherAES256)
	if err != nil {
		t.Fatalf("certs: encrypt legacy client key: %v", err)
	}
	path := filepath.Join(b.Dir, "client-key-legacy.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("certs: write %s: %v", path, err)
	}
	return path
}

// issueServer signs a loopback server certificate valid between notBefore
// and notAfter and returns the certificate and key paths.
func issueServer(t testing.TB, dir, name string, serial int64, ca *x509.Certificate, caKey *ecdsa.PrivateKey, notBefore, notAfter time.Time) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("certs: generate %s key: %v", name, err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("certs: create %s certificate: %v", name, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("certs: marshal %s key: %v", name, err)
	}
	return writePEM(t, dir, name+".pem", "CERTIFICATE", der),
		writePEM(t, dir, name+"-key.pem", "PRIVATE KEY", keyDER)
}

func writePEM(t testing.TB, dir, name, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("certs: write %s: %v", path, err)
	}
	return path
}
