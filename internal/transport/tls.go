package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/youmark/pkcs8"
)

// TLSOptions describes the TLS session of a transport.
type TLSOptions struct {
	Enabled bool
	// Verify enables certificate verification against the trust store.
	Verify bool
	// CAFile adds a PEM bundle to the system trust store.
	CAFile string
	// ClientCert and ClientKey enable mutual TLS.
	ClientCert    string
	ClientKey     string
	ClientKeyPass string
	// ServerName overrides the name checked against the server certificate.
	ServerName string
}

// NewTLSConfig builds the immutable TLS configuration shared by all sends.
// It returns nil when TLS is disabled.
func NewTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}

	// #nosec G402 -- skipping verification is an explicit operator choice (ssl_verify: false).
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !opts.Verify,
		ServerName:         opts.ServerName,
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if opts.CAFile != "" {
		// #nosec G304 -- ca_file comes from the operator's configuration.
		pemData, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("ca_file %s contains no certificates", opts.CAFile)
		}
	}
	cfg.RootCAs = pool

	if opts.ClientCert != "" || opts.ClientKey != "" {
		if opts.ClientCert == "" || opts.ClientKey == "" {
			return nil, errors.New("client_cert and client_key must be specified together")
		}
		cert, err := LoadKeyPair(opts.ClientCert, opts.ClientKey, opts.ClientKeyPass)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// LoadKeyPair reads a PEM certificate and private key. When pass is set the key
// may be an encrypted PKCS#8 block or a legacy encrypted PEM block.
func LoadKeyPair(certFile, keyFile, pass string) (tls.Certificate, error) {
	// #nosec G304 -- paths come from the operator's configuration.
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read client_cert: %w", err)
	}
	// #nosec G304 -- paths come from the operator's configuration.
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read client_key: %w", err)
	}

	if pass != "" {
		keyPEM, err = decryptKey(keyPEM, []byte(pass))
		if err != nil {
			return tls.Certificate{}, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load client certificate: %w", err)
	}
	return cert, nil
}

func decryptKey(keyPEM, pass []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("client_key is not PEM encoded")
	}

	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, pass)
		if err != nil {
			return nil, fmt.Errorf("decrypt client_key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("decrypt client_key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	case x509.IsEncryptedPEMBlock(block): //nolint:staticcheck // legacy PEM encryption is still emitted by openssl rsa -des3
		der, err := x509.DecryptPEMBlock(block, pass) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("decrypt client_key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
	default:
		// Unencrypted key; the passphrase is not needed.
		return keyPEM, nil
	}
}

// NewServerTLSConfig builds the listener side of a TLS session. When
// clientCAFile is set, clients must present a certificate signed by it.
func NewServerTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load listener certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if clientCAFile != "" {
		// #nosec G304 -- client_ca_file comes from the operator's configuration.
		pemData, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client_ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("client_ca_file %s contains no certificates", clientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
