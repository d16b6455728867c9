// Package testdata provides in-memory TLS fixtures for feathermail tests.
package testdata

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// GenerateTestCertificate returns a freshly generated, self-signed
// ECDSA certificate/key pair for "test.example.com". Generated in-memory
// rather than loaded from disk so tests never depend on checked-in key
// material.
func GenerateTestCertificate() (tls.Certificate, error) {
	return GenerateTestCertificateForName("test.example.com")
}

// GenerateTestCertificateForName is GenerateTestCertificate for an arbitrary
// common name, for tests that need distinguishable certificates (e.g. SNI
// selection).
func GenerateTestCertificateForName(name string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{name},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// WriteCertFilesForName generates a certificate for name and writes its PEM
// encoded certificate and key under dir, returning their paths. Used by
// tests that exercise file-based TLS providers (which load from disk,
// unlike GenerateTestCertificate's in-memory tls.Certificate).
func WriteCertFilesForName(dir, name string) (certPath, keyPath string, err error) {
	cert, err := GenerateTestCertificateForName(name)
	if err != nil {
		return "", "", err
	}

	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(certPath, certPEM, 0o640); err != nil {
		return "", "", err
	}

	keyBytes, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return "", "", err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", err
	}

	return certPath, keyPath, nil
}

// TestTLSConfig returns a server-side tls.Config backed by a freshly
// generated self-signed certificate.
func TestTLSConfig() (*tls.Config, error) {
	cert, err := GenerateTestCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
