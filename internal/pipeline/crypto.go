package pipeline

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"time"
)

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

// parseDurationSeconds accepts either a bare integer string ("600") or a Go
// duration string ("10m"), since operators reach for whichever is natural.
func parseDurationSeconds(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("pipeline: invalid duration %q", s)
	}
	return int64(d / time.Second), nil
}

// loadDKIMSigner reads a PEM-encoded RSA or ECDSA private key and returns it
// as a crypto.Signer for DKIMSigner, the only key shape go-msgauth/dkim
// accepts as SignOptions.Signer.
func loadDKIMSigner(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read dkim private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("pipeline: dkim private key %q is not PEM-encoded", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse dkim private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("pipeline: dkim private key %q does not support signing", path)
	}
	return signer, nil
}
