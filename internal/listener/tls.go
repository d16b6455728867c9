package listener

import (
	"crypto/tls"
	"fmt"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/config"
)

// ParseTLSPolicy maps the server config's tls_mode vocabulary ("never",
// "if_available", "always") onto feathermail.TLSPolicy.
func ParseTLSPolicy(mode string) (feathermail.TLSPolicy, error) {
	switch mode {
	case "", "if_available":
		return feathermail.TLSIfAvailable, nil
	case "never":
		return feathermail.TLSNever, nil
	case "always":
		return feathermail.TLSAlways, nil
	default:
		return feathermail.TLSNever, fmt.Errorf("listener: unknown tls_mode %q", mode)
	}
}

// BuildTLSProvider constructs the TLSProvider a server config asks for. A
// policy of "never" needs no certificate and returns NoTLSProvider. Any
// other policy with no tls_sni_certs requires both cert and key paths to be
// set, since STARTTLS (or implicit TLS) cannot be offered without a
// certificate to present. If tls_sni_certs names per-domain certificates,
// the returned provider selects among them by SNI, and the cert/key pair is
// optional: when both paths are set it becomes the default certificate.
func BuildTLSProvider(server config.ServerConfig) (feathermail.TLSProvider, feathermail.TLSPolicy, error) {
	policy, err := ParseTLSPolicy(server.TLSMode)
	if err != nil {
		return nil, feathermail.TLSNever, err
	}

	if policy == feathermail.TLSNever {
		return feathermail.NoTLSProvider{}, policy, nil
	}

	if len(server.TLSSNICerts) > 0 {
		provider, err := buildSNIProvider(server, policy)
		if err != nil {
			return nil, policy, err
		}
		return provider, policy, nil
	}

	if server.TLSCertPath == "" || server.TLSKeyPath == "" {
		return nil, policy, fmt.Errorf("listener: tls_mode %q requires tls_cert_path and tls_key_path", server.TLSMode)
	}

	provider, err := feathermail.NewReloadableTLSProvider(server.TLSCertPath, server.TLSKeyPath, policy)
	if err != nil {
		return nil, policy, fmt.Errorf("listener: load TLS certificate: %w", err)
	}
	return provider, policy, nil
}

func buildSNIProvider(server config.ServerConfig, policy feathermail.TLSPolicy) (*feathermail.SNITLSProvider, error) {
	provider := feathermail.NewSNITLSProvider(policy)

	if server.TLSCertPath != "" && server.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(server.TLSCertPath, server.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("listener: load default TLS certificate: %w", err)
		}
		provider.SetDefaultCertificate(cert)
	}

	for serverName, paths := range server.TLSSNICerts {
		if err := provider.AddCertificateFromFiles(serverName, paths.CertPath, paths.KeyPath); err != nil {
			return nil, fmt.Errorf("listener: load TLS certificate for %q: %w", serverName, err)
		}
	}

	return provider, nil
}
