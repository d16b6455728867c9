// Package stages holds the canonical adapter implementations: auth, access
// control, rate limiting, routing, delivery, and logging. Each type
// satisfies feathermail.Adapter plus whichever optional hook interfaces its
// phase needs.
package stages

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/feathermail/feathermail"
	"golang.org/x/crypto/bcrypt"
)

const (
	reasonInvalidCredentials = "invalid_credentials"
	reasonAuthFailed         = "auth_failed"
)

func authFailedReply(reason string) feathermail.Response {
	if kind, detail, ok := strings.Cut(reason, ":"); ok && kind == reasonAuthFailed {
		return feathermail.NewResponse(feathermail.Reply535AuthFailed, "Authentication failed: "+detail)
	}
	return feathermail.NewResponse(feathermail.Reply535AuthFailed, "Authentication failed")
}

// SimpleAuth authenticates against a static username/password map supplied
// at construction.
type SimpleAuth struct {
	Credentials map[string]string
}

func (s *SimpleAuth) Kind() string { return "simple_auth" }

func (s *SimpleAuth) Auth(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, mechanism, username, password string) feathermail.PhaseResult {
	next := meta.Clone()
	if want, ok := s.Credentials[username]; ok && want == password {
		next[feathermail.MetaUser] = username
		next[feathermail.MetaAuthenticated] = true
		return feathermail.Continue(next, state)
	}
	return feathermail.Halt(reasonInvalidCredentials, next, state)
}

func (s *SimpleAuth) FormatReason(reason string) feathermail.Response {
	return authFailedReply(reason)
}

// encryptedEnvelope is the base64-decoded JSON shape EncryptedProvisionedPassword
// expects as the AUTH "password" field: an AES-256-GCM-encrypted plaintext
// password with no additional authenticated data.
type encryptedEnvelope struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// KeystoreEntry is one record of the JSON keystore file: a bcrypt hash and
// creation timestamp, keyed by username.
type KeystoreEntry struct {
	HashedPassword string `json:"hashed_password"`
	CreatedAt      string `json:"created_at"`
}

// EncryptedProvisionedPassword authenticates against a bcrypt keystore,
// after decrypting the client-supplied password with AES-256-GCM under a
// key derived from SecretKey.
type EncryptedProvisionedPassword struct {
	SecretKey string
	Keystore  map[string]KeystoreEntry
}

// LoadKeystore decodes a keystore JSON document of the form
// {"username": {"hashed_password": "...", "created_at": "..."}}.
func LoadKeystore(data []byte) (map[string]KeystoreEntry, error) {
	if len(data) == 0 {
		return map[string]KeystoreEntry{}, nil
	}
	var ks map[string]KeystoreEntry
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("stages: decode keystore: %w", err)
	}
	return ks, nil
}

func (e *EncryptedProvisionedPassword) Kind() string { return "encrypted_provisioned_password" }

func (e *EncryptedProvisionedPassword) decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	var env encryptedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}

	key := sha256.Sum256([]byte(e.SecretKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	sealed := append(append([]byte{}, env.Ciphertext...), env.Tag...)
	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (e *EncryptedProvisionedPassword) Auth(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, mechanism, username, password string) feathermail.PhaseResult {
	next := meta.Clone()

	entry, ok := e.Keystore[username]
	if !ok {
		return feathermail.Halt(reasonInvalidCredentials, next, state)
	}

	plaintext, err := e.decrypt(password)
	if err != nil {
		return feathermail.Halt(reasonInvalidCredentials, next, state)
	}

	if bcrypt.CompareHashAndPassword([]byte(entry.HashedPassword), []byte(plaintext)) != nil {
		return feathermail.Halt(reasonInvalidCredentials, next, state)
	}

	next[feathermail.MetaUser] = username
	next[feathermail.MetaAuthenticated] = true
	return feathermail.Continue(next, state)
}

func (e *EncryptedProvisionedPassword) FormatReason(reason string) feathermail.Response {
	return authFailedReply(reason)
}

// PamAuth shells out to an external `pam_auth <user> <pass>` binary and
// trusts its exit code.
type PamAuth struct {
	BinaryPath string
	Runner     func(ctx context.Context, user, pass string) (exitCode int, output string, err error)
}

func (p *PamAuth) Kind() string { return "pam_auth" }

func (p *PamAuth) run(ctx context.Context, user, pass string) (int, string, error) {
	if p.Runner != nil {
		return p.Runner(ctx, user, pass)
	}
	binary := p.BinaryPath
	if binary == "" {
		binary = "pam_auth"
	}
	cmd := exec.CommandContext(ctx, binary, user, pass)
	out, err := cmd.CombinedOutput()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		return -1, "", err
	}
	return code, string(out), nil
}

func (p *PamAuth) Auth(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, mechanism, username, password string) feathermail.PhaseResult {
	next := meta.Clone()

	code, output, err := p.run(ctx, username, password)
	if err != nil || code != 0 {
		next["pam_auth.output"] = output
		next["pam_auth.code"] = code
		return feathermail.Halt(withDetail(reasonAuthFailed, output), next, state)
	}

	next[feathermail.MetaUser] = username
	next[feathermail.MetaAuthenticated] = true
	return feathermail.Continue(next, state)
}

func (p *PamAuth) FormatReason(reason string) feathermail.Response {
	return authFailedReply(reason)
}

// NoAuth unconditionally authenticates every client, and also implements the
// mail hook as pass-through so it can explicitly bypass the engine's
// authentication wall when it appears ahead of MAIL FROM in the pipeline.
type NoAuth struct {
	User string
}

func (n *NoAuth) Kind() string { return "no_auth" }

func (n *NoAuth) trustedUser() string {
	if n.User != "" {
		return n.User
	}
	return "trusted@localhost"
}

func (n *NoAuth) Auth(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, mechanism, username, password string) feathermail.PhaseResult {
	next := meta.Clone()
	next[feathermail.MetaUser] = n.trustedUser()
	next[feathermail.MetaAuthenticated] = true
	return feathermail.Continue(next, state)
}

func (n *NoAuth) Mail(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, from feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	next := meta.Clone()
	if !next.Authenticated() {
		next[feathermail.MetaUser] = n.trustedUser()
		next[feathermail.MetaAuthenticated] = true
	}
	return feathermail.Continue(next, state)
}
