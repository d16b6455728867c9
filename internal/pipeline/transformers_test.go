package pipeline

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func decodeTransformerSpecs(t *testing.T, doc string) []transformerSpec {
	t.Helper()
	var wrapper struct {
		Transformers []transformerSpec `yaml:"transformers"`
	}
	if err := yaml.Unmarshal([]byte(doc), &wrapper); err != nil {
		t.Fatal(err)
	}
	return wrapper.Transformers
}

func TestParseDurationSeconds_BareInteger(t *testing.T) {
	s, err := parseDurationSeconds("600")
	if err != nil {
		t.Fatal(err)
	}
	if s != 600 {
		t.Fatalf("expected 600, got %d", s)
	}
}

func TestParseDurationSeconds_DurationString(t *testing.T) {
	s, err := parseDurationSeconds("10m")
	if err != nil {
		t.Fatal(err)
	}
	if s != 600 {
		t.Fatalf("expected 600, got %d", s)
	}
}

func TestParseDurationSeconds_Invalid(t *testing.T) {
	if _, err := parseDurationSeconds("not-a-duration"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestSecondsToDuration(t *testing.T) {
	if got := secondsToDuration(90); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
}

func TestDurationYAML_UnmarshalInt(t *testing.T) {
	specs := decodeTransformerSpecs(t, "transformers:\n  - kind: file_based_alias_resolver\n    opts:\n      reload_interval: 60\n")
	if specs[0].Opts.ReloadInterval.seconds != 60 {
		t.Fatalf("expected 60, got %d", specs[0].Opts.ReloadInterval.seconds)
	}
}

func TestDurationYAML_UnmarshalDurationString(t *testing.T) {
	specs := decodeTransformerSpecs(t, "transformers:\n  - kind: file_based_alias_resolver\n    opts:\n      reload_interval: 5m\n")
	if specs[0].Opts.ReloadInterval.seconds != 300 {
		t.Fatalf("expected 300, got %d", specs[0].Opts.ReloadInterval.seconds)
	}
}

func TestBuildTransformerChain_AliasResolver(t *testing.T) {
	specs := decodeTransformerSpecs(t, "transformers:\n  - kind: alias_resolver\n    opts:\n      aliases:\n        bob: [bob@example.com]\n")
	chain, err := buildTransformerChain(specs)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain.MetaTransformers) != 1 {
		t.Fatalf("expected 1 meta transformer, got %d", len(chain.MetaTransformers))
	}
}

func TestBuildTransformerChain_MixedMetaAndDataTransformers(t *testing.T) {
	specs := decodeTransformerSpecs(t, `transformers:
  - kind: default_mailbox
    opts:
      mailbox: fallback
  - kind: match_body
    opts:
      patterns: ["unsubscribe"]
      mailbox: bulk
`)
	chain, err := buildTransformerChain(specs)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain.MetaTransformers) != 1 {
		t.Fatalf("expected 1 meta transformer, got %d", len(chain.MetaTransformers))
	}
	if len(chain.DataTransformers) != 1 {
		t.Fatalf("expected 1 data transformer, got %d", len(chain.DataTransformers))
	}
}

func TestBuildTransformerChain_UnknownKindFails(t *testing.T) {
	specs := decodeTransformerSpecs(t, "transformers:\n  - kind: not_a_real_transformer\n")
	if _, err := buildTransformerChain(specs); err == nil {
		t.Fatal("expected error for unknown transformer kind")
	}
}

func TestBuildTransformerChain_InvalidPatternFails(t *testing.T) {
	specs := decodeTransformerSpecs(t, "transformers:\n  - kind: match_sender\n    opts:\n      patterns: [\"(\"]\n")
	if _, err := buildTransformerChain(specs); err == nil {
		t.Fatal("expected error for invalid regex pattern")
	}
}

func TestLoadDKIMSigner_RSAKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.pem")

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	signer, err := loadDKIMSigner(path)
	if err != nil {
		t.Fatal(err)
	}
	if signer == nil {
		t.Fatal("expected non-nil signer")
	}
}

func TestLoadDKIMSigner_NotPEM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(path, []byte("not pem data"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := loadDKIMSigner(path); err == nil {
		t.Fatal("expected error for non-PEM key file")
	}
}

func TestLoadDKIMSigner_MissingFile(t *testing.T) {
	if _, err := loadDKIMSigner("/nonexistent/key.pem"); err == nil {
		t.Fatal("expected error for missing key file")
	}
}
