package stages

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/ipmatch"
)

func TestSimpleAccess_MatchingPattern(t *testing.T) {
	s := &SimpleAccess{Patterns: []*regexp.Regexp{regexp.MustCompile(`@example\.com$`)}}
	res := s.Rcpt(context.Background(), newFakeSession("1.2.3.4"), feathermail.Meta{}, nil, feathermail.MailPath{Address: "bob@example.com"}, nil)
	if res.Halted() {
		t.Fatal("expected recipient to be accepted")
	}
}

func TestSimpleAccess_NoMatch(t *testing.T) {
	s := &SimpleAccess{Patterns: []*regexp.Regexp{regexp.MustCompile(`@example\.com$`)}}
	res := s.Rcpt(context.Background(), newFakeSession("1.2.3.4"), feathermail.Meta{}, nil, feathermail.MailPath{Address: "bob@other.com"}, nil)
	if !res.Halted() {
		t.Fatal("expected recipient to be rejected")
	}
	resp := s.FormatReason(res.Reason())
	if resp.Code != feathermail.Reply550MailboxUnavailable {
		t.Fatalf("expected 550, got %d", resp.Code)
	}
}

func TestRelayControl_LocalDomainAllowed(t *testing.T) {
	r := &RelayControl{LocalDomains: map[string]bool{"example.com": true}}
	res := r.Rcpt(context.Background(), newFakeSession("1.2.3.4"), feathermail.Meta{}, nil, feathermail.MailPath{Address: "bob@example.com"}, nil)
	if res.Halted() {
		t.Fatal("expected local domain relay to be allowed")
	}
}

func TestRelayControl_TrustedIPAllowed(t *testing.T) {
	trusted, err := ipmatch.Parse([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	r := &RelayControl{TrustedIPs: trusted}
	meta := feathermail.Meta{feathermail.MetaPeerIP: "10.1.2.3"}
	res := r.Rcpt(context.Background(), newFakeSession("10.1.2.3"), meta, nil, feathermail.MailPath{Address: "bob@elsewhere.com"}, nil)
	if res.Halted() {
		t.Fatal("expected trusted IP relay to be allowed")
	}
}

func TestRelayControl_AuthenticatedUserAllowed(t *testing.T) {
	r := &RelayControl{}
	meta := feathermail.Meta{feathermail.MetaUser: "alice"}
	res := r.Rcpt(context.Background(), newFakeSession("1.2.3.4"), meta, nil, feathermail.MailPath{Address: "bob@elsewhere.com"}, nil)
	if res.Halted() {
		t.Fatal("expected authenticated relay to be allowed")
	}
}

func TestRelayControl_Denied(t *testing.T) {
	r := &RelayControl{LocalDomains: map[string]bool{"example.com": true}}
	res := r.Rcpt(context.Background(), newFakeSession("1.2.3.4"), feathermail.Meta{}, nil, feathermail.MailPath{Address: "bob@elsewhere.com"}, nil)
	if !res.Halted() {
		t.Fatal("expected relay to elsewhere.com to be denied")
	}
	resp := r.FormatReason(res.Reason())
	if resp.Code != feathermail.Reply550MailboxUnavailable {
		t.Fatalf("expected 550, got %d", resp.Code)
	}
}

func TestIPFilter_Blocked(t *testing.T) {
	blocked, err := ipmatch.Parse([]string{"203.0.113.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	f := &IPFilter{Blocked: blocked}
	session := newFakeSession("203.0.113.5")
	res := f.Helo(context.Background(), session, feathermail.Meta{}, nil, "client.example.com")
	if !res.Halted() {
		t.Fatal("expected blocked IP to halt")
	}
	resp := f.FormatReason(res.Reason())
	if resp.Code != feathermail.Reply554TransactionFailed {
		t.Fatalf("expected 554, got %d", resp.Code)
	}
}

func TestIPFilter_Allowed(t *testing.T) {
	blocked, err := ipmatch.Parse([]string{"203.0.113.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	f := &IPFilter{Blocked: blocked}
	session := newFakeSession("198.51.100.5")
	res := f.Helo(context.Background(), session, feathermail.Meta{}, nil, "client.example.com")
	if res.Halted() {
		t.Fatal("expected non-blocked IP to pass")
	}
}

func TestSenderDomainValidator_AllowedDomain(t *testing.T) {
	v := &SenderDomainValidator{AllowedDomains: map[string]bool{"example.com": true}}
	res := v.Mail(context.Background(), newFakeSession("1.2.3.4"), feathermail.Meta{}, nil, feathermail.MailPath{Address: "a@example.com"}, nil)
	if res.Halted() {
		t.Fatal("expected allowed domain to pass")
	}
}

func TestSenderDomainValidator_RequireAuthForRelay(t *testing.T) {
	v := &SenderDomainValidator{RequireAuthForRelay: true}
	meta := feathermail.Meta{feathermail.MetaAuthenticated: true}
	res := v.Mail(context.Background(), newFakeSession("1.2.3.4"), meta, nil, feathermail.MailPath{Address: "a@other.com"}, nil)
	if res.Halted() {
		t.Fatal("expected authenticated sender to bypass domain check")
	}
}

func TestSenderDomainValidator_Denied(t *testing.T) {
	v := &SenderDomainValidator{AllowedDomains: map[string]bool{"example.com": true}}
	res := v.Mail(context.Background(), newFakeSession("1.2.3.4"), feathermail.Meta{}, nil, feathermail.MailPath{Address: "a@other.com"}, nil)
	if !res.Halted() {
		t.Fatal("expected disallowed sender domain to halt")
	}
}

func TestStaticRecipientGuard(t *testing.T) {
	g := StaticRecipientGuard{Recipients: map[string]bool{"bob@example.com": true}}
	if !g.Accepts(context.Background(), "bob@example.com") {
		t.Fatal("expected known recipient to be accepted")
	}
	if g.Accepts(context.Background(), "mallory@example.com") {
		t.Fatal("expected unknown recipient to be rejected")
	}
}

func TestRegexRecipientGuard(t *testing.T) {
	g := RegexRecipientGuard{Patterns: []*regexp.Regexp{regexp.MustCompile(`^support@`)}}
	if !g.Accepts(context.Background(), "support@example.com") {
		t.Fatal("expected matching recipient to be accepted")
	}
	if g.Accepts(context.Background(), "sales@example.com") {
		t.Fatal("expected non-matching recipient to be rejected")
	}
}

func TestMaildirRecipientGuard(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bob"), 0o755); err != nil {
		t.Fatal(err)
	}
	g := MaildirRecipientGuard{Root: dir}
	if !g.Accepts(context.Background(), "bob@example.com") {
		t.Fatal("expected bob's maildir to exist")
	}
	if g.Accepts(context.Background(), "mallory@example.com") {
		t.Fatal("expected missing maildir to be rejected")
	}
}

func TestAliasFileRecipientGuard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases")
	if err := os.WriteFile(path, []byte("bob: bob@elsewhere.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	g := NewAliasFileRecipientGuard(path, time.Hour)
	if !g.Accepts(context.Background(), "bob@example.com") {
		t.Fatal("expected bob to be a known alias")
	}
	if g.Accepts(context.Background(), "mallory@example.com") {
		t.Fatal("expected mallory not to be a known alias")
	}
}

func TestBackscatterGuard_AcceptsKnownRecipient(t *testing.T) {
	g := &BackscatterGuard{Guards: []RecipientGuard{
		StaticRecipientGuard{Recipients: map[string]bool{"bob@example.com": true}},
	}}
	res := g.Rcpt(context.Background(), newFakeSession("1.2.3.4"), feathermail.Meta{}, nil, feathermail.MailPath{Address: "bob@example.com"}, nil)
	if res.Halted() {
		t.Fatal("expected known recipient to pass")
	}
}

func TestBackscatterGuard_RejectsUnknownRecipient(t *testing.T) {
	g := &BackscatterGuard{Guards: []RecipientGuard{
		StaticRecipientGuard{Recipients: map[string]bool{"bob@example.com": true}},
	}}
	res := g.Rcpt(context.Background(), newFakeSession("1.2.3.4"), feathermail.Meta{}, nil, feathermail.MailPath{Address: "mallory@example.com"}, nil)
	if !res.Halted() {
		t.Fatal("expected unknown recipient to be rejected")
	}
	resp := g.FormatReason(res.Reason())
	if resp.Code != feathermail.Reply550MailboxUnavailable {
		t.Fatalf("expected 550, got %d", resp.Code)
	}
}
