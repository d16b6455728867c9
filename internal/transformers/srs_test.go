package transformers

import (
	"testing"

	"github.com/feathermail/feathermail"
)

// TestSRSRoundTrip confirms SRSBounceHandler(SRSRewriter(s, D)) == s: a
// message bound for an external recipient gets its sender rewritten to an
// SRS0 address, and decoding that address on the way back as a bounce
// recipient recovers the original sender untouched.
func TestSRSRoundTrip(t *testing.T) {
	rewriter := &SRSRewriter{
		Secret:       "s3cret",
		SRSDomain:    "relay.example.net",
		LocalDomains: map[string]bool{"example.com": true},
	}
	bouncer := &SRSBounceHandler{Secret: "s3cret", MaxAgeDays: 21}

	original := feathermail.Meta{}.
		Set(feathermail.MetaFrom, "alice@example.com").
		WithTo([]string{"bob@external.org"})

	rewritten, err := rewriter.TransformMeta(original)
	if err != nil {
		t.Fatalf("SRSRewriter.TransformMeta: %v", err)
	}
	srsAddress := rewritten.From()
	if srsAddress == "alice@example.com" {
		t.Fatal("expected sender to be rewritten to an SRS0 address")
	}

	bounce := feathermail.Meta{}.WithTo([]string{srsAddress})
	decoded, err := bouncer.TransformMeta(bounce)
	if err != nil {
		t.Fatalf("SRSBounceHandler.TransformMeta: %v", err)
	}

	got := decoded.To()
	if len(got) != 1 || got[0] != "alice@example.com" {
		t.Fatalf("round trip = %v, want [alice@example.com]", got)
	}
}

// TestSRSRewriterSkipsLocalOnlyRecipients confirms the sender is left alone
// when every recipient is within LocalDomains.
func TestSRSRewriterSkipsLocalOnlyRecipients(t *testing.T) {
	rewriter := &SRSRewriter{
		Secret:       "s3cret",
		SRSDomain:    "relay.example.net",
		LocalDomains: map[string]bool{"example.com": true},
	}

	meta := feathermail.Meta{}.
		Set(feathermail.MetaFrom, "alice@example.com").
		WithTo([]string{"bob@example.com"})

	got, err := rewriter.TransformMeta(meta)
	if err != nil {
		t.Fatal(err)
	}
	if got.From() != "alice@example.com" {
		t.Fatalf("From() = %q, want unchanged alice@example.com", got.From())
	}
}

// TestSRSBounceHandlerRejectsTamperedHash confirms a forged SRS0 address
// with a mismatched hash is passed through unchanged rather than "decoded"
// to an attacker-chosen address.
func TestSRSBounceHandlerRejectsTamperedHash(t *testing.T) {
	bouncer := &SRSBounceHandler{Secret: "s3cret", MaxAgeDays: 21}

	forged := "SRS0=ffff=00=example.com=alice@relay.example.net"
	meta := feathermail.Meta{}.WithTo([]string{forged})

	got, err := bouncer.TransformMeta(meta)
	if err != nil {
		t.Fatal(err)
	}
	if to := got.To(); len(to) != 1 || to[0] != forged {
		t.Fatalf("expected tampered SRS0 address to pass through unchanged, got %v", to)
	}
}

// TestSRSBounceHandlerPassesThroughNonSRSAddresses confirms ordinary
// recipients are untouched.
func TestSRSBounceHandlerPassesThroughNonSRSAddresses(t *testing.T) {
	bouncer := &SRSBounceHandler{Secret: "s3cret", MaxAgeDays: 21}

	meta := feathermail.Meta{}.WithTo([]string{"carol@example.com"})
	got, err := bouncer.TransformMeta(meta)
	if err != nil {
		t.Fatal(err)
	}
	if to := got.To(); len(to) != 1 || to[0] != "carol@example.com" {
		t.Fatalf("got %v, want unchanged carol@example.com", to)
	}
}
