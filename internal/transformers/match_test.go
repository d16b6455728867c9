package transformers

import (
	"regexp"
	"testing"

	"github.com/feathermail/feathermail"
)

func TestMatchHeaderSetsMailboxOnMatch(t *testing.T) {
	m := &MatchHeader{
		Header:   "X-Spam-Flag",
		Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)^yes$`)},
		Mailbox:  "spam",
	}

	raw := []byte("Subject: hi\r\nX-Spam-Flag: YES\r\n\r\nbody text\r\n")
	_, meta, err := m.TransformData(raw, feathermail.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Mailbox() != "spam" {
		t.Fatalf("Mailbox() = %q, want spam", meta.Mailbox())
	}
}

func TestMatchHeaderLeavesMailboxUnsetWithoutMatch(t *testing.T) {
	m := &MatchHeader{
		Header:   "X-Spam-Flag",
		Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)^yes$`)},
		Mailbox:  "spam",
	}

	raw := []byte("Subject: hi\r\nX-Spam-Flag: no\r\n\r\nbody text\r\n")
	_, meta, err := m.TransformData(raw, feathermail.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Mailbox() != "" {
		t.Fatalf("Mailbox() = %q, want empty", meta.Mailbox())
	}
}

func TestMatchHeaderSkipsWhenMailboxAlreadySet(t *testing.T) {
	m := &MatchHeader{
		Header:   "X-Spam-Flag",
		Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)^yes$`)},
		Mailbox:  "spam",
	}

	raw := []byte("X-Spam-Flag: YES\r\n\r\nbody\r\n")
	meta := feathermail.Meta{}.Set(feathermail.MetaMailbox, "inbox")
	_, got, err := m.TransformData(raw, meta)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mailbox() != "inbox" {
		t.Fatalf("Mailbox() = %q, want unchanged inbox", got.Mailbox())
	}
}

func TestMatchBodySetsMailboxOnMatch(t *testing.T) {
	m := &MatchBody{
		Patterns: []*regexp.Regexp{regexp.MustCompile(`unsubscribe`)},
		Mailbox:  "bulk",
	}

	raw := []byte("Subject: hi\r\n\r\nClick here to unsubscribe.\r\n")
	_, meta, err := m.TransformData(raw, feathermail.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Mailbox() != "bulk" {
		t.Fatalf("Mailbox() = %q, want bulk", meta.Mailbox())
	}
}

func TestMatchBodyLeavesMailboxUnsetWithoutMatch(t *testing.T) {
	m := &MatchBody{
		Patterns: []*regexp.Regexp{regexp.MustCompile(`unsubscribe`)},
		Mailbox:  "bulk",
	}

	raw := []byte("Subject: hi\r\n\r\nJust saying hello.\r\n")
	_, meta, err := m.TransformData(raw, feathermail.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Mailbox() != "" {
		t.Fatalf("Mailbox() = %q, want empty", meta.Mailbox())
	}
}

func TestDefaultMailboxAppliesOnlyWhenUnset(t *testing.T) {
	d := &DefaultMailbox{Mailbox: "inbox"}

	got, err := d.TransformMeta(feathermail.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Mailbox() != "inbox" {
		t.Fatalf("Mailbox() = %q, want inbox", got.Mailbox())
	}

	preset := feathermail.Meta{}.Set(feathermail.MetaMailbox, "spam")
	got, err = d.TransformMeta(preset)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mailbox() != "spam" {
		t.Fatalf("Mailbox() = %q, want unchanged spam", got.Mailbox())
	}
}
