package harness

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/ipmatch"
	"github.com/feathermail/feathermail/internal/stages"
	"github.com/feathermail/feathermail/internal/ttlstore"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// plainAuthPayload builds the base64 SASL PLAIN initial response
// "\0<user>\0<pass>".
func plainAuthPayload(user, pass string) string {
	raw := "\x00" + user + "\x00" + pass
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func withAuth(ext feathermail.ExtensionSet) feathermail.ExtensionSet {
	ext.AUTH = true
	return ext
}

func TestHarness_BasicConversation(t *testing.T) {
	h := NewHarness()
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)

	if _, err := h.Expect(feathermail.Reply220ServiceReady); err != nil {
		t.Fatalf("greeting: %v", err)
	}

	h.Send("EHLO client.example.com")
	if _, err := h.Expect(feathermail.Reply250OK); err != nil {
		t.Fatalf("EHLO: %v", err)
	}

	h.Send("QUIT")
	if _, err := h.Expect(feathermail.Reply221ServiceClosing); err != nil {
		t.Fatalf("QUIT: %v", err)
	}
}

// TestHarness_S1HappyPathMSA exercises an authenticated submission relayed
// and delivered to a per-recipient-domain file store.
func TestHarness_S1HappyPathMSA(t *testing.T) {
	dir := t.TempDir()

	matcher, err := ipmatch.Parse(nil)
	if err != nil {
		t.Fatal(err)
	}

	pl := feathermail.NewPipeline(
		&stages.SimpleAuth{Credentials: map[string]string{"alice": "secret"}},
		&stages.RelayControl{LocalDomains: map[string]bool{}, TrustedIPs: matcher},
		&stages.ByDomain{Default: &stages.LocalFileDelivery{Root: dir}},
	)

	h := NewHarness(WithPipeline(pl), WithExtensions(withAuth(feathermail.DefaultExtensions())), WithTLSPolicy(feathermail.TLSAlways))
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)

	h.Expect(feathermail.Reply220ServiceReady)

	h.Send("EHLO x")
	h.Expect(feathermail.Reply250OK)

	h.Send("AUTH PLAIN " + plainAuthPayload("alice", "secret"))
	if _, err := h.Expect(feathermail.Reply235AuthSuccessful); err != nil {
		t.Fatalf("AUTH: %v", err)
	}

	h.Send("MAIL FROM:<alice@example.com>")
	if _, err := h.Expect(feathermail.Reply250OK); err != nil {
		t.Fatalf("MAIL FROM: %v", err)
	}

	h.Send("RCPT TO:<bob@elsewhere.com>")
	if _, err := h.Expect(feathermail.Reply250OK); err != nil {
		t.Fatalf("RCPT TO: %v", err)
	}

	h.Send("DATA")
	if _, err := h.Expect(feathermail.Reply354StartMailInput); err != nil {
		t.Fatalf("DATA: %v", err)
	}

	h.SendData("Subject: hi\n\nhi")
	if _, err := h.Expect(feathermail.Reply250OK); err != nil {
		t.Fatalf("DATA complete: %v", err)
	}

	h.Send("QUIT")
	h.Expect(feathermail.Reply221ServiceClosing)

	if got := countEmlFiles(t, dir); got != 1 {
		t.Fatalf("expected exactly one stored .eml file under %s, got %d", dir, got)
	}
}

// countEmlFiles walks root and counts .eml files, regardless of which
// mailbox subdirectory LocalFileDelivery placed them under.
func countEmlFiles(t *testing.T, root string) int {
	t.Helper()
	count := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".eml" {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return count
}

// TestHarness_S2RelayDenied confirms the engine's own authentication wall
// rejects MAIL FROM when no stage ever authenticates the session.
func TestHarness_S2RelayDenied(t *testing.T) {
	pl := feathermail.NewPipeline(
		&stages.RelayControl{LocalDomains: map[string]bool{"example.com": true}},
	)

	h := NewHarness(WithPipeline(pl))
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)
	h.Expect(feathermail.Reply220ServiceReady)

	h.Send("EHLO x")
	h.Expect(feathermail.Reply250OK)

	h.Send("MAIL FROM:<a@b>")
	if _, err := h.Expect(feathermail.Reply530AuthRequired); err != nil {
		t.Fatalf("expected 530 Authentication required: %v", err)
	}
}

// TestHarness_S3RecipientLimit confirms a third recipient beyond the
// configured maximum is rejected with 452.
func TestHarness_S3RecipientLimit(t *testing.T) {
	pl := feathermail.NewPipeline(
		&stages.NoAuth{},
		&stages.RecipientLimit{MaxAnonymous: 2, MaxAuthed: 2},
	)

	h := NewHarness(WithPipeline(pl))
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)
	h.Expect(feathermail.Reply220ServiceReady)

	h.Send("EHLO x")
	h.Expect(feathermail.Reply250OK)
	h.Send("MAIL FROM:<a@example.com>")
	h.Expect(feathermail.Reply250OK)

	h.Send("RCPT TO:<one@example.com>")
	if _, err := h.Expect(feathermail.Reply250OK); err != nil {
		t.Fatalf("first RCPT: %v", err)
	}
	h.Send("RCPT TO:<two@example.com>")
	if _, err := h.Expect(feathermail.Reply250OK); err != nil {
		t.Fatalf("second RCPT: %v", err)
	}
	h.Send("RCPT TO:<three@example.com>")
	if _, err := h.Expect(feathermail.Reply452InsufficientStorage); err != nil {
		t.Fatalf("third RCPT should be rejected: %v", err)
	}
}

// TestHarness_S4BlockedIPEarly confirms a blocked peer IP is rejected at
// HELO before any later phase runs.
func TestHarness_S4BlockedIPEarly(t *testing.T) {
	blocked, err := ipmatch.Parse([]string{"203.0.113.0/24"})
	if err != nil {
		t.Fatal(err)
	}

	pl := feathermail.NewPipeline(
		&stages.IPFilter{Blocked: blocked},
		&stages.NoAuth{},
	)

	h := NewHarness(WithPipeline(pl), WithClientIP("203.0.113.7"))
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)
	h.Expect(feathermail.Reply220ServiceReady)

	h.Send("EHLO x")
	if _, err := h.Expect(feathermail.Reply554TransactionFailed); err != nil {
		t.Fatalf("expected 554 access denied: %v", err)
	}
}

// TestHarness_S5RateLimit confirms the third message within a window from
// the same peer is rejected.
func TestHarness_S5RateLimit(t *testing.T) {
	store, err := ttlstore.New(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	pl := feathermail.NewPipeline(
		&stages.NoAuth{},
		&stages.MessageRateLimit{Store: store, MaxMessages: 2, Window: time.Minute},
	)

	h := NewHarness(WithPipeline(pl), WithClientIP("198.51.100.9"))
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)
	h.Expect(feathermail.Reply220ServiceReady)
	h.Send("EHLO x")
	h.Expect(feathermail.Reply250OK)

	for i := 0; i < 2; i++ {
		h.Send("MAIL FROM:<a@example.com>")
		if _, err := h.Expect(feathermail.Reply250OK); err != nil {
			t.Fatalf("message %d MAIL FROM: %v", i+1, err)
		}
		h.Send("RSET")
		h.Expect(feathermail.Reply250OK)
	}

	h.Send("MAIL FROM:<a@example.com>")
	if _, err := h.Expect(feathermail.Reply450MailboxUnavailable); err != nil {
		t.Fatalf("third MAIL FROM should be rate-limited: %v", err)
	}
}

func TestHarness_FullMailTransactionNoAuth(t *testing.T) {
	dir := t.TempDir()
	pl := feathermail.NewPipeline(&stages.NoAuth{}, &stages.LocalFileDelivery{Root: dir})

	h := NewHarness(WithPipeline(pl))
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)

	h.Expect(feathermail.Reply220ServiceReady)
	h.Send("EHLO client.example.com")
	h.Expect(feathermail.Reply250OK)

	h.Send("MAIL FROM:<sender@example.com>")
	if _, err := h.Expect(feathermail.Reply250OK); err != nil {
		t.Fatalf("MAIL FROM: %v", err)
	}

	h.Send("RCPT TO:<recipient@example.com>")
	if _, err := h.Expect(feathermail.Reply250OK); err != nil {
		t.Fatalf("RCPT TO: %v", err)
	}

	h.Send("DATA")
	if _, err := h.Expect(feathermail.Reply354StartMailInput); err != nil {
		t.Fatalf("DATA: %v", err)
	}

	h.SendData("Subject: Test\n\nThis is a test message.")
	if _, err := h.Expect(feathermail.Reply250OK); err != nil {
		t.Fatalf("DATA complete: %v", err)
	}

	h.Send("QUIT")
	h.Expect(feathermail.Reply221ServiceClosing)
}

func TestHarness_DataTooLarge(t *testing.T) {
	pl := feathermail.NewPipeline(&stages.NoAuth{})
	h := NewHarness(WithPipeline(pl), WithLimits(feathermail.SessionLimits{MaxMessageSize: 8}))
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)
	h.Expect(feathermail.Reply220ServiceReady)
	h.Send("EHLO x")
	h.Expect(feathermail.Reply250OK)
	h.Send("MAIL FROM:<a@example.com>")
	h.Expect(feathermail.Reply250OK)
	h.Send("RCPT TO:<b@example.com>")
	h.Expect(feathermail.Reply250OK)
	h.Send("DATA")
	h.Expect(feathermail.Reply354StartMailInput)

	h.SendData("this message body is much longer than the configured limit")
	if _, err := h.Expect(feathermail.Reply552ExceededStorage); err != nil {
		t.Fatalf("expected 552 size exceeded: %v", err)
	}
}

func TestHarness_UnknownCommand(t *testing.T) {
	h := NewHarness()
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)
	h.Expect(feathermail.Reply220ServiceReady)

	h.Send("BOGUS")
	if _, err := h.Expect(feathermail.Reply500SyntaxError); err != nil {
		t.Fatalf("expected 500 for unknown command: %v", err)
	}
}

func TestHarness_VRFYNotSupported(t *testing.T) {
	h := NewHarness(WithExtensions(feathermail.ExtensionSet{VRFY: true}))
	defer h.Close()

	ctx := testCtx(t)
	h.Start(ctx)
	h.Expect(feathermail.Reply220ServiceReady)

	h.Send("VRFY someone")
	if _, err := h.Expect(feathermail.Reply252CannotVRFY); err != nil {
		t.Fatalf("expected 252: %v", err)
	}
}
