package stages

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/ipmatch"
	"github.com/feathermail/feathermail/internal/transformers"
)

const (
	reasonRecipientNotAllowed = "recipient_not_allowed"
	reasonRelayingDenied      = "relaying_denied"
	reasonAccessDenied        = "access_denied"
	reasonSenderNotAuthorized = "sender_not_authorized"
	reasonUserUnknown         = "user_unknown"
)

func domainOf(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return strings.ToLower(address[i+1:])
	}
	return ""
}

// splitReason splits a "kind:detail" halt reason produced by withDetail back
// into its constant kind and the dynamic detail (e.g. the specific
// recipient), since FormatReasonHook only receives the reason string and not
// the meta it was raised from.
func splitReason(reason string) (kind, detail string) {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return reason[:i], reason[i+1:]
	}
	return reason, ""
}

func withDetail(reason, detail string) string {
	return reason + ":" + detail
}

// SimpleAccess accepts a recipient only if it matches at least one
// configured regular expression.
type SimpleAccess struct {
	Patterns []*regexp.Regexp
}

func (s *SimpleAccess) Kind() string { return "simple_access" }

func (s *SimpleAccess) Rcpt(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, to feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	next := meta.Clone()
	for _, pattern := range s.Patterns {
		if pattern.MatchString(to.Address) {
			return feathermail.Continue(next, state)
		}
	}
	next["simple_access.rcpt"] = to.Address
	return feathermail.Halt(withDetail(reasonRecipientNotAllowed, to.Address), next, state)
}

func (s *SimpleAccess) FormatReason(reason string) feathermail.Response {
	_, rcpt := splitReason(reason)
	return feathermail.NewEnhancedResponse(feathermail.Reply550MailboxUnavailable, feathermail.ESC(5, 1, 1), "Recipient not allowed: "+rcpt)
}

// RelayControl allows relaying to a recipient when its domain is local, the
// peer IP is trusted, or the session is already authenticated.
type RelayControl struct {
	LocalDomains map[string]bool
	TrustedIPs   *ipmatch.Matcher
}

func (r *RelayControl) Kind() string { return "relay_control" }

func (r *RelayControl) Rcpt(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, to feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	next := meta.Clone()

	if r.LocalDomains[domainOf(to.Address)] {
		return feathermail.Continue(next, state)
	}
	if r.TrustedIPs != nil {
		if allowed, _ := r.TrustedIPs.Match(next.PeerIP()); allowed {
			return feathermail.Continue(next, state)
		}
	}
	if next.User() != "" {
		return feathermail.Continue(next, state)
	}

	next["relay_control.rcpt"] = to.Address
	return feathermail.Halt(withDetail(reasonRelayingDenied, to.Address), next, state)
}

func (r *RelayControl) FormatReason(reason string) feathermail.Response {
	_, rcpt := splitReason(reason)
	return feathermail.NewEnhancedResponse(feathermail.Reply550MailboxUnavailable, feathermail.ESC(5, 7, 1), "Relaying denied for "+rcpt)
}

// IPFilter rejects connections whose peer IP matches a blocked rule at HELO
// time.
type IPFilter struct {
	Blocked *ipmatch.Matcher
}

func (f *IPFilter) Kind() string { return "ip_filter" }

func (f *IPFilter) Helo(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, hostname feathermail.Hostname) feathermail.PhaseResult {
	next := meta.Clone()
	if f.Blocked != nil {
		if blocked, _ := f.Blocked.Match(session.ClientIP()); blocked {
			return feathermail.Halt(reasonAccessDenied, next, state)
		}
	}
	return feathermail.Continue(next, state)
}

func (f *IPFilter) FormatReason(reason string) feathermail.Response {
	return feathermail.NewEnhancedResponse(feathermail.Reply554TransactionFailed, feathermail.ESC(5, 7, 1), "Access denied from your IP address")
}

// SenderDomainValidator allows a MAIL FROM only when the session is
// authenticated (if RequireAuthForRelay) or the sender's domain is in the
// allowed set.
type SenderDomainValidator struct {
	AllowedDomains      map[string]bool
	RequireAuthForRelay bool
}

func (v *SenderDomainValidator) Kind() string { return "sender_domain_validator" }

func (v *SenderDomainValidator) Mail(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, from feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	next := meta.Clone()

	if v.RequireAuthForRelay && next.Authenticated() {
		return feathermail.Continue(next, state)
	}
	if v.AllowedDomains[domainOf(from.Address)] {
		return feathermail.Continue(next, state)
	}

	next["sender_domain_validator.from"] = from.Address
	return feathermail.Halt(withDetail(reasonSenderNotAuthorized, from.Address), next, state)
}

func (v *SenderDomainValidator) FormatReason(reason string) feathermail.Response {
	_, from := splitReason(reason)
	return feathermail.NewEnhancedResponse(feathermail.Reply550MailboxUnavailable, feathermail.ESC(5, 7, 1), "Sender domain not authorized for relay: "+from)
}

// RecipientGuard answers whether a recipient is known to exist. BackscatterGuard
// consults an ordered list of these until one says yes.
type RecipientGuard interface {
	Accepts(ctx context.Context, recipient string) bool
}

// StaticRecipientGuard accepts recipients from a fixed set.
type StaticRecipientGuard struct{ Recipients map[string]bool }

func (g StaticRecipientGuard) Accepts(ctx context.Context, recipient string) bool {
	return g.Recipients[strings.ToLower(recipient)]
}

// RegexRecipientGuard accepts recipients matching any of a set of patterns.
type RegexRecipientGuard struct{ Patterns []*regexp.Regexp }

func (g RegexRecipientGuard) Accepts(ctx context.Context, recipient string) bool {
	for _, p := range g.Patterns {
		if p.MatchString(recipient) {
			return true
		}
	}
	return false
}

// MaildirRecipientGuard accepts a recipient only if its local part has a
// directory under Root, the cheapest possible "does this mailbox exist"
// check for a maildir-style local delivery tree.
type MaildirRecipientGuard struct{ Root string }

func (g MaildirRecipientGuard) Accepts(ctx context.Context, recipient string) bool {
	local := recipient
	if i := strings.LastIndexByte(recipient, '@'); i >= 0 {
		local = recipient[:i]
	}
	info, err := os.Stat(filepath.Join(g.Root, strings.ToLower(local)))
	return err == nil && info.IsDir()
}

// AliasFileRecipientGuard accepts a recipient present as a key in an
// /etc/aliases-format file, reloaded on demand once ReloadInterval has
// elapsed since the last load.
type AliasFileRecipientGuard struct {
	Path           string
	ReloadInterval time.Duration

	mu      sync.RWMutex
	known   map[string]bool
	loaded  time.Time
}

func NewAliasFileRecipientGuard(path string, reloadInterval time.Duration) *AliasFileRecipientGuard {
	g := &AliasFileRecipientGuard{Path: path, ReloadInterval: reloadInterval}
	g.reload()
	return g
}

func (g *AliasFileRecipientGuard) reload() {
	aliases, err := transformers.ParseAliasesFile(g.Path)
	if err != nil {
		aliases = map[string][]string{}
	}
	known := make(map[string]bool, len(aliases))
	for k := range aliases {
		known[k] = true
	}
	g.mu.Lock()
	g.known = known
	g.loaded = time.Now()
	g.mu.Unlock()
}

func (g *AliasFileRecipientGuard) Accepts(ctx context.Context, recipient string) bool {
	g.mu.RLock()
	stale := g.ReloadInterval > 0 && time.Since(g.loaded) > g.ReloadInterval
	g.mu.RUnlock()
	if stale {
		g.reload()
	}

	local := strings.ToLower(recipient)
	if i := strings.LastIndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.known[local]
}

// BackscatterGuard rejects recipients that no configured guard recognizes,
// preventing outbound backscatter to addresses that never received mail.
type BackscatterGuard struct {
	Guards []RecipientGuard
}

func (b *BackscatterGuard) Kind() string { return "backscatter_guard" }

func (b *BackscatterGuard) Rcpt(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, to feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	next := meta.Clone()
	for _, guard := range b.Guards {
		if guard.Accepts(ctx, to.Address) {
			return feathermail.Continue(next, state)
		}
	}
	next["backscatter_guard.rcpt"] = to.Address
	return feathermail.Halt(withDetail(reasonUserUnknown, to.Address), next, state)
}

func (b *BackscatterGuard) FormatReason(reason string) feathermail.Response {
	_, rcpt := splitReason(reason)
	return feathermail.NewEnhancedResponse(feathermail.Reply550MailboxUnavailable, feathermail.ESC(5, 1, 1), "User unknown: "+rcpt)
}
