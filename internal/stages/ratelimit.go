package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/ipmatch"
	"github.com/feathermail/feathermail/internal/ttlstore"
)

const (
	reasonRateLimitExceeded = "rate_limit_exceeded"
	reasonTooManyRecipients = "too_many_recipients"
)

// MessageRateLimit caps the number of messages a single peer IP may submit
// within Window, tracked in a TTL Store. Store failures fail open: a
// counter we can't read or write never blocks mail.
type MessageRateLimit struct {
	Store       *ttlstore.Store
	MaxMessages int64
	Window      time.Duration
	Exempt      *ipmatch.Matcher
}

func (r *MessageRateLimit) Kind() string { return "message_rate_limit" }

func (r *MessageRateLimit) Mail(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, from feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	next := meta.Clone()

	peer := next.PeerIP()
	if r.Exempt != nil {
		if exempt, _ := r.Exempt.Match(peer); exempt {
			return feathermail.Continue(next, state)
		}
	}
	if r.Store == nil {
		return feathermail.Continue(next, state)
	}

	count, err := r.Store.Increment("ratelimit:ip:"+peer, 1, r.Window)
	if err != nil {
		// Storage failure (or a corrupted counter) fails open: rate-limit
		// storage errors never block mail.
		return feathermail.Continue(next, state)
	}
	if count > r.MaxMessages {
		next["message_rate_limit.count"] = count
		next["message_rate_limit.max"] = r.MaxMessages
		return feathermail.Halt(reasonRateLimitExceeded, next, state)
	}
	return feathermail.Continue(next, state)
}

func (r *MessageRateLimit) FormatReason(reason string) feathermail.Response {
	text := fmt.Sprintf("Rate limit exceeded: too many messages from your IP (max: %d per %s)", r.MaxMessages, formatWindow(r.Window))
	return feathermail.NewEnhancedResponse(feathermail.Reply450MailboxUnavailable, feathermail.ESC(4, 7, 1), text)
}

// formatWindow renders a whole-minute/hour/second window the way the
// reference reply texts do ("1m", "30s", "2h") instead of Go's default
// "1m0s" duration string.
func formatWindow(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// UserRateLimit caps the number of messages a single authenticated user may
// submit within Window.
type UserRateLimit struct {
	Store       *ttlstore.Store
	MaxMessages int64
	Window      time.Duration
	Exempt      map[string]bool
}

func (r *UserRateLimit) Kind() string { return "user_rate_limit" }

func (r *UserRateLimit) Mail(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, from feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	next := meta.Clone()

	user := next.User()
	if user == "" || r.Exempt[user] || r.Store == nil {
		return feathermail.Continue(next, state)
	}

	count, err := r.Store.Increment("ratelimit:user:"+user, 1, r.Window)
	if err != nil {
		return feathermail.Continue(next, state)
	}
	if count > r.MaxMessages {
		next["user_rate_limit.count"] = count
		next["user_rate_limit.user"] = user
		return feathermail.Halt(reasonRateLimitExceeded+":"+user, next, state)
	}
	return feathermail.Continue(next, state)
}

func (r *UserRateLimit) FormatReason(reason string) feathermail.Response {
	_, user := splitReason(reason)
	return feathermail.NewEnhancedResponse(feathermail.Reply450MailboxUnavailable, feathermail.ESC(4, 7, 1),
		fmt.Sprintf("Rate limit exceeded: too many messages from user '%s' (max: %d per %s)", user, r.MaxMessages, formatWindow(r.Window)))
}

// recipientLimitState is RecipientLimit's per-session private state: a
// running count of accepted recipients for the current session.
type recipientLimitState struct {
	count feathermail.RecipientCount
}

// RecipientLimit bounds how many recipients a single session may accept,
// with a higher ceiling once authenticated.
type RecipientLimit struct {
	MaxAnonymous feathermail.RecipientCount
	MaxAuthed    feathermail.RecipientCount
}

func (r *RecipientLimit) Kind() string { return "recipient_limit" }

func (r *RecipientLimit) Init(ctx context.Context, session feathermail.SessionInfo, opts feathermail.AdapterOpts) (any, error) {
	return &recipientLimitState{}, nil
}

func (r *RecipientLimit) limit(meta feathermail.Meta) feathermail.RecipientCount {
	if meta.Authenticated() {
		return r.MaxAuthed
	}
	return r.MaxAnonymous
}

func (r *RecipientLimit) Rcpt(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, to feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	next := meta.Clone()
	st, _ := state.(*recipientLimitState)
	if st == nil {
		st = &recipientLimitState{}
	}

	limit := r.limit(next)
	if limit > 0 && st.count >= limit {
		return feathermail.Halt(reasonTooManyRecipients, next, st)
	}

	st = &recipientLimitState{count: st.count + 1}
	return feathermail.Continue(next, st)
}

func (r *RecipientLimit) FormatReason(reason string) feathermail.Response {
	limit := r.MaxAnonymous
	if r.MaxAuthed > limit {
		limit = r.MaxAuthed
	}
	return feathermail.NewEnhancedResponse(feathermail.Reply452InsufficientStorage, feathermail.ESC(4, 5, 3),
		fmt.Sprintf("Too many recipients (max: %d)", limit))
}
