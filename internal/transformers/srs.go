package transformers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/feathermail/feathermail"
)

const epochDay = 24 * time.Hour

func srsTimestamp(t time.Time) string {
	days := t.Unix() / int64(epochDay/time.Second)
	return base36(days % 1024)
}

func base36(n int64) string {
	s := strconv.FormatInt(n, 36)
	if len(s) < 2 {
		s = strings.Repeat("0", 2-len(s)) + s
	}
	return s
}

func srsHash(secret, ts, domain, local string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + domain + local))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:2])
}

// SRSRewriter rewrites the envelope sender to a Sender Rewriting Scheme
// address whenever the recipient set contains an address outside the local
// domain set, so that bounces can be routed back through this relay.
type SRSRewriter struct {
	Secret       string
	SRSDomain    string
	LocalDomains map[string]bool
}

func (s *SRSRewriter) hasExternalRecipient(to []string) bool {
	for _, addr := range to {
		if !s.LocalDomains[domainOf(addr)] {
			return true
		}
	}
	return false
}

// TransformMeta rewrites meta.from to an SRS0 address when any recipient is
// external to LocalDomains.
func (s *SRSRewriter) TransformMeta(meta feathermail.Meta) (feathermail.Meta, error) {
	next := meta.Clone()
	from := meta.From()
	if from == "" || !s.hasExternalRecipient(meta.To()) {
		return next, nil
	}

	local, domain := splitAddress(from)
	if local == "" {
		return next, nil
	}

	ts := srsTimestamp(time.Now())
	hash := srsHash(s.Secret, ts, domain, local)
	next[feathermail.MetaFrom] = fmt.Sprintf("SRS0=%s=%s=%s=%s@%s", hash, ts, domain, local, s.SRSDomain)
	return next, nil
}

func domainOf(address string) string {
	_, domain := splitAddress(address)
	return strings.ToLower(domain)
}

func splitAddress(address string) (local, domain string) {
	i := strings.LastIndexByte(address, '@')
	if i < 0 {
		return address, ""
	}
	return address[:i], address[i+1:]
}

// SRSBounceHandler decodes an SRS0 recipient back to its original address,
// validating the embedded HMAC and timestamp age before rewriting.
type SRSBounceHandler struct {
	Secret     string
	MaxAgeDays int64
}

// TransformMeta rewrites each SRS0-encoded recipient in meta.to back to its
// original address, dropping the SRS wrapper only when the hash and age
// both check out; recipients that don't parse as SRS0 pass through
// unchanged.
func (b *SRSBounceHandler) TransformMeta(meta feathermail.Meta) (feathermail.Meta, error) {
	next := meta.Clone()
	to := meta.To()
	rewritten := make([]string, len(to))
	for i, addr := range to {
		rewritten[i] = b.decode(addr)
	}
	return next.WithTo(rewritten), nil
}

func (b *SRSBounceHandler) decode(address string) string {
	local, _ := splitAddress(address)
	if !strings.HasPrefix(local, "SRS0=") {
		return address
	}
	parts := strings.SplitN(local[len("SRS0="):], "=", 4)
	if len(parts) != 4 {
		return address
	}
	hash, ts, origDomain, origLocal := parts[0], parts[1], parts[2], parts[3]

	if !b.ageOK(ts) {
		return address
	}
	if srsHash(b.Secret, ts, origDomain, origLocal) != hash {
		return address
	}
	return origLocal + "@" + origDomain
}

func (b *SRSBounceHandler) ageOK(ts string) bool {
	val, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return false
	}
	now := srsTimestampValue(time.Now())
	age := (now - val + 1024) % 1024
	return age <= b.MaxAgeDays
}

func srsTimestampValue(t time.Time) int64 {
	days := t.Unix() / int64(epochDay/time.Second)
	return days % 1024
}
