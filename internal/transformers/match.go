package transformers

import (
	"regexp"

	"github.com/feathermail/feathermail"
)

// MatchSender sets meta.mailbox to the configured tag when the envelope
// sender matches any of Patterns; first match wins.
type MatchSender struct {
	Patterns []*regexp.Regexp
	Mailbox  string
}

func (m *MatchSender) TransformMeta(meta feathermail.Meta) (feathermail.Meta, error) {
	next := meta.Clone()
	if next.Mailbox() != "" {
		return next, nil
	}
	from := meta.From()
	for _, p := range m.Patterns {
		if p.MatchString(from) {
			next[feathermail.MetaMailbox] = m.Mailbox
			break
		}
	}
	return next, nil
}

// MatchRcptTo sets meta.mailbox to the configured tag when any recipient
// matches any of Patterns.
type MatchRcptTo struct {
	Patterns []*regexp.Regexp
	Mailbox  string
}

func (m *MatchRcptTo) TransformMeta(meta feathermail.Meta) (feathermail.Meta, error) {
	next := meta.Clone()
	if next.Mailbox() != "" {
		return next, nil
	}
	for _, to := range meta.To() {
		for _, p := range m.Patterns {
			if p.MatchString(to) {
				next[feathermail.MetaMailbox] = m.Mailbox
				return next, nil
			}
		}
	}
	return next, nil
}

// MatchHeader sets meta.mailbox when a named header's value matches any of
// Patterns. It is a data transformer because it must inspect the raw
// message to find headers.
type MatchHeader struct {
	Header   string
	Patterns []*regexp.Regexp
	Mailbox  string
}

func (m *MatchHeader) TransformData(raw []byte, meta feathermail.Meta) ([]byte, feathermail.Meta, error) {
	next := meta.Clone()
	if next.Mailbox() != "" {
		return raw, next, nil
	}

	value, ok := headerValue(raw, m.Header)
	if !ok {
		return raw, next, nil
	}
	for _, p := range m.Patterns {
		if p.MatchString(value) {
			next[feathermail.MetaMailbox] = m.Mailbox
			break
		}
	}
	return raw, next, nil
}

// MatchBody sets meta.mailbox when the message body (everything after the
// first blank line) matches any of Patterns.
type MatchBody struct {
	Patterns []*regexp.Regexp
	Mailbox  string
}

func (m *MatchBody) TransformData(raw []byte, meta feathermail.Meta) ([]byte, feathermail.Meta, error) {
	next := meta.Clone()
	if next.Mailbox() != "" {
		return raw, next, nil
	}

	body := messageBody(raw)
	for _, p := range m.Patterns {
		if p.Match(body) {
			next[feathermail.MetaMailbox] = m.Mailbox
			break
		}
	}
	return raw, next, nil
}

// DefaultMailbox sets meta.mailbox to a fallback value if nothing upstream
// has set it yet.
type DefaultMailbox struct {
	Mailbox string
}

func (d *DefaultMailbox) TransformMeta(meta feathermail.Meta) (feathermail.Meta, error) {
	next := meta.Clone()
	if next.Mailbox() == "" {
		next[feathermail.MetaMailbox] = d.Mailbox
	}
	return next, nil
}
