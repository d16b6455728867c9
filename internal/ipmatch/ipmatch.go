// Package ipmatch parses and evaluates the rule vocabulary pipeline stages
// use for peer_ip access control: the keywords "localhost"/"private"/"any",
// exact addresses, and CIDR blocks, mixed freely in one rule list.
package ipmatch

import (
	"fmt"
	"net/netip"
	"strings"
)

// Rule is a single parsed matcher.
type Rule struct {
	kind    ruleKind
	addr    netip.Addr
	prefix  netip.Prefix
	negated bool
}

type ruleKind int

const (
	kindAny ruleKind = iota
	kindLocalhost
	kindPrivate
	kindExact
	kindCIDR
)

// Matcher evaluates an ordered list of Rules against a candidate IP. The
// first matching rule wins; an empty Matcher matches nothing.
type Matcher struct {
	rules []Rule
}

// Parse builds a Matcher from rule strings such as "localhost", "private",
// "any", "10.0.0.5", "192.168.0.0/16", or "!10.0.0.1" (negated).
func Parse(entries []string) (*Matcher, error) {
	m := &Matcher{}
	for _, raw := range entries {
		rule, err := parseOne(raw)
		if err != nil {
			return nil, fmt.Errorf("ipmatch: invalid rule %q: %w", raw, err)
		}
		m.rules = append(m.rules, rule)
	}
	return m, nil
}

func parseOne(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	negated := strings.HasPrefix(s, "!")
	if negated {
		s = strings.TrimSpace(s[1:])
	}

	switch strings.ToLower(s) {
	case "any":
		return Rule{kind: kindAny, negated: negated}, nil
	case "localhost":
		return Rule{kind: kindLocalhost, negated: negated}, nil
	case "private":
		return Rule{kind: kindPrivate, negated: negated}, nil
	}

	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return Rule{}, err
		}
		return Rule{kind: kindCIDR, prefix: prefix, negated: negated}, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Rule{}, err
	}
	return Rule{kind: kindExact, addr: addr, negated: negated}, nil
}

// Match returns whether ip matches any rule (first match wins, taking
// negation into account) and which rule index matched, or -1 if none did.
func (m *Matcher) Match(ip string) (bool, int) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, -1
	}
	for i, r := range m.rules {
		if r.matches(addr) {
			return !r.negated, i
		}
	}
	return false, -1
}

func (r Rule) matches(addr netip.Addr) bool {
	switch r.kind {
	case kindAny:
		return true
	case kindLocalhost:
		return addr.IsLoopback()
	case kindPrivate:
		return addr.IsPrivate() || addr.IsLinkLocalUnicast()
	case kindExact:
		return addr == r.addr || addr.Unmap() == r.addr.Unmap()
	case kindCIDR:
		return r.prefix.Contains(addr) || r.prefix.Contains(addr.Unmap())
	default:
		return false
	}
}

// Empty reports whether the matcher has no rules configured.
func (m *Matcher) Empty() bool { return len(m.rules) == 0 }
