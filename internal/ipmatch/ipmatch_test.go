package ipmatch

import "testing"

func TestParse_Keywords(t *testing.T) {
	m, err := Parse([]string{"localhost", "private", "any"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Empty() {
		t.Fatal("expected non-empty matcher")
	}
}

func TestParse_InvalidRule(t *testing.T) {
	if _, err := Parse([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected parse error for invalid rule")
	}
}

func TestMatch_Exact(t *testing.T) {
	m, err := Parse([]string{"10.0.0.5"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, idx := m.Match("10.0.0.5"); !ok || idx != 0 {
		t.Fatalf("expected match at index 0, got ok=%v idx=%d", ok, idx)
	}
	if ok, _ := m.Match("10.0.0.6"); ok {
		t.Fatal("expected no match for different address")
	}
}

func TestMatch_CIDR(t *testing.T) {
	m, err := Parse([]string{"192.168.0.0/16"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Match("192.168.1.1"); !ok {
		t.Fatal("expected CIDR match")
	}
	if ok, _ := m.Match("203.0.113.1"); ok {
		t.Fatal("expected no match outside CIDR")
	}
}

func TestMatch_Localhost(t *testing.T) {
	m, err := Parse([]string{"localhost"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Match("127.0.0.1"); !ok {
		t.Fatal("expected loopback to match localhost")
	}
	if ok, _ := m.Match("::1"); !ok {
		t.Fatal("expected IPv6 loopback to match localhost")
	}
	if ok, _ := m.Match("8.8.8.8"); ok {
		t.Fatal("expected public address not to match localhost")
	}
}

func TestMatch_Private(t *testing.T) {
	m, err := Parse([]string{"private"})
	if err != nil {
		t.Fatal(err)
	}
	for _, ip := range []string{"10.1.2.3", "172.16.0.1", "192.168.1.1", "169.254.1.1"} {
		if ok, _ := m.Match(ip); !ok {
			t.Fatalf("expected %s to match private", ip)
		}
	}
	if ok, _ := m.Match("8.8.8.8"); ok {
		t.Fatal("expected public address not to match private")
	}
}

func TestMatch_Any(t *testing.T) {
	m, err := Parse([]string{"any"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Match("1.2.3.4"); !ok {
		t.Fatal("expected any to match everything")
	}
}

func TestMatch_Negated(t *testing.T) {
	m, err := Parse([]string{"!10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Match("10.1.1.1"); ok {
		t.Fatal("negated rule should not match within the range")
	}
}

func TestMatch_FirstRuleWins(t *testing.T) {
	m, err := Parse([]string{"10.0.0.0/8", "!10.1.1.1"})
	if err != nil {
		t.Fatal(err)
	}
	// 10.1.1.1 matches the first (broader) rule before the later negation
	// is ever reached.
	ok, idx := m.Match("10.1.1.1")
	if !ok || idx != 0 {
		t.Fatalf("expected first rule to win, got ok=%v idx=%d", ok, idx)
	}
}

func TestMatch_InvalidIP(t *testing.T) {
	m, err := Parse([]string{"any"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, idx := m.Match("not-an-ip"); ok || idx != -1 {
		t.Fatalf("expected no match for unparseable IP, got ok=%v idx=%d", ok, idx)
	}
}

func TestEmpty(t *testing.T) {
	m, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Empty() {
		t.Fatal("expected empty matcher for nil entries")
	}
	if ok, idx := m.Match("1.2.3.4"); ok || idx != -1 {
		t.Fatalf("expected empty matcher to match nothing, got ok=%v idx=%d", ok, idx)
	}
}
