package policy

import "testing"

func TestPrefixMatcherCaseInsensitive(t *testing.T) {
	m := PrefixMatcher("emergency", "EMERGENCY:")
	for _, payload := range []string{
		"EMERGENCY: prod down",
		"emergency: prod down",
		"  Emergency: leading space",
	} {
		if !m.Match(payload) {
			t.Fatalf("expected match for %q", payload)
		}
	}
	if m.Match("this is not an emergency: really") {
		t.Fatalf("prefix matcher should not match mid-string")
	}
}

func TestPhraseMatcherAnywhere(t *testing.T) {
	m := PhraseMatcher("data-loss", "data loss")
	if !m.Match("we are seeing Data Loss in the replica") {
		t.Fatalf("expected mid-string match")
	}
	if m.Match("no issues here") {
		t.Fatalf("unexpected match")
	}
}

func TestMatchOverrideFirstWins(t *testing.T) {
	matchers := []Matcher{
		PhraseMatcher("first", "urgent"),
		PhraseMatcher("second", "urgent"),
	}
	name, ok := MatchOverride(matchers, "this is urgent")
	if !ok || name != "first" {
		t.Fatalf("expected first matcher to win, got %q ok=%v", name, ok)
	}
}

func TestMatchOverrideEmptyPayload(t *testing.T) {
	if _, ok := MatchOverride(DefaultMatchers(), ""); ok {
		t.Fatalf("empty payload should never match")
	}
}

func TestDefaultMatchersCoverCuratedPatterns(t *testing.T) {
	cases := map[string]string{
		"HOTFIX: patch auth":                     "hotfix",
		"CRITICAL: broken build":                 "critical",
		"OVERRIDE: skip the gate":                "override",
		"alert, production is down since 02:00":  "production-down",
		"found a security vulnerability in auth": "security-vulnerability",
	}
	for payload, want := range cases {
		name, ok := MatchOverride(DefaultMatchers(), payload)
		if !ok || name != want {
			t.Fatalf("payload %q: got %q ok=%v, want %q", payload, name, ok, want)
		}
	}
}
