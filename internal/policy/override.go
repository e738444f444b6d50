package policy

import "strings"

// Matcher is one emergency-override predicate. Matchers run in order,
// top-to-bottom; the first hit wins. Each is a pure function of the payload,
// so new patterns slot in without touching Decide.
type Matcher struct {
	Name  string
	Match func(payload string) bool
}

// PrefixMatcher matches payloads that open with the given marker,
// case-insensitive.
func PrefixMatcher(name, prefix string) Matcher {
	lower := strings.ToLower(prefix)
	return Matcher{
		Name: name,
		Match: func(payload string) bool {
			return strings.HasPrefix(strings.ToLower(strings.TrimSpace(payload)), lower)
		},
	}
}

// PhraseMatcher matches payloads containing the phrase anywhere,
// case-insensitive.
func PhraseMatcher(name, phrase string) Matcher {
	lower := strings.ToLower(phrase)
	return Matcher{
		Name: name,
		Match: func(payload string) bool {
			return strings.Contains(strings.ToLower(payload), lower)
		},
	}
}

// DefaultMatchers returns the built-in override patterns: explicit prefix
// markers first, then the curated semantic phrases.
func DefaultMatchers() []Matcher {
	return []Matcher{
		PrefixMatcher("emergency", "EMERGENCY:"),
		PrefixMatcher("hotfix", "HOTFIX:"),
		PrefixMatcher("critical", "CRITICAL:"),
		PrefixMatcher("override", "OVERRIDE:"),
		PhraseMatcher("production-down", "production is down"),
		PhraseMatcher("production-outage", "production outage"),
		PhraseMatcher("security-vulnerability", "security vulnerability"),
		PhraseMatcher("data-loss", "data loss"),
	}
}

// MatchOverride evaluates matchers in order and returns the first match.
func MatchOverride(matchers []Matcher, payload string) (string, bool) {
	if payload == "" {
		return "", false
	}
	for _, m := range matchers {
		if m.Match(payload) {
			return m.Name, true
		}
	}
	return "", false
}
