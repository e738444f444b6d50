package progress

import "strings"

// ClassPattern associates a command class with substrings that identify it.
type ClassPattern struct {
	Class    string
	Patterns []string
}

// DefaultClassPatterns covers the common toolchains. Project config can
// prepend its own patterns; first match wins.
func DefaultClassPatterns() []ClassPattern {
	return []ClassPattern{
		{Class: ClassTestRunner, Patterns: []string{"go test", "pytest", "npm test", "cargo test", "jest", "vitest", "rspec"}},
		{Class: ClassBuildTool, Patterns: []string{"go build", "npm run build", "cargo build", "make", "mvn", "gradle"}},
		{Class: ClassLinter, Patterns: []string{"go vet", "golangci-lint", "eslint", "ruff", "flake8", "clippy"}},
		{Class: ClassReviewTool, Patterns: []string{"gh pr review", "gh pr diff", "git diff"}},
		{Class: ClassVersionControl, Patterns: []string{"git ", "gh pr create", "gh pr merge"}},
	}
}

// ClassifyCommand maps a shell command line to a command class, or "" when
// nothing matches. Used when the caller reports a raw command instead of a
// pre-detected class.
func ClassifyCommand(command string, patterns []ClassPattern) string {
	cmd := strings.ToLower(strings.TrimSpace(command))
	if cmd == "" {
		return ""
	}
	for _, p := range patterns {
		for _, pat := range p.Patterns {
			if strings.Contains(cmd, strings.ToLower(pat)) {
				return p.Class
			}
		}
	}
	return ""
}
