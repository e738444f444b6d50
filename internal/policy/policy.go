package policy

import (
	"fmt"

	"guardline/internal/state"
)

// Action categories. The table enumerates exceptions, not an exhaustive
// whitelist: anything outside this vocabulary is unclassified and
// default-allowed.
const (
	CategoryRead           = "read"
	CategorySearch         = "search"
	CategoryNoteTaking     = "note-taking"
	CategoryFileWrite      = "file-write"
	CategoryShellExec      = "shell-exec"
	CategoryMinorEdit      = "minor-edit"
	CategoryVersionControl = "version-control"
)

// Categories lists the classified action vocabulary.
var Categories = []string{
	CategoryRead,
	CategorySearch,
	CategoryNoteTaking,
	CategoryFileWrite,
	CategoryShellExec,
	CategoryMinorEdit,
	CategoryVersionControl,
}

// Known reports whether category is in the classified vocabulary.
func Known(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Action describes one proposed tool invocation. Transient; never persisted.
type Action struct {
	Category string `json:"category"`
	Name     string `json:"name,omitempty"`
	Payload  string `json:"payload,omitempty"`
	Workdir  string `json:"workdir,omitempty"`
}

// Decision is returned to the caller for the pre-stage of an action.
type Decision struct {
	Allow       bool     `json:"allow"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	// Override names the matched emergency pattern, for audit.
	Override string `json:"override,omitempty"`
	// Unclassified marks a category outside the table vocabulary.
	Unclassified bool `json:"-"`
}

// Rule is one row of the table: what a step permits and forbids, and which
// quality gates matter while in it. Forbidden wins over allowed.
type Rule struct {
	Allowed   []string
	Forbidden []string
	Gates     []string
}

// Rules maps each workflow step to its row.
var Rules = map[string]Rule{
	state.StepPlanning: {
		Allowed:   []string{CategoryRead, CategorySearch, CategoryNoteTaking},
		Forbidden: []string{CategoryFileWrite, CategoryShellExec},
		Gates:     nil,
	},
	state.StepImplementation: {
		Allowed: Categories,
		Gates:   []string{state.GateCompilation},
	},
	state.StepValidation: {
		Allowed:   []string{CategoryRead, CategoryShellExec, CategoryMinorEdit},
		Forbidden: []string{CategoryFileWrite},
		Gates:     []string{state.GateExistingTests, state.GateCompilation, state.GateLintClean},
	},
	state.StepReview: {
		Allowed:   []string{CategoryRead, CategoryNoteTaking},
		Forbidden: []string{CategoryFileWrite, CategoryShellExec},
		Gates:     []string{state.GateCodeReview},
	},
	state.StepRefinement: {
		Allowed:   []string{CategoryRead, CategoryMinorEdit, CategoryShellExec},
		Forbidden: []string{CategoryFileWrite},
		Gates:     []string{state.GateExistingTests, state.GateLintClean},
	},
	state.StepIntegration: {
		Allowed:   []string{CategoryRead, CategoryVersionControl, CategoryShellExec},
		Forbidden: []string{CategoryFileWrite},
		Gates:     nil,
	},
}

// suggestionFor turns an allowed category into an actionable hint for a
// blocked agent.
var suggestionFor = map[string]string{
	CategoryRead:           "read the existing code first",
	CategorySearch:         "search the codebase for related work",
	CategoryNoteTaking:     "capture findings or draft a plan",
	CategoryShellExec:      "run the existing test or build commands",
	CategoryMinorEdit:      "make a focused edit to an existing file",
	CategoryVersionControl: "commit or merge the completed work",
}

func suggestions(rule Rule) []string {
	var out []string
	for _, c := range rule.Allowed {
		if s, ok := suggestionFor[c]; ok {
			out = append(out, s)
		}
	}
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Decide maps (state, action) to an allow/block decision. It is pure: the
// caller owns metric accounting and persistence.
//
// Precedence: missing state and inactive automation are fully permissive and
// checked first; emergency overrides beat every step rule; otherwise the
// table row for the current step applies, with forbidden winning over
// allowed and unknown categories defaulting to allow.
func Decide(s *state.ProjectState, action Action, matchers []Matcher) Decision {
	if s == nil || !s.AutomationActive {
		return Decision{Allow: true}
	}
	if name, ok := MatchOverride(matchers, action.Payload); ok {
		return Decision{
			Allow:    true,
			Reason:   fmt.Sprintf("emergency override (%s) bypassed %s step restrictions", name, s.WorkflowStep),
			Override: name,
		}
	}
	rule, ok := Rules[s.WorkflowStep]
	if !ok {
		// Unreachable for a validated document; stay permissive rather
		// than wedge the agent.
		return Decision{Allow: true}
	}
	if contains(rule.Forbidden, action.Category) {
		return Decision{
			Allow:       false,
			Reason:      fmt.Sprintf("%s is not permitted during the %s step", action.Category, s.WorkflowStep),
			Suggestions: suggestions(rule),
		}
	}
	if contains(rule.Allowed, action.Category) {
		return Decision{Allow: true}
	}
	return Decision{Allow: true, Unclassified: !Known(action.Category)}
}
