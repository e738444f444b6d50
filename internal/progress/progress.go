package progress

import (
	"guardline/internal/policy"
	"guardline/internal/state"
)

// Command classes recognized in action outcomes.
const (
	ClassTestRunner     = "test-runner"
	ClassBuildTool      = "build-tool"
	ClassLinter         = "linter"
	ClassReviewTool     = "review-tool"
	ClassVersionControl = "version-control"
)

// FileChange is one file touched by an action.
type FileChange struct {
	Path    string `json:"path"`
	Created bool   `json:"created,omitempty"`
}

// Outcome is what actually happened after an allowed action ran: files
// touched, any command executed with its class and exit code, and whether
// the action produced plan or review artifacts.
type Outcome struct {
	Files          []FileChange `json:"files,omitempty"`
	CommandClass   string       `json:"command_class,omitempty"`
	ExitCode       *int         `json:"exit_code,omitempty"`
	PlanArtifact   bool         `json:"plan_artifact,omitempty"`
	ReviewArtifact bool         `json:"review_artifact,omitempty"`
}

func (o Outcome) commandSucceeded() bool {
	return o.CommandClass != "" && o.ExitCode != nil && *o.ExitCode == 0
}

// Record folds an action and its outcome into the state document: step
// completion indicators, opportunistic quality gates, and the violation
// counter. All additions are idempotent within an objective; only the
// advancer clears them.
func Record(s *state.ProjectState, action policy.Action, out Outcome, matchers []policy.Matcher) {
	recordEvidence(s, action, out)
	recordGates(s, out)
	recordViolation(s, action, matchers)
}

func recordEvidence(s *state.ProjectState, action policy.Action, out Outcome) {
	if out.PlanArtifact {
		s.RecordEvidence(state.EvidencePlanArtifact)
	}
	if len(out.Files) > 0 {
		s.RecordEvidence(state.EvidenceFilesModified)
	}
	for _, f := range out.Files {
		if !f.Created {
			s.RecordEvidence(state.EvidenceExistingEdit)
			break
		}
	}
	if out.CommandClass == ClassTestRunner {
		// Running tests completes validation regardless of the result;
		// pass/fail is the gate's business, not the indicator's.
		s.RecordEvidence(state.EvidenceTestsExecuted)
	}
	if out.CommandClass == ClassReviewTool || out.ReviewArtifact {
		s.RecordEvidence(state.EvidenceReviewDone)
	}
	if out.CommandClass == ClassVersionControl || action.Category == policy.CategoryVersionControl {
		s.RecordEvidence(state.EvidenceVersionControl)
	}
}

func recordGates(s *state.ProjectState, out Outcome) {
	if !out.commandSucceeded() {
		if out.CommandClass == ClassReviewTool || out.ReviewArtifact {
			_ = s.RecordGate(state.GateCodeReview)
		}
		return
	}
	switch out.CommandClass {
	case ClassTestRunner:
		_ = s.RecordGate(state.GateExistingTests)
	case ClassBuildTool:
		_ = s.RecordGate(state.GateCompilation)
	case ClassLinter:
		_ = s.RecordGate(state.GateLintClean)
	case ClassReviewTool:
		_ = s.RecordGate(state.GateCodeReview)
	}
}

// recordViolation counts a completed action whose category the current step
// forbids. With automation off every action is sanctioned, and so are
// overridden actions; neither counts.
func recordViolation(s *state.ProjectState, action policy.Action, matchers []policy.Matcher) {
	if !s.AutomationActive {
		return
	}
	rule, ok := policy.Rules[s.WorkflowStep]
	if !ok {
		return
	}
	for _, f := range rule.Forbidden {
		if f == action.Category {
			if _, overridden := policy.MatchOverride(matchers, action.Payload); !overridden {
				_ = s.IncrementMetric(state.MetricWorkflowViolations)
			}
			return
		}
	}
}
