// Package advance holds the step-advancement state machine and the
// compliance scorer. Tick runs once per unit-of-work boundary; remaining on
// the same step is its normal steady-state outcome, not a failure.
package advance

import (
	"guardline/internal/phases"
	"guardline/internal/state"
)

// PhaseCatalog is the external collaborator answering "what comes after this
// phase". The core never owns the phase list.
type PhaseCatalog interface {
	Next(current string) (phases.Phase, bool)
}

// Result reports what a tick did.
type Result struct {
	Advanced bool   `json:"advanced"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`

	// Phase rollover outputs. Compliance is only meaningful when
	// PhaseComplete is set.
	PhaseComplete    bool   `json:"phase_complete,omitempty"`
	CompletedPhase   string `json:"completed_phase,omitempty"`
	NextPhase        string `json:"next_phase,omitempty"`
	Compliance       int    `json:"compliance,omitempty"`
	ProjectCompleted bool   `json:"project_completed,omitempty"`
}

// Compliance derives the 0-100 score from the cumulative counters. An empty
// denominator scores 100: no decisions means no violations.
func Compliance(m state.Metrics) int {
	denom := m.ToolsAllowed + m.ToolsBlocked + m.WorkflowViolations
	if denom <= 0 {
		return 100
	}
	score := 100 * m.ToolsAllowed / denom
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Tick inspects the accumulated evidence and advances the workflow step when
// the current step's completion indicator is present. Completing integration
// rolls the phase over instead: the compliance score is computed, the phase
// is archived, and the catalog decides between the next phase and project
// completion.
//
// Statuses other than active are terminal for automation; Tick leaves the
// document untouched.
func Tick(s *state.ProjectState, catalog PhaseCatalog) Result {
	if s.Status != state.StatusActive {
		return Result{}
	}
	s.AutomationCycles++

	indicator := state.StepEvidence[s.WorkflowStep]
	if !s.HasEvidence(indicator) {
		return Result{}
	}

	if s.WorkflowStep == state.StepIntegration {
		completed := s.CurrentPhase
		score := Compliance(s.Metrics)
		res := Result{
			Advanced:       true,
			From:           state.StepIntegration,
			To:             state.StepPlanning,
			PhaseComplete:  true,
			CompletedPhase: completed,
			Compliance:     score,
		}
		if next, ok := catalog.Next(completed); ok {
			s.RollPhase(next.ID, next.Objective)
			res.NextPhase = next.ID
		} else {
			s.RollPhase("", "")
			res.ProjectCompleted = true
		}
		return res
	}

	from := s.WorkflowStep
	to := s.AdvanceStep()
	return Result{Advanced: true, From: from, To: to}
}
