package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is written into every new document so later releases can
// migrate older layouts on read.
const SchemaVersion = "1"

// Workflow steps, in execution order. A unit of work cycles through all six;
// finishing integration rolls the phase over and returns to planning.
const (
	StepPlanning       = "planning"
	StepImplementation = "implementation"
	StepValidation     = "validation"
	StepReview         = "review"
	StepRefinement     = "refinement"
	StepIntegration    = "integration"
)

// StepOrder lists the workflow steps in the order they are executed.
var StepOrder = []string{
	StepPlanning,
	StepImplementation,
	StepValidation,
	StepReview,
	StepRefinement,
	StepIntegration,
}

// Project statuses.
const (
	StatusSetup     = "setup"
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusStopped   = "stopped"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Quality gates. Gates are recorded opportunistically whenever evidence
// supports them; they gate advancement, not the current action.
const (
	GateExistingTests = "existing_tests"
	GateCompilation   = "compilation"
	GateLintClean     = "lint_clean"
	GateCodeReview    = "code_review"
)

// GateCatalog is the full gate vocabulary.
var GateCatalog = []string{GateExistingTests, GateCompilation, GateLintClean, GateCodeReview}

// Completion indicators, one per step. Distinct from quality gates: an
// indicator says the step's characteristic work happened at least once.
const (
	EvidencePlanArtifact   = "plan_artifact"
	EvidenceFilesModified  = "files_modified"
	EvidenceTestsExecuted  = "tests_executed"
	EvidenceReviewDone     = "review_performed"
	EvidenceExistingEdit   = "existing_file_edited"
	EvidenceVersionControl = "version_control_op"
)

// StepEvidence maps each step to the indicator that completes it.
var StepEvidence = map[string]string{
	StepPlanning:       EvidencePlanArtifact,
	StepImplementation: EvidenceFilesModified,
	StepValidation:     EvidenceTestsExecuted,
	StepReview:         EvidenceReviewDone,
	StepRefinement:     EvidenceExistingEdit,
	StepIntegration:    EvidenceVersionControl,
}

// Metric counter names accepted by IncrementMetric.
const (
	MetricToolsAllowed       = "tools_allowed"
	MetricToolsBlocked       = "tools_blocked"
	MetricEmergencyOverrides = "emergency_overrides"
	MetricWorkflowViolations = "workflow_violations"
)

// Metrics are cumulative per-phase counters feeding the compliance score.
type Metrics struct {
	ToolsAllowed       int `json:"tools_allowed"`
	ToolsBlocked       int `json:"tools_blocked"`
	EmergencyOverrides int `json:"emergency_overrides"`
	WorkflowViolations int `json:"workflow_violations"`
}

// ProjectState is the single durable document for a project. One exists per
// project root; every invocation reads it, mutates it through the typed
// transition methods below, and writes it back whole.
type ProjectState struct {
	ProjectName      string   `json:"project_name"`
	Status           string   `json:"status"`
	AutomationActive bool     `json:"automation_active"`
	CurrentPhase     string   `json:"current_phase"`
	WorkflowStep     string   `json:"workflow_step"`
	CurrentObjective *string  `json:"current_objective,omitempty"`
	GatesPassed      []string `json:"gates_passed"`
	Evidence         []string `json:"evidence"`
	CompletedPhases  []string `json:"completed_phases"`
	Metrics          Metrics  `json:"metrics"`
	AutomationCycles int      `json:"automation_cycles"`
	Started          string   `json:"started"`
	LastUpdated      string   `json:"last_updated"`
	SchemaVersion    string   `json:"schema_version"`

	// extra holds fields written by newer releases. They survive a
	// read-modify-write cycle untouched.
	extra map[string]json.RawMessage
}

var knownFields = map[string]bool{
	"project_name":      true,
	"status":            true,
	"automation_active": true,
	"current_phase":     true,
	"workflow_step":     true,
	"current_objective": true,
	"gates_passed":      true,
	"evidence":          true,
	"completed_phases":  true,
	"metrics":           true,
	"automation_cycles": true,
	"started":           true,
	"last_updated":      true,
	"schema_version":    true,
}

type projectStateAlias ProjectState

// UnmarshalJSON keeps unknown fields so documents written by newer releases
// round-trip without loss.
func (s *ProjectState) UnmarshalJSON(data []byte) error {
	var alias projectStateAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownFields[k] {
			delete(raw, k)
		}
	}
	*s = ProjectState(alias)
	if len(raw) > 0 {
		s.extra = raw
	}
	return nil
}

// MarshalJSON merges known fields with preserved unknown ones. Output is
// key-sorted, so repeated writes of the same document are byte-identical.
func (s ProjectState) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(projectStateAlias(s))
	if err != nil {
		return nil, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// New returns a freshly bootstrapped document in setup status. The core
// never calls this on its own; project bootstrap does.
func New(projectName, phase string, now time.Time) *ProjectState {
	ts := now.UTC().Format(time.RFC3339)
	return &ProjectState{
		ProjectName:      projectName,
		Status:           StatusSetup,
		AutomationActive: false,
		CurrentPhase:     phase,
		WorkflowStep:     StepPlanning,
		GatesPassed:      []string{},
		Evidence:         []string{},
		CompletedPhases:  []string{},
		Started:          ts,
		LastUpdated:      ts,
		SchemaVersion:    SchemaVersion,
	}
}

// Default is the conservative substitute for a corrupt document: planning
// step with automation off, so the policy engine grants nothing it should
// not while a human repairs the real file.
func Default(projectName string, now time.Time) *ProjectState {
	s := New(projectName, "01", now)
	s.Status = StatusError
	return s
}

// ValidStep reports whether step is one of the six workflow steps.
func ValidStep(step string) bool {
	for _, s := range StepOrder {
		if s == step {
			return true
		}
	}
	return false
}

// NextStep returns the successor of step; integration wraps to planning.
func NextStep(step string) string {
	for i, s := range StepOrder {
		if s == step {
			return StepOrder[(i+1)%len(StepOrder)]
		}
	}
	return StepPlanning
}

func validStatus(status string) bool {
	switch status {
	case StatusSetup, StatusActive, StatusPaused, StatusStopped, StatusCompleted, StatusError:
		return true
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Validate checks the document invariants.
func (s *ProjectState) Validate() error {
	if s.ProjectName == "" {
		return fmt.Errorf("project_name is required")
	}
	if !validStatus(s.Status) {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if !ValidStep(s.WorkflowStep) {
		return fmt.Errorf("invalid workflow_step %q", s.WorkflowStep)
	}
	// A completed project keeps its final phase in the archive; for every
	// other status the current phase must still be open.
	if s.Status != StatusCompleted && contains(s.CompletedPhases, s.CurrentPhase) {
		return fmt.Errorf("current phase %s already completed", s.CurrentPhase)
	}
	for _, g := range s.GatesPassed {
		if !contains(GateCatalog, g) {
			return fmt.Errorf("unknown gate %q", g)
		}
	}
	return nil
}

// --- typed transitions ---
//
// These are the only sanctioned mutations besides metric counting; callers
// never poke workflow_step or gates_passed directly.

// AdvanceStep moves to the successor step and resets the per-objective
// accumulation (gates and evidence). Returns the new step.
func (s *ProjectState) AdvanceStep() string {
	s.WorkflowStep = NextStep(s.WorkflowStep)
	s.GatesPassed = []string{}
	s.Evidence = []string{}
	return s.WorkflowStep
}

// OverrideStep force-sets the step. Gates and evidence are reset so the
// document can never carry accumulation from a different step.
func (s *ProjectState) OverrideStep(step string) error {
	if !ValidStep(step) {
		return fmt.Errorf("invalid workflow_step %q", step)
	}
	s.WorkflowStep = step
	s.GatesPassed = []string{}
	s.Evidence = []string{}
	return nil
}

// RecordGate marks a quality gate as passed. Recording the same gate twice
// is a no-op.
func (s *ProjectState) RecordGate(gate string) error {
	if !contains(GateCatalog, gate) {
		return fmt.Errorf("unknown gate %q", gate)
	}
	if !contains(s.GatesPassed, gate) {
		s.GatesPassed = append(s.GatesPassed, gate)
	}
	return nil
}

// RecordEvidence marks a completion indicator as present.
func (s *ProjectState) RecordEvidence(name string) {
	if !contains(s.Evidence, name) {
		s.Evidence = append(s.Evidence, name)
	}
}

// HasEvidence reports whether a completion indicator is present.
func (s *ProjectState) HasEvidence(name string) bool {
	return contains(s.Evidence, name)
}

// IncrementMetric bumps one of the four counters.
func (s *ProjectState) IncrementMetric(name string) error {
	switch name {
	case MetricToolsAllowed:
		s.Metrics.ToolsAllowed++
	case MetricToolsBlocked:
		s.Metrics.ToolsBlocked++
	case MetricEmergencyOverrides:
		s.Metrics.EmergencyOverrides++
	case MetricWorkflowViolations:
		s.Metrics.WorkflowViolations++
	default:
		return fmt.Errorf("unknown metric %q", name)
	}
	return nil
}

// RollPhase archives the current phase and either starts the next one at
// planning or, when next is empty, completes the project.
func (s *ProjectState) RollPhase(next string, objective string) {
	if !contains(s.CompletedPhases, s.CurrentPhase) {
		s.CompletedPhases = append(s.CompletedPhases, s.CurrentPhase)
	}
	s.GatesPassed = []string{}
	s.Evidence = []string{}
	s.WorkflowStep = StepPlanning
	if next == "" {
		s.Status = StatusCompleted
		s.AutomationActive = false
		s.CurrentObjective = nil
		return
	}
	s.CurrentPhase = next
	if objective != "" {
		s.CurrentObjective = &objective
	} else {
		s.CurrentObjective = nil
	}
}
