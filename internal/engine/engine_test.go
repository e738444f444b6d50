package engine

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"guardline/internal/audit"
	"guardline/internal/config"
	"guardline/internal/policy"
	"guardline/internal/progress"
	"guardline/internal/state"
)

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	engine Engine
	store  *state.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := audit.Open(dir)
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := state.NewStore(dir, zap.NewNop())
	fixed := func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	store.Now = fixed

	e := New(store, config.Default("demo"), db, zap.NewNop())
	e.Now = fixed
	e.Audit.Now = fixed

	return &testEnv{t: t, ctx: context.Background(), engine: e, store: store}
}

// bootstrap brings a project to active status at the given step.
func (env *testEnv) bootstrap(step string) {
	env.t.Helper()
	if _, err := env.engine.Init(env.ctx, "demo", ""); err != nil {
		env.t.Fatalf("init: %v", err)
	}
	if _, err := env.engine.SetStatus(env.ctx, state.StatusActive, ""); err != nil {
		env.t.Fatalf("start: %v", err)
	}
	if step != state.StepPlanning {
		if _, err := env.engine.OverrideStep(env.ctx, step, ""); err != nil {
			env.t.Fatalf("override step: %v", err)
		}
	}
}

func (env *testEnv) readState() *state.ProjectState {
	env.t.Helper()
	s, err := env.store.Read()
	if err != nil {
		env.t.Fatalf("read state: %v", err)
	}
	return s
}

func intp(v int) *int { return &v }

func TestDecideWithoutStateIsPermissive(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.engine.Decide(env.ctx, policy.Action{Category: policy.CategoryFileWrite}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatalf("expected allow before bootstrap, got %+v", d)
	}
	if _, err := env.store.Read(); err != state.ErrNotFound {
		t.Fatalf("permissive decision must not create a state document, got %v", err)
	}
}

func TestInitBootstrapsFromCatalog(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.engine.Init(env.ctx, "demo", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != state.StatusSetup || s.AutomationActive {
		t.Fatalf("fresh project must start in setup with automation off: %+v", s)
	}
	if s.CurrentPhase != "01" || s.CurrentObjective == nil {
		t.Fatalf("phase/objective not taken from catalog: %+v", s)
	}

	if _, err := env.engine.Init(env.ctx, "demo", ""); err == nil {
		t.Fatalf("second init must refuse to overwrite")
	}
}

func TestPlanningBlocksFileWriteWithGuidance(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(state.StepPlanning)

	d, err := env.engine.Decide(env.ctx, policy.Action{Category: policy.CategoryFileWrite, Name: "write_file"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Fatalf("file-write must be blocked during planning")
	}
	if !strings.Contains(d.Reason, "planning") {
		t.Fatalf("reason should name the step: %q", d.Reason)
	}
	if len(d.Suggestions) == 0 {
		t.Fatalf("blocked decision should carry suggestions")
	}

	s := env.readState()
	if s.Metrics.ToolsBlocked != 1 || s.Metrics.ToolsAllowed != 0 {
		t.Fatalf("metrics = %+v", s.Metrics)
	}

	events, err := audit.Latest(env.ctx, env.engine.DB, 5, audit.TypeDecisionBlocked, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one blocked event, got %d", len(events))
	}
}

func TestEmergencyOverrideBypassesStepRules(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(state.StepPlanning)

	action := policy.Action{
		Category: policy.CategoryFileWrite,
		Name:     "write_file",
		Payload:  "EMERGENCY: production is down, patch auth now",
	}
	d, err := env.engine.Decide(env.ctx, action, "")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow || d.Override == "" {
		t.Fatalf("expected override allow, got %+v", d)
	}

	s := env.readState()
	if s.Metrics.EmergencyOverrides != 1 || s.Metrics.ToolsAllowed != 1 {
		t.Fatalf("metrics = %+v", s.Metrics)
	}

	events, err := audit.Latest(env.ctx, env.engine.DB, 5, audit.TypeOverrideMatched, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one override event, got %d", len(events))
	}
}

func TestRecordThenTickAdvancesOutOfPlanning(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(state.StepPlanning)

	if _, err := env.engine.Record(env.ctx, policy.Action{Category: policy.CategoryNoteTaking}, progress.Outcome{PlanArtifact: true}, ""); err != nil {
		t.Fatal(err)
	}
	res, s, err := env.engine.Tick(env.ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Advanced || res.To != state.StepImplementation {
		t.Fatalf("unexpected tick result %+v", res)
	}
	if s.WorkflowStep != state.StepImplementation || len(s.Evidence) != 0 {
		t.Fatalf("state after tick: step=%s evidence=%v", s.WorkflowStep, s.Evidence)
	}

	events, err := audit.Latest(env.ctx, env.engine.DB, 5, audit.TypeStepAdvanced, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one step.advanced event, got %d", len(events))
	}
}

func TestValidationRecordsGateButKeepsBlocking(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(state.StepValidation)

	out := progress.Outcome{CommandClass: progress.ClassTestRunner, ExitCode: intp(0)}
	s, err := env.engine.Record(env.ctx, policy.Action{Category: policy.CategoryShellExec, Name: "bash"}, out, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.GatesPassed) != 1 || s.GatesPassed[0] != state.GateExistingTests {
		t.Fatalf("gates = %v", s.GatesPassed)
	}

	d, err := env.engine.Decide(env.ctx, policy.Action{Category: policy.CategoryFileWrite}, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Fatalf("passing a gate must not unlock forbidden categories")
	}
}

func TestRecordViolationEmitsAuditEvent(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(state.StepPlanning)

	if _, err := env.engine.Record(env.ctx, policy.Action{Category: policy.CategoryFileWrite, Name: "write_file"}, progress.Outcome{}, ""); err != nil {
		t.Fatal(err)
	}
	s := env.readState()
	if s.Metrics.WorkflowViolations != 1 {
		t.Fatalf("metrics = %+v", s.Metrics)
	}
	events, err := audit.Latest(env.ctx, env.engine.DB, 5, audit.TypeViolation, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one violation event, got %d", len(events))
	}
}

func TestRecordWithoutStateIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.engine.Record(env.ctx, policy.Action{Category: policy.CategoryFileWrite}, progress.Outcome{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Fatalf("expected nil state before bootstrap, got %+v", s)
	}
}

func TestCorruptDocumentStaysPermissiveButSafe(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(state.StepPlanning)
	if err := os.WriteFile(env.store.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := env.engine.Decide(env.ctx, policy.Action{Category: policy.CategoryFileWrite}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatalf("safe default has automation off, decisions must allow")
	}
	s := env.readState()
	if s.Status != state.StatusError || s.AutomationActive {
		t.Fatalf("expected error-status default, got %+v", s)
	}
}

func TestStatusTransitionRules(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Init(env.ctx, "demo", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := env.engine.SetStatus(env.ctx, state.StatusPaused, ""); err == nil {
		t.Fatalf("setup -> paused must be rejected")
	}
	if _, err := env.engine.SetStatus(env.ctx, state.StatusActive, ""); err != nil {
		t.Fatalf("setup -> active: %v", err)
	}
	s, err := env.engine.SetStatus(env.ctx, state.StatusPaused, "")
	if err != nil {
		t.Fatalf("active -> paused: %v", err)
	}
	if s.AutomationActive {
		t.Fatalf("pausing must switch automation off")
	}
	s, err = env.engine.SetStatus(env.ctx, state.StatusActive, "")
	if err != nil {
		t.Fatalf("paused -> active: %v", err)
	}
	if !s.AutomationActive {
		t.Fatalf("resuming must switch automation on")
	}
	if _, err := env.engine.SetStatus(env.ctx, state.StatusStopped, ""); err != nil {
		t.Fatalf("active -> stopped: %v", err)
	}
	if _, err := env.engine.SetStatus(env.ctx, state.StatusActive, ""); err == nil {
		t.Fatalf("stopped is terminal")
	}
}

func TestStatusViewReportsComplianceAndNextPhase(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(state.StepPlanning)

	if _, err := env.engine.Decide(env.ctx, policy.Action{Category: policy.CategoryRead}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Decide(env.ctx, policy.Action{Category: policy.CategoryFileWrite}, ""); err != nil {
		t.Fatal(err)
	}

	view, err := env.engine.Status(env.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if view.Compliance != 50 {
		t.Fatalf("compliance = %d, want 50", view.Compliance)
	}
	if view.NextPhase != "02" {
		t.Fatalf("next phase = %q", view.NextPhase)
	}
}

func TestTickThroughLastPhaseCompletesProject(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(state.StepPlanning)

	// Default catalog has three phases; integration evidence rolls each one.
	for i := 0; i < 3; i++ {
		if _, err := env.engine.OverrideStep(env.ctx, state.StepIntegration, ""); err != nil {
			t.Fatalf("phase %d: override step: %v", i, err)
		}
		if _, err := env.engine.Record(env.ctx, policy.Action{Category: policy.CategoryVersionControl}, progress.Outcome{}, ""); err != nil {
			t.Fatalf("phase %d: record: %v", i, err)
		}
		res, _, err := env.engine.Tick(env.ctx, "")
		if err != nil {
			t.Fatalf("phase %d: tick: %v", i, err)
		}
		if !res.PhaseComplete {
			t.Fatalf("phase %d: expected rollover, got %+v", i, res)
		}
		if i == 2 && !res.ProjectCompleted {
			t.Fatalf("last phase should complete the project: %+v", res)
		}
	}

	s := env.readState()
	if s.Status != state.StatusCompleted {
		t.Fatalf("completed status not persisted: %s", s.Status)
	}
	if s.AutomationActive {
		t.Fatalf("automation still on after completion")
	}
	if len(s.CompletedPhases) != 3 {
		t.Fatalf("completed phases = %v", s.CompletedPhases)
	}
}

func TestOverrideStepResetsAccumulation(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(state.StepValidation)

	out := progress.Outcome{CommandClass: progress.ClassTestRunner, ExitCode: intp(0)}
	if _, err := env.engine.Record(env.ctx, policy.Action{Category: policy.CategoryShellExec}, out, ""); err != nil {
		t.Fatal(err)
	}
	s, err := env.engine.OverrideStep(env.ctx, state.StepReview, "")
	if err != nil {
		t.Fatal(err)
	}
	if s.WorkflowStep != state.StepReview || len(s.GatesPassed) != 0 || len(s.Evidence) != 0 {
		t.Fatalf("override left stale accumulation: %+v", s)
	}

	if _, err := env.engine.OverrideStep(env.ctx, "sprinting", ""); err == nil {
		t.Fatalf("unknown step must be rejected")
	}
}
