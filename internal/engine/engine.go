package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guardline/internal/advance"
	"guardline/internal/audit"
	"guardline/internal/config"
	"guardline/internal/policy"
	"guardline/internal/progress"
	"guardline/internal/state"
)

// Engine wires the state store, policy table, progress tracker, advancer and
// audit log together. Every invocation builds one, uses it, and exits; the
// only memory between invocations is the state document and the audit db.
type Engine struct {
	Store  *state.Store
	Config *config.Config
	DB     *sql.DB
	Audit  audit.Writer
	Log    *zap.Logger
	Now    func() time.Time
}

// New assembles an Engine for one workspace.
func New(store *state.Store, cfg *config.Config, db *sql.DB, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		Store:  store,
		Config: cfg,
		DB:     db,
		Audit:  audit.Writer{DB: db},
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Decide evaluates a proposed action against the current workflow position
// and persists the metric counters. A missing state document is fully
// permissive: before bootstrap there is nothing to enforce.
func (e Engine) Decide(ctx context.Context, action policy.Action, actorID string) (policy.Decision, error) {
	s, err := e.Store.Read()
	if errors.Is(err, state.ErrNotFound) {
		return policy.Decision{Allow: true}, nil
	}
	if err != nil {
		return policy.Decision{}, err
	}

	d := policy.Decide(s, action, e.Config.Matchers())
	if d.Unclassified {
		e.Log.Info("unclassified action category, default-allow",
			zap.String("category", action.Category))
	}

	_, err = e.Store.Update(func(s *state.ProjectState) error {
		if d.Allow {
			_ = s.IncrementMetric(state.MetricToolsAllowed)
		} else {
			_ = s.IncrementMetric(state.MetricToolsBlocked)
		}
		if d.Override != "" {
			_ = s.IncrementMetric(state.MetricEmergencyOverrides)
		}
		return nil
	})
	if err != nil {
		// A dropped metric write would desynchronize the workflow from
		// reality; surface it instead of pretending the decision stuck.
		return policy.Decision{}, fmt.Errorf("persist decision metrics: %w", err)
	}

	evtType := audit.TypeDecisionAllowed
	if !d.Allow {
		evtType = audit.TypeDecisionBlocked
	}
	e.appendEvent(ctx, evtType, "action", action.Name, actorID, audit.Payload{
		"category": action.Category,
		"step":     s.WorkflowStep,
		"reason":   d.Reason,
	})
	if d.Override != "" {
		e.appendEvent(ctx, audit.TypeOverrideMatched, "action", action.Name, actorID, audit.Payload{
			"pattern": d.Override,
			"step":    s.WorkflowStep,
		})
	}
	return d, nil
}

// Record folds a completed action's outcome into the state document:
// completion evidence, opportunistic quality gates, and the violation
// counter. Recording against a missing document is a no-op.
func (e Engine) Record(ctx context.Context, action policy.Action, out progress.Outcome, actorID string) (*state.ProjectState, error) {
	var gatesBefore, violationsBefore int
	s, err := e.Store.Update(func(s *state.ProjectState) error {
		gatesBefore = len(s.GatesPassed)
		violationsBefore = s.Metrics.WorkflowViolations
		progress.Record(s, action, out, e.Config.Matchers())
		return nil
	})
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.appendEvent(ctx, audit.TypeOutcomeRecorded, "action", action.Name, actorID, audit.Payload{
		"category": action.Category,
		"step":     s.WorkflowStep,
		"evidence": s.Evidence,
	})
	if len(s.GatesPassed) > gatesBefore {
		e.appendEvent(ctx, audit.TypeGateRecorded, "project", s.ProjectName, actorID, audit.Payload{
			"gates": s.GatesPassed,
		})
	}
	if s.Metrics.WorkflowViolations > violationsBefore {
		e.appendEvent(ctx, audit.TypeViolation, "action", action.Name, actorID, audit.Payload{
			"category": action.Category,
			"step":     s.WorkflowStep,
		})
	}
	return s, nil
}

// Tick runs the step advancer once, at a unit-of-work boundary.
func (e Engine) Tick(ctx context.Context, actorID string) (advance.Result, *state.ProjectState, error) {
	var res advance.Result
	catalog := e.Config.Catalog()
	s, err := e.Store.Update(func(s *state.ProjectState) error {
		res = advance.Tick(s, catalog)
		return nil
	})
	if err != nil {
		return advance.Result{}, nil, err
	}

	if res.Advanced {
		e.appendEvent(ctx, audit.TypeStepAdvanced, "project", s.ProjectName, actorID, audit.Payload{
			"from": res.From,
			"to":   res.To,
		})
	}
	if res.PhaseComplete {
		e.appendEvent(ctx, audit.TypePhaseCompleted, "phase", res.CompletedPhase, actorID, audit.Payload{
			"compliance":        res.Compliance,
			"next_phase":        res.NextPhase,
			"project_completed": res.ProjectCompleted,
		})
	}
	return res, s, nil
}

// Init bootstraps the state document for a project. This is the bootstrap
// collaborator, not the core: it refuses to overwrite an existing document.
func (e Engine) Init(ctx context.Context, projectName, actorID string) (*state.ProjectState, error) {
	if _, err := e.Store.Read(); err == nil {
		return nil, fmt.Errorf("project state already exists at %s", e.Store.Path())
	} else if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	phase := "01"
	var objective string
	if first, ok := e.Config.Catalog().First(); ok {
		phase = first.ID
		objective = first.Objective
	}
	s := state.New(projectName, phase, e.now())
	if objective != "" {
		s.CurrentObjective = &objective
	}
	if err := e.Store.Write(s); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, audit.TypeProjectInit, "project", projectName, actorID, audit.Payload{
		"phase": phase,
	})
	return s, nil
}

func ensureStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case state.StatusSetup:
		if newStatus == state.StatusActive || newStatus == state.StatusStopped {
			return nil
		}
	case state.StatusActive:
		switch newStatus {
		case state.StatusPaused, state.StatusStopped, state.StatusCompleted, state.StatusError:
			return nil
		}
	case state.StatusPaused:
		if newStatus == state.StatusActive || newStatus == state.StatusStopped {
			return nil
		}
	case state.StatusError:
		if newStatus == state.StatusActive || newStatus == state.StatusStopped {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", oldStatus, newStatus)
}

// SetStatus performs an explicit lifecycle transition. Automation runs only
// while the project is active.
func (e Engine) SetStatus(ctx context.Context, newStatus, actorID string) (*state.ProjectState, error) {
	var from string
	s, err := e.Store.Update(func(s *state.ProjectState) error {
		from = s.Status
		if err := ensureStatusTransition(s.Status, newStatus); err != nil {
			return err
		}
		s.Status = newStatus
		s.AutomationActive = newStatus == state.StatusActive
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.appendEvent(ctx, audit.TypeStatusChanged, "project", s.ProjectName, actorID, audit.Payload{
		"from": from,
		"to":   newStatus,
	})
	return s, nil
}

// OverrideStep force-sets the workflow step, resetting gates and evidence.
// The manual escape hatch for a misclassified position.
func (e Engine) OverrideStep(ctx context.Context, step, actorID string) (*state.ProjectState, error) {
	var from string
	s, err := e.Store.Update(func(s *state.ProjectState) error {
		from = s.WorkflowStep
		return s.OverrideStep(step)
	})
	if err != nil {
		return nil, err
	}
	e.appendEvent(ctx, audit.TypeStepOverridden, "project", s.ProjectName, actorID, audit.Payload{
		"from": from,
		"to":   step,
	})
	return s, nil
}

// StatusView is the composite returned by Status for display.
type StatusView struct {
	State      *state.ProjectState `json:"state"`
	Compliance int                 `json:"compliance"`
	NextPhase  string              `json:"next_phase,omitempty"`
}

// Status reads the current position without mutating anything.
func (e Engine) Status(ctx context.Context) (StatusView, error) {
	s, err := e.Store.Read()
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{State: s, Compliance: advance.Compliance(s.Metrics)}
	if next, ok := e.Config.Catalog().Next(s.CurrentPhase); ok {
		view.NextPhase = next.ID
	}
	return view, nil
}

// appendEvent writes to the audit log, best effort: a failed audit insert
// never fails the operation it describes.
func (e Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload audit.Payload) {
	if e.DB == nil {
		return
	}
	if actorID == "" {
		actorID = "local-agent"
	}
	if err := e.Audit.Append(ctx, evtType, entityKind, entityID, actorID, payload); err != nil {
		e.Log.Warn("audit append failed", zap.String("type", evtType), zap.Error(err))
	}
}
