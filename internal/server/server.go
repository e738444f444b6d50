package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"guardline/internal/advance"
	"guardline/internal/audit"
	"guardline/internal/engine"
	"guardline/internal/policy"
	"guardline/internal/progress"
	"guardline/internal/state"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string `json:"code" example:"action_blocked"`
	Message string `json:"message" example:"file-write is not permitted during the planning step"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return "internal_error"
	}
}

// New returns an HTTP handler exposing the guardline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.DB))
	hcfg := huma.DefaultConfig("Guardline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDecide(group, cfg.Engine)
	registerRecord(group, cfg.Engine)
	registerTick(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

type healthOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.OK = true
		return out, nil
	})
}

type decideInput struct {
	Body struct {
		Action policy.Action `json:"action"`
	}
}

type decideOutput struct {
	Body policy.Decision
}

func registerDecide(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "decide",
		Method:      http.MethodPost,
		Path:        "/decide",
		Summary:     "Evaluate a proposed action (pre-stage)",
	}, func(ctx context.Context, in *decideInput) (*decideOutput, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if in.Body.Action.Category == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action.category is required")
		}
		d, err := e.Decide(ctx, in.Body.Action, actorID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error())
		}
		return &decideOutput{Body: d}, nil
	})
}

type recordInput struct {
	Body struct {
		Action  policy.Action    `json:"action"`
		Outcome progress.Outcome `json:"outcome"`
	}
}

type recordOutput struct {
	Body struct {
		Recorded bool                `json:"recorded"`
		State    *state.ProjectState `json:"state,omitempty"`
	}
}

func registerRecord(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record",
		Method:      http.MethodPost,
		Path:        "/record",
		Summary:     "Record a completed action's outcome (post-stage)",
	}, func(ctx context.Context, in *recordInput) (*recordOutput, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		s, err := e.Record(ctx, in.Body.Action, in.Body.Outcome, actorID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error())
		}
		out := &recordOutput{}
		out.Body.Recorded = s != nil
		out.Body.State = s
		return out, nil
	})
}

type tickOutput struct {
	Body struct {
		Result advance.Result      `json:"result"`
		State  *state.ProjectState `json:"state"`
	}
}

func registerTick(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tick",
		Method:      http.MethodPost,
		Path:        "/tick",
		Summary:     "Run the step advancer at a unit-of-work boundary",
	}, func(ctx context.Context, _ *struct{}) (*tickOutput, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		res, s, err := e.Tick(ctx, actorID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "project state not found")
			}
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error())
		}
		out := &tickOutput{}
		out.Body.Result = res
		out.Body.State = s
		return out, nil
	})
}

type statusOutput struct {
	Body engine.StatusView
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Current workflow position and compliance",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		if _, herr := actorIDFromContext(ctx); herr != nil {
			return nil, herr
		}
		view, err := e.Status(ctx)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "project state not found")
			}
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error())
		}
		return &statusOutput{Body: view}, nil
	})
}

type eventsInput struct {
	N          int    `query:"n" default:"20" doc:"max events to return"`
	Type       string `query:"type" doc:"event type filter"`
	EntityKind string `query:"entity_kind" doc:"entity kind filter"`
}

type eventsOutput struct {
	Body struct {
		Events []audit.Event `json:"events"`
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, in *eventsInput) (*eventsOutput, error) {
		if _, herr := actorIDFromContext(ctx); herr != nil {
			return nil, herr
		}
		events, err := audit.Latest(ctx, e.DB, in.N, in.Type, in.EntityKind)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error())
		}
		out := &eventsOutput{}
		out.Body.Events = events
		return out, nil
	})
}
