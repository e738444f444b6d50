package guardlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Guardline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Action describes one proposed tool invocation.
type Action struct {
	Category string `json:"category"`
	Name     string `json:"name,omitempty"`
	Payload  string `json:"payload,omitempty"`
	Workdir  string `json:"workdir,omitempty"`
}

// Decision is the pre-stage verdict for an action.
type Decision struct {
	Allow       bool     `json:"allow"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Override    string   `json:"override,omitempty"`
}

// FileChange is one file touched by an action.
type FileChange struct {
	Path    string `json:"path"`
	Created bool   `json:"created,omitempty"`
}

// Outcome reports what a completed action did.
type Outcome struct {
	Files          []FileChange `json:"files,omitempty"`
	CommandClass   string       `json:"command_class,omitempty"`
	ExitCode       *int         `json:"exit_code,omitempty"`
	PlanArtifact   bool         `json:"plan_artifact,omitempty"`
	ReviewArtifact bool         `json:"review_artifact,omitempty"`
}

// TickResult reports what a tick did.
type TickResult struct {
	Advanced         bool   `json:"advanced"`
	From             string `json:"from,omitempty"`
	To               string `json:"to,omitempty"`
	PhaseComplete    bool   `json:"phase_complete,omitempty"`
	CompletedPhase   string `json:"completed_phase,omitempty"`
	NextPhase        string `json:"next_phase,omitempty"`
	Compliance       int    `json:"compliance,omitempty"`
	ProjectCompleted bool   `json:"project_completed,omitempty"`
}

// ProjectState mirrors the persisted document (partial).
type ProjectState struct {
	ProjectName      string   `json:"project_name"`
	Status           string   `json:"status"`
	AutomationActive bool     `json:"automation_active"`
	CurrentPhase     string   `json:"current_phase"`
	WorkflowStep     string   `json:"workflow_step"`
	GatesPassed      []string `json:"gates_passed"`
	Evidence         []string `json:"evidence"`
	CompletedPhases  []string `json:"completed_phases"`
	AutomationCycles int      `json:"automation_cycles"`
}

// StatusView is the composite status response.
type StatusView struct {
	State      *ProjectState `json:"state"`
	Compliance int           `json:"compliance"`
	NextPhase  string        `json:"next_phase,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Decide submits a proposed action for evaluation.
func (c *Client) Decide(ctx context.Context, action Action) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/decide", map[string]any{"action": action}, &resp)
	return resp, err
}

// Record submits a completed action's outcome.
func (c *Client) Record(ctx context.Context, action Action, outcome Outcome) error {
	body := map[string]any{"action": action, "outcome": outcome}
	return c.do(ctx, http.MethodPost, "v0/record", body, nil)
}

// Tick runs the step advancer.
func (c *Client) Tick(ctx context.Context) (TickResult, error) {
	var resp struct {
		Result TickResult    `json:"result"`
		State  *ProjectState `json:"state"`
	}
	err := c.do(ctx, http.MethodPost, "v0/tick", nil, &resp)
	return resp.Result, err
}

// Status returns the current workflow position.
func (c *Client) Status(ctx context.Context) (StatusView, error) {
	var resp StatusView
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
