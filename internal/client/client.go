// Package client is the HTTP client for the relayd coordination API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/drewfead/relay/internal/eventlog"
	"github.com/drewfead/relay/internal/state"
	"github.com/drewfead/relay/internal/trigger"
)

// Client talks to a running relayd.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at addr (host:port).
func New(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a logical failure reported by the daemon.
type apiError struct {
	Message string
}

func (e *apiError) Error() string { return e.Message }

// call performs a request and decodes the envelope into out, which
// must include the success/error fields.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relayd unreachable: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	raw := json.RawMessage{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Success != nil && !*envelope.Success {
		return &apiError{Message: envelope.Error}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relayd returned %s", resp.Status)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Health checks that the daemon is up, returning its version.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// State fetches the full document with derived statuses.
func (c *Client) State(ctx context.Context) (*state.Document, error) {
	var out struct {
		State *state.Document `json:"state"`
	}
	if err := c.call(ctx, http.MethodGet, "/state", nil, &out); err != nil {
		return nil, err
	}
	return out.State, nil
}

// AgentView mirrors the API's derived-status agent projection.
type AgentView struct {
	Name             string       `json:"name"`
	Role             string       `json:"role,omitempty"`
	Status           string       `json:"status"`
	Worktree         string       `json:"worktree,omitempty"`
	Tasks            []state.Task `json:"tasks"`
	LastChatActivity *time.Time   `json:"last_chat_activity,omitempty"`
}

// Agents lists every agent with derived status.
func (c *Client) Agents(ctx context.Context) ([]AgentView, error) {
	var out struct {
		Agents []AgentView `json:"agents"`
	}
	if err := c.call(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CreateTrigger appends a trigger for an agent.
func (c *Client) CreateTrigger(ctx context.Context, agent, taskID, instruction string) (trigger.Trigger, error) {
	req := map[string]string{"agent": agent, "task_id": taskID, "instruction": instruction}
	var out struct {
		Trigger trigger.Trigger `json:"trigger"`
	}
	if err := c.call(ctx, http.MethodPost, "/triggers", req, &out); err != nil {
		return trigger.Trigger{}, err
	}
	return out.Trigger, nil
}

// SendMessage pushes a message to an agent's session synchronously,
// returning the trigger it was recorded under. A delivery failure
// comes back as an error with the trigger still recorded daemon-side.
func (c *Client) SendMessage(ctx context.Context, agent, taskID, message string) (trigger.Trigger, error) {
	req := map[string]string{"agent": agent, "task_id": taskID, "message": message}
	var out struct {
		Trigger trigger.Trigger `json:"trigger"`
	}
	if err := c.call(ctx, http.MethodPost, "/messages", req, &out); err != nil {
		return trigger.Trigger{}, err
	}
	return out.Trigger, nil
}

// CreateTask adds a pending task to the shared board.
func (c *Client) CreateTask(ctx context.Context, agent, title, description string) (state.Task, error) {
	req := map[string]string{"agent": agent, "title": title, "description": description}
	var out struct {
		Task state.Task `json:"task"`
	}
	if err := c.call(ctx, http.MethodPost, "/tasks", req, &out); err != nil {
		return state.Task{}, err
	}
	return out.Task, nil
}

// Tasks lists every task on the board.
func (c *Client) Tasks(ctx context.Context) ([]state.Task, error) {
	var out struct {
		Tasks []state.Task `json:"tasks"`
	}
	if err := c.call(ctx, http.MethodGet, "/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// SetTaskStatus transitions a task on the board.
func (c *Client) SetTaskStatus(ctx context.Context, id, status string) error {
	req := map[string]string{"status": status}
	return c.call(ctx, http.MethodPost, "/tasks/"+id+"/status", req, nil)
}

// Triggers lists triggers, optionally filtered by status.
func (c *Client) Triggers(ctx context.Context, status string) ([]trigger.Trigger, error) {
	path := "/triggers"
	if status != "" {
		path += "?status=" + status
	}
	var out struct {
		Triggers []trigger.Trigger `json:"triggers"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Triggers, nil
}

// SetTriggerStatus transitions a trigger.
func (c *Client) SetTriggerStatus(ctx context.Context, id int64, status, errMsg string) error {
	req := map[string]string{"status": status, "error": errMsg}
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/triggers/%d/status", id), req, nil)
}

// Scan runs a scan+reconcile pass now.
func (c *Client) Scan(ctx context.Context) (json.RawMessage, error) {
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.call(ctx, http.MethodPost, "/scan", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Mark writes an identity marker into a session worktree.
func (c *Client) Mark(ctx context.Context, agent, worktree, role string) error {
	req := map[string]string{"worktree": worktree, "role": role}
	return c.call(ctx, http.MethodPost, "/agents/"+agent+"/mark", req, nil)
}

// Events fetches recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]eventlog.Event, error) {
	path := "/events"
	if limit > 0 {
		path = fmt.Sprintf("/events?limit=%d", limit)
	}
	var out struct {
		Events []eventlog.Event `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}
