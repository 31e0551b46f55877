// Package state maintains the shared coordination document: agents,
// their sessions, tasks, and chat activity, persisted as a single
// flock-protected JSON file shared by every relay process.
package state

import (
	"encoding/json"
	"time"
)

// Task statuses.
const (
	TaskPending    = "PENDING"
	TaskInProgress = "IN_PROGRESS"
	TaskCompleted  = "COMPLETED"
	TaskBlocked    = "BLOCKED"
)

// Agent statuses. Status is always derived from tasks and chat
// activity; the stored value is a cache, never an input.
const (
	StatusWorking = "working"
	StatusIdle    = "idle"
	StatusOffline = "offline"
)

// workingActivityWindow bounds how stale chat activity can be for an
// agent with an in-progress task to still count as working.
const workingActivityWindow = 30 * time.Minute

// maxChatHistory bounds each agent's recent-message log.
const maxChatHistory = 50

// Document is the root of the shared state file. ChatCount and
// LastScan are caches recomputed on every reconciliation pass.
type Document struct {
	Agents      map[string]*Agent        `json:"agents"`
	Sessions    map[string]*Session      `json:"sessions"`
	ChatHistory map[string][]ChatMessage `json:"chat_history"`
	ChatCount   int                      `json:"chat_count"`
	LastScan    time.Time                `json:"last_scan,omitempty"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// ChatMessage is one entry in an agent's recent-message log.
type ChatMessage struct {
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Agent describes one coordinated agent.
type Agent struct {
	Name             string     `json:"name"`
	Role             string     `json:"role,omitempty"`
	Status           string     `json:"status"`
	Worktree         string     `json:"worktree,omitempty"`
	Tasks            []Task     `json:"tasks"`
	LastChatActivity *time.Time `json:"last_chat_activity,omitempty"`
}

// Task is a unit of work assigned to an agent.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Assignee    string    `json:"assignee,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Session is a discovered session worktree, possibly mapped to an agent.
type Session struct {
	ID         string          `json:"id"`
	Worktree   string          `json:"worktree"`
	AgentName  string          `json:"agent_name,omitempty"`
	Model      string          `json:"model,omitempty"`
	ChatID     string          `json:"chat_id,omitempty"`
	LastActive time.Time       `json:"last_active"`
	MappedAt   time.Time       `json:"mapped_at,omitempty"` // when AgentName was last decided
	Source     string          `json:"source,omitempty"`    // "marker", "state", "config", ""
	Analytics  json.RawMessage `json:"analytics,omitempty"`
}

// NewDocument returns an empty, initialized document.
func NewDocument() *Document {
	return &Document{
		Agents:      make(map[string]*Agent),
		Sessions:    make(map[string]*Session),
		ChatHistory: make(map[string][]ChatMessage),
	}
}

// AppendChat records a message sent to the named agent, keeping only
// the most recent entries, most recent last.
func (d *Document) AppendChat(agent string, msg ChatMessage) {
	if d.ChatHistory == nil {
		d.ChatHistory = make(map[string][]ChatMessage)
	}
	log := append(d.ChatHistory[agent], msg)
	if len(log) > maxChatHistory {
		log = log[len(log)-maxChatHistory:]
	}
	d.ChatHistory[agent] = log
}

// normalize repairs nil maps and task slices after JSON decoding so
// callers never touch a nil container.
func (d *Document) normalize() {
	if d.Agents == nil {
		d.Agents = make(map[string]*Agent)
	}
	if d.Sessions == nil {
		d.Sessions = make(map[string]*Session)
	}
	if d.ChatHistory == nil {
		d.ChatHistory = make(map[string][]ChatMessage)
	}
	for _, a := range d.Agents {
		if a.Tasks == nil {
			a.Tasks = []Task{}
		}
	}
}

// InProgressTask returns the agent's first in-progress task, if any.
func (a *Agent) InProgressTask() *Task {
	for i := range a.Tasks {
		if a.Tasks[i].Status == TaskInProgress {
			return &a.Tasks[i]
		}
	}
	return nil
}

// DeriveAgentStatus computes the authoritative status for the named
// agent at time now. An agent is working only when it has an
// in-progress task and chat activity within the last 30 minutes. An
// agent with a live session but no qualifying work is idle. Everything
// else is offline.
func DeriveAgentStatus(doc *Document, name string, now time.Time) string {
	agent, ok := doc.Agents[name]
	if !ok {
		return StatusOffline
	}
	active := agent.LastChatActivity != nil && now.Sub(*agent.LastChatActivity) < workingActivityWindow
	if agent.InProgressTask() != nil && active {
		return StatusWorking
	}
	for _, s := range doc.Sessions {
		if s.AgentName == name {
			return StatusIdle
		}
	}
	if active {
		return StatusIdle
	}
	return StatusOffline
}

// EnforceStatuses rewrites every agent's cached status from the
// derivation. Every read and write path calls this before trusting
// the document.
func EnforceStatuses(doc *Document, now time.Time) {
	for name, agent := range doc.Agents {
		agent.Status = DeriveAgentStatus(doc, name, now)
	}
}
