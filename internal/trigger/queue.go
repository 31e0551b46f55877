// Package trigger persists the append-only trigger queue and the
// per-agent pending-instruction files that delivery reads from.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drewfead/relay/internal/flock"
	"github.com/drewfead/relay/internal/logging"
)

// Trigger statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNotFound is returned when a trigger ID does not exist.
var ErrNotFound = errors.New("trigger not found")

// Trigger is one dispatch request for an agent.
type Trigger struct {
	ID          int64     `json:"id"`
	Agent       string    `json:"agent"`
	TaskID      string    `json:"task_id,omitempty"`
	Instruction string    `json:"instruction"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Error       string    `json:"error,omitempty"`
}

// queueFile is the on-disk shape of the trigger log.
type queueFile struct {
	Triggers      []Trigger `json:"triggers"`
	LastTriggerID int64     `json:"last_trigger_id"`
}

// Queue is a flock-guarded append-only trigger log plus a directory of
// per-agent pending-instruction markdown files.
type Queue struct {
	path       string
	pendingDir string

	nowFunc func() time.Time
}

// Open prepares the queue, creating the pending directory.
func Open(queuePath, pendingDir string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(queuePath), 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	if err := os.MkdirAll(pendingDir, 0755); err != nil {
		return nil, fmt.Errorf("create pending dir: %w", err)
	}
	return &Queue{path: queuePath, pendingDir: pendingDir, nowFunc: time.Now}, nil
}

// Append records a new pending trigger and writes the agent's
// pending-instruction file. IDs are millisecond-clock values with a
// monotonic floor so concurrent appends never collide backwards.
func (q *Queue) Append(ctx context.Context, agent, taskID, instruction string) (Trigger, error) {
	if agent == "" {
		return Trigger{}, fmt.Errorf("trigger requires an agent")
	}
	if instruction == "" {
		return Trigger{}, fmt.Errorf("trigger requires an instruction")
	}

	var created Trigger
	err := q.update(ctx, func(qf *queueFile) error {
		now := q.nowFunc()
		id := now.UnixMilli()
		if id <= qf.LastTriggerID {
			id = qf.LastTriggerID + 1
		}
		created = Trigger{
			ID:          id,
			Agent:       agent,
			TaskID:      taskID,
			Instruction: instruction,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		qf.Triggers = append(qf.Triggers, created)
		qf.LastTriggerID = id
		return nil
	})
	if err != nil {
		return Trigger{}, err
	}

	if err := q.writePendingFile(created); err != nil {
		logging.Warn("write pending instruction", "agent", agent, "error", err)
	}
	return created, nil
}

// MarkProcessing transitions a trigger to processing.
func (q *Queue) MarkProcessing(ctx context.Context, id int64) error {
	return q.transition(ctx, id, StatusProcessing, "")
}

// MarkCompleted transitions a trigger to completed and removes the
// agent's pending file.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	return q.transition(ctx, id, StatusCompleted, "")
}

// MarkFailed transitions a trigger to failed with an error message and
// removes the agent's pending file.
func (q *Queue) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return q.transition(ctx, id, StatusFailed, errMsg)
}

func (q *Queue) transition(ctx context.Context, id int64, status, errMsg string) error {
	var agent string
	err := q.update(ctx, func(qf *queueFile) error {
		for i := range qf.Triggers {
			if qf.Triggers[i].ID == id {
				qf.Triggers[i].Status = status
				qf.Triggers[i].Error = errMsg
				qf.Triggers[i].UpdatedAt = q.nowFunc()
				agent = qf.Triggers[i].Agent
				return nil
			}
		}
		return fmt.Errorf("trigger %d: %w", id, ErrNotFound)
	})
	if err != nil {
		return err
	}

	if status == StatusCompleted || status == StatusFailed {
		if err := os.Remove(q.pendingPath(agent)); err != nil && !os.IsNotExist(err) {
			logging.Warn("remove pending instruction", "agent", agent, "error", err)
		}
	}
	return nil
}

// Pending returns pending triggers, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Trigger, error) {
	return q.List(ctx, StatusPending)
}

// List returns triggers filtered by status, oldest first. An empty
// status returns everything.
func (q *Queue) List(ctx context.Context, status string) ([]Trigger, error) {
	qf, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []Trigger
	for _, t := range qf.Triggers {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// Get returns one trigger by ID.
func (q *Queue) Get(ctx context.Context, id int64) (Trigger, error) {
	qf, err := q.load(ctx)
	if err != nil {
		return Trigger{}, err
	}
	for _, t := range qf.Triggers {
		if t.ID == id {
			return t, nil
		}
	}
	return Trigger{}, fmt.Errorf("trigger %d: %w", id, ErrNotFound)
}

// PendingInstructionPath returns the agent's pending file path.
func (q *Queue) PendingInstructionPath(agent string) string {
	return q.pendingPath(agent)
}

func (q *Queue) pendingPath(agent string) string {
	return filepath.Join(q.pendingDir, agent+".md")
}

func (q *Queue) writePendingFile(t Trigger) error {
	var header string
	if t.TaskID != "" {
		header = fmt.Sprintf("# Task %s (trigger %d)\n\n", t.TaskID, t.ID)
	} else {
		header = fmt.Sprintf("# Trigger %d\n\n", t.ID)
	}
	return os.WriteFile(q.pendingPath(t.Agent), []byte(header+t.Instruction+"\n"), 0644)
}

// load reads the queue under a shared lock. Missing or empty files
// yield an empty queue. The lock lives on a sidecar file so it keeps
// guarding the path across the rename in update.
func (q *Queue) load(ctx context.Context) (*queueFile, error) {
	lock, err := flock.Shared(ctx, q.path)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	return q.read()
}

// update applies fn under an exclusive lock and atomically rewrites
// the file, so every writer starts from a freshly locked read.
func (q *Queue) update(ctx context.Context, fn func(*queueFile) error) error {
	lock, err := flock.Exclusive(ctx, q.path)
	if err != nil {
		return err
	}
	defer lock.Release()

	qf, err := q.read()
	if err != nil {
		return err
	}
	if err := fn(qf); err != nil {
		return err
	}

	data, err := json.MarshalIndent(qf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trigger queue: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(q.path), ".triggers-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, q.path)
}

// read decodes the queue at the current path. Caller holds the lock.
func (q *Queue) read() (*queueFile, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &queueFile{}, nil
		}
		return nil, fmt.Errorf("read trigger queue: %w", err)
	}
	if len(data) == 0 {
		return &queueFile{}, nil
	}
	var qf queueFile
	if err := json.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("parse trigger queue: %w", err)
	}
	return &qf, nil
}
