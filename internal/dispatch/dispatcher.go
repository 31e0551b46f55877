// Package dispatch watches the shared state document and hands newly
// assigned tasks to delivery, at most once per process lifetime.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drewfead/relay/internal/delivery"
	"github.com/drewfead/relay/internal/eventlog"
	"github.com/drewfead/relay/internal/logging"
	"github.com/drewfead/relay/internal/state"
	"github.com/drewfead/relay/internal/trigger"
)

// DocSource reads and mutates the state document. *state.Store
// satisfies it.
type DocSource interface {
	Load(ctx context.Context) (*state.Document, error)
	Update(ctx context.Context, fn func(*state.Document) error) error
}

// TriggerSink records a dispatch request.
type TriggerSink interface {
	Append(ctx context.Context, agent, taskID, instruction string) (trigger.Trigger, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
}

// Deliverer pushes an instruction into the target session.
type Deliverer interface {
	Deliver(ctx context.Context, t delivery.Target) error
}

// Config tunes the dispatcher.
type Config struct {
	StatePath    string
	Debounce     time.Duration
	PollInterval time.Duration // fallback when fsnotify misses events
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

// Dispatcher runs the watch loop.
type Dispatcher struct {
	cfg      Config
	source   DocSource
	triggers TriggerSink
	deliver  Deliverer
	events   eventlog.Store

	mu         sync.Mutex
	dispatched map[string]bool // task IDs handled this process lifetime
	lastMtime  time.Time
}

// New creates a dispatcher. events may be nil.
func New(cfg Config, source DocSource, triggers TriggerSink, deliver Deliverer, events eventlog.Store) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg.withDefaults(),
		source:     source,
		triggers:   triggers,
		deliver:    deliver,
		events:     events,
		dispatched: make(map[string]bool),
	}
}

// Run watches the state file until ctx is canceled. Write events are
// debounced, then checked against the last processed mtime so
// self-inflicted and duplicate notifications are ignored. When
// fsnotify cannot be established the loop degrades to polling alone.
func (d *Dispatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("fsnotify unavailable, polling only", "error", err)
		return d.runPoll(ctx)
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic renames replace the file
	// inode, which breaks a direct file watch.
	if err := watcher.Add(filepath.Dir(d.cfg.StatePath)); err != nil {
		logging.Warn("watch state dir failed, polling only", "error", err)
		return d.runPoll(ctx)
	}

	fallback := time.NewTicker(d.cfg.PollInterval)
	defer fallback.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return d.runPoll(ctx)
			}
			if filepath.Clean(ev.Name) != filepath.Clean(d.cfg.StatePath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Restart the debounce window on every event.
			if debounce == nil {
				debounce = time.NewTimer(d.cfg.Debounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(d.cfg.Debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return d.runPoll(ctx)
			}
			logging.Warn("watch error", "error", err)

		case <-debounceC:
			debounce = nil
			debounceC = nil
			if d.mtimeAdvanced() {
				if err := d.Pass(ctx); err != nil {
					logging.Error("dispatch pass", "error", err)
				}
			}

		case <-fallback.C:
			if d.mtimeAdvanced() {
				if err := d.Pass(ctx); err != nil {
					logging.Error("dispatch pass", "error", err)
				}
			}
		}
	}
}

// runPoll is the degraded loop used when the watcher cannot start.
func (d *Dispatcher) runPoll(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if d.mtimeAdvanced() {
				if err := d.Pass(ctx); err != nil {
					logging.Error("dispatch pass", "error", err)
				}
			}
		}
	}
}

// mtimeAdvanced reports whether the state file changed since the last
// processed pass, and records the new mtime.
func (d *Dispatcher) mtimeAdvanced() bool {
	info, err := os.Stat(d.cfg.StatePath)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !info.ModTime().After(d.lastMtime) {
		return false
	}
	d.lastMtime = info.ModTime()
	return true
}

// Pass scans the document for pending assigned tasks and dispatches
// each at most once. A task whose owner has no known worktree is
// skipped without being claimed, so it retries once the mapping
// appears. A claimed task is marked in progress on any delivery
// outcome: a failed delivery is recorded, never retried by a later
// pass.
func (d *Dispatcher) Pass(ctx context.Context) error {
	doc, err := d.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	for _, agent := range doc.Agents {
		for _, task := range agent.Tasks {
			if task.Status != state.TaskPending || task.Assignee == "" {
				continue
			}
			owner := doc.Agents[task.Assignee]
			if owner == nil || owner.Worktree == "" {
				logging.Warn("task owner has no worktree, skipping",
					"task", task.ID, "owner", task.Assignee)
				continue
			}
			if !d.claim(task.ID) {
				continue
			}
			d.dispatchTask(ctx, task, sessionFor(doc, task.Assignee), owner.Worktree)
		}
	}
	return nil
}

// sessionFor finds the session mapped to the agent, if any.
func sessionFor(doc *state.Document, agent string) *state.Session {
	for _, s := range doc.Sessions {
		if s.AgentName == agent {
			return s
		}
	}
	return nil
}

// claim marks the task dispatched, returning false when it already was.
func (d *Dispatcher) claim(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatched[taskID] {
		return false
	}
	d.dispatched[taskID] = true
	return true
}

// Dispatched reports whether the task was already handled this
// process lifetime.
func (d *Dispatcher) Dispatched(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatched[taskID]
}

func (d *Dispatcher) dispatchTask(ctx context.Context, task state.Task, sess *state.Session, worktree string) {
	instruction := fmt.Sprintf("Start task %s: %s", task.ID, task.Title)
	if task.Description != "" {
		instruction += "\n\n" + task.Description
	}

	trig, err := d.triggers.Append(ctx, task.Assignee, task.ID, instruction)
	if err != nil {
		logging.Error("enqueue trigger", "task", task.ID, "error", err)
		return
	}
	d.record(ctx, task.Assignee, trig.ID, map[string]any{"task_id": task.ID, "title": task.Title})

	if err := d.triggers.MarkProcessing(ctx, trig.ID); err != nil {
		logging.Warn("mark trigger processing", "trigger", trig.ID, "error", err)
	}

	target := delivery.Target{
		Agent:       task.Assignee,
		Worktree:    worktree,
		Instruction: instruction,
		TriggerID:   trig.ID,
	}
	if sess != nil {
		target.ChatID = sess.ChatID
		target.Model = sess.Model
	}

	deliverErr := d.deliver.Deliver(ctx, target)
	if deliverErr != nil {
		logging.Error("deliver task", "task", task.ID, "agent", task.Assignee, "error", deliverErr)
		if err := d.triggers.MarkFailed(ctx, trig.ID, deliverErr.Error()); err != nil {
			logging.Warn("mark trigger failed", "trigger", trig.ID, "error", err)
		}
	} else if err := d.triggers.MarkCompleted(ctx, trig.ID); err != nil {
		logging.Warn("mark trigger completed", "trigger", trig.ID, "error", err)
	}

	delivered := deliverErr == nil

	// The task leaves PENDING on any outcome: dispatch is attempted
	// once, not until it happens to land.
	if err := d.markInProgress(ctx, task.ID, task.Assignee, instruction, delivered); err != nil {
		logging.Error("mark task in progress", "task", task.ID, "error", err)
	}
}

// markInProgress transitions the task in the shared document and, when
// the instruction landed, records it in the agent's chat history.
func (d *Dispatcher) markInProgress(ctx context.Context, taskID, agent, instruction string, delivered bool) error {
	return d.source.Update(ctx, func(doc *state.Document) error {
		now := time.Now()
		for _, a := range doc.Agents {
			for i := range a.Tasks {
				if a.Tasks[i].ID != taskID {
					continue
				}
				a.Tasks[i].Status = state.TaskInProgress
				a.Tasks[i].UpdatedAt = now
			}
		}
		if delivered {
			doc.AppendChat(agent, state.ChatMessage{Text: instruction, Time: now})
			if a := doc.Agents[agent]; a != nil {
				a.LastChatActivity = &now
			}
		}
		state.EnforceStatuses(doc, now)
		return nil
	})
}

func (d *Dispatcher) record(ctx context.Context, agent string, triggerID int64, detail map[string]any) {
	if d.events == nil {
		return
	}
	_, err := d.events.Append(ctx, eventlog.Event{
		Kind:      eventlog.KindDispatch,
		AgentName: agent,
		TriggerID: triggerID,
		Detail:    eventlog.Detail(detail),
	})
	if err != nil {
		logging.Warn("record dispatch event", "error", err)
	}
}
