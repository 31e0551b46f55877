package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drewfead/relay/internal/eventlog"
	"github.com/drewfead/relay/internal/logging"
)

// Target identifies where an instruction must land. ChatID and Model
// sharpen window and tab matching when the session roster knows them.
type Target struct {
	Agent       string
	Worktree    string
	ChatID      string
	Model       string
	Instruction string
	TriggerID   int64
}

// Options tunes the cascade.
type Options struct {
	MaxAttempts  int
	Backoff      time.Duration // linear: Backoff * attempt number
	MaxTabCycles int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.MaxTabCycles <= 0 {
		o.MaxTabCycles = 10
	}
	return o
}

// Pipeline runs the delivery cascade against a UI backend.
type Pipeline struct {
	ui     UI
	events eventlog.Store
	opts   Options

	sleep func(time.Duration)
}

// New creates a pipeline. events may be nil to skip audit logging.
func New(ui UI, events eventlog.Store, opts Options) *Pipeline {
	return &Pipeline{
		ui:     ui,
		events: events,
		opts:   opts.withDefaults(),
		sleep:  time.Sleep,
	}
}

// Deliver pushes the instruction into the target session. Window and
// tab resolution run once and are terminal on failure: a destination
// that cannot be found now will not appear because we typed at it
// again. Submission and verification are the phases worth retrying,
// with linear backoff up to the configured bound.
func (p *Pipeline) Deliver(ctx context.Context, t Target) error {
	if t.Agent == "" || t.Instruction == "" {
		return fmt.Errorf("delivery requires agent and instruction")
	}

	window, err := p.resolveWindow(ctx, t)
	if err != nil {
		err = fmt.Errorf("window: %w", err)
		p.record(ctx, t, uuid.NewString(), map[string]any{"phase": "window", "error": err.Error()})
		return fmt.Errorf("delivery to %s: %w", t.Agent, err)
	}

	if err := p.resolveTab(ctx, t); err != nil {
		err = fmt.Errorf("tab: %w", err)
		p.record(ctx, t, uuid.NewString(), map[string]any{"phase": "tab", "error": err.Error()})
		return fmt.Errorf("delivery to %s: %w", t.Agent, err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			p.sleep(p.opts.Backoff * time.Duration(attempt-1))
		}

		attemptID := uuid.NewString()
		start := time.Now()
		err := p.submitAndVerify(ctx, t, window)
		p.record(ctx, t, attemptID, map[string]any{
			"attempt":     attempt,
			"duration_ms": time.Since(start).Milliseconds(),
			"error":       errString(err),
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logging.Warn("submission attempt failed",
			"agent", t.Agent, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("delivery to %s: %w", t.Agent, lastErr)
}

// submitAndVerify runs the two retryable phases against the already
// resolved destination.
func (p *Pipeline) submitAndVerify(ctx context.Context, t Target, window Window) error {
	// Capture pre-submit evidence for the verification phase.
	beforeTitle := window.Title
	beforeTail, _ := p.ui.TranscriptTail(ctx)

	strategy, err := p.submit(ctx, t)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	if err := p.verify(ctx, t, beforeTitle, beforeTail); err != nil {
		return fmt.Errorf("verify (via %s): %w", strategy, err)
	}
	return nil
}

// resolveWindow scores candidate windows, raises the best one, and
// confirms the raise by re-reading the frontmost title. When nothing
// scores, the first window is taken as a last resort rather than
// stranding the instruction.
func (p *Pipeline) resolveWindow(ctx context.Context, t Target) (Window, error) {
	windows, err := p.ui.ListWindows(ctx)
	if err != nil {
		return Window{}, err
	}
	if len(windows) == 0 {
		return Window{}, fmt.Errorf("no windows available")
	}
	best, score := bestWindow(windows, t)
	if score == 0 {
		logging.Warn("no window matches, using first available",
			"agent", t.Agent, "window", windows[0].Title)
		best = windows[0]
	}

	if err := p.ui.RaiseWindow(ctx, best); err != nil {
		return Window{}, fmt.Errorf("raise %q: %w", best.Title, err)
	}

	front, err := p.ui.FrontWindowTitle(ctx)
	if err != nil {
		return Window{}, fmt.Errorf("confirm raise: %w", err)
	}
	if score > 0 {
		if scoreTitle(front, t) == 0 {
			return Window{}, fmt.Errorf("raised window %q but front is %q", best.Title, front)
		}
	} else if front != best.Title {
		return Window{}, fmt.Errorf("raised window %q but front is %q", best.Title, front)
	}
	return best, nil
}

// resolveTab tries each tab strategy in order, short-circuiting on the
// first whose claim survives the independent active-tab check. A
// strategy never verifies itself. The whole cascade is retried a few
// times with linear backoff before giving up.
func (p *Pipeline) resolveTab(ctx context.Context, t Target) error {
	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			p.sleep(p.opts.Backoff * time.Duration(attempt-1))
		}
		if err := p.tabCascade(ctx, t); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (p *Pipeline) tabCascade(ctx context.Context, t Target) error {
	strategies := []struct {
		name string
		run  func(context.Context, Target) error
	}{
		{"ocr", p.tabByOCR},
		{"accessibility", p.tabByAccessibility},
		{"cycle", p.tabByCycling},
	}

	var errs []string
	for _, s := range strategies {
		if err := s.run(ctx, t); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.name, err))
			continue
		}
		active, err := p.ui.ActiveTabTitle(ctx)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: check: %v", s.name, err))
			continue
		}
		if scoreTitle(active, t) > 0 {
			return nil
		}
		errs = append(errs, fmt.Sprintf("%s: claimed success but active tab is %q", s.name, active))
	}
	return fmt.Errorf("all strategies failed: %s", strings.Join(errs, "; "))
}

// tabByOCR reads the visible tab bar text and focuses the tab whose
// label matches, by position in the recognized text.
func (p *Pipeline) tabByOCR(ctx context.Context, t Target) error {
	text, err := p.ui.TabBarText(ctx)
	if err != nil {
		return err
	}
	labels := strings.Fields(text)
	for i, label := range labels {
		if scoreTitle(label, t) > 0 {
			return p.ui.FocusTab(ctx, i)
		}
	}
	return fmt.Errorf("agent %q not visible in tab bar", t.Agent)
}

// tabByAccessibility queries the accessibility tree for tab titles.
func (p *Pipeline) tabByAccessibility(ctx context.Context, t Target) error {
	titles, err := p.ui.TabTitles(ctx)
	if err != nil {
		return err
	}
	bestIdx, bestScore := -1, 0
	for i, title := range titles {
		if s := scoreTitle(title, t); s > bestScore {
			bestIdx, bestScore = i, s
		}
	}
	if bestIdx < 0 {
		return fmt.Errorf("agent %q not in accessibility tree", t.Agent)
	}
	return p.ui.FocusTab(ctx, bestIdx)
}

// tabByCycling advances through tabs with the keyboard, checking the
// active title after each step, bounded by MaxTabCycles.
func (p *Pipeline) tabByCycling(ctx context.Context, t Target) error {
	for i := 0; i < p.opts.MaxTabCycles; i++ {
		active, err := p.ui.ActiveTabTitle(ctx)
		if err != nil {
			return err
		}
		if scoreTitle(active, t) > 0 {
			return nil
		}
		if err := p.ui.CycleTab(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("agent %q not found in %d tab cycles", t.Agent, p.opts.MaxTabCycles)
}

// submit clears the input field, double-checks it is empty, then tries
// each submission strategy in order. Returns the strategy that
// reported success.
func (p *Pipeline) submit(ctx context.Context, t Target) (string, error) {
	if err := p.ui.ClearInput(ctx); err != nil {
		return "", fmt.Errorf("clear input: %w", err)
	}
	// The clear is re-checked before typing: submitting into a field
	// holding leftover text corrupts the instruction.
	for i := 0; i < 2; i++ {
		text, err := p.ui.InputText(ctx)
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			break
		}
		if i == 1 {
			return "", fmt.Errorf("input field not empty after clear: %q", text)
		}
		if err := p.ui.ClearInput(ctx); err != nil {
			return "", fmt.Errorf("clear input: %w", err)
		}
	}

	strategies := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"paste", p.ui.PasteSubmit},
		{"type", p.ui.TypeSubmit},
		{"menu-paste", p.ui.MenuPasteSubmit},
	}

	var errs []string
	for _, s := range strategies {
		if err := s.run(ctx, t.Instruction); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.name, err))
			continue
		}
		return s.name, nil
	}
	return "", fmt.Errorf("all strategies failed: %s", strings.Join(errs, "; "))
}

// transcriptGrowth is the minimum transcript tail growth accepted as
// positive delivery evidence.
const transcriptGrowth = 50

// verify gathers best-effort evidence that the submission landed.
// Positive evidence of failure (the instruction still sitting in the
// input field) fails the attempt; mere absence of evidence does not.
func (p *Pipeline) verify(ctx context.Context, t Target, beforeTitle, beforeTail string) error {
	if text, err := p.ui.InputText(ctx); err == nil {
		trimmed := strings.TrimSpace(text)
		if trimmed != "" && strings.HasPrefix(t.Instruction, trimmed[:min(len(trimmed), 40)]) {
			return fmt.Errorf("instruction still in input field")
		}
		if trimmed == "" {
			return nil
		}
	}
	if title, err := p.ui.FrontWindowTitle(ctx); err == nil && title != beforeTitle {
		return nil
	}
	if tail, err := p.ui.TranscriptTail(ctx); err == nil && len(tail)-len(beforeTail) >= transcriptGrowth {
		return nil
	}
	// No positive evidence either way: trust the submission phase.
	return nil
}

func (p *Pipeline) record(ctx context.Context, t Target, attemptID string, detail map[string]any) {
	if p.events == nil {
		return
	}
	_, err := p.events.Append(ctx, eventlog.Event{
		Kind:      eventlog.KindDelivery,
		AgentName: t.Agent,
		TriggerID: t.TriggerID,
		AttemptID: attemptID,
		Detail:    eventlog.Detail(detail),
	})
	if err != nil {
		logging.Warn("record delivery event", "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
