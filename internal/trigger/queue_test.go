package trigger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "triggers.json"), filepath.Join(dir, "pending"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func TestAppend(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	tr, err := q.Append(ctx, "ada", "t1", "fix the login bug")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if tr.Status != StatusPending {
		t.Errorf("status = %q, want pending", tr.Status)
	}
	if tr.ID == 0 {
		t.Error("trigger ID not assigned")
	}

	got, err := q.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Agent != "ada" || got.Instruction != "fix the login bug" {
		t.Errorf("got %+v", got)
	}

	data, err := os.ReadFile(q.PendingInstructionPath("ada"))
	if err != nil {
		t.Fatalf("read pending file: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "fix the login bug") {
		t.Errorf("pending file missing instruction: %q", text)
	}
	if !strings.Contains(text, "t1") {
		t.Errorf("pending file missing task ID: %q", text)
	}
}

func TestAppendValidation(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	if _, err := q.Append(ctx, "", "", "do thing"); err == nil {
		t.Error("expected error for empty agent")
	}
	if _, err := q.Append(ctx, "ada", "", ""); err == nil {
		t.Error("expected error for empty instruction")
	}
}

func TestAppendMonotonicIDs(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	// Freeze the clock so wall time alone would collide.
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.nowFunc = func() time.Time { return fixed }

	a, err := q.Append(ctx, "ada", "", "first")
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.Append(ctx, "ada", "", "second")
	if err != nil {
		t.Fatal(err)
	}
	if b.ID <= a.ID {
		t.Errorf("IDs not monotonic: %d then %d", a.ID, b.ID)
	}
}

func TestTransitions(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	tr, err := q.Append(ctx, "ada", "", "do thing")
	if err != nil {
		t.Fatal(err)
	}

	if err := q.MarkProcessing(ctx, tr.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	got, _ := q.Get(ctx, tr.ID)
	if got.Status != StatusProcessing {
		t.Errorf("status = %q, want processing", got.Status)
	}
	// Processing keeps the pending file in place.
	if _, err := os.Stat(q.PendingInstructionPath("ada")); err != nil {
		t.Errorf("pending file gone while processing: %v", err)
	}

	if err := q.MarkCompleted(ctx, tr.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, _ = q.Get(ctx, tr.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if _, err := os.Stat(q.PendingInstructionPath("ada")); !os.IsNotExist(err) {
		t.Error("pending file survived completion")
	}
}

func TestMarkFailed(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	tr, err := q.Append(ctx, "ada", "", "do thing")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkFailed(ctx, tr.ID, "window not found"); err != nil {
		t.Fatal(err)
	}

	got, _ := q.Get(ctx, tr.ID)
	if got.Status != StatusFailed || got.Error != "window not found" {
		t.Errorf("got %+v", got)
	}
	if _, err := os.Stat(q.PendingInstructionPath("ada")); !os.IsNotExist(err) {
		t.Error("pending file survived failure")
	}
}

func TestTransitionNotFound(t *testing.T) {
	q := setupQueue(t)
	err := q.MarkCompleted(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	a, _ := q.Append(ctx, "ada", "", "first")
	b, _ := q.Append(ctx, "bob", "", "second")
	if err := q.MarkCompleted(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("pending = %+v, want just %d", pending, b.ID)
	}

	all, err := q.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("got %d triggers, want 2", len(all))
	}
	// Append order is preserved.
	if all[0].ID != a.ID || all[1].ID != b.ID {
		t.Errorf("order = %d, %d", all[0].ID, all[1].ID)
	}
}

func TestGetNotFound(t *testing.T) {
	q := setupQueue(t)
	if _, err := q.Get(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
