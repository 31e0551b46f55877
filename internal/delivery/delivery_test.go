package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeUI is a scriptable UI backend with per-primitive call counts.
type fakeUI struct {
	windows    []Window
	frontTitle string

	tabBarText string
	tabTitles  []string
	activeTab  string

	inputText  string
	transcript string

	raiseErr     error
	ocrErr       error
	axErr        error
	pasteErr     error
	typeErr      error
	menuPasteErr error
	onPaste      func(text string)

	calls map[string]int
}

func newFakeUI() *fakeUI {
	return &fakeUI{calls: make(map[string]int)}
}

func (f *fakeUI) count(name string) { f.calls[name]++ }

func (f *fakeUI) ListWindows(ctx context.Context) ([]Window, error) {
	f.count("ListWindows")
	return f.windows, nil
}

func (f *fakeUI) RaiseWindow(ctx context.Context, w Window) error {
	f.count("RaiseWindow")
	if f.raiseErr != nil {
		return f.raiseErr
	}
	f.frontTitle = w.Title
	return nil
}

func (f *fakeUI) FrontWindowTitle(ctx context.Context) (string, error) {
	f.count("FrontWindowTitle")
	return f.frontTitle, nil
}

func (f *fakeUI) TabBarText(ctx context.Context) (string, error) {
	f.count("TabBarText")
	return f.tabBarText, f.ocrErr
}

func (f *fakeUI) TabTitles(ctx context.Context) ([]string, error) {
	f.count("TabTitles")
	return f.tabTitles, f.axErr
}

func (f *fakeUI) FocusTab(ctx context.Context, index int) error {
	f.count("FocusTab")
	if index >= 0 && index < len(f.tabTitles) {
		f.activeTab = f.tabTitles[index]
	}
	return nil
}

func (f *fakeUI) CycleTab(ctx context.Context) error {
	f.count("CycleTab")
	if len(f.tabTitles) == 0 {
		return nil
	}
	for i, title := range f.tabTitles {
		if title == f.activeTab {
			f.activeTab = f.tabTitles[(i+1)%len(f.tabTitles)]
			return nil
		}
	}
	f.activeTab = f.tabTitles[0]
	return nil
}

func (f *fakeUI) ActiveTabTitle(ctx context.Context) (string, error) {
	f.count("ActiveTabTitle")
	return f.activeTab, nil
}

func (f *fakeUI) ClearInput(ctx context.Context) error {
	f.count("ClearInput")
	f.inputText = ""
	return nil
}

func (f *fakeUI) InputText(ctx context.Context) (string, error) {
	f.count("InputText")
	return f.inputText, nil
}

func (f *fakeUI) PasteSubmit(ctx context.Context, text string) error {
	f.count("PasteSubmit")
	if f.pasteErr != nil {
		return f.pasteErr
	}
	if f.onPaste != nil {
		f.onPaste(text)
	}
	return nil
}

func (f *fakeUI) TypeSubmit(ctx context.Context, text string) error {
	f.count("TypeSubmit")
	return f.typeErr
}

func (f *fakeUI) MenuPasteSubmit(ctx context.Context, text string) error {
	f.count("MenuPasteSubmit")
	return f.menuPasteErr
}

func (f *fakeUI) TranscriptTail(ctx context.Context) (string, error) {
	f.count("TranscriptTail")
	return f.transcript, nil
}

func testTarget() Target {
	return Target{
		Agent:       "ada",
		Worktree:    "/work/feature-auth",
		Instruction: "Start task t1: fix login",
		TriggerID:   1,
	}
}

// happyUI is set up so every phase succeeds on the first try.
func happyUI() *fakeUI {
	ui := newFakeUI()
	ui.windows = []Window{
		{Index: 0, Title: "scratch"},
		{Index: 1, Title: "ada", Frontmost: false},
	}
	ui.tabTitles = []string{"other", "ada"}
	ui.activeTab = "ada"
	return ui
}

func newTestPipeline(ui UI, opts Options) *Pipeline {
	p := New(ui, nil, opts)
	p.sleep = func(time.Duration) {}
	return p
}

func TestDeliverHappyPath(t *testing.T) {
	ui := happyUI()
	p := newTestPipeline(ui, Options{})

	if err := p.Deliver(context.Background(), testTarget()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ui.calls["PasteSubmit"] != 1 {
		t.Errorf("PasteSubmit called %d times, want 1", ui.calls["PasteSubmit"])
	}
	if ui.calls["TypeSubmit"] != 0 {
		t.Error("fallback strategy ran after paste succeeded")
	}
	if ui.frontTitle != "ada" {
		t.Errorf("front window = %q, want ada", ui.frontTitle)
	}
}

func TestDeliverRequiresTarget(t *testing.T) {
	p := newTestPipeline(happyUI(), Options{})
	if err := p.Deliver(context.Background(), Target{Agent: "ada"}); err == nil {
		t.Error("expected error for empty instruction")
	}
	if err := p.Deliver(context.Background(), Target{Instruction: "x"}); err == nil {
		t.Error("expected error for empty agent")
	}
}

// A destination nothing matches still gets the instruction: the first
// available window is the last resort.
func TestDeliverFallsBackToFirstWindow(t *testing.T) {
	ui := happyUI()
	ui.windows = []Window{{Index: 0, Title: "unrelated"}}
	p := newTestPipeline(ui, Options{MaxAttempts: 2})

	if err := p.Deliver(context.Background(), testTarget()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ui.frontTitle != "unrelated" {
		t.Errorf("front window = %q, want the first available", ui.frontTitle)
	}
}

// With no windows at all, resolution fails once and is terminal: the
// submission phases never run and nothing is retried.
func TestDeliverNoWindowsTerminal(t *testing.T) {
	ui := happyUI()
	ui.windows = nil
	var slept []time.Duration
	p := New(ui, nil, Options{MaxAttempts: 3, Backoff: 2 * time.Second})
	p.sleep = func(d time.Duration) { slept = append(slept, d) }

	err := p.Deliver(context.Background(), testTarget())
	if err == nil {
		t.Fatal("expected error with no windows")
	}
	if !strings.Contains(err.Error(), "no windows available") {
		t.Errorf("error = %v", err)
	}
	if ui.calls["ListWindows"] != 1 {
		t.Errorf("ListWindows called %d times, want 1", ui.calls["ListWindows"])
	}
	if len(slept) != 0 {
		t.Errorf("slept %v, want no retries after a resolution failure", slept)
	}
	if ui.calls["PasteSubmit"] != 0 {
		t.Error("submission ran without a resolved window")
	}
}

func TestTabVerificationCatchesLyingStrategy(t *testing.T) {
	ui := happyUI()
	// OCR misreads the tab bar: it sees the agent's name at position 1,
	// but the real tab there belongs to someone else, so focusing lands
	// on the wrong tab. No other strategy can find the agent either.
	ui.tabBarText = "other ada"
	ui.tabTitles = []string{"other", "scratch"}
	ui.activeTab = "other"
	p := newTestPipeline(ui, Options{MaxAttempts: 1, MaxTabCycles: 3})

	err := p.Deliver(context.Background(), testTarget())
	if err == nil {
		t.Fatal("expected failure when no strategy lands on the tab")
	}
	if !strings.Contains(err.Error(), "claimed success") {
		t.Errorf("error should report the rejected claim: %v", err)
	}
	// Every strategy's claim must have been independently checked.
	if ui.calls["ActiveTabTitle"] == 0 {
		t.Error("active tab never checked")
	}
}

func TestTabFallbackToAccessibility(t *testing.T) {
	ui := happyUI()
	ui.ocrErr = errors.New("tesseract not installed")
	ui.activeTab = "other"
	p := newTestPipeline(ui, Options{})

	if err := p.Deliver(context.Background(), testTarget()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ui.calls["TabTitles"] == 0 {
		t.Error("accessibility strategy never tried after OCR failure")
	}
	if ui.activeTab != "ada" {
		t.Errorf("active tab = %q, want ada", ui.activeTab)
	}
}

func TestTabFallbackToCycling(t *testing.T) {
	ui := happyUI()
	ui.ocrErr = errors.New("no screen capture")
	ui.axErr = errors.New("no accessibility permission")
	ui.activeTab = "other"
	p := newTestPipeline(ui, Options{})

	if err := p.Deliver(context.Background(), testTarget()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ui.calls["CycleTab"] == 0 {
		t.Error("cycling never tried")
	}
	if ui.activeTab != "ada" {
		t.Errorf("active tab = %q, want ada", ui.activeTab)
	}
}

func TestSubmitFallback(t *testing.T) {
	ui := happyUI()
	ui.pasteErr = errors.New("clipboard busy")
	p := newTestPipeline(ui, Options{})

	if err := p.Deliver(context.Background(), testTarget()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ui.calls["TypeSubmit"] != 1 {
		t.Errorf("TypeSubmit called %d times, want 1", ui.calls["TypeSubmit"])
	}
	if ui.calls["MenuPasteSubmit"] != 0 {
		t.Error("menu paste ran after typing succeeded")
	}
}

func TestVerifyInstructionStuckInInput(t *testing.T) {
	ui := happyUI()
	target := testTarget()
	// Every submit strategy "succeeds" but the text never leaves the
	// input field.
	ui.onPaste = func(text string) { ui.inputText = text }
	p := newTestPipeline(ui, Options{MaxAttempts: 2})

	err := p.Deliver(context.Background(), target)
	if err == nil {
		t.Fatal("expected verification failure")
	}
	if !strings.Contains(err.Error(), "still in input") {
		t.Errorf("error = %v, want instruction-still-in-input", err)
	}
	if ui.calls["PasteSubmit"] != 2 {
		t.Errorf("PasteSubmit called %d times, want one per attempt", ui.calls["PasteSubmit"])
	}
	if ui.calls["ListWindows"] != 1 {
		t.Errorf("ListWindows called %d times; submission retries must not re-resolve", ui.calls["ListWindows"])
	}
}

// Submission failures retry with linear backoff against the already
// resolved destination.
func TestRetryBackoff(t *testing.T) {
	ui := happyUI()
	ui.pasteErr = errors.New("clipboard busy")
	ui.typeErr = errors.New("keystrokes blocked")
	ui.menuPasteErr = errors.New("menu missing")
	var slept []time.Duration
	p := New(ui, nil, Options{MaxAttempts: 3, Backoff: 2 * time.Second})
	p.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := p.Deliver(context.Background(), testTarget()); err == nil {
		t.Fatal("expected failure")
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, slept[i], want[i])
		}
	}
	if ui.calls["ListWindows"] != 1 {
		t.Errorf("ListWindows called %d times; submission retries must not re-resolve", ui.calls["ListWindows"])
	}
}

func TestScoreTitle(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		target Target
		want   int
	}{
		{"exact", "ada", Target{Agent: "ada"}, scoreExact},
		{"exact case-insensitive", "Ada", Target{Agent: "ada"}, scoreExact},
		{"session id", "tab 42ab", Target{Agent: "ada", ChatID: "42ab"}, scoreSessionID},
		{"session id beats exact agent", "ada session 42ab", Target{Agent: "ada", ChatID: "42ab"}, scoreSessionID},
		{"first word token", "ada - feature-auth", Target{Agent: "ada"}, scoreFirstWord},
		{"model label", "claude opus", Target{Agent: "nell", Model: "opus"}, scoreModel},
		{"worktree basename", "cursor: feature-auth", Target{Agent: "ada", Worktree: "/work/feature-auth"}, scoreWorktree},
		{"fuzzy substring", "workspace-adapted", Target{Agent: "ada"}, scoreFuzzy},
		{"no match", "unrelated", Target{Agent: "ada"}, 0},
		{"empty title", "", Target{Agent: "ada"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreTitle(tt.title, tt.target); got != tt.want {
				t.Errorf("scoreTitle(%q) = %d, want %d", tt.title, got, tt.want)
			}
		})
	}
}

func TestBestWindowPrefersSessionID(t *testing.T) {
	windows := []Window{
		{Index: 0, Title: "ada"},
		{Index: 1, Title: "session 42ab"},
	}
	best, score := bestWindow(windows, Target{Agent: "ada", ChatID: "42ab"})
	if score != scoreSessionID {
		t.Fatalf("score = %d, want %d", score, scoreSessionID)
	}
	if best.Index != 1 {
		t.Errorf("picked window %d, want the session-id match", best.Index)
	}
}

func TestBestWindowPrefersFrontmostOnTie(t *testing.T) {
	windows := []Window{
		{Index: 0, Title: "ada"},
		{Index: 1, Title: "ada", Frontmost: true},
	}
	best, score := bestWindow(windows, Target{Agent: "ada"})
	if score != scoreExact {
		t.Fatalf("score = %d", score)
	}
	if best.Index != 1 {
		t.Errorf("picked window %d, want the frontmost", best.Index)
	}
}
