// Package delivery pushes instructions into a running agent session's
// UI through a four-phase automation cascade: window resolution, tab
// resolution, submission, and best-effort verification.
package delivery

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by automation backends on platforms they
// cannot drive.
var ErrUnsupported = errors.New("ui automation not supported on this platform")

// Window is one candidate application window.
type Window struct {
	Index     int
	Title     string
	Frontmost bool
}

// UI abstracts the automation primitives the cascade is built from.
// The production implementation shells out to osascript; tests
// substitute fakes.
type UI interface {
	// Window phase.
	ListWindows(ctx context.Context) ([]Window, error)
	RaiseWindow(ctx context.Context, w Window) error
	FrontWindowTitle(ctx context.Context) (string, error)

	// Tab phase. TabBarText is an OCR read of the visible tab bar;
	// TabTitles queries the accessibility tree; CycleTab advances one
	// tab with the keyboard. ActiveTabTitle is the independent check
	// used to verify whatever a strategy claims.
	TabBarText(ctx context.Context) (string, error)
	TabTitles(ctx context.Context) ([]string, error)
	FocusTab(ctx context.Context, index int) error
	CycleTab(ctx context.Context) error
	ActiveTabTitle(ctx context.Context) (string, error)

	// Submission phase.
	ClearInput(ctx context.Context) error
	InputText(ctx context.Context) (string, error)
	PasteSubmit(ctx context.Context, text string) error
	TypeSubmit(ctx context.Context, text string) error
	MenuPasteSubmit(ctx context.Context, text string) error

	// Verification phase.
	TranscriptTail(ctx context.Context) (string, error)
}
