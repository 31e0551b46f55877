package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/drewfead/relay/internal/executil"
)

// MacUI drives a macOS application through osascript and the
// accessibility APIs exposed by System Events.
type MacUI struct {
	// App is the automated application's name, e.g. "Cursor".
	App string
}

// NewMacUI creates the osascript-backed UI for the named application.
func NewMacUI(app string) *MacUI {
	return &MacUI{App: app}
}

func (u *MacUI) guard() error {
	if runtime.GOOS != "darwin" {
		return ErrUnsupported
	}
	return nil
}

func (u *MacUI) osascript(ctx context.Context, script string) (string, error) {
	if err := u.guard(); err != nil {
		return "", err
	}
	out, err := executil.Output(ctx, "osascript", "-e", script)
	return strings.TrimRight(out, "\n"), err
}

func (u *MacUI) ListWindows(ctx context.Context) ([]Window, error) {
	script := fmt.Sprintf(`
tell application "System Events"
	tell process "%s"
		set out to ""
		set idx to 0
		repeat with w in windows
			set idx to idx + 1
			set front to "0"
			if idx is 1 then set front to "1"
			set out to out & idx & "|" & front & "|" & (name of w) & linefeed
		end repeat
		return out
	end tell
end tell`, escapeAppleScript(u.App))

	out, err := u.osascript(ctx, script)
	if err != nil {
		return nil, err
	}
	var windows []Window
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		windows = append(windows, Window{
			Index:     idx,
			Frontmost: parts[1] == "1",
			Title:     parts[2],
		})
	}
	return windows, nil
}

func (u *MacUI) RaiseWindow(ctx context.Context, w Window) error {
	script := fmt.Sprintf(`
tell application "%s" to activate
tell application "System Events"
	tell process "%s"
		perform action "AXRaise" of window %d
	end tell
end tell`, escapeAppleScript(u.App), escapeAppleScript(u.App), w.Index)
	_, err := u.osascript(ctx, script)
	return err
}

func (u *MacUI) FrontWindowTitle(ctx context.Context) (string, error) {
	script := fmt.Sprintf(`
tell application "System Events"
	tell process "%s"
		return name of front window
	end tell
end tell`, escapeAppleScript(u.App))
	return u.osascript(ctx, script)
}

// TabBarText captures the front window and runs OCR over it. Requires
// the tesseract binary; its absence just fails this strategy and the
// cascade moves on.
func (u *MacUI) TabBarText(ctx context.Context) (string, error) {
	if err := u.guard(); err != nil {
		return "", err
	}
	shot := filepath.Join(os.TempDir(), fmt.Sprintf("relay-tabbar-%d.png", os.Getpid()))
	defer os.Remove(shot)

	if _, err := executil.Output(ctx, "screencapture", "-x", shot); err != nil {
		return "", fmt.Errorf("screencapture: %w", err)
	}
	out, err := executil.Output(ctx, "tesseract", shot, "stdout")
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return out, nil
}

func (u *MacUI) TabTitles(ctx context.Context) ([]string, error) {
	script := fmt.Sprintf(`
tell application "System Events"
	tell process "%s"
		set out to ""
		repeat with t in (radio buttons of tab group 1 of front window)
			set out to out & (name of t) & linefeed
		end repeat
		return out
	end tell
end tell`, escapeAppleScript(u.App))

	out, err := u.osascript(ctx, script)
	if err != nil {
		return nil, err
	}
	var titles []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			titles = append(titles, line)
		}
	}
	return titles, nil
}

func (u *MacUI) FocusTab(ctx context.Context, index int) error {
	// Tab shortcuts are 1-based cmd+number.
	script := fmt.Sprintf(`
tell application "%s" to activate
tell application "System Events"
	keystroke "%d" using command down
end tell`, escapeAppleScript(u.App), index+1)
	_, err := u.osascript(ctx, script)
	return err
}

func (u *MacUI) CycleTab(ctx context.Context) error {
	script := fmt.Sprintf(`
tell application "%s" to activate
tell application "System Events"
	key code 48 using control down
end tell`, escapeAppleScript(u.App))
	_, err := u.osascript(ctx, script)
	return err
}

func (u *MacUI) ActiveTabTitle(ctx context.Context) (string, error) {
	return u.FrontWindowTitle(ctx)
}

func (u *MacUI) ClearInput(ctx context.Context) error {
	script := fmt.Sprintf(`
tell application "%s" to activate
tell application "System Events"
	keystroke "a" using command down
	delay 0.1
	key code 51
end tell`, escapeAppleScript(u.App))
	_, err := u.osascript(ctx, script)
	return err
}

func (u *MacUI) InputText(ctx context.Context) (string, error) {
	script := fmt.Sprintf(`
tell application "System Events"
	tell process "%s"
		try
			return value of text area 1 of front window
		on error
			return ""
		end try
	end tell
end tell`, escapeAppleScript(u.App))
	return u.osascript(ctx, script)
}

// PasteSubmit routes the instruction through the clipboard and presses
// return. Large instructions survive this path where direct keystroke
// typing drops characters.
func (u *MacUI) PasteSubmit(ctx context.Context, text string) error {
	if err := u.setClipboard(ctx, text); err != nil {
		return err
	}
	script := fmt.Sprintf(`
tell application "%s" to activate
tell application "System Events"
	keystroke "v" using command down
	delay 0.2
	keystroke return
end tell`, escapeAppleScript(u.App))
	_, err := u.osascript(ctx, script)
	return err
}

func (u *MacUI) TypeSubmit(ctx context.Context, text string) error {
	script := fmt.Sprintf(`
tell application "%s" to activate
tell application "System Events"
	keystroke "%s"
	delay 0.2
	keystroke return
end tell`, escapeAppleScript(u.App), escapeAppleScript(text))
	_, err := u.osascript(ctx, script)
	return err
}

func (u *MacUI) MenuPasteSubmit(ctx context.Context, text string) error {
	if err := u.setClipboard(ctx, text); err != nil {
		return err
	}
	script := fmt.Sprintf(`
tell application "%s" to activate
tell application "System Events"
	tell process "%s"
		click menu item "Paste" of menu "Edit" of menu bar 1
	end tell
	delay 0.2
	keystroke return
end tell`, escapeAppleScript(u.App), escapeAppleScript(u.App))
	_, err := u.osascript(ctx, script)
	return err
}

func (u *MacUI) TranscriptTail(ctx context.Context) (string, error) {
	script := fmt.Sprintf(`
tell application "System Events"
	tell process "%s"
		try
			set v to value of text area 2 of front window
		on error
			return ""
		end try
		if length of v > 500 then
			return text -500 thru -1 of v
		end if
		return v
	end tell
end tell`, escapeAppleScript(u.App))
	return u.osascript(ctx, script)
}

func (u *MacUI) setClipboard(ctx context.Context, text string) error {
	if err := u.guard(); err != nil {
		return err
	}
	cmd, err := executil.CommandContext(ctx, "pbcopy")
	if err != nil {
		return err
	}
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pbcopy: %w", err)
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}
