package delivery

import (
	"path/filepath"
	"strings"
)

// Title match scores, strongest first. Zero means no match. The tiers
// implement the window cascade: a known session id beats everything,
// agent-name matches beat model labels, which beat worktree names.
const (
	scoreSessionID = 120
	scoreExact     = 100
	scoreFirstWord = 80
	scoreModel     = 75
	scoreWorktree  = 70
	scoreFuzzy     = 50
)

// scoreTitle rates how well a window or tab title matches the target.
func scoreTitle(title string, t Target) int {
	lower := strings.ToLower(strings.TrimSpace(title))
	agent := strings.ToLower(strings.TrimSpace(t.Agent))
	if lower == "" {
		return 0
	}
	if chat := strings.ToLower(strings.TrimSpace(t.ChatID)); chat != "" && strings.Contains(lower, chat) {
		return scoreSessionID
	}
	if agent != "" {
		if lower == agent {
			return scoreExact
		}
		if first := strings.Fields(agent); len(first) > 0 && containsWord(lower, first[0]) {
			return scoreFirstWord
		}
	}
	if model := strings.ToLower(strings.TrimSpace(t.Model)); model != "" && strings.Contains(lower, model) {
		return scoreModel
	}
	if t.Worktree != "" {
		base := strings.ToLower(filepath.Base(t.Worktree))
		if base != "" && base != "." && strings.Contains(lower, base) {
			return scoreWorktree
		}
	}
	if agent != "" && strings.Contains(lower, agent) {
		return scoreFuzzy
	}
	return 0
}

// containsWord reports whether text contains word as a whole token.
func containsWord(text, word string) bool {
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/' || r == ':' || r == '.'
	}) {
		if tok == word {
			return true
		}
	}
	return false
}

// bestWindow picks the highest-scoring window; ties prefer the
// frontmost, then the lowest index for determinism.
func bestWindow(windows []Window, t Target) (Window, int) {
	best := Window{Index: -1}
	bestScore := 0
	for _, w := range windows {
		s := scoreTitle(w.Title, t)
		if s == 0 {
			continue
		}
		switch {
		case s > bestScore:
			best, bestScore = w, s
		case s == bestScore && w.Frontmost && !best.Frontmost:
			best = w
		}
	}
	return best, bestScore
}
