// Package scanner discovers agent session worktrees and their identity
// markers from the filesystem.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/drewfead/relay/internal/config"
	"github.com/drewfead/relay/internal/logging"
)

// Marker is a session's self-reported identity, stored as JSON in the
// marker file at the worktree root.
type Marker struct {
	AgentName string    `json:"agent_name"`
	Role      string    `json:"role,omitempty"`
	Model     string    `json:"model,omitempty"`
	ChatID    string    `json:"chat_id,omitempty"`
	WrittenAt time.Time `json:"written_at"`
}

// SessionInfo is one discovered session worktree.
type SessionInfo struct {
	ID            string // directory basename
	Path          string
	LastActive    time.Time // directory mtime
	Marker        *Marker   // nil when absent or unreadable
	MarkerModTime time.Time // zero when Marker is nil
}

// Scanner enumerates session worktrees under the configured root.
type Scanner struct {
	cfg config.SessionsConfig
}

// New creates a scanner for the given session settings.
func New(cfg config.SessionsConfig) *Scanner {
	return &Scanner{cfg: cfg}
}

// Scan lists every immediate subdirectory of the sessions root as a
// candidate session. Unreadable entries are logged and skipped; a
// missing root yields an empty result, not an error.
func (s *Scanner) Scan(ctx context.Context) ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions root: %w", err)
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.cfg.Root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logging.Warn("stat session dir", "path", path, "error", err)
			continue
		}

		session := SessionInfo{
			ID:         entry.Name(),
			Path:       path,
			LastActive: info.ModTime(),
		}

		markerPath := filepath.Join(path, s.cfg.MarkerFile)
		if marker, modTime, err := readMarker(markerPath); err == nil {
			session.Marker = marker
			session.MarkerModTime = modTime
		} else if !os.IsNotExist(err) {
			logging.Warn("read identity marker", "path", markerPath, "error", err)
		}

		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Active selects the active set: the union of every session within the
// activity threshold and the top-N most recently modified, newest
// first. Union, not intersection — a long-idle session that is still
// among the most recent survives the threshold, and a burst of recent
// sessions beyond N all survive the truncation.
func (s *Scanner) Active(sessions []SessionInfo, now time.Time) []SessionInfo {
	sorted := make([]SessionInfo, len(sessions))
	copy(sorted, sessions)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.LastActive.Equal(b.LastActive) {
			return a.LastActive.After(b.LastActive)
		}
		return a.ID < b.ID
	})

	var active []SessionInfo
	for i, sess := range sorted {
		withinThreshold := now.Sub(sess.LastActive) <= s.cfg.ActiveThreshold
		inTopN := s.cfg.TopN > 0 && i < s.cfg.TopN
		if withinThreshold || inTopN {
			active = append(active, sess)
		}
	}
	return active
}

// SameWorkingSession reports whether the sessions look like one
// working session: all modification times fall within the configured
// cluster window of the newest. Tools that touch several worktrees in
// one burst produce exactly this signature.
func (s *Scanner) SameWorkingSession(sessions []SessionInfo) bool {
	if len(sessions) < 2 || s.cfg.ClusterWindow <= 0 {
		return false
	}
	newest := sessions[0].LastActive
	for _, sess := range sessions[1:] {
		if sess.LastActive.After(newest) {
			newest = sess.LastActive
		}
	}
	for _, sess := range sessions {
		if newest.Sub(sess.LastActive) > s.cfg.ClusterWindow {
			return false
		}
	}
	return true
}

// readMarker parses a marker file, returning its mtime alongside.
func readMarker(path string) (*Marker, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse marker %s: %w", path, err)
	}
	if m.AgentName == "" {
		return nil, time.Time{}, fmt.Errorf("marker %s has no agent_name", path)
	}
	return &m, info.ModTime(), nil
}

// WriteMarker writes a session's identity marker, overwriting any
// existing one.
func WriteMarker(worktree, markerFile string, m Marker) error {
	if m.AgentName == "" {
		return fmt.Errorf("marker requires an agent name")
	}
	if m.WrittenAt.IsZero() {
		m.WrittenAt = time.Now()
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(worktree, markerFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}
