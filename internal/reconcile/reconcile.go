// Package reconcile merges scanned sessions into the shared state
// document, resolving session identity from marker files.
package reconcile

import (
	"path/filepath"
	"time"

	"github.com/drewfead/relay/internal/config"
	"github.com/drewfead/relay/internal/logging"
	"github.com/drewfead/relay/internal/scanner"
	"github.com/drewfead/relay/internal/state"
)

// MarkerWriter writes an identity marker into a session worktree. The
// reconciler uses it to heal sessions whose marker file is missing but
// whose identity is already known from prior state.
type MarkerWriter interface {
	WriteMarker(worktree string, m scanner.Marker) error
}

// FileMarkerWriter writes markers to the configured marker filename.
type FileMarkerWriter struct {
	MarkerFile string
}

func (w FileMarkerWriter) WriteMarker(worktree string, m scanner.Marker) error {
	return scanner.WriteMarker(worktree, w.MarkerFile, m)
}

// Result summarizes one reconciliation pass.
type Result struct {
	Sessions    int // sessions recorded
	FromMarker  int // identities adopted from a fresh marker
	WrittenBack int // markers rewritten from prior state
	Unassigned  int // sessions with no known identity
	ForcedIn    int // configured agents inserted
}

// Reconciler merges scan results into the document.
type Reconciler struct {
	forceAgents []config.AgentConfig
	markers     MarkerWriter
}

// New creates a reconciler. markers may be nil to disable write-back.
func New(forceAgents []config.AgentConfig, markers MarkerWriter) *Reconciler {
	return &Reconciler{forceAgents: forceAgents, markers: markers}
}

// Reconcile merges sessions into doc. Identity resolution per session:
//
//  1. A marker newer than the stored mapping wins (ties prefer the
//     marker: self-reported identity is authoritative).
//  2. A stored mapping with no fresh marker is kept, and the marker
//     file is rewritten to match.
//  3. Neither: the session is recorded unassigned.
//
// Duplicate worktree paths collapse to the most recently active
// session. Configured agents are inserted when absent; one declaring a
// worktree the scan did not surface gets a configuration-sourced
// session record so it stays visible. The pass is idempotent: running
// it twice with the same inputs changes nothing.
func (r *Reconciler) Reconcile(doc *state.Document, sessions []scanner.SessionInfo, now time.Time) Result {
	var res Result

	byWorktree := dedupeByWorktree(sessions)
	seen := make(map[string]bool, len(byWorktree))

	for _, sess := range byWorktree {
		seen[sess.ID] = true
		prior := doc.Sessions[sess.ID]

		rec := &state.Session{
			ID:         sess.ID,
			Worktree:   sess.Path,
			LastActive: sess.LastActive,
		}

		if prior != nil {
			// Fields the scan can't observe survive from prior state.
			rec.Model = prior.Model
			rec.ChatID = prior.ChatID
			rec.Analytics = prior.Analytics
		}

		switch {
		case sess.Marker != nil && (prior == nil || prior.AgentName == "" || !sess.MarkerModTime.Before(prior.MappedAt)):
			rec.AgentName = sess.Marker.AgentName
			rec.Source = "marker"
			rec.MappedAt = sess.MarkerModTime
			if sess.Marker.Model != "" {
				rec.Model = sess.Marker.Model
			}
			if sess.Marker.ChatID != "" {
				rec.ChatID = sess.Marker.ChatID
			}
			res.FromMarker++
			r.ensureAgent(doc, sess.Marker.AgentName, sess.Marker.Role, sess.Path)

		case prior != nil && prior.AgentName != "":
			rec.AgentName = prior.AgentName
			rec.Source = "state"
			rec.MappedAt = prior.MappedAt
			r.ensureAgent(doc, prior.AgentName, "", sess.Path)
			if sess.Marker == nil && r.markers != nil {
				m := scanner.Marker{AgentName: prior.AgentName, WrittenAt: now}
				if agent := doc.Agents[prior.AgentName]; agent != nil {
					m.Role = agent.Role
				}
				if err := r.markers.WriteMarker(sess.Path, m); err != nil {
					logging.Warn("marker write-back", "session", sess.ID, "error", err)
				} else {
					res.WrittenBack++
				}
			}

		default:
			res.Unassigned++
		}

		doc.Sessions[sess.ID] = rec
		res.Sessions++
	}

	// Drop sessions whose worktrees no longer exist on disk.
	for id := range doc.Sessions {
		if !seen[id] {
			delete(doc.Sessions, id)
		}
	}

	// Configured agents are never silently dropped: the agent record is
	// inserted when absent, and an agent declaring a worktree that the
	// scan did not surface gets a session record anyway, sourced from
	// configuration.
	for _, fa := range r.forceAgents {
		agent, ok := doc.Agents[fa.Name]
		if !ok {
			agent = &state.Agent{
				Name:  fa.Name,
				Role:  fa.Role,
				Tasks: []state.Task{},
			}
			doc.Agents[fa.Name] = agent
			res.ForcedIn++
		}
		if fa.Worktree == "" || agentHasSession(doc, fa.Name) {
			continue
		}
		if agent.Worktree == "" {
			agent.Worktree = fa.Worktree
		}
		id := filepath.Base(fa.Worktree)
		doc.Sessions[id] = &state.Session{
			ID:        id,
			Worktree:  fa.Worktree,
			AgentName: fa.Name,
			MappedAt:  now,
			Source:    "config",
		}
		res.Sessions++
	}

	doc.ChatCount = len(doc.Sessions)
	doc.LastScan = now
	state.EnforceStatuses(doc, now)
	return res
}

// agentHasSession reports whether any session already maps to name.
func agentHasSession(doc *state.Document, name string) bool {
	for _, s := range doc.Sessions {
		if s.AgentName == name {
			return true
		}
	}
	return false
}

// ensureAgent inserts an agent discovered through a session mapping.
func (r *Reconciler) ensureAgent(doc *state.Document, name, role, worktree string) {
	agent, ok := doc.Agents[name]
	if !ok {
		agent = &state.Agent{Name: name, Tasks: []state.Task{}}
		doc.Agents[name] = agent
	}
	if role != "" && agent.Role == "" {
		agent.Role = role
	}
	agent.Worktree = worktree
}

// dedupeByWorktree collapses sessions sharing a worktree path to the
// most recently active one.
func dedupeByWorktree(sessions []scanner.SessionInfo) []scanner.SessionInfo {
	newest := make(map[string]scanner.SessionInfo)
	for _, s := range sessions {
		if prev, ok := newest[s.Path]; !ok || s.LastActive.After(prev.LastActive) {
			newest[s.Path] = s
		}
	}
	out := make([]scanner.SessionInfo, 0, len(newest))
	for _, s := range newest {
		out = append(out, s)
	}
	return out
}
