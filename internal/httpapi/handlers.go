package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/drewfead/relay/internal/delivery"
	"github.com/drewfead/relay/internal/eventlog"
	"github.com/drewfead/relay/internal/logging"
	"github.com/drewfead/relay/internal/scanner"
	"github.com/drewfead/relay/internal/state"
	"github.com/drewfead/relay/internal/trigger"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, map[string]any{"success": true, "version": s.version})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Load(r.Context())
	if err != nil {
		fail(w, err.Error())
		return
	}
	state.EnforceStatuses(doc, s.nowFunc())
	respond(w, map[string]any{"success": true, "state": doc})
}

// agentView is the derived-status projection returned by the API.
type agentView struct {
	Name             string       `json:"name"`
	Role             string       `json:"role,omitempty"`
	Status           string       `json:"status"`
	Worktree         string       `json:"worktree,omitempty"`
	Tasks            []state.Task `json:"tasks"`
	LastChatActivity *time.Time   `json:"last_chat_activity,omitempty"`
}

func viewOf(doc *state.Document, name string, now time.Time) agentView {
	a := doc.Agents[name]
	return agentView{
		Name:             a.Name,
		Role:             a.Role,
		Status:           state.DeriveAgentStatus(doc, name, now),
		Worktree:         a.Worktree,
		Tasks:            a.Tasks,
		LastChatActivity: a.LastChatActivity,
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Load(r.Context())
	if err != nil {
		fail(w, err.Error())
		return
	}
	now := s.nowFunc()
	views := make([]agentView, 0, len(doc.Agents))
	for name := range doc.Agents {
		views = append(views, viewOf(doc, name, now))
	}
	respond(w, map[string]any{"success": true, "agents": views})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	doc, err := s.store.Load(r.Context())
	if err != nil {
		fail(w, err.Error())
		return
	}
	if _, ok := doc.Agents[name]; !ok {
		fail(w, "unknown agent: "+name)
		return
	}
	respond(w, map[string]any{"success": true, "agent": viewOf(doc, name, s.nowFunc())})
}

// handleMark writes an identity marker into a session worktree so the
// session self-identifies on the next scan.
func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Worktree string `json:"worktree"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	if req.Worktree == "" {
		badRequest(w, "worktree is required")
		return
	}
	m := scanner.Marker{AgentName: name, Role: req.Role, WrittenAt: s.nowFunc()}
	if err := scanner.WriteMarker(req.Worktree, s.markerFile, m); err != nil {
		fail(w, err.Error())
		return
	}
	respond(w, map[string]any{"success": true})
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.scanner.Scan(r.Context())
	if err != nil {
		fail(w, err.Error())
		return
	}
	active := s.scanner.Active(sessions, s.nowFunc())
	respond(w, map[string]any{
		"success":         true,
		"sessions":        active,
		"working_session": s.scanner.SameWorkingSession(active),
	})
}

// handleSendMessage is the synchronous push path: it records a trigger
// for the named destination and runs the delivery pipeline before
// responding. A failed delivery comes back success: false with the
// trigger attached so the caller can inspect it.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent   string `json:"agent"`
		Message string `json:"message"`
		TaskID  string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	if s.deliverer == nil {
		fail(w, "delivery is not available")
		return
	}

	trig, err := s.queue.Append(r.Context(), req.Agent, req.TaskID, req.Message)
	if err != nil {
		fail(w, err.Error())
		return
	}
	if err := s.queue.MarkProcessing(r.Context(), trig.ID); err != nil {
		logging.Warn("mark trigger processing", "trigger", trig.ID, "error", err)
	}

	target := delivery.Target{
		Agent:       req.Agent,
		Instruction: req.Message,
		TriggerID:   trig.ID,
	}
	if doc, loadErr := s.store.Load(r.Context()); loadErr == nil {
		if a := doc.Agents[req.Agent]; a != nil {
			target.Worktree = a.Worktree
		}
		for _, sess := range doc.Sessions {
			if sess.AgentName == req.Agent {
				target.ChatID = sess.ChatID
				target.Model = sess.Model
				break
			}
		}
	}

	deliverErr := s.deliverer.Deliver(r.Context(), target)
	s.audit(r, eventlog.Event{
		Kind:      eventlog.KindDelivery,
		AgentName: req.Agent,
		TriggerID: trig.ID,
		Detail:    eventlog.Detail(map[string]any{"via": "api", "error": errMessage(deliverErr)}),
	})
	if deliverErr != nil {
		if err := s.queue.MarkFailed(r.Context(), trig.ID, deliverErr.Error()); err != nil {
			logging.Warn("mark trigger failed", "trigger", trig.ID, "error", err)
		}
		respond(w, map[string]any{"success": false, "error": deliverErr.Error(), "trigger": trig})
		return
	}
	if err := s.queue.MarkCompleted(r.Context(), trig.ID); err != nil {
		logging.Warn("mark trigger completed", "trigger", trig.ID, "error", err)
	}

	now := s.nowFunc()
	if err := s.store.Update(r.Context(), func(doc *state.Document) error {
		doc.AppendChat(req.Agent, state.ChatMessage{Text: req.Message, Time: now})
		if a := doc.Agents[req.Agent]; a != nil {
			a.LastChatActivity = &now
		}
		state.EnforceStatuses(doc, now)
		return nil
	}); err != nil {
		logging.Warn("record chat activity", "agent", req.Agent, "error", err)
	}
	respond(w, map[string]any{"success": true, "trigger": trig})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Load(r.Context())
	if err != nil {
		fail(w, err.Error())
		return
	}
	tasks := []state.Task{}
	for _, a := range doc.Agents {
		tasks = append(tasks, a.Tasks...)
	}
	respond(w, map[string]any{"success": true, "tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent       string `json:"agent"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	if req.Agent == "" || req.Title == "" {
		badRequest(w, "agent and title are required")
		return
	}

	now := s.nowFunc()
	task := state.Task{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Status:      state.TaskPending,
		Assignee:    req.Agent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.store.Update(r.Context(), func(doc *state.Document) error {
		agent := doc.Agents[req.Agent]
		if agent == nil {
			agent = &state.Agent{Name: req.Agent, Tasks: []state.Task{}}
			doc.Agents[req.Agent] = agent
		}
		agent.Tasks = append(agent.Tasks, task)
		state.EnforceStatuses(doc, now)
		return nil
	})
	if err != nil {
		fail(w, err.Error())
		return
	}
	respond(w, map[string]any{"success": true, "task": task})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	switch req.Status {
	case state.TaskPending, state.TaskInProgress, state.TaskCompleted, state.TaskBlocked:
	default:
		badRequest(w, "unknown status: "+req.Status)
		return
	}

	now := s.nowFunc()
	err := s.store.Update(r.Context(), func(doc *state.Document) error {
		found := false
		for _, a := range doc.Agents {
			for i := range a.Tasks {
				if a.Tasks[i].ID == id {
					a.Tasks[i].Status = req.Status
					a.Tasks[i].UpdatedAt = now
					found = true
				}
			}
		}
		if !found {
			return fmt.Errorf("unknown task: %s", id)
		}
		state.EnforceStatuses(doc, now)
		return nil
	})
	if err != nil {
		fail(w, err.Error())
		return
	}
	respond(w, map[string]any{"success": true})
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent       string `json:"agent"`
		TaskID      string `json:"task_id"`
		Instruction string `json:"instruction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	trig, err := s.queue.Append(r.Context(), req.Agent, req.TaskID, req.Instruction)
	if err != nil {
		fail(w, err.Error())
		return
	}
	s.audit(r, eventlog.Event{
		Kind:      eventlog.KindTrigger,
		AgentName: trig.Agent,
		TriggerID: trig.ID,
		Detail:    eventlog.Detail(map[string]any{"via": "api", "task_id": trig.TaskID}),
	})
	respond(w, map[string]any{"success": true, "trigger": trig})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", trigger.StatusPending, trigger.StatusProcessing, trigger.StatusCompleted, trigger.StatusFailed:
	default:
		badRequest(w, "unknown status: "+status)
		return
	}
	triggers, err := s.queue.List(r.Context(), status)
	if err != nil {
		fail(w, err.Error())
		return
	}
	if triggers == nil {
		triggers = []trigger.Trigger{}
	}
	respond(w, map[string]any{"success": true, "triggers": triggers})
}

func (s *Server) handleTriggerStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid trigger id")
		return
	}
	var req struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}

	switch req.Status {
	case trigger.StatusProcessing:
		err = s.queue.MarkProcessing(r.Context(), id)
	case trigger.StatusCompleted:
		err = s.queue.MarkCompleted(r.Context(), id)
	case trigger.StatusFailed:
		err = s.queue.MarkFailed(r.Context(), id, req.Error)
	default:
		badRequest(w, "unknown status: "+req.Status)
		return
	}
	if err != nil {
		fail(w, err.Error())
		return
	}
	respond(w, map[string]any{"success": true})
}

// handleScan runs a scan and reconcile pass on demand.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.scanner.Scan(r.Context())
	if err != nil {
		fail(w, err.Error())
		return
	}
	var result any
	err = s.store.Update(r.Context(), func(doc *state.Document) error {
		result = s.reconciler.Reconcile(doc, sessions, s.nowFunc())
		return nil
	})
	if err != nil {
		fail(w, err.Error())
		return
	}
	s.audit(r, eventlog.Event{
		Kind:   eventlog.KindScan,
		Detail: eventlog.Detail(map[string]any{"via": "api", "result": result}),
	})
	respond(w, map[string]any{"success": true, "result": result})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		fail(w, err.Error())
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	respond(w, map[string]any{"success": true, "events": events})
}

func (s *Server) audit(r *http.Request, ev eventlog.Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(r.Context(), ev); err != nil {
		logging.Warn("record api event", "error", err)
	}
}
