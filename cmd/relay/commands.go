package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/drewfead/relay/internal/client"
	"github.com/drewfead/relay/internal/scanner"
	"github.com/drewfead/relay/internal/state"
	"github.com/drewfead/relay/internal/tui/dashboard"
)

func newClient() *client.Client {
	return client.New(cfg.API.Addr)
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	c := newClient()
	ctx, cancel := cliContext()
	defer cancel()
	if _, err := c.Health(ctx); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w\n\nIs relayd running?", cfg.API.Addr, err)
	}

	p := tea.NewProgram(dashboard.New(c), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}

func runStatus() error {
	ctx, cancel := cliContext()
	defer cancel()

	agents, err := newClient().Agents(ctx)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents known. Run 'relay scan' after sessions exist.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tROLE\tSTATUS\tWORKTREE\tACTIVE TASK")
	for _, a := range agents {
		task := "-"
		for _, t := range a.Tasks {
			if t.Status == state.TaskInProgress {
				task = t.Title
				break
			}
		}
		worktree := a.Worktree
		if worktree == "" {
			worktree = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Name, a.Role, a.Status, worktree, task)
	}
	return w.Flush()
}

func runScan() error {
	ctx, cancel := cliContext()
	defer cancel()

	result, err := newClient().Scan(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Reconcile complete: %s\n", result)
	return nil
}

func runSend(agent, taskID, instruction string) error {
	ctx, cancel := cliContext()
	defer cancel()

	trig, err := newClient().SendMessage(ctx, agent, taskID, instruction)
	if err != nil {
		return err
	}
	fmt.Printf("Delivered to %s (trigger %d)\n", agent, trig.ID)
	return nil
}

func runTriggers(status string) error {
	ctx, cancel := cliContext()
	defer cancel()

	triggers, err := newClient().Triggers(ctx, status)
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		fmt.Println("No triggers.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tCREATED\tINSTRUCTION")
	for _, t := range triggers {
		instr := t.Instruction
		if len(instr) > 60 {
			instr = instr[:59] + "…"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			t.ID, t.Agent, t.Status, t.CreatedAt.Format("01-02 15:04"), instr)
	}
	return w.Flush()
}

// runTask writes directly to the shared state document, the same way
// any other coordinating process does; the daemon picks up the change
// through its file watch.
func runTask(agent, title, description string, start bool) error {
	store, err := state.Open(cfg.State.Path, cfg.State.BackupPath)
	if err != nil {
		return err
	}

	ctx, cancel := cliContext()
	defer cancel()

	status := state.TaskPending
	if start {
		status = state.TaskInProgress
	}
	task := state.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      status,
		Assignee:    agent,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	err = store.Update(ctx, func(doc *state.Document) error {
		a, ok := doc.Agents[agent]
		if !ok {
			a = &state.Agent{Name: agent, Tasks: []state.Task{}}
			doc.Agents[agent] = a
		}
		a.Tasks = append(a.Tasks, task)
		state.EnforceStatuses(doc, time.Now())
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("Task %s created for %s (%s)\n", task.ID, agent, status)
	if !start {
		fmt.Println("The daemon will dispatch it to the agent's session.")
	}
	return nil
}

func runPrompt(agent string) error {
	path := cfg.Triggers.PendingDir + "/" + agent + ".md"
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("No pending instruction for %s.\n", agent)
			return nil
		}
		return err
	}

	out, err := glamour.Render(string(data), "dark")
	if err != nil {
		// Fall back to the raw markdown.
		fmt.Println(string(data))
		return nil
	}
	fmt.Print(out)
	return nil
}

func runEvents(limit int) error {
	ctx, cancel := cliContext()
	defer cancel()

	events, err := newClient().Events(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tAGENT\tTRIGGER\tDETAIL")
	for _, ev := range events {
		trig := "-"
		if ev.TriggerID != 0 {
			trig = strconv.FormatInt(ev.TriggerID, 10)
		}
		agent := ev.AgentName
		if agent == "" {
			agent = "-"
		}
		detail := string(ev.Detail)
		if len(detail) > 50 {
			detail = detail[:49] + "…"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ev.Time.Format("01-02 15:04:05"), ev.Kind, agent, trig, detail)
	}
	return w.Flush()
}

// runMark writes the identity marker locally; it does not need the
// daemon, so sessions can self-identify before relayd ever runs.
func runMark(sessionDir, agent, role string) error {
	m := scanner.Marker{AgentName: agent, Role: role, WrittenAt: time.Now()}
	if err := scanner.WriteMarker(sessionDir, cfg.Sessions.MarkerFile, m); err != nil {
		return err
	}
	fmt.Printf("Marked %s as %s\n", sessionDir, agent)
	return nil
}
