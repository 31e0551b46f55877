// Command relay is the relay CLI and dashboard.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drewfead/relay/internal/config"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Coordinate interactive agent sessions",
	Long: `relay inspects and drives the shared agent coordination state:
agent status, session identity, triggers, and task dispatch.

Running relay with no arguments opens the live dashboard.`,
	RunE:         runDashboard,
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agents and their derived status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan sessions and reconcile identities now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan()
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <agent> <instruction>",
	Short: "Deliver an instruction to an agent's session now",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetString("task")
		return runSend(args[0], taskID, args[1])
	},
}

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "List triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return runTriggers(status)
	},
}

var taskCmd = &cobra.Command{
	Use:   "task <agent> <title>",
	Short: "Create a task for an agent",
	Long: `Create a pending task in the shared state document. The daemon picks
it up through its file watch and dispatches it to the agent's session.
With --start the task is recorded as already in progress, so the
daemon leaves it alone.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetBool("start")
		desc, _ := cmd.Flags().GetString("desc")
		return runTask(args[0], args[1], desc, start)
	},
}

var promptCmd = &cobra.Command{
	Use:   "prompt <agent>",
	Short: "Render the agent's pending instruction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPrompt(args[0])
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent coordination events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runEvents(limit)
	},
}

var markCmd = &cobra.Command{
	Use:   "mark <session-dir> <agent>",
	Short: "Write an identity marker into a session worktree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		return runMark(args[0], args[1], role)
	},
}

var dashCmd = &cobra.Command{
	Use:   "dash",
	Short: "Open the live dashboard",
	RunE:  runDashboard,
}

func init() {
	sendCmd.Flags().String("task", "", "task ID to associate with the trigger")
	triggersCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	taskCmd.Flags().Bool("start", false, "record the task as already in progress (skips dispatch)")
	taskCmd.Flags().String("desc", "", "longer task description delivered with the dispatch")
	eventsCmd.Flags().Int("limit", 30, "number of events to show")
	markCmd.Flags().String("role", "", "agent role recorded in the marker")

	rootCmd.AddCommand(statusCmd, scanCmd, sendCmd, triggersCmd, taskCmd,
		promptCmd, eventsCmd, markCmd, dashCmd)
}
