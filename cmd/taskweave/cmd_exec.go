package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"taskweave/internal/plan"
)

var demoDelay time.Duration

func init() {
	demoExecCmd.Flags().DurationVar(&demoDelay, "delay", 0, "Sleep this long before answering")
	rootCmd.AddCommand(demoExecCmd)
}

// demoRequest is the slice of the executor request this command needs.
type demoRequest struct {
	SessionID string         `json:"session_id"`
	Node      *plan.TaskNode `json:"node"`
}

var demoExecCmd = &cobra.Command{
	Use:   "demo-exec",
	Short: "A no-op executor for dry runs",
	Long: `demo-exec reads an executor request on stdin and reports success for
the node without doing any work. Point executor.command at the taskweave
binary with "demo-exec" as its argument to dry-run a plan:

    executor:
      command: taskweave
      args: ["demo-exec"]`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req demoRequest
		if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
			return fmt.Errorf("failed to decode executor request: %w", err)
		}
		if req.Node == nil {
			return fmt.Errorf("executor request has no node")
		}
		if demoDelay > 0 {
			time.Sleep(demoDelay)
		}
		result := plan.ExecutionResult{
			NodeID:  req.Node.ID,
			Outcome: plan.OutcomeSuccess,
			Summary: fmt.Sprintf("dry run of %s (%s)", req.Node.ID, req.Node.Kind),
		}
		return json.NewEncoder(os.Stdout).Encode(&result)
	},
}
