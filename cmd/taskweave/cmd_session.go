package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskweave/internal/config"
	"taskweave/internal/engine"
	"taskweave/internal/gate"
	"taskweave/internal/store"
)

var (
	startSession   string
	interactive    bool
	nonInteractive bool
	statusJSON     bool
)

func init() {
	startCmd.Flags().StringVar(&startSession, "session", "", "Session id (generated when empty)")
	startCmd.Flags().BoolVar(&interactive, "interactive", false, "Answer decisions on the terminal")
	startCmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Resolve every decision to its recommendation")
	resumeCmd.Flags().BoolVar(&interactive, "interactive", false, "Answer decisions on the terminal")
	resumeCmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Resolve every decision to its recommendation")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the full snapshot as JSON")
}

// buildController loads the workspace config and wires the executor and gate
// from it plus the interactivity flags.
func buildController(cfg *config.Config) (*engine.Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	executor := engine.NewCommandExecutor(cfg.Executor.Command, cfg.Executor.Args, cfg.GetNodeTimeout(), logger)

	gateOpts := gate.Options{
		MediumWait:     cfg.GetMediumWait(),
		NonInteractive: cfg.Gate.NonInteractive || nonInteractive,
		Logger:         logger,
	}
	if interactive {
		gateOpts.Operator = gate.NewConsoleOperator()
		gateOpts.NonInteractive = false
	}

	return engine.NewController(engine.ControllerOptions{
		Root:          workspace,
		Executor:      executor,
		Gate:          gateOpts,
		MaxAttempts:   cfg.Engine.MaxAttempts,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		CancelGrace:   cfg.GetCancelGrace(),
		Logger:        logger,
	})
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.DefaultPath(workspace))
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file into the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath(workspace)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <plan.yaml>",
	Short: "Start a new session from a plan file",
	Long: `Start reads the initial task graph from a YAML plan file, creates a
session under <workspace>/.weave/ and runs it to a terminal state.

Interrupt with Ctrl-C to cancel: in flight tasks get a grace window to
finish before the session is persisted as cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		planSession, specs, err := config.LoadPlan(args[0])
		if err != nil {
			return err
		}
		sessionID := startSession
		if sessionID == "" {
			sessionID = planSession
		}

		ctrl, err := buildController(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		id, status, err := ctrl.Start(ctx, sessionID, specs)
		if err != nil {
			logger.Error("session ended with error",
				zap.String("session", id),
				zap.Error(err))
			return fmt.Errorf("session %s: %w", id, err)
		}
		fmt.Printf("session %s finished: %s\n", id, status)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a session that was interrupted",
	Long: `Resume reloads a session's manifest and continues where it stopped.
Tasks that were in flight when the previous run died count as a failed
attempt and are retried while their budget lasts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctrl, err := buildController(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		status, err := ctrl.Resume(ctx, args[0])
		if err != nil {
			return fmt.Errorf("session %s: %w", args[0], err)
		}
		fmt.Printf("session %s finished: %s\n", args[0], status)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session whose process is gone",
	Long: `Cancel marks a non-running session cancelled on disk. A live session
is cancelled by interrupting its process instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctrl, err := buildController(cfg)
		if err != nil {
			return err
		}
		if err := ctrl.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Printf("session %s cancelled\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's nodes, decisions and recent events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(workspace, args[0], logger)
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := engine.BuildSnapshot(st)
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printSnapshot(snap)
		return nil
	},
}

func printSnapshot(snap *engine.Snapshot) {
	fmt.Printf("session %s: %s\n", snap.SessionID, snap.Status)
	if snap.FailureReason != "" {
		fmt.Printf("  reason: %s\n", snap.FailureReason)
	}
	fmt.Println("nodes:")
	for _, n := range snap.Nodes {
		line := fmt.Sprintf("  %-20s %-12s %s", n.ID, n.Status, n.Criticality)
		if n.Attempts > 1 {
			line += fmt.Sprintf("  (attempt %d)", n.Attempts)
		}
		if n.LastError != "" {
			line += "  error: " + n.LastError
		}
		if n.SkipReason != "" {
			line += "  skipped: " + n.SkipReason
		}
		fmt.Println(line)
	}
	if len(snap.Unresolved) > 0 {
		fmt.Println("open decisions:")
		for _, d := range snap.Unresolved {
			fmt.Printf("  %s [%s] %s\n", d.ID, d.Confidence, d.Question)
			for _, opt := range d.Options {
				marker := " "
				if opt.Value == d.Recommended {
					marker = "*"
				}
				fmt.Printf("    %s %s", marker, opt.Value)
				if opt.Description != "" {
					fmt.Printf("  %s", opt.Description)
				}
				fmt.Println()
			}
		}
	}
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions in the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := store.List(workspace)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, id := range ids {
			st, err := store.Open(workspace, id, logger)
			if err != nil {
				fmt.Printf("%s  (unreadable: %v)\n", id, err)
				continue
			}
			m, err := st.LoadManifest()
			st.Close()
			if err != nil {
				fmt.Printf("%s  (unreadable: %v)\n", id, err)
				continue
			}
			fmt.Printf("%s  %-20s %d nodes\n", id, m.Status, len(m.NodeIDs()))
		}
		return nil
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <session-id> <decision-id> <value>",
	Short: "Answer an open decision from another terminal",
	Long: `Answer writes the chosen option value into the session's decisions
directory, where a running session waiting on the decision picks it up.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(workspace, args[0], logger)
		if err != nil {
			return err
		}
		defer st.Close()

		path := filepath.Join(st.DecisionDir(), args[1]+".answer")
		if err := os.WriteFile(path, []byte(args[2]+"\n"), 0o644); err != nil {
			return err
		}
		fmt.Printf("answered %s: %s\n", args[1], args[2])
		return nil
	},
}
