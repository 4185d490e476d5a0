package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"taskweave/internal/plan"
	"taskweave/internal/store"
)

// ContextHandle is what an executor gets instead of inlined upstream output:
// a way to locate the results and artifacts of the nodes it depends on, and
// its own artifact namespace. *store.Store satisfies it.
type ContextHandle interface {
	SessionID() string
	Dir() string
	ArtifactDir(id plan.NodeID) (string, error)
	ReadNodeResult(id plan.NodeID) (*plan.ExecutionResult, error)
}

var _ ContextHandle = (*store.Store)(nil)

// Executor performs the actual work of one node. The engine knows nothing
// about what the work is; it dispatches, waits, and folds the declared
// effects of the result back into the graph.
type Executor interface {
	Execute(ctx context.Context, node *plan.TaskNode, h ContextHandle) (*plan.ExecutionResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, node *plan.TaskNode, h ContextHandle) (*plan.ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, node *plan.TaskNode, h ContextHandle) (*plan.ExecutionResult, error) {
	return f(ctx, node, h)
}

// execRequest is the JSON document a CommandExecutor writes to the child's
// stdin. Dependencies carry result paths, not payloads; the child reads what
// it needs.
type execRequest struct {
	SessionID   string         `json:"session_id"`
	Node        *plan.TaskNode `json:"node"`
	ArtifactDir string         `json:"artifact_dir"`
	DependsOn   []execUpstream `json:"depends_on,omitempty"`
}

type execUpstream struct {
	ID         plan.NodeID `json:"id"`
	ResultPath string      `json:"result_path"`
}

// CommandExecutor delegates each node to an external command. The node is
// described on stdin as JSON and the command answers with an ExecutionResult
// as JSON on stdout. Stderr passes through to the log.
type CommandExecutor struct {
	command string
	args    []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandExecutor runs the given command for every node. A zero timeout
// means no per-node limit.
func NewCommandExecutor(command string, args []string, timeout time.Duration, logger *zap.Logger) *CommandExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandExecutor{command: command, args: args, timeout: timeout, logger: logger}
}

func (c *CommandExecutor) Execute(ctx context.Context, node *plan.TaskNode, h ContextHandle) (*plan.ExecutionResult, error) {
	artifactDir, err := h.ArtifactDir(node.ID)
	if err != nil {
		return nil, err
	}
	req := execRequest{
		SessionID:   h.SessionID(),
		Node:        node,
		ArtifactDir: artifactDir,
	}
	for _, dep := range node.DependsOn {
		req.DependsOn = append(req.DependsOn, execUpstream{
			ID:         dep,
			ResultPath: filepath.Join(h.Dir(), "nodes", string(dep), "result.json"),
		})
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode executor request: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if stderr.Len() > 0 {
		c.logger.Debug("executor stderr",
			zap.String("node", string(node.ID)),
			zap.String("stderr", stderr.String()))
	}
	if runErr != nil {
		return nil, fmt.Errorf("executor command failed for %s after %s: %w", node.ID, time.Since(start).Round(time.Millisecond), runErr)
	}

	var result plan.ExecutionResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("executor returned invalid result for %s: %w", node.ID, err)
	}
	if result.NodeID == "" {
		result.NodeID = node.ID
	}
	if result.NodeID != node.ID {
		return nil, fmt.Errorf("executor answered for %s while running %s", result.NodeID, node.ID)
	}
	if result.Outcome != plan.OutcomeSuccess && result.Outcome != plan.OutcomeFailure {
		return nil, fmt.Errorf("executor returned unknown outcome %q for %s", result.Outcome, node.ID)
	}
	return &result, nil
}
