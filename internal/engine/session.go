package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskweave/internal/gate"
	"taskweave/internal/plan"
	"taskweave/internal/store"
)

// Controller is the session lifecycle surface the CLI talks to: start a
// session from an initial plan, resume one after a crash, cancel a stale one,
// and report status.
type Controller struct {
	root          string
	executor      Executor
	gateOpts      gate.Options
	maxAttempts   int
	maxConcurrent int
	cancelGrace   time.Duration
	logger        *zap.Logger
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// Root is the workspace directory; sessions live under <root>/.weave.
	Root     string
	Executor Executor
	// Gate configures decision resolution. A nil Gate.Operator in an
	// interactive session falls back to the answer-file operator on the
	// session's decisions directory.
	Gate          gate.Options
	MaxAttempts   int
	MaxConcurrent int
	CancelGrace   time.Duration
	Logger        *zap.Logger
}

// NewController validates the options and builds a controller.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("controller requires a workspace root")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("controller requires an executor")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		root:          opts.Root,
		executor:      opts.Executor,
		gateOpts:      opts.Gate,
		maxAttempts:   opts.MaxAttempts,
		maxConcurrent: opts.MaxConcurrent,
		cancelGrace:   opts.CancelGrace,
		logger:        opts.Logger,
	}, nil
}

// Start creates a session from the initial node set and runs it to a terminal
// state. An empty sessionID gets a generated one; the chosen id is returned
// either way.
func (c *Controller) Start(ctx context.Context, sessionID string, specs []plan.NodeSpec) (string, plan.SessionStatus, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if len(specs) == 0 {
		return sessionID, "", fmt.Errorf("session %s has no nodes", sessionID)
	}

	st, err := store.Create(c.root, sessionID, c.logger)
	if err != nil {
		return sessionID, "", err
	}
	defer st.Close()

	m, err := plan.BuildManifest(sessionID, specs, time.Now())
	if err != nil {
		return sessionID, "", err
	}
	if err := st.SaveManifest(m); err != nil {
		return sessionID, "", err
	}
	if err := st.Events().Append(store.EventSessionStarted, "", map[string]interface{}{
		"nodes": len(specs),
	}); err != nil {
		c.logger.Warn("event log append failed", zap.Error(err))
	}
	c.logger.Info("session started",
		zap.String("session", sessionID),
		zap.Int("nodes", len(specs)))

	status, err := c.run(ctx, st, m)
	return sessionID, status, err
}

// Resume reloads a session's manifest and continues it. Nodes that were in
// flight when the previous run died are treated as failed attempts: back to
// pending while the retry budget lasts, terminally failed past it.
func (c *Controller) Resume(ctx context.Context, sessionID string) (plan.SessionStatus, error) {
	st, err := store.Open(c.root, sessionID, c.logger)
	if err != nil {
		return "", err
	}
	defer st.Close()

	m, err := st.LoadManifest()
	if err != nil {
		return "", err
	}
	switch m.Status {
	case plan.SessionCompleted, plan.SessionFailed, plan.SessionCancelled:
		return m.Status, fmt.Errorf("session %s already finished with status %s", sessionID, m.Status)
	}

	if err := c.reconcile(st, m); err != nil {
		return "", err
	}
	if err := st.SaveManifest(m); err != nil {
		return "", err
	}
	if err := st.Events().Append(store.EventSessionResumed, "", nil); err != nil {
		c.logger.Warn("event log append failed", zap.Error(err))
	}
	c.logger.Info("session resumed",
		zap.String("session", sessionID),
		zap.Any("counts", m.CountByStatus()))

	if m.Status == plan.SessionFailed {
		// Reconciliation alone can finish the session: a required node with
		// no budget left died mid-flight.
		summary := buildSummary(m, MetricsSnapshot{})
		if err := st.WriteSummary(summary); err != nil {
			return plan.SessionFailed, err
		}
		return plan.SessionFailed, nil
	}
	return c.run(ctx, st, m)
}

// reconcile repairs the manifest after an unclean stop. ready reverts to
// pending; in_progress counts as a failed attempt and either re-enqueues or
// fails terminally, with the usual downstream propagation.
func (c *Controller) reconcile(st *store.Store, m *plan.Manifest) error {
	now := time.Now()
	maxAttempts := c.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for _, id := range m.NodeIDs() {
		node := m.Node(id)
		switch node.Status {
		case plan.NodeReady:
			if err := m.Transition(id, plan.NodeReady, plan.NodePending, now); err != nil {
				return err
			}
		case plan.NodeInProgress:
			node.Attempts = append(node.Attempts, plan.Attempt{
				Number:  node.AttemptCount,
				Outcome: plan.OutcomeFailure,
				Error:   "interrupted",
				EndedAt: now,
			})
			node.LastError = "interrupted"
			if node.AttemptCount < maxAttempts {
				if err := m.Transition(id, plan.NodeInProgress, plan.NodePending, now); err != nil {
					return err
				}
				if err := st.Events().Append(store.EventNodeRetried, string(id), map[string]interface{}{
					"error": "interrupted",
				}); err != nil {
					c.logger.Warn("event log append failed", zap.Error(err))
				}
				continue
			}
			if err := m.Transition(id, plan.NodeInProgress, plan.NodeFailed, now); err != nil {
				return err
			}
			if err := st.Events().Append(store.EventNodeFailed, string(id), map[string]interface{}{
				"error": "interrupted",
			}); err != nil {
				c.logger.Warn("event log append failed", zap.Error(err))
			}
			plan.PropagateFailure(m, id, now)
			if node.Criticality == plan.CriticalityRequired {
				m.Status = plan.SessionFailed
				m.FailureReason = fmt.Sprintf("required node %s was interrupted with no attempts left", id)
			}
		}
	}
	return nil
}

// Cancel marks a non-running session cancelled on disk. It exists for
// sessions whose process died without reaching a terminal state; a live
// session is cancelled through its context instead.
func (c *Controller) Cancel(sessionID string) error {
	st, err := store.Open(c.root, sessionID, c.logger)
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := st.LoadManifest()
	if err != nil {
		return err
	}
	switch m.Status {
	case plan.SessionCompleted, plan.SessionFailed, plan.SessionCancelled:
		return fmt.Errorf("session %s already finished with status %s", sessionID, m.Status)
	}

	now := time.Now()
	for _, id := range m.NodeIDs() {
		node := m.Node(id)
		switch node.Status {
		case plan.NodeReady:
			if err := m.Transition(id, plan.NodeReady, plan.NodePending, now); err != nil {
				return err
			}
		case plan.NodeInProgress:
			node.LastError = "cancelled"
			if err := m.Transition(id, plan.NodeInProgress, plan.NodeFailed, now); err != nil {
				return err
			}
		}
	}
	m.Status = plan.SessionCancelled
	if err := st.SaveManifest(m); err != nil {
		return err
	}
	if err := st.Events().Append(store.EventSessionCancelled, "", nil); err != nil {
		c.logger.Warn("event log append failed", zap.Error(err))
	}
	return st.WriteSummary(buildSummary(m, MetricsSnapshot{}))
}

// Status builds a read-only snapshot of a session.
func (c *Controller) Status(sessionID string) (*Snapshot, error) {
	st, err := store.Open(c.root, sessionID, c.logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return BuildSnapshot(st)
}

// List returns the ids of every session under the workspace root.
func (c *Controller) List() ([]string, error) {
	return store.List(c.root)
}

func (c *Controller) run(ctx context.Context, st *store.Store, m *plan.Manifest) (plan.SessionStatus, error) {
	gateOpts := c.gateOpts
	if gateOpts.Operator == nil && !gateOpts.NonInteractive {
		gateOpts.Operator = gate.NewFileOperator(st.DecisionDir(), c.logger)
	}
	if gateOpts.Logger == nil {
		gateOpts.Logger = c.logger
	}
	g, err := gate.New(gateOpts)
	if err != nil {
		return "", err
	}
	eng, err := New(Options{
		Store:         st,
		Manifest:      m,
		Gate:          g,
		Executor:      c.executor,
		MaxAttempts:   c.maxAttempts,
		MaxConcurrent: c.maxConcurrent,
		CancelGrace:   c.cancelGrace,
		Logger:        c.logger,
	})
	if err != nil {
		return "", err
	}
	return eng.Run(ctx, m)
}
