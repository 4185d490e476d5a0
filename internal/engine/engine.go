// Package engine drives a session: it dispatches every ready node
// concurrently, folds execution results back into the manifest inside a
// single critical section, resolves decisions through the confidence gate,
// and persists the manifest after every change so a crash at any point
// resumes cleanly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"taskweave/internal/gate"
	"taskweave/internal/plan"
	"taskweave/internal/store"
)

const (
	DefaultMaxAttempts   = 2
	DefaultMaxConcurrent = 4
	DefaultCancelGrace   = 10 * time.Second
)

// Options configures an Engine.
type Options struct {
	Store    *store.Store
	Manifest *plan.Manifest
	Gate     *gate.Gate
	Executor Executor

	// MaxAttempts is the per-node execution budget, counting the first run.
	MaxAttempts int
	// MaxConcurrent bounds simultaneously executing nodes.
	MaxConcurrent int
	// CancelGrace is how long in-flight executors get to finish after a
	// cancel request before being recorded as failed.
	CancelGrace time.Duration
	Logger      *zap.Logger
}

// Engine runs one session to a terminal state.
type Engine struct {
	st       *store.Store
	gate     *gate.Gate
	executor Executor
	logger   *zap.Logger

	maxAttempts   int
	maxConcurrent int
	cancelGrace   time.Duration

	metrics *Metrics

	// mu serializes every manifest mutation and its persistence. Readiness
	// computation, result application, and decision resolution all happen
	// under it; executors run outside it.
	mu sync.Mutex
	m  *plan.Manifest
}

// New validates the options and builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Manifest == nil || opts.Gate == nil || opts.Executor == nil {
		return nil, errors.New("engine requires a store, manifest, gate, and executor")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		st:            opts.Store,
		gate:          opts.Gate,
		executor:      opts.Executor,
		logger:        opts.Logger,
		maxAttempts:   opts.MaxAttempts,
		maxConcurrent: opts.MaxConcurrent,
		cancelGrace:   opts.CancelGrace,
		metrics:       newMetrics(),
	}, nil
}

// Metrics returns the engine's run counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

type attemptResult struct {
	nodeID    plan.NodeID
	attempt   int
	startedAt time.Time
	endedAt   time.Time
	result    *plan.ExecutionResult
	err       error
}

type resolution struct {
	decisionID string
	option     string
	source     plan.ResolutionSource
	err        error
}

// runLoop is the per-run mutable state of the dispatch loop. inFlight and
// pendingDecisions are only touched by the loop goroutine.
type runLoop struct {
	ctx        context.Context
	execCtx    context.Context
	cancelExec context.CancelFunc

	grp *errgroup.Group
	sem *semaphore.Weighted

	completions chan attemptResult
	resolutions chan resolution
	done        chan struct{}

	inFlight         int
	pendingDecisions int
}

// Run drives the session until every node is terminal, a deadlock is proven,
// a required node exhausts its budget, or ctx is cancelled. It returns the
// final session status plus any infrastructural error. Task failures are an
// outcome, not an error.
func (e *Engine) Run(ctx context.Context, m *plan.Manifest) (plan.SessionStatus, error) {
	e.mu.Lock()
	e.m = m
	if m.Status != plan.SessionRunning && m.Status != plan.SessionBlockedOnDecision {
		status := m.Status
		e.mu.Unlock()
		return status, fmt.Errorf("session %s already finished with status %s", m.SessionID, status)
	}
	e.mu.Unlock()

	execCtx, cancelExec := context.WithCancel(context.Background())
	r := &runLoop{
		ctx:         ctx,
		execCtx:     execCtx,
		cancelExec:  cancelExec,
		grp:         new(errgroup.Group),
		sem:         semaphore.NewWeighted(int64(e.maxConcurrent)),
		completions: make(chan attemptResult),
		resolutions: make(chan resolution),
		done:        make(chan struct{}),
	}

	status, err := e.loop(r)

	cancelExec()
	close(r.done)
	r.grp.Wait()
	e.metrics.finish()
	return status, err
}

func (e *Engine) loop(r *runLoop) (plan.SessionStatus, error) {
	// Unresolved decisions left over from an interrupted run go back through
	// the gate before any dispatching.
	if err := e.refeedDecisions(r); err != nil {
		return plan.SessionFailed, err
	}

	for {
		terminal, status, err := e.dispatch(r)
		if terminal {
			return status, err
		}

		select {
		case <-r.ctx.Done():
			return e.shutdown(r)
		case ar := <-r.completions:
			r.inFlight--
			if err := e.handleCompletion(r, ar); err != nil {
				return plan.SessionFailed, err
			}
		case res := <-r.resolutions:
			r.pendingDecisions--
			if err := e.handleResolution(res); err != nil {
				return plan.SessionFailed, err
			}
		}
	}
}

// dispatch moves every ready node to in_progress, persists, and hands them to
// executor goroutines. It also decides whether the run is over. Returns
// terminal=true with the final status once nothing can or should run again.
func (e *Engine) dispatch(r *runLoop) (bool, plan.SessionStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()

	// A required failure recorded during completion handling stops new
	// dispatching; in-flight work still drains through the loop.
	if e.m.Status == plan.SessionFailed {
		if r.inFlight == 0 {
			return true, plan.SessionFailed, e.finalizeLocked()
		}
		return false, "", nil
	}

	ready, err := plan.ReadySet(e.m)
	if err != nil {
		var dl *plan.DeadlockError
		if errors.As(err, &dl) && r.inFlight == 0 {
			e.logger.Error("graph deadlocked",
				zap.String("kind", string(dl.Kind)),
				zap.Any("nodes", dl.Nodes))
			e.event(store.EventDeadlock, "", map[string]interface{}{
				"kind":  string(dl.Kind),
				"nodes": dl.Nodes,
			})
			e.m.Status = plan.SessionFailed
			e.m.FailureReason = dl.Error()
			if perr := e.st.SaveManifest(e.m); perr != nil {
				return true, plan.SessionFailed, perr
			}
			if ferr := e.finalizeLocked(); ferr != nil {
				return true, plan.SessionFailed, ferr
			}
			return true, plan.SessionFailed, err
		}
		return true, plan.SessionFailed, err
	}

	for _, id := range ready {
		node := e.m.Node(id)
		node.AttemptCount++
		if err := e.m.Transition(id, plan.NodePending, plan.NodeInProgress, now); err != nil {
			return true, plan.SessionFailed, err
		}
		e.event(store.EventNodeDispatched, string(id), map[string]interface{}{
			"attempt": node.AttemptCount,
			"kind":    node.Kind,
		})
	}
	if len(ready) > 0 {
		if err := e.st.SaveManifest(e.m); err != nil {
			return true, plan.SessionFailed, err
		}
		for _, id := range ready {
			e.startWorker(r, e.m.Node(id))
		}
		e.metrics.add(func(m *Metrics) { m.dispatched += len(ready) })
		e.metrics.noteInFlight(r.inFlight)
	}

	if e.m.Finished() && r.inFlight == 0 && r.pendingDecisions == 0 {
		e.m.Status = plan.SessionCompleted
		if err := e.st.SaveManifest(e.m); err != nil {
			return true, plan.SessionCompleted, err
		}
		e.event(store.EventSessionCompleted, "", nil)
		return true, plan.SessionCompleted, e.finalizeLocked()
	}

	// Phase bookkeeping: blocked_on_decision whenever only unresolved
	// decisions stand between here and progress.
	switch {
	case e.m.Status == plan.SessionRunning && len(ready) == 0 && r.inFlight == 0 && r.pendingDecisions > 0:
		e.m.Status = plan.SessionBlockedOnDecision
		if err := e.st.SaveManifest(e.m); err != nil {
			return true, plan.SessionFailed, err
		}
	case e.m.Status == plan.SessionBlockedOnDecision && (len(ready) > 0 || r.inFlight > 0):
		e.m.Status = plan.SessionRunning
		if err := e.st.SaveManifest(e.m); err != nil {
			return true, plan.SessionFailed, err
		}
	}
	return false, "", nil
}

// startWorker launches one executor goroutine for a node. The node is copied
// so the executor never reads manifest state that the loop may mutate.
func (e *Engine) startWorker(r *runLoop, node *plan.TaskNode) {
	snapshot := *node
	snapshot.DependsOn = append([]plan.NodeID(nil), node.DependsOn...)
	attempt := node.AttemptCount
	r.inFlight++

	r.grp.Go(func() error {
		ar := attemptResult{nodeID: snapshot.ID, attempt: attempt}
		if err := r.sem.Acquire(r.execCtx, 1); err != nil {
			ar.err = err
			sendResult(r, ar)
			return nil
		}
		defer r.sem.Release(1)

		ar.startedAt = time.Now()
		ar.result, ar.err = e.executor.Execute(r.execCtx, &snapshot, e.st)
		ar.endedAt = time.Now()
		sendResult(r, ar)
		return nil
	})
}

func sendResult(r *runLoop, ar attemptResult) {
	select {
	case r.completions <- ar:
	case <-r.done:
	}
}

// handleCompletion records one attempt and, on success, applies the result's
// declared effects to the graph.
func (e *Engine) handleCompletion(r *runLoop, ar attemptResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()

	node := e.m.Node(ar.nodeID)
	if node == nil {
		e.event(store.EventFault, string(ar.nodeID), map[string]interface{}{
			"error": "completion for unknown node",
		})
		return nil
	}
	if node.Status != plan.NodeInProgress {
		// Skipped while in flight. The work happened; keep the record, but
		// the terminal status stands and no effects apply.
		if ar.result != nil {
			if err := e.st.WriteNodeResult(ar.result); err != nil {
				return err
			}
		}
		e.logger.Info("node finished after being skipped",
			zap.String("node", string(ar.nodeID)),
			zap.String("status", string(node.Status)))
		return e.st.SaveManifest(e.m)
	}

	success := ar.err == nil && ar.result != nil && ar.result.Outcome == plan.OutcomeSuccess
	attempt := plan.Attempt{
		Number:    ar.attempt,
		StartedAt: ar.startedAt,
		EndedAt:   ar.endedAt,
	}
	e.metrics.add(func(m *Metrics) { m.nodeTime += ar.endedAt.Sub(ar.startedAt) })

	if success {
		attempt.Outcome = plan.OutcomeSuccess
		node.Attempts = append(node.Attempts, attempt)
		node.LastError = ""
		if err := e.m.Transition(node.ID, plan.NodeInProgress, plan.NodeCompleted, now); err != nil {
			return err
		}
		if err := e.st.WriteNodeResult(ar.result); err != nil {
			return err
		}
		e.metrics.add(func(m *Metrics) { m.completed++ })
		e.event(store.EventNodeCompleted, string(node.ID), map[string]interface{}{
			"attempt": ar.attempt,
			"summary": ar.result.Summary,
		})
		if err := e.applyEffects(r, ar.result, now); err != nil {
			return err
		}
		return e.st.SaveManifest(e.m)
	}

	errMsg := "executor reported failure"
	if ar.err != nil {
		errMsg = ar.err.Error()
	} else if ar.result != nil && ar.result.Error != "" {
		errMsg = ar.result.Error
	}
	attempt.Outcome = plan.OutcomeFailure
	attempt.Error = errMsg
	node.Attempts = append(node.Attempts, attempt)
	node.LastError = errMsg
	if ar.result != nil {
		if err := e.st.WriteNodeResult(ar.result); err != nil {
			return err
		}
	}

	if node.AttemptCount < e.maxAttempts {
		if err := e.m.Transition(node.ID, plan.NodeInProgress, plan.NodePending, now); err != nil {
			return err
		}
		e.metrics.add(func(m *Metrics) { m.retried++ })
		e.event(store.EventNodeRetried, string(node.ID), map[string]interface{}{
			"attempt": ar.attempt,
			"error":   errMsg,
		})
		e.logger.Warn("node failed, re-enqueued",
			zap.String("node", string(node.ID)),
			zap.Int("attempt", ar.attempt),
			zap.String("error", errMsg))
		return e.st.SaveManifest(e.m)
	}

	if err := e.m.Transition(node.ID, plan.NodeInProgress, plan.NodeFailed, now); err != nil {
		return err
	}
	e.metrics.add(func(m *Metrics) { m.failed++ })
	e.event(store.EventNodeFailed, string(node.ID), map[string]interface{}{
		"attempts": node.AttemptCount,
		"error":    errMsg,
	})
	e.logger.Error("node failed terminally",
		zap.String("node", string(node.ID)),
		zap.Int("attempts", node.AttemptCount),
		zap.String("error", errMsg))

	skipped := plan.PropagateFailure(e.m, node.ID, now)
	for _, id := range skipped {
		e.event(store.EventNodeSkipped, string(id), map[string]interface{}{
			"reason": e.m.Node(id).SkipReason,
		})
	}
	e.metrics.add(func(m *Metrics) { m.skipped += len(skipped) })

	if node.Criticality == plan.CriticalityRequired {
		e.m.Status = plan.SessionFailed
		e.m.FailureReason = fmt.Sprintf("required node %s failed after %d attempts: %s", node.ID, node.AttemptCount, errMsg)
		e.event(store.EventSessionFailed, string(node.ID), map[string]interface{}{
			"reason": e.m.FailureReason,
		})
	}
	return e.st.SaveManifest(e.m)
}

// applyEffects folds a successful result's spawns, skips, and questions into
// the manifest and routes raised decisions to the gate. Called under mu.
func (e *Engine) applyEffects(r *runLoop, result *plan.ExecutionResult, now time.Time) error {
	for i := range result.Questions {
		if result.Questions[i].ID == "" {
			result.Questions[i].ID = uuid.NewString()
		}
	}
	report, err := plan.Apply(e.m, result, now)
	if err != nil {
		return err
	}
	for _, w := range report.Warnings {
		e.logger.Warn("result effect warning",
			zap.String("node", string(result.NodeID)),
			zap.String("warning", w))
	}
	for _, id := range report.Skipped {
		e.event(store.EventSkipApplied, string(id), map[string]interface{}{
			"by":     string(result.NodeID),
			"reason": e.m.SkipSet[id],
		})
	}
	for _, id := range report.Spawned {
		e.event(store.EventSpawnApplied, string(id), map[string]interface{}{
			"by": string(result.NodeID),
		})
	}
	for _, id := range report.Rejected {
		e.event(store.EventSpawnRejected, string(id), map[string]interface{}{
			"by": string(result.NodeID),
		})
	}
	e.metrics.add(func(m *Metrics) {
		m.spawned += len(report.Spawned)
		m.spawnsRejected += len(report.Rejected)
		m.skipped += len(report.Skipped)
		m.decisionsRaised += len(report.Raised)
	})

	for _, id := range report.Raised {
		d := e.m.Decision(id)
		e.event(store.EventDecisionRaised, string(result.NodeID), map[string]interface{}{
			"decision":   d.ID,
			"confidence": string(d.Confidence),
			"question":   d.Question,
		})
		if d.Confidence == plan.ConfidenceMedium {
			d.Deadline = now.Add(e.gate.MediumWait())
		}
		if err := e.routeDecision(r, d); err != nil {
			return err
		}
	}
	return nil
}

// routeDecision resolves high confidence inline (same critical section as the
// mutation that raised it) and hands medium and low to a gate goroutine.
// Called under mu.
func (e *Engine) routeDecision(r *runLoop, d *plan.Decision) error {
	if d.Confidence == plan.ConfidenceHigh {
		option, source, err := e.gate.Resolve(r.execCtx, d)
		if err != nil {
			return err
		}
		if err := plan.ResolveDecision(e.m, d.ID, option, source, time.Now()); err != nil {
			return err
		}
		e.metrics.add(func(m *Metrics) { m.decisionsResolved++ })
		e.event(store.EventDecisionResolved, "", map[string]interface{}{
			"decision": d.ID,
			"option":   option,
			"source":   string(source),
		})
		return nil
	}

	// The gate blocks, so it gets a goroutine and a copy of the decision.
	snapshot := *d
	snapshot.Options = append([]plan.DecisionOption(nil), d.Options...)
	r.pendingDecisions++
	r.grp.Go(func() error {
		option, source, err := e.gate.Resolve(r.execCtx, &snapshot)
		res := resolution{decisionID: snapshot.ID, option: option, source: source, err: err}
		select {
		case r.resolutions <- res:
		case <-r.done:
		}
		return nil
	})
	return nil
}

// refeedDecisions pushes decisions that were unresolved when a previous run
// stopped back through the gate. Expired medium windows resolve immediately
// to their recommendation.
func (e *Engine) refeedDecisions(r *runLoop) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.m.UnresolvedDecisions() {
		if err := e.routeDecision(r, d); err != nil {
			return err
		}
	}
	if len(e.m.UnresolvedDecisions()) > 0 {
		return e.st.SaveManifest(e.m)
	}
	return nil
}

// handleResolution records a gate answer and lifts the gates it held.
func (e *Engine) handleResolution(res resolution) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res.err != nil {
		// The gate only errors on infrastructure problems or a broken
		// operator; leaving the decision open would hang its dependents
		// forever, so the session fails loudly instead.
		e.event(store.EventFault, "", map[string]interface{}{
			"decision": res.decisionID,
			"error":    res.err.Error(),
		})
		e.m.Status = plan.SessionFailed
		e.m.FailureReason = fmt.Sprintf("decision %s could not be resolved: %s", res.decisionID, res.err)
		if err := e.st.SaveManifest(e.m); err != nil {
			return err
		}
		return nil
	}

	if err := plan.ResolveDecision(e.m, res.decisionID, res.option, res.source, time.Now()); err != nil {
		return err
	}
	e.metrics.add(func(m *Metrics) { m.decisionsResolved++ })
	e.event(store.EventDecisionResolved, "", map[string]interface{}{
		"decision": res.decisionID,
		"option":   res.option,
		"source":   string(res.source),
	})
	e.logger.Info("decision resolved",
		zap.String("decision", res.decisionID),
		zap.String("option", res.option),
		zap.String("source", string(res.source)))
	if e.m.Status == plan.SessionBlockedOnDecision {
		e.m.Status = plan.SessionRunning
	}
	return e.st.SaveManifest(e.m)
}

// shutdown handles a cancel request: stop dispatching, give in-flight
// executors a grace period, record whatever they manage to finish, and fail
// the rest with a cancellation error.
func (e *Engine) shutdown(r *runLoop) (plan.SessionStatus, error) {
	e.mu.Lock()
	e.m.Status = plan.SessionCancelled
	e.event(store.EventSessionCancelled, "", map[string]interface{}{
		"in_flight": r.inFlight,
	})
	if err := e.st.SaveManifest(e.m); err != nil {
		e.mu.Unlock()
		return plan.SessionCancelled, err
	}
	e.mu.Unlock()

	r.cancelExec()
	grace := time.NewTimer(e.cancelGrace)
	defer grace.Stop()

drain:
	for r.inFlight > 0 {
		select {
		case ar := <-r.completions:
			r.inFlight--
			if err := e.recordDuringShutdown(ar); err != nil {
				return plan.SessionCancelled, err
			}
		case res := <-r.resolutions:
			r.pendingDecisions--
			_ = res // abandoned; the decision stays open for a resume
		case <-grace.C:
			break drain
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for _, id := range e.m.NodeIDs() {
		node := e.m.Node(id)
		if node.Status != plan.NodeInProgress {
			continue
		}
		node.LastError = "cancelled"
		if err := e.m.Transition(id, plan.NodeInProgress, plan.NodeFailed, now); err != nil {
			return plan.SessionCancelled, err
		}
		e.event(store.EventNodeFailed, string(id), map[string]interface{}{
			"error": "cancelled",
		})
	}
	if err := e.st.SaveManifest(e.m); err != nil {
		return plan.SessionCancelled, err
	}
	return plan.SessionCancelled, e.finalizeLocked()
}

// recordDuringShutdown books a completion that arrived inside the grace
// window. Successes count; nothing new is spawned or asked.
func (e *Engine) recordDuringShutdown(ar attemptResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()

	node := e.m.Node(ar.nodeID)
	if node == nil || node.Status != plan.NodeInProgress {
		return nil
	}
	attempt := plan.Attempt{
		Number:    ar.attempt,
		StartedAt: ar.startedAt,
		EndedAt:   ar.endedAt,
	}
	if ar.err == nil && ar.result != nil && ar.result.Outcome == plan.OutcomeSuccess {
		attempt.Outcome = plan.OutcomeSuccess
		node.Attempts = append(node.Attempts, attempt)
		if err := e.m.Transition(node.ID, plan.NodeInProgress, plan.NodeCompleted, now); err != nil {
			return err
		}
		if err := e.st.WriteNodeResult(ar.result); err != nil {
			return err
		}
		e.metrics.add(func(m *Metrics) { m.completed++ })
		e.event(store.EventNodeCompleted, string(node.ID), map[string]interface{}{
			"attempt": ar.attempt,
		})
	} else {
		errMsg := "cancelled"
		if ar.err != nil {
			errMsg = ar.err.Error()
		}
		attempt.Outcome = plan.OutcomeFailure
		attempt.Error = errMsg
		node.Attempts = append(node.Attempts, attempt)
		node.LastError = errMsg
		if err := e.m.Transition(node.ID, plan.NodeInProgress, plan.NodeFailed, now); err != nil {
			return err
		}
		e.event(store.EventNodeFailed, string(node.ID), map[string]interface{}{
			"error": errMsg,
		})
	}
	return e.st.SaveManifest(e.m)
}

// finalizeLocked writes the terminal summary document. Called under mu.
func (e *Engine) finalizeLocked() error {
	summary := buildSummary(e.m, e.metrics.Snapshot())
	if err := e.st.WriteSummary(summary); err != nil {
		return err
	}
	e.logger.Info("session finished",
		zap.String("session", e.m.SessionID),
		zap.String("status", string(e.m.Status)),
		zap.Int("completed", summary.NodeCounts[plan.NodeCompleted]),
		zap.Int("failed", summary.NodeCounts[plan.NodeFailed]),
		zap.Int("skipped", summary.NodeCounts[plan.NodeSkipped]))
	return nil
}

// event appends to the audit log; a log write failure never interrupts the
// run.
func (e *Engine) event(eventType, nodeID string, detail map[string]interface{}) {
	if err := e.st.Events().Append(eventType, nodeID, detail); err != nil {
		e.logger.Warn("event log append failed",
			zap.String("event", eventType),
			zap.Error(err))
	}
}
