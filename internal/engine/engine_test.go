package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"taskweave/internal/gate"
	"taskweave/internal/plan"
	"taskweave/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// fakeExec counts calls per node and delegates to fn. The default fn reports
// success with no effects.
type fakeExec struct {
	mu    sync.Mutex
	calls map[plan.NodeID]int
	fn    func(node *plan.TaskNode, attempt int) (*plan.ExecutionResult, error)
}

func newFakeExec(fn func(node *plan.TaskNode, attempt int) (*plan.ExecutionResult, error)) *fakeExec {
	return &fakeExec{calls: make(map[plan.NodeID]int), fn: fn}
}

func (f *fakeExec) Execute(_ context.Context, node *plan.TaskNode, _ ContextHandle) (*plan.ExecutionResult, error) {
	f.mu.Lock()
	f.calls[node.ID]++
	attempt := f.calls[node.ID]
	f.mu.Unlock()
	if f.fn == nil {
		return ok(node.ID), nil
	}
	return f.fn(node, attempt)
}

func (f *fakeExec) callCount(id plan.NodeID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func ok(id plan.NodeID) *plan.ExecutionResult {
	return &plan.ExecutionResult{NodeID: id, Outcome: plan.OutcomeSuccess}
}

func fail(id plan.NodeID, msg string) *plan.ExecutionResult {
	return &plan.ExecutionResult{NodeID: id, Outcome: plan.OutcomeFailure, Error: msg}
}

// blockingOperator never answers; Ask returns when ctx is done.
type blockingOperator struct{}

func (blockingOperator) Ask(ctx context.Context, _ *plan.Decision) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// delayedOperator answers after a fixed delay.
type delayedOperator struct {
	answer string
	delay  time.Duration
}

func (o delayedOperator) Ask(ctx context.Context, _ *plan.Decision) (string, error) {
	select {
	case <-time.After(o.delay):
		return o.answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newController(t *testing.T, root string, exec Executor, gateOpts gate.Options) *Controller {
	t.Helper()
	if gateOpts.Operator == nil && !gateOpts.NonInteractive {
		gateOpts.NonInteractive = true
	}
	c, err := NewController(ControllerOptions{
		Root:          root,
		Executor:      exec,
		Gate:          gateOpts,
		MaxAttempts:   2,
		MaxConcurrent: 4,
		CancelGrace:   time.Second,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return c
}

func loadManifest(t *testing.T, root, sessionID string) *plan.Manifest {
	t.Helper()
	st, err := store.Open(root, sessionID, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()
	m, err := st.LoadManifest()
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	return m
}

func diamond() []plan.NodeSpec {
	return []plan.NodeSpec{
		{ID: "a", Kind: "work"},
		{ID: "b", Kind: "work", DependsOn: []plan.NodeID{"a"}},
		{ID: "c", Kind: "work", DependsOn: []plan.NodeID{"a"}},
		{ID: "d", Kind: "work", DependsOn: []plan.NodeID{"b", "c"}},
	}
}

func TestRunDiamondCompletes(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(nil)
	c := newController(t, root, exec, gate.Options{})

	id, status, err := c.Start(context.Background(), "", diamond())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}

	m := loadManifest(t, root, id)
	for _, nodeID := range m.NodeIDs() {
		if got := m.Node(nodeID).Status; got != plan.NodeCompleted {
			t.Errorf("node %s status = %s, want completed", nodeID, got)
		}
	}
	for _, nodeID := range []plan.NodeID{"a", "b", "c", "d"} {
		if exec.callCount(nodeID) != 1 {
			t.Errorf("node %s executed %d times, want 1", nodeID, exec.callCount(nodeID))
		}
	}
}

func TestSpawnedNodesRun(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		if node.ID == "a" {
			r := ok("a")
			r.Spawns = []plan.NodeSpec{
				{ID: "x", Kind: "work", DependsOn: []plan.NodeID{"a"}},
				{ID: "y", Kind: "work", DependsOn: []plan.NodeID{"x"}},
			}
			return r, nil
		}
		return ok(node.ID), nil
	})
	c := newController(t, root, exec, gate.Options{})

	id, status, err := c.Start(context.Background(), "", []plan.NodeSpec{{ID: "a", Kind: "work"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}

	m := loadManifest(t, root, id)
	for _, nodeID := range []plan.NodeID{"x", "y"} {
		node := m.Node(nodeID)
		if node == nil || node.Status != plan.NodeCompleted {
			t.Fatalf("spawned node %s not completed: %+v", nodeID, node)
		}
		if node.SpawnedBy != "a" {
			t.Errorf("node %s spawned_by = %s, want a", nodeID, node.SpawnedBy)
		}
	}
}

func TestSkipPreventsDispatch(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		if node.ID == "a" {
			r := ok("a")
			r.Skips = []plan.SkipRequest{{Target: "b", Rationale: "already covered"}}
			return r, nil
		}
		return ok(node.ID), nil
	})
	c := newController(t, root, exec, gate.Options{})

	id, status, err := c.Start(context.Background(), "", []plan.NodeSpec{
		{ID: "a", Kind: "work"},
		{ID: "b", Kind: "work", DependsOn: []plan.NodeID{"a"}},
		{ID: "c", Kind: "work", DependsOn: []plan.NodeID{"b"}},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	if exec.callCount("b") != 0 {
		t.Errorf("skipped node b executed %d times", exec.callCount("b"))
	}
	m := loadManifest(t, root, id)
	if m.Node("b").Status != plan.NodeSkipped {
		t.Errorf("node b status = %s, want skipped", m.Node("b").Status)
	}
	// c's dependency on b was dropped by the skip.
	if m.Node("c").Status != plan.NodeCompleted {
		t.Errorf("node c status = %s, want completed", m.Node("c").Status)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(func(node *plan.TaskNode, attempt int) (*plan.ExecutionResult, error) {
		if node.ID == "a" && attempt == 1 {
			return nil, errors.New("transient")
		}
		return ok(node.ID), nil
	})
	c := newController(t, root, exec, gate.Options{})

	id, status, err := c.Start(context.Background(), "", []plan.NodeSpec{{ID: "a", Kind: "work"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	node := loadManifest(t, root, id).Node("a")
	if node.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", node.AttemptCount)
	}
	if len(node.Attempts) != 2 {
		t.Fatalf("recorded attempts = %d, want 2", len(node.Attempts))
	}
	if node.Attempts[0].Outcome != plan.OutcomeFailure || node.Attempts[1].Outcome != plan.OutcomeSuccess {
		t.Errorf("attempt outcomes = %s, %s", node.Attempts[0].Outcome, node.Attempts[1].Outcome)
	}
}

func TestRequiredFailureFailsSession(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		if node.ID == "a" {
			return fail("a", "no such capability"), nil
		}
		return ok(node.ID), nil
	})
	c := newController(t, root, exec, gate.Options{})

	id, status, err := c.Start(context.Background(), "", []plan.NodeSpec{
		{ID: "a", Kind: "work", Criticality: plan.CriticalityRequired},
		{ID: "b", Kind: "work", DependsOn: []plan.NodeID{"a"}},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	m := loadManifest(t, root, id)
	if m.Node("a").Status != plan.NodeFailed {
		t.Errorf("node a status = %s, want failed", m.Node("a").Status)
	}
	if m.Node("b").Status != plan.NodeSkipped {
		t.Errorf("node b status = %s, want skipped", m.Node("b").Status)
	}
	if m.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
	if exec.callCount("a") != 2 {
		t.Errorf("node a executed %d times, want 2 (retry budget)", exec.callCount("a"))
	}
	if exec.callCount("b") != 0 {
		t.Errorf("downstream node b executed %d times", exec.callCount("b"))
	}
}

func TestOptionalFailureIsLocalized(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		if node.ID == "a" {
			return fail("a", "flaky"), nil
		}
		return ok(node.ID), nil
	})
	c := newController(t, root, exec, gate.Options{})

	id, status, err := c.Start(context.Background(), "", []plan.NodeSpec{
		{ID: "a", Kind: "work", Criticality: plan.CriticalityOptional},
		{ID: "b", Kind: "work", DependsOn: []plan.NodeID{"a"}},
		{ID: "c", Kind: "work"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	m := loadManifest(t, root, id)
	if m.Node("b").Status != plan.NodeSkipped {
		t.Errorf("node b status = %s, want skipped", m.Node("b").Status)
	}
	if m.Node("c").Status != plan.NodeCompleted {
		t.Errorf("node c status = %s, want completed", m.Node("c").Status)
	}
}

func question(id string, conf plan.Confidence) plan.Question {
	return plan.Question{
		ID:       id,
		Question: "Proceed with the fallback?",
		Options: []plan.DecisionOption{
			{Value: "yes"},
			{Value: "no"},
		},
		Recommended: "yes",
		Confidence:  conf,
	}
}

func TestHighConfidenceDecisionAutoResolves(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		if node.ID == "a" {
			r := ok("a")
			r.Questions = []plan.Question{question("d-1", plan.ConfidenceHigh)}
			return r, nil
		}
		return ok(node.ID), nil
	})
	c := newController(t, root, exec, gate.Options{Operator: blockingOperator{}})

	id, status, err := c.Start(context.Background(), "", []plan.NodeSpec{{ID: "a", Kind: "work"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	d := loadManifest(t, root, id).Decision("d-1")
	if d == nil || !d.IsResolved() {
		t.Fatalf("decision not resolved: %+v", d)
	}
	if d.Resolved != "yes" || d.Source != plan.SourceAutoHigh {
		t.Errorf("resolved %q via %q, want yes via auto-high", d.Resolved, d.Source)
	}
}

func TestMediumDecisionTimesOutToRecommendation(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		if node.ID == "a" {
			r := ok("a")
			r.Questions = []plan.Question{question("d-1", plan.ConfidenceMedium)}
			return r, nil
		}
		return ok(node.ID), nil
	})
	c := newController(t, root, exec, gate.Options{
		Operator:   blockingOperator{},
		MediumWait: 20 * time.Millisecond,
	})

	id, status, err := c.Start(context.Background(), "", []plan.NodeSpec{
		{ID: "a", Kind: "work"},
		{ID: "b", Kind: "work", DependsOn: []plan.NodeID{"a"}},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	m := loadManifest(t, root, id)
	d := m.Decision("d-1")
	if d.Resolved != "yes" || d.Source != plan.SourceAutoMediumTimeout {
		t.Errorf("resolved %q via %q, want yes via auto-medium-timeout", d.Resolved, d.Source)
	}
	// Medium never gates: b ran regardless of the open window.
	if m.Node("b").Status != plan.NodeCompleted {
		t.Errorf("node b status = %s, want completed", m.Node("b").Status)
	}
}

func TestLowConfidenceDecisionGatesDependents(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		if node.ID == "a" {
			r := ok("a")
			r.Questions = []plan.Question{question("d-1", plan.ConfidenceLow)}
			return r, nil
		}
		return ok(node.ID), nil
	})
	c := newController(t, root, exec, gate.Options{
		Operator: delayedOperator{answer: "no", delay: 30 * time.Millisecond},
	})

	id, status, err := c.Start(context.Background(), "", []plan.NodeSpec{
		{ID: "a", Kind: "work"},
		{ID: "b", Kind: "work", DependsOn: []plan.NodeID{"a"}},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	m := loadManifest(t, root, id)
	d := m.Decision("d-1")
	if d.Resolved != "no" || d.Source != plan.SourceOperator {
		t.Errorf("resolved %q via %q, want no via operator", d.Resolved, d.Source)
	}
	if m.Node("b").Status != plan.NodeCompleted {
		t.Fatalf("node b status = %s, want completed", m.Node("b").Status)
	}
	if len(m.Blocked) != 0 {
		t.Errorf("gates not lifted: %v", m.Blocked)
	}

	// The audit log proves b only dispatched after the resolution.
	st, err := store.Open(root, id, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()
	events, err := st.Events().Recent(100)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	var resolvedID, dispatchedID int64
	for _, ev := range events {
		if ev.Type == store.EventDecisionResolved {
			resolvedID = ev.ID
		}
		if ev.Type == store.EventNodeDispatched && ev.NodeID == "b" {
			dispatchedID = ev.ID
		}
	}
	if resolvedID == 0 || dispatchedID == 0 {
		t.Fatalf("expected both events in the log (resolved=%d dispatched=%d)", resolvedID, dispatchedID)
	}
	if dispatchedID < resolvedID {
		t.Errorf("gated node dispatched (event %d) before the decision resolved (event %d)", dispatchedID, resolvedID)
	}
}

func TestUnresolvableSpawnBatchIsRejectedWhole(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		if node.ID == "a" {
			r := ok("a")
			// y can never exist, and x only made sense with y; neither may
			// materialize.
			r.Spawns = []plan.NodeSpec{
				{ID: "x", Kind: "work", DependsOn: []plan.NodeID{"y"}},
				{ID: "y", Kind: "work", DependsOn: []plan.NodeID{"ghost"}},
			}
			return r, nil
		}
		return ok(node.ID), nil
	})
	c := newController(t, root, exec, gate.Options{})

	id, status, err := c.Start(context.Background(), "", []plan.NodeSpec{{ID: "a", Kind: "work"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	m := loadManifest(t, root, id)
	if m.Node("x") != nil || m.Node("y") != nil {
		t.Error("rejected spawns must not materialize")
	}
}

func TestDeadlockOnFailedDependency(t *testing.T) {
	root := t.TempDir()
	sessionID := "wedged-1"

	// A crash can leave a node depending on an already failed one, e.g. when
	// the spawn landed in the same breath the dependency died. Resume must
	// prove the stall instead of hanging.
	st, err := store.Create(root, sessionID, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m, err := plan.BuildManifest(sessionID, []plan.NodeSpec{
		{ID: "f", Kind: "work", Criticality: plan.CriticalityOptional},
		{ID: "x", Kind: "work", DependsOn: []plan.NodeID{"f"}},
	}, time.Now())
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}
	m.Node("f").Status = plan.NodeFailed
	m.Node("f").AttemptCount = 2
	if err := st.SaveManifest(m); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}
	st.Close()

	c := newController(t, root, newFakeExec(nil), gate.Options{})
	status, err := c.Resume(context.Background(), sessionID)
	if !errors.Is(err, plan.ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock, got %v", err)
	}
	var dl *plan.DeadlockError
	if !errors.As(err, &dl) || dl.Kind != plan.DeadlockMissingDependency {
		t.Fatalf("expected missing_dependency deadlock, got %+v", err)
	}
	if status != plan.SessionFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if m := loadManifest(t, root, sessionID); m.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
}

func TestCancelFailsInFlightNodes(t *testing.T) {
	root := t.TempDir()
	started := make(chan struct{})
	var once sync.Once
	exec := ExecutorFunc(func(ctx context.Context, node *plan.TaskNode, _ ContextHandle) (*plan.ExecutionResult, error) {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return ok(node.ID), nil
		}
	})
	c, err := NewController(ControllerOptions{
		Root:          root,
		Executor:      exec,
		Gate:          gate.Options{NonInteractive: true},
		MaxAttempts:   2,
		MaxConcurrent: 4,
		CancelGrace:   50 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	id, status, err := c.Start(ctx, "", []plan.NodeSpec{{ID: "a", Kind: "work"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCancelled {
		t.Fatalf("status = %s, want cancelled", status)
	}
	m := loadManifest(t, root, id)
	if m.Status != plan.SessionCancelled {
		t.Errorf("persisted status = %s, want cancelled", m.Status)
	}
	if m.Node("a").Status != plan.NodeFailed {
		t.Errorf("node a status = %s, want failed", m.Node("a").Status)
	}
}

func TestResumeRetriesInterruptedNode(t *testing.T) {
	root := t.TempDir()
	sessionID := "crash-1"

	st, err := store.Create(root, sessionID, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m, err := plan.BuildManifest(sessionID, []plan.NodeSpec{
		{ID: "a", Kind: "work"},
		{ID: "b", Kind: "work", DependsOn: []plan.NodeID{"a"}},
	}, time.Now())
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}
	// Simulate a crash mid-flight: a was dispatched once, never reported.
	m.Node("a").Status = plan.NodeInProgress
	m.Node("a").AttemptCount = 1
	if err := st.SaveManifest(m); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}
	st.Close()

	exec := newFakeExec(nil)
	c := newController(t, root, exec, gate.Options{})
	status, err := c.Resume(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	node := loadManifest(t, root, sessionID).Node("a")
	if node.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", node.AttemptCount)
	}
	if len(node.Attempts) == 0 || node.Attempts[0].Error != "interrupted" {
		t.Errorf("interrupted attempt not recorded: %+v", node.Attempts)
	}
	if exec.callCount("a") != 1 {
		t.Errorf("node a executed %d times on resume, want 1", exec.callCount("a"))
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	specs := diamond()
	spawning := func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		if node.ID == "a" {
			r := ok("a")
			r.Spawns = []plan.NodeSpec{{ID: "x", Kind: "work", DependsOn: []plan.NodeID{"a"}}}
			return r, nil
		}
		return ok(node.ID), nil
	}

	type finalState struct {
		Status    plan.NodeStatus
		SpawnedBy plan.NodeID
	}
	outcome := func(m *plan.Manifest) map[plan.NodeID]finalState {
		out := make(map[plan.NodeID]finalState)
		for _, id := range m.NodeIDs() {
			n := m.Node(id)
			out[id] = finalState{Status: n.Status, SpawnedBy: n.SpawnedBy}
		}
		return out
	}

	// Uninterrupted run.
	rootA := t.TempDir()
	idA, status, err := newController(t, rootA, newFakeExec(spawning), gate.Options{}).
		Start(context.Background(), "", specs)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("status = %s, want completed", status)
	}

	// Same session persisted right after a's completion, then resumed.
	rootB := t.TempDir()
	sessionID := "resumed"
	st, err := store.Create(rootB, sessionID, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	now := time.Now()
	m, err := plan.BuildManifest(sessionID, specs, now)
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}
	if err := m.Transition("a", plan.NodePending, plan.NodeInProgress, now); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	aResult, err := spawning(m.Node("a"), 1)
	if err != nil {
		t.Fatalf("executor failed: %v", err)
	}
	if err := m.Transition("a", plan.NodeInProgress, plan.NodeCompleted, now); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if _, err := plan.Apply(m, aResult, now); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := st.SaveManifest(m); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}
	st.Close()

	status, err = newController(t, rootB, newFakeExec(spawning), gate.Options{}).
		Resume(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if status != plan.SessionCompleted {
		t.Fatalf("resumed status = %s, want completed", status)
	}

	got := outcome(loadManifest(t, rootB, sessionID))
	want := outcome(loadManifest(t, rootA, idA))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resumed run diverged from uninterrupted run (-uninterrupted +resumed):\n%s", diff)
	}
}

func TestResumeExhaustedBudgetFailsWithoutRunning(t *testing.T) {
	root := t.TempDir()
	sessionID := "crash-2"

	st, err := store.Create(root, sessionID, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m, err := plan.BuildManifest(sessionID, []plan.NodeSpec{
		{ID: "a", Kind: "work", Criticality: plan.CriticalityRequired},
		{ID: "b", Kind: "work", DependsOn: []plan.NodeID{"a"}},
	}, time.Now())
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}
	m.Node("a").Status = plan.NodeInProgress
	m.Node("a").AttemptCount = 2 // budget already spent
	if err := st.SaveManifest(m); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}
	st.Close()

	exec := newFakeExec(nil)
	c := newController(t, root, exec, gate.Options{})
	status, err := c.Resume(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if status != plan.SessionFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	m = loadManifest(t, root, sessionID)
	if m.Node("a").Status != plan.NodeFailed {
		t.Errorf("node a status = %s, want failed", m.Node("a").Status)
	}
	if m.Node("b").Status != plan.NodeSkipped {
		t.Errorf("node b status = %s, want skipped", m.Node("b").Status)
	}
	if exec.callCount("a")+exec.callCount("b") != 0 {
		t.Error("no node should execute when reconciliation finishes the session")
	}
}

func TestResumeFinishedSessionRejected(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(nil)
	c := newController(t, root, exec, gate.Options{})

	id, _, err := c.Start(context.Background(), "", []plan.NodeSpec{{ID: "a", Kind: "work"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := c.Resume(context.Background(), id); err == nil {
		t.Fatal("expected resume of a completed session to fail")
	}
}

func TestCancelOfflineSession(t *testing.T) {
	root := t.TempDir()
	sessionID := "stale-1"

	st, err := store.Create(root, sessionID, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m, err := plan.BuildManifest(sessionID, []plan.NodeSpec{{ID: "a", Kind: "work"}}, time.Now())
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}
	m.Node("a").Status = plan.NodeInProgress
	m.Node("a").AttemptCount = 1
	if err := st.SaveManifest(m); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}
	st.Close()

	c := newController(t, root, newFakeExec(nil), gate.Options{})
	if err := c.Cancel(sessionID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	m = loadManifest(t, root, sessionID)
	if m.Status != plan.SessionCancelled {
		t.Errorf("status = %s, want cancelled", m.Status)
	}
	if m.Node("a").Status != plan.NodeFailed || m.Node("a").LastError != "cancelled" {
		t.Errorf("node a = %s/%q, want failed/cancelled", m.Node("a").Status, m.Node("a").LastError)
	}
	if err := c.Cancel(sessionID); err == nil {
		t.Fatal("expected cancelling a finished session to fail")
	}
}

func TestStatusSnapshot(t *testing.T) {
	root := t.TempDir()
	exec := newFakeExec(nil)
	c := newController(t, root, exec, gate.Options{})

	id, _, err := c.Start(context.Background(), "", diamond())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap, err := c.Status(id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Status != plan.SessionCompleted {
		t.Errorf("snapshot status = %s, want completed", snap.Status)
	}
	if snap.Counts[plan.NodeCompleted] != 4 {
		t.Errorf("completed count = %d, want 4", snap.Counts[plan.NodeCompleted])
	}
	if len(snap.Nodes) != 4 {
		t.Errorf("node views = %d, want 4", len(snap.Nodes))
	}
	if len(snap.RecentEvents) == 0 {
		t.Error("snapshot carries no events")
	}

	sessions, err := c.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0] != id {
		t.Errorf("sessions = %v, want [%s]", sessions, id)
	}
}

func TestConcurrencyBound(t *testing.T) {
	root := t.TempDir()
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	exec := newFakeExec(func(node *plan.TaskNode, _ int) (*plan.ExecutionResult, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return ok(node.ID), nil
	})
	c, err := NewController(ControllerOptions{
		Root:          root,
		Executor:      exec,
		Gate:          gate.Options{NonInteractive: true},
		MaxAttempts:   2,
		MaxConcurrent: 2,
		CancelGrace:   time.Second,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	var specs []plan.NodeSpec
	for i := 0; i < 6; i++ {
		specs = append(specs, plan.NodeSpec{ID: plan.NodeID(fmt.Sprintf("n%d", i)), Kind: "work"})
	}
	if _, status, err := c.Start(context.Background(), "", specs); err != nil || status != plan.SessionCompleted {
		t.Fatalf("Start = %s, %v", status, err)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}
