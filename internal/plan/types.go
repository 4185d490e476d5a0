// Package plan implements the task graph data model and the pure graph
// algorithms that drive orchestration: readiness computation, runtime graph
// mutation, and structural validation.
//
// The graph is self-modifying: a completed node may spawn new downstream
// nodes, permanently skip planned ones, or raise decisions that gate further
// dispatch. Everything in this package is side-effect free; persistence and
// execution live in internal/store and internal/engine.
package plan

import (
	"fmt"
	"sort"
	"time"
)

// NodeID is the stable identifier of a task node. IDs never change once a
// node is materialized, and skip directives may name ids that do not exist
// yet (forward references).
type NodeID string

// NodeStatus is the lifecycle state of a task node.
type NodeStatus string

const (
	NodePending    NodeStatus = "pending"     // Waiting on dependencies
	NodeReady      NodeStatus = "ready"       // Selected for dispatch, not yet started
	NodeInProgress NodeStatus = "in_progress" // Handed to the executor
	NodeCompleted  NodeStatus = "completed"   // Terminal, success
	NodeFailed     NodeStatus = "failed"      // Terminal failure (after retries)
	NodeSkipped    NodeStatus = "skipped"     // Terminal, never executed
)

// IsTerminal reports whether the status permits no further transition.
// Completed and skipped are hard-terminal; failed nodes may be re-enqueued
// once by the retry policy before becoming terminal for good.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	default:
		return false
	}
}

// Criticality controls whether a node's terminal failure is fatal to the
// whole session.
type Criticality string

const (
	CriticalityRequired Criticality = "required"
	CriticalityOptional Criticality = "optional"
)

// TaskNode is a unit of delegated work. The engine never interprets what the
// work is; Kind selects a capability in the external executor.
type TaskNode struct {
	ID          NodeID      `json:"id"`
	Kind        string      `json:"kind"`
	Description string      `json:"description,omitempty"`
	DependsOn   []NodeID    `json:"depends_on,omitempty"`
	Status      NodeStatus  `json:"status"`
	Criticality Criticality `json:"criticality"`

	AttemptCount int       `json:"attempt_count"`
	Attempts     []Attempt `json:"attempts,omitempty"`
	LastError    string    `json:"last_error,omitempty"`

	// Provenance
	SpawnedBy  NodeID `json:"spawned_by,omitempty"`
	Rationale  string `json:"rationale,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attempt records one execution attempt for a node.
type Attempt struct {
	Number    int       `json:"number"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// NodeSpec describes a node to be created, either at session start or as a
// spawn request inside an ExecutionResult.
type NodeSpec struct {
	ID          NodeID      `json:"id"`
	Kind        string      `json:"kind"`
	Description string      `json:"description,omitempty"`
	DependsOn   []NodeID    `json:"depends_on,omitempty"`
	Criticality Criticality `json:"criticality,omitempty"`
	Rationale   string      `json:"rationale,omitempty"`
}

// SkipRequest marks a node (existing or not yet created) as permanently
// skipped. Skips are irreversible; re-targeting requires a new node id.
type SkipRequest struct {
	Target    NodeID `json:"target"`
	Rationale string `json:"rationale,omitempty"`
}

// Outcome is the result class of a single execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Artifact is an opaque reference to output produced by a node. The engine
// stores it and hands it to downstream executors; it never looks inside.
type Artifact struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
}

// ExecutionResult is what the external Capability Executor returns for one
// node. Its declared effects (spawns, skips, questions) are applied to the
// manifest by Apply in a fixed order.
type ExecutionResult struct {
	NodeID  NodeID  `json:"node_id"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`

	Summary   string   `json:"summary,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`

	Spawns    []NodeSpec    `json:"spawns,omitempty"`
	Skips     []SkipRequest `json:"skips,omitempty"`
	Questions []Question    `json:"questions,omitempty"`
	Artifacts []Artifact    `json:"artifacts,omitempty"`
}

// Confidence classifies how certain the raiser of a decision is about its
// recommendation, which determines whether an operator gets involved.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"   // Auto-resolve silently
	ConfidenceMedium Confidence = "medium" // Auto-resolve after a bounded wait
	ConfidenceLow    Confidence = "low"    // Operator input required
)

// ResolutionSource records how a decision was resolved.
type ResolutionSource string

const (
	SourceAutoHigh          ResolutionSource = "auto-high"
	SourceAutoMediumTimeout ResolutionSource = "auto-medium-timeout"
	SourceOperator          ResolutionSource = "operator"
	// SourceAutoNonInteractive marks a low-confidence decision that resolved
	// to its recommendation because the session runs without an operator.
	SourceAutoNonInteractive ResolutionSource = "auto-non-interactive"
)

// DecisionOption is one selectable answer to a question.
type DecisionOption struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Question is a pending decision carried inside an ExecutionResult.
type Question struct {
	ID          string           `json:"id"`
	Question    string           `json:"question"`
	Context     string           `json:"context,omitempty"`
	Options     []DecisionOption `json:"options"`
	Recommended string           `json:"recommended"`
	Reason      string           `json:"reason,omitempty"`
	Confidence  Confidence       `json:"confidence"`
}

// Decision is a materialized question in the manifest's ordered decision log.
// A resolved decision is terminal; a later result reusing the same id is a
// logged no-op.
type Decision struct {
	ID          string           `json:"id"`
	RaisedBy    NodeID           `json:"raised_by"`
	Question    string           `json:"question"`
	Context     string           `json:"context,omitempty"`
	Options     []DecisionOption `json:"options"`
	Recommended string           `json:"recommended"`
	Reason      string           `json:"reason,omitempty"`
	Confidence  Confidence       `json:"confidence"`

	Resolved   string           `json:"resolved,omitempty"`
	Source     ResolutionSource `json:"source,omitempty"`
	RaisedAt   time.Time        `json:"raised_at"`
	Deadline   time.Time        `json:"deadline,omitempty"`
	ResolvedAt time.Time        `json:"resolved_at,omitempty"`
}

// IsResolved reports whether the decision carries a final answer.
func (d *Decision) IsResolved() bool { return d.Resolved != "" }

// SessionStatus is the overall state of a session.
type SessionStatus string

const (
	SessionRunning           SessionStatus = "running"
	SessionBlockedOnDecision SessionStatus = "blocked_on_decision"
	SessionCompleted         SessionStatus = "completed"
	SessionFailed            SessionStatus = "failed"
	SessionCancelled         SessionStatus = "cancelled"
)

// Manifest is the single source of truth for a session: the full node set,
// the ordered decision log, the global skip-set, and the session status.
// All components read and write the manifest; none keeps a private copy that
// could diverge after a crash.
type Manifest struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Status        SessionStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`

	Nodes map[NodeID]*TaskNode `json:"nodes"`

	// SkipSet maps permanently skipped ids (materialized or not) to the
	// rationale for the skip. Checked before spawn, irrespective of the
	// order requests arrive in.
	SkipSet map[NodeID]string `json:"skip_set,omitempty"`

	// Decisions is the ordered, append-only decision log.
	Decisions []*Decision `json:"decisions,omitempty"`

	// Blocked maps pending nodes excluded from the ready set to the id of
	// an unresolved low-confidence decision gating them. A status surface
	// rebuilt from the decision log on every mutation; dispatch derives the
	// gate itself rather than reading this map.
	Blocked map[NodeID]string `json:"blocked,omitempty"`
}

// NewManifest creates an empty running manifest for the given session id.
func NewManifest(sessionID string, now time.Time) *Manifest {
	return &Manifest{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    SessionRunning,
		Nodes:     make(map[NodeID]*TaskNode),
		SkipSet:   make(map[NodeID]string),
		Blocked:   make(map[NodeID]string),
	}
}

// Node returns the node with the given id, or nil.
func (m *Manifest) Node(id NodeID) *TaskNode {
	return m.Nodes[id]
}

// InSkipSet reports whether the id is permanently skipped.
func (m *Manifest) InSkipSet(id NodeID) bool {
	_, ok := m.SkipSet[id]
	return ok
}

// Decision returns the decision with the given id, or nil.
func (m *Manifest) Decision(id string) *Decision {
	for _, d := range m.Decisions {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// UnresolvedDecisions returns unresolved decisions in raise order.
func (m *Manifest) UnresolvedDecisions() []*Decision {
	var out []*Decision
	for _, d := range m.Decisions {
		if !d.IsResolved() {
			out = append(out, d)
		}
	}
	return out
}

// NodeIDs returns all node ids in lexical order. Iteration over the Nodes
// map is randomized by the runtime; every caller that needs determinism goes
// through this.
func (m *Manifest) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(m.Nodes))
	for id := range m.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CountByStatus returns how many nodes are in each status.
func (m *Manifest) CountByStatus() map[NodeStatus]int {
	counts := make(map[NodeStatus]int)
	for _, n := range m.Nodes {
		counts[n.Status]++
	}
	return counts
}

// Finished reports whether every node is terminal.
func (m *Manifest) Finished() bool {
	for _, n := range m.Nodes {
		if !n.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Dependents returns the ids of nodes that transitively depend on the given
// node, in lexical order. Used for low-confidence blocking and failure
// propagation.
func (m *Manifest) Dependents(id NodeID) []NodeID {
	// Reverse adjacency over the whole node set.
	children := make(map[NodeID][]NodeID)
	for _, n := range m.Nodes {
		for _, dep := range n.DependsOn {
			children[dep] = append(children[dep], n.ID)
		}
	}

	seen := map[NodeID]bool{id: true}
	queue := []NodeID{id}
	var out []NodeID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Transition performs a validated status transition for a single node.
// Completed and skipped are immutable; everything else follows the allowed
// transition table. The caller supplies the expected prior status so that
// races surface as errors instead of silent overwrites.
func (m *Manifest) Transition(id NodeID, from, to NodeStatus, now time.Time) error {
	n := m.Nodes[id]
	if n == nil {
		return fmt.Errorf("transition %s: unknown node", id)
	}
	if n.Status != from {
		return fmt.Errorf("transition %s: expected %s, found %s", id, from, n.Status)
	}
	if !allowedTransition(from, to) {
		return fmt.Errorf("transition %s: %s -> %s not permitted", id, from, to)
	}
	n.Status = to
	n.UpdatedAt = now
	m.UpdatedAt = now
	return nil
}

func allowedTransition(from, to NodeStatus) bool {
	switch from {
	case NodePending:
		return to == NodeReady || to == NodeInProgress || to == NodeSkipped
	case NodeReady:
		return to == NodeInProgress || to == NodePending || to == NodeSkipped
	case NodeInProgress:
		// in_progress -> pending is the retry re-enqueue.
		return to == NodeCompleted || to == NodeFailed || to == NodePending
	default:
		// completed, failed, and skipped are terminal.
		return false
	}
}
