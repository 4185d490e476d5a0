package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DeadlockKind distinguishes why a graph can no longer make progress.
type DeadlockKind string

const (
	// DeadlockCycle means pending nodes form a dependency cycle.
	DeadlockCycle DeadlockKind = "cycle"
	// DeadlockMissingDependency means a pending node depends on an id that
	// was never materialized and is not in the skip-set, so it can provably
	// never be satisfied.
	DeadlockMissingDependency DeadlockKind = "missing_dependency"
)

// ErrDeadlock is the sentinel wrapped by every DeadlockError.
var ErrDeadlock = errors.New("graph deadlock")

// DeadlockError reports a permanently stalled graph. It is fatal: a deadlock
// indicates a malformed graph and is never retried or worked around.
type DeadlockError struct {
	Kind  DeadlockKind
	Nodes []NodeID
}

func (e *DeadlockError) Error() string {
	names := make([]string, len(e.Nodes))
	for i, id := range e.Nodes {
		names[i] = string(id)
	}
	return fmt.Sprintf("graph deadlock (%s): %s", e.Kind, strings.Join(names, ", "))
}

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }

// depSatisfied reports whether a single dependency of a pending node is met.
// A completed dependency is satisfied. A skipped dependency (or an id that
// only ever existed in the skip-set) is treated as satisfied too: skip
// propagation drops the requirement rather than stranding the dependent.
func (m *Manifest) depSatisfied(dep NodeID) bool {
	if n := m.Nodes[dep]; n != nil {
		return n.Status == NodeCompleted || n.Status == NodeSkipped
	}
	return m.InSkipSet(dep)
}

// gatedNodes derives, from the unresolved low-confidence decisions, the
// pending nodes excluded from dispatch, each mapped to the gating decision
// ids in raise order. The gate is never stored: deriving it on every call
// means a node spawned after the decision was raised is gated like any other
// transitive dependent of the raiser, and a node under several open decisions
// stays gated until the last one resolves.
func (m *Manifest) gatedNodes() map[NodeID][]string {
	gates := make(map[NodeID][]string)
	for _, d := range m.Decisions {
		if d.IsResolved() || d.Confidence != ConfidenceLow {
			continue
		}
		for _, dep := range m.Dependents(d.RaisedBy) {
			n := m.Nodes[dep]
			if n == nil || n.Status != NodePending {
				continue
			}
			gates[dep] = append(gates[dep], d.ID)
		}
	}
	return gates
}

// ReadySet returns the ids dispatchable right now, in lexical order.
//
// A node is ready iff its status is pending, it is not in the skip-set, it is
// not gated by an unresolved low-confidence decision, and every dependency is
// satisfied. The function is pure and deterministic: identical manifests
// always yield the identical ordered set, which is what makes replay-based
// tests possible.
//
// Deadlock detection: when nothing is ready, nothing is in flight
// (ready/in_progress), nothing is gated, and pending nodes remain, the graph
// can provably never progress and a DeadlockError is returned. Callers with
// in-flight work simply get an empty set and wait for completions.
func ReadySet(m *Manifest) ([]NodeID, error) {
	var ready []NodeID
	pendingLeft := false
	inFlight := false
	gated := m.gatedNodes()

	for _, id := range m.NodeIDs() {
		n := m.Nodes[id]
		switch n.Status {
		case NodeReady, NodeInProgress:
			inFlight = true
			continue
		case NodePending:
			// fall through
		default:
			continue
		}
		pendingLeft = true
		if m.InSkipSet(id) {
			continue
		}
		if len(gated[id]) > 0 {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if !m.depSatisfied(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}

	if len(ready) == 0 && pendingLeft && !inFlight && len(gated) == 0 {
		return nil, classifyDeadlock(m)
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready, nil
}

// classifyDeadlock decides whether the stall is a true cycle or a dependency
// that can never be satisfied, and names the offending nodes.
func classifyDeadlock(m *Manifest) *DeadlockError {
	// Unsatisfiable dependencies first: they are cheaper to diagnose and a
	// graph can exhibit both at once. A dependency on a terminally failed
	// node lands here too: it will never complete, and failure propagation
	// only covers dependents that existed at failure time.
	var missing []NodeID
	for _, id := range m.NodeIDs() {
		n := m.Nodes[id]
		if n.Status != NodePending {
			continue
		}
		for _, dep := range n.DependsOn {
			d := m.Nodes[dep]
			if (d == nil && !m.InSkipSet(dep)) || (d != nil && d.Status == NodeFailed) {
				missing = append(missing, id)
				break
			}
		}
	}
	if len(missing) > 0 {
		return &DeadlockError{Kind: DeadlockMissingDependency, Nodes: missing}
	}

	if cycle := findCycle(m); len(cycle) > 0 {
		return &DeadlockError{Kind: DeadlockCycle, Nodes: cycle}
	}

	// Stalled for a reason the classifier cannot name; report every pending
	// node rather than guessing.
	var pend []NodeID
	for _, id := range m.NodeIDs() {
		if m.Nodes[id].Status == NodePending {
			pend = append(pend, id)
		}
	}
	return &DeadlockError{Kind: DeadlockCycle, Nodes: pend}
}

// findCycle runs a three-color DFS over the full node set and
// returns one cycle in deterministic order, or nil.
func findCycle(m *Manifest) []NodeID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeID]int, len(m.Nodes))

	var cycle []NodeID
	var visit func(id NodeID, stack []NodeID) bool
	visit = func(id NodeID, stack []NodeID) bool {
		color[id] = gray
		stack = append(stack, id)
		n := m.Nodes[id]
		if n != nil {
			deps := append([]NodeID(nil), n.DependsOn...)
			sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
			for _, dep := range deps {
				if m.Nodes[dep] == nil {
					continue
				}
				switch color[dep] {
				case gray:
					// Slice the stack from the first occurrence of dep.
					for i, s := range stack {
						if s == dep {
							cycle = append([]NodeID(nil), stack[i:]...)
							return true
						}
					}
					cycle = append([]NodeID(nil), stack...)
					return true
				case white:
					if visit(dep, stack) {
						return true
					}
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range m.NodeIDs() {
		if color[id] == white {
			if visit(id, nil) {
				return cycle
			}
		}
	}
	return nil
}
