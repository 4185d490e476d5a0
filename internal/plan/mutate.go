package plan

import (
	"fmt"
	"sort"
	"time"
)

// MutationReport summarizes what Apply changed, for event logging and tests.
type MutationReport struct {
	Skipped  []NodeID // ids newly added to the skip-set
	Spawned  []NodeID // ids materialized as pending
	Rejected []NodeID // spawn ids refused (with reasons in Warnings)
	Raised   []string // decision ids appended to the log
	Blocked  []NodeID // nodes newly gated by a low-confidence decision
	Warnings []string
}

func (r *MutationReport) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Apply folds a completed node's declared effects into the manifest.
//
// The three effect classes are applied in a fixed order (skips, then spawns,
// then questions) so that a skip and a spawn naming the same id inside one
// result can never race: skip always wins, and the spawned node materializes
// already skipped.
func Apply(m *Manifest, r *ExecutionResult, now time.Time) (*MutationReport, error) {
	if r == nil {
		return nil, fmt.Errorf("apply: nil result")
	}
	report := &MutationReport{}

	// 1. Skips. Add to the global skip-set first so later spawn processing
	// sees them regardless of request order.
	for _, sk := range r.Skips {
		if sk.Target == "" {
			report.warnf("skip with empty target from %s ignored", r.NodeID)
			continue
		}
		if _, dup := m.SkipSet[sk.Target]; !dup {
			m.SkipSet[sk.Target] = sk.Rationale
			report.Skipped = append(report.Skipped, sk.Target)
		}
		n := m.Nodes[sk.Target]
		if n == nil {
			continue
		}
		switch n.Status {
		case NodeCompleted:
			// Completed is immutable; the skip request is recorded in the
			// skip-set (so re-spawns stay dead) but the node keeps its status.
			report.warnf("skip of completed node %s is a no-op", sk.Target)
		case NodeSkipped:
			// Already skipped, nothing to do.
		default:
			n.Status = NodeSkipped
			n.SkipReason = sk.Rationale
			n.UpdatedAt = now
		}
	}

	// 2. Spawns. Ids already in the skip-set materialize as skipped so they
	// show up in status surfaces but are never dispatched; ids already in
	// the node set are idempotent no-ops (resume replay relies on this).
	var candidates []NodeSpec
	batch := make(map[NodeID]NodeSpec, len(r.Spawns))
	for _, sp := range r.Spawns {
		if sp.ID == "" {
			report.warnf("spawn with empty id from %s rejected", r.NodeID)
			continue
		}
		if m.Nodes[sp.ID] != nil {
			continue
		}
		if _, dup := batch[sp.ID]; dup {
			report.warnf("duplicate spawn id %s in one result, later copy dropped", sp.ID)
			continue
		}
		batch[sp.ID] = sp
		candidates = append(candidates, sp)
	}

	// Rejections cascade to a fixpoint: a sibling that depended on a rejected
	// spawn is itself unresolvable, and must never materialize with a
	// dependency that can never exist.
	rejected := make(map[NodeID]error, len(candidates))
	for changed := true; changed; {
		changed = false
		for _, sp := range candidates {
			if rejected[sp.ID] != nil {
				continue
			}
			if err := validateSpawn(m, sp, batch, rejected); err != nil {
				rejected[sp.ID] = err
				changed = true
			}
		}
	}

	for _, sp := range candidates {
		if err := rejected[sp.ID]; err != nil {
			report.Rejected = append(report.Rejected, sp.ID)
			report.warnf("spawn %s rejected: %v", sp.ID, err)
			continue
		}
		node := materialize(sp, r.NodeID, now)
		if reason, skipped := m.SkipSet[sp.ID]; skipped {
			node.Status = NodeSkipped
			node.SkipReason = reason
		}
		m.Nodes[sp.ID] = node
		if node.Status == NodePending {
			report.Spawned = append(report.Spawned, sp.ID)
		}
	}

	// 3. Questions. Append unresolved decisions to the log; low confidence
	// gates every transitive dependent of the raising node.
	for _, q := range r.Questions {
		if existing := m.Decision(q.ID); existing != nil {
			// Resolved decisions are terminal, and an unresolved duplicate
			// would fork the log. Either way a new id is required.
			report.warnf("decision id %s already exists, question from %s dropped", q.ID, r.NodeID)
			continue
		}
		d := &Decision{
			ID:          q.ID,
			RaisedBy:    r.NodeID,
			Question:    q.Question,
			Context:     q.Context,
			Options:     q.Options,
			Recommended: q.Recommended,
			Reason:      q.Reason,
			Confidence:  q.Confidence,
			RaisedAt:    now,
		}
		m.Decisions = append(m.Decisions, d)
		report.Raised = append(report.Raised, d.ID)
	}

	before := m.Blocked
	m.refreshGates()
	for id := range m.Blocked {
		if _, was := before[id]; !was {
			report.Blocked = append(report.Blocked, id)
		}
	}
	sort.Slice(report.Blocked, func(i, j int) bool { return report.Blocked[i] < report.Blocked[j] })

	m.UpdatedAt = now
	return report, nil
}

// refreshGates rebuilds the Blocked status surface from the derived gate set,
// keeping one representative decision id per node (the earliest raised).
// Dispatch never reads this map; ReadySet re-derives the gate itself.
func (m *Manifest) refreshGates() {
	m.Blocked = make(map[NodeID]string)
	for id, decisions := range m.gatedNodes() {
		m.Blocked[id] = decisions[0]
	}
}

// validateSpawn enforces the structural invariants on a new node: no
// self-dependency, every dependency resolvable (existing node, skip-set
// entry, or a live sibling in the same batch), and no cycle introduced. The
// reachability walk runs over existing nodes and live batch siblings alike,
// so a cycle closed entirely inside one batch is caught before anything
// materializes.
func validateSpawn(m *Manifest, sp NodeSpec, batch map[NodeID]NodeSpec, rejected map[NodeID]error) error {
	liveSibling := func(id NodeID) (NodeSpec, bool) {
		s, ok := batch[id]
		if !ok || rejected[id] != nil {
			return NodeSpec{}, false
		}
		return s, true
	}

	for _, dep := range sp.DependsOn {
		if dep == sp.ID {
			return fmt.Errorf("node depends on itself")
		}
		_, sibling := liveSibling(dep)
		if m.Nodes[dep] == nil && !m.InSkipSet(dep) && !sibling {
			return fmt.Errorf("dependency %s can never exist", dep)
		}
	}

	seen := make(map[NodeID]bool)
	queue := append([]NodeID(nil), sp.DependsOn...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == sp.ID {
			return fmt.Errorf("dependency cycle through %s", cur)
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if n := m.Nodes[cur]; n != nil {
			queue = append(queue, n.DependsOn...)
			continue
		}
		if s, ok := liveSibling(cur); ok {
			queue = append(queue, s.DependsOn...)
		}
	}
	return nil
}

func materialize(sp NodeSpec, spawnedBy NodeID, now time.Time) *TaskNode {
	crit := sp.Criticality
	if crit == "" {
		crit = CriticalityRequired
	}
	return &TaskNode{
		ID:          sp.ID,
		Kind:        sp.Kind,
		Description: sp.Description,
		DependsOn:   append([]NodeID(nil), sp.DependsOn...),
		Status:      NodePending,
		Criticality: crit,
		SpawnedBy:   spawnedBy,
		Rationale:   sp.Rationale,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ResolveDecision records a resolution on the manifest. Resolutions are
// terminal. A node gated by the decision becomes dispatchable only once every
// open low-confidence decision covering it is resolved.
func ResolveDecision(m *Manifest, id, option string, source ResolutionSource, now time.Time) error {
	d := m.Decision(id)
	if d == nil {
		return fmt.Errorf("resolve: unknown decision %s", id)
	}
	if d.IsResolved() {
		return fmt.Errorf("resolve: decision %s already resolved to %q", id, d.Resolved)
	}
	d.Resolved = option
	d.Source = source
	d.ResolvedAt = now

	m.refreshGates()
	m.UpdatedAt = now
	return nil
}

// PropagateFailure marks every not-yet-completed transitive dependent of the
// failed node as skipped. This is the single automatic skip the engine
// performs; the rationale always references the failed node so a postmortem
// can trace the cascade.
func PropagateFailure(m *Manifest, failed NodeID, now time.Time) []NodeID {
	rationale := fmt.Sprintf("blocked by failed dependency %s", failed)
	var out []NodeID
	for _, dep := range m.Dependents(failed) {
		n := m.Nodes[dep]
		if n == nil {
			continue
		}
		switch n.Status {
		case NodeCompleted, NodeSkipped, NodeFailed:
			continue
		}
		n.Status = NodeSkipped
		n.SkipReason = rationale
		n.UpdatedAt = now
		out = append(out, dep)
	}
	m.refreshGates()
	m.UpdatedAt = now
	return out
}
