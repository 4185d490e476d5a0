package plan

import (
	"errors"
	"fmt"
	"time"
)

// ErrCorruptManifest is wrapped by every validation failure on a loaded
// manifest. A session whose manifest fails validation refuses to resume
// rather than guess at repairs.
var ErrCorruptManifest = errors.New("corrupt manifest")

var validNodeStatus = map[NodeStatus]bool{
	NodePending:    true,
	NodeReady:      true,
	NodeInProgress: true,
	NodeCompleted:  true,
	NodeFailed:     true,
	NodeSkipped:    true,
}

var validSessionStatus = map[SessionStatus]bool{
	SessionRunning:           true,
	SessionBlockedOnDecision: true,
	SessionCompleted:         true,
	SessionFailed:            true,
	SessionCancelled:         true,
}

// ValidateGraph checks every structural invariant the engine relies on.
// It is called on freshly built manifests and on every load from disk.
func ValidateGraph(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", ErrCorruptManifest)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrCorruptManifest)
	}
	if !validSessionStatus[m.Status] {
		return fmt.Errorf("%w: unknown session status %q", ErrCorruptManifest, m.Status)
	}

	for _, id := range m.NodeIDs() {
		n := m.Nodes[id]
		if n.ID != id {
			return fmt.Errorf("%w: node keyed %s carries id %s", ErrCorruptManifest, id, n.ID)
		}
		if !validNodeStatus[n.Status] {
			return fmt.Errorf("%w: node %s has unknown status %q", ErrCorruptManifest, id, n.Status)
		}
		if n.Criticality != CriticalityRequired && n.Criticality != CriticalityOptional {
			return fmt.Errorf("%w: node %s has unknown criticality %q", ErrCorruptManifest, id, n.Criticality)
		}
		for _, dep := range n.DependsOn {
			if dep == id {
				return fmt.Errorf("%w: node %s depends on itself", ErrCorruptManifest, id)
			}
			if m.Nodes[dep] == nil && !m.InSkipSet(dep) {
				return fmt.Errorf("%w: node %s depends on unknown id %s", ErrCorruptManifest, id, dep)
			}
		}
	}

	if cycle := findCycle(m); len(cycle) > 0 {
		return fmt.Errorf("%w: dependency cycle: %v", ErrCorruptManifest, cycle)
	}

	for nodeID, decisionID := range m.Blocked {
		if m.Nodes[nodeID] == nil {
			return fmt.Errorf("%w: blocked entry for unknown node %s", ErrCorruptManifest, nodeID)
		}
		if m.Decision(decisionID) == nil {
			return fmt.Errorf("%w: node %s blocked on unknown decision %s", ErrCorruptManifest, nodeID, decisionID)
		}
	}

	seen := make(map[string]bool, len(m.Decisions))
	for _, d := range m.Decisions {
		if d.ID == "" {
			return fmt.Errorf("%w: decision with empty id", ErrCorruptManifest)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate decision id %s", ErrCorruptManifest, d.ID)
		}
		seen[d.ID] = true
	}

	return nil
}

// BuildManifest constructs and validates the initial manifest for a session.
// Specs may forward-reference each other in any order; the whole initial set
// counts as one batch.
func BuildManifest(sessionID string, specs []NodeSpec, now time.Time) (*Manifest, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("build manifest: no initial nodes")
	}
	m := NewManifest(sessionID, now)
	for _, sp := range specs {
		if sp.ID == "" {
			return nil, fmt.Errorf("build manifest: node spec with empty id")
		}
		if m.Nodes[sp.ID] != nil {
			return nil, fmt.Errorf("build manifest: duplicate node id %s", sp.ID)
		}
		m.Nodes[sp.ID] = materialize(sp, "", now)
	}
	if err := ValidateGraph(m); err != nil {
		return nil, err
	}
	return m, nil
}
