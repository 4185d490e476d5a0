package engine

import (
	"sort"
	"time"

	"taskweave/internal/plan"
	"taskweave/internal/store"
)

// SessionSummary is the terminal document written next to the manifest when
// a session finishes.
type SessionSummary struct {
	SessionID           string                  `json:"session_id"`
	Status              plan.SessionStatus      `json:"status"`
	FailureReason       string                  `json:"failure_reason,omitempty"`
	GeneratedAt         time.Time               `json:"generated_at"`
	NodeCounts          map[plan.NodeStatus]int `json:"node_counts"`
	UnresolvedDecisions []string                `json:"unresolved_decisions,omitempty"`
	Metrics             MetricsSnapshot         `json:"metrics"`
}

func buildSummary(m *plan.Manifest, metrics MetricsSnapshot) *SessionSummary {
	s := &SessionSummary{
		SessionID:     m.SessionID,
		Status:        m.Status,
		FailureReason: m.FailureReason,
		GeneratedAt:   time.Now(),
		NodeCounts:    m.CountByStatus(),
		Metrics:       metrics,
	}
	for _, d := range m.UnresolvedDecisions() {
		s.UnresolvedDecisions = append(s.UnresolvedDecisions, d.ID)
	}
	return s
}

// NodeView is one node as shown by status surfaces.
type NodeView struct {
	ID          plan.NodeID      `json:"id"`
	Kind        string           `json:"kind"`
	Status      plan.NodeStatus  `json:"status"`
	Criticality plan.Criticality `json:"criticality"`
	DependsOn   []plan.NodeID    `json:"depends_on,omitempty"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	SkipReason  string           `json:"skip_reason,omitempty"`
	SpawnedBy   plan.NodeID      `json:"spawned_by,omitempty"`
}

// Snapshot is a read-only view of a session assembled from its store.
type Snapshot struct {
	SessionID     string                  `json:"session_id"`
	Status        plan.SessionStatus      `json:"status"`
	FailureReason string                  `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time               `json:"updated_at"`
	Counts        map[plan.NodeStatus]int `json:"counts"`
	Nodes         []NodeView              `json:"nodes"`
	Unresolved    []*plan.Decision        `json:"unresolved_decisions,omitempty"`
	RecentEvents  []store.Event           `json:"recent_events,omitempty"`
}

// BuildSnapshot reads the manifest and event log into a Snapshot. Nodes come
// back in lexical order.
func BuildSnapshot(st *store.Store) (*Snapshot, error) {
	m, err := st.LoadManifest()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		SessionID:     m.SessionID,
		Status:        m.Status,
		FailureReason: m.FailureReason,
		UpdatedAt:     m.UpdatedAt,
		Counts:        m.CountByStatus(),
		Unresolved:    m.UnresolvedDecisions(),
	}
	for _, id := range m.NodeIDs() {
		n := m.Node(id)
		snap.Nodes = append(snap.Nodes, NodeView{
			ID:          n.ID,
			Kind:        n.Kind,
			Status:      n.Status,
			Criticality: n.Criticality,
			DependsOn:   n.DependsOn,
			Attempts:    n.AttemptCount,
			LastError:   n.LastError,
			SkipReason:  n.SkipReason,
			SpawnedBy:   n.SpawnedBy,
		})
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })

	events, err := st.Events().Recent(20)
	if err != nil {
		return nil, err
	}
	snap.RecentEvents = events
	return snap, nil
}
