package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"taskweave/internal/plan"
)

// PlanFile is the YAML document describing a session's initial node set.
//
//	session: nightly-build
//	nodes:
//	  - id: fetch
//	    kind: sync
//	  - id: build
//	    kind: compile
//	    depends_on: [fetch]
//	    criticality: required
type PlanFile struct {
	Session string     `yaml:"session"`
	Nodes   []PlanNode `yaml:"nodes"`
}

// PlanNode mirrors plan.NodeSpec with YAML field names.
type PlanNode struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"`
	Description string   `yaml:"description"`
	DependsOn   []string `yaml:"depends_on"`
	Criticality string   `yaml:"criticality"`
	Rationale   string   `yaml:"rationale"`
}

// LoadPlan reads a plan file and converts it to node specs. Graph-level
// validation (unknown deps, cycles) happens when the manifest is built.
func LoadPlan(path string) (string, []plan.NodeSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var pf PlanFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return "", nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	if len(pf.Nodes) == 0 {
		return "", nil, fmt.Errorf("plan file %s has no nodes", path)
	}

	specs := make([]plan.NodeSpec, 0, len(pf.Nodes))
	for i, n := range pf.Nodes {
		if n.ID == "" {
			return "", nil, fmt.Errorf("plan node %d has no id", i)
		}
		switch n.Criticality {
		case "", string(plan.CriticalityRequired), string(plan.CriticalityOptional):
		default:
			return "", nil, fmt.Errorf("plan node %s has unknown criticality %q", n.ID, n.Criticality)
		}
		spec := plan.NodeSpec{
			ID:          plan.NodeID(n.ID),
			Kind:        n.Kind,
			Description: n.Description,
			Criticality: plan.Criticality(n.Criticality),
			Rationale:   n.Rationale,
		}
		for _, dep := range n.DependsOn {
			spec.DependsOn = append(spec.DependsOn, plan.NodeID(dep))
		}
		specs = append(specs, spec)
	}
	return pf.Session, specs, nil
}
