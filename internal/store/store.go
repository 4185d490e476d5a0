// Package store implements the durable state store backing a session: the
// manifest (single source of truth), per-node result documents and artifact
// namespaces, the decision exchange directory, and a sqlite-backed event log.
//
// Layout, one directory per session under the workspace root:
//
//	.weave/<session-id>/
//	    manifest.json        session manifest (atomic replace on save)
//	    events.db            append-only event log (sqlite)
//	    summary.json         terminal session summary
//	    nodes/<node-id>/
//	        result.json      structured executor output
//	        artifacts.json   artifact references
//	        artifacts/       executor-owned output namespace
//	    decisions/
//	        <id>.json        decision request for the operator
//	        <id>.answer      operator's answer (watched)
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"taskweave/internal/plan"
)

const (
	// RootDirName is the per-workspace directory every session lives under.
	RootDirName = ".weave"

	manifestFile  = "manifest.json"
	eventsFile    = "events.db"
	summaryFile   = "summary.json"
	nodesDirName  = "nodes"
	decisionsDir  = "decisions"
	artifactsDir  = "artifacts"
	resultFile    = "result.json"
	artifactsFile = "artifacts.json"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Store is the handle to one session's on-disk state. It also serves as the
// context handle passed to executors: they locate upstream output through it
// instead of receiving it inline.
type Store struct {
	root      string
	sessionID string
	dir       string
	events    *EventLog
	logger    *zap.Logger
}

// Create initializes the directory tree for a new session.
func Create(root, sessionID string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, RootDirName, sessionID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	for _, sub := range []string{nodesDirName, decisionsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	events, err := openEventLog(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, err
	}
	logger.Debug("session store created", zap.String("session", sessionID), zap.String("dir", dir))
	return &Store{root: root, sessionID: sessionID, dir: dir, events: events, logger: logger}, nil
}

// Open attaches to an existing session directory.
func Open(root, sessionID string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, RootDirName, sessionID)
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	events, err := openEventLog(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, err
	}
	return &Store{root: root, sessionID: sessionID, dir: dir, events: events, logger: logger}, nil
}

// List returns the session ids present under root, sorted.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, RootDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SessionID returns the id of the session this store belongs to.
func (s *Store) SessionID() string { return s.sessionID }

// Dir returns the session directory.
func (s *Store) Dir() string { return s.dir }

// Events returns the session's event log.
func (s *Store) Events() *EventLog { return s.events }

// Close releases the event log.
func (s *Store) Close() error {
	if s.events != nil {
		return s.events.Close()
	}
	return nil
}

// SaveManifest validates and persists the manifest atomically: written to a
// temp file in the same directory, fsynced, then renamed over the old one, so
// a crash mid-write leaves the previous manifest intact.
func (s *Store) SaveManifest(m *plan.Manifest) error {
	if err := plan.ValidateGraph(m); err != nil {
		return fmt.Errorf("refusing to persist invalid manifest: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	target := filepath.Join(s.dir, manifestFile)
	tmp, err := os.CreateTemp(s.dir, manifestFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// LoadManifest reads and validates the persisted manifest. A manifest that
// fails to parse or violates an invariant is fatal: the session refuses to
// resume rather than guess.
func (s *Store) LoadManifest() (*plan.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m plan.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", plan.ErrCorruptManifest, err)
	}
	if m.Nodes == nil {
		m.Nodes = make(map[plan.NodeID]*plan.TaskNode)
	}
	if m.SkipSet == nil {
		m.SkipSet = make(map[plan.NodeID]string)
	}
	if m.Blocked == nil {
		m.Blocked = make(map[plan.NodeID]string)
	}
	if err := plan.ValidateGraph(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NodeDir returns (and creates) the namespace directory for a node.
func (s *Store) NodeDir(id plan.NodeID) (string, error) {
	dir := filepath.Join(s.dir, nodesDirName, string(id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create node directory: %w", err)
	}
	return dir, nil
}

// ArtifactDir returns (and creates) the executor-owned output directory for
// a node. The engine never reads its contents.
func (s *Store) ArtifactDir(id plan.NodeID) (string, error) {
	nodeDir, err := s.NodeDir(id)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(nodeDir, artifactsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return dir, nil
}

// WriteNodeResult persists an execution result under the node's namespace:
// result.json with the structured output, artifacts.json with the artifact
// references. Downstream executors read these through the context handle.
func (s *Store) WriteNodeResult(r *plan.ExecutionResult) error {
	if r == nil || r.NodeID == "" {
		return fmt.Errorf("write result: missing node id")
	}
	dir, err := s.NodeDir(r.NodeID)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, resultFile), r); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, artifactsFile), struct {
		Artifacts []plan.Artifact `json:"artifacts"`
	}{Artifacts: r.Artifacts})
}

// ReadNodeResult returns a node's persisted result, or nil if the node has
// not produced one yet.
func (s *Store) ReadNodeResult(id plan.NodeID) (*plan.ExecutionResult, error) {
	path := filepath.Join(s.dir, nodesDirName, string(id), resultFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read node result: %w", err)
	}
	var r plan.ExecutionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse node result: %w", err)
	}
	return &r, nil
}

// DecisionDir returns the decision exchange directory.
func (s *Store) DecisionDir() string {
	return filepath.Join(s.dir, decisionsDir)
}

// WriteSummary persists the terminal session summary document.
func (s *Store) WriteSummary(v interface{}) error {
	return writeJSON(filepath.Join(s.dir, summaryFile), v)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
