package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// StateFileName is the sync state file kept in the persist directory.
const StateFileName = ".docvault-sync.json"

const stateVersion = "1"

// SyncState records what the last incremental ingest wrote, per source path.
type SyncState struct {
	Version    string                `json:"version"`
	Collection string                `json:"collection"`
	LastRun    time.Time             `json:"last_run"`
	Files      map[string]*FileState `json:"files"`
}

// FileState is the fingerprint of one ingested file.
type FileState struct {
	FileHash   string    `json:"file_hash"`
	Identity   string    `json:"identity"`
	IngestedAt time.Time `json:"ingested_at"`
}

// NewSyncState creates an empty state for collection.
func NewSyncState(collection string) *SyncState {
	return &SyncState{
		Version:    stateVersion,
		Collection: collection,
		Files:      make(map[string]*FileState),
	}
}

// LoadState reads the state for collection from dir. A missing file, or one
// written for another collection, yields an empty state.
func LoadState(dir, collection string) (*SyncState, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return NewSyncState(collection), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}

	var state SyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse sync state: %w", err)
	}
	if state.Version != stateVersion || state.Collection != collection {
		return NewSyncState(collection), nil
	}
	if state.Files == nil {
		state.Files = make(map[string]*FileState)
	}
	return &state, nil
}

// Save writes the state to dir, replacing the previous file atomically.
func (s *SyncState) Save(dir string) error {
	s.LastRun = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, StateFileName+".*")
	if err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, StateFileName))
}

// Record marks doc as ingested.
func (s *SyncState) Record(doc Document) {
	s.Files[doc.Source] = &FileState{
		FileHash:   doc.FileHash,
		Identity:   doc.Identity,
		IngestedAt: time.Now().UTC(),
	}
}

// Forget drops a source path.
func (s *SyncState) Forget(source string) {
	delete(s.Files, source)
}

// Commit applies a plan that was carried out elsewhere, such as by a
// workflow, in one step.
func (s *SyncState) Commit(plan Plan) {
	for _, source := range plan.Deleted {
		s.Forget(source)
	}
	for _, doc := range plan.Ingest {
		s.Record(doc)
	}
}

// Plan is the work an incremental ingest has to do.
type Plan struct {
	// Ingest holds new and changed documents.
	Ingest []Document
	// Unchanged are source paths whose file hash matches the state.
	Unchanged []string
	// Deleted are source paths in the state that were not discovered.
	Deleted []string
	// StaleIdentities were written for changed or deleted files and are not
	// held by any unchanged file. They are removed before Ingest is written,
	// so a changed file never keeps chunks from its previous version.
	StaleIdentities []string
}

// Diff compares docs against the state. A nil state plans a full ingest.
func (s *SyncState) Diff(docs []Document) Plan {
	var plan Plan
	if s == nil {
		plan.Ingest = docs
		return plan
	}

	current := make(map[string]bool, len(docs))
	live := make(map[string]bool, len(docs))
	var dropped []string
	for _, doc := range docs {
		current[doc.Source] = true
		prev, ok := s.Files[doc.Source]
		switch {
		case !ok:
			plan.Ingest = append(plan.Ingest, doc)
		case prev.FileHash == doc.FileHash && prev.Identity == doc.Identity:
			plan.Unchanged = append(plan.Unchanged, doc.Source)
			live[doc.Identity] = true
		default:
			plan.Ingest = append(plan.Ingest, doc)
			dropped = append(dropped, prev.Identity)
		}
	}
	for _, source := range sortedSources(s.Files) {
		if !current[source] {
			plan.Deleted = append(plan.Deleted, source)
			dropped = append(dropped, s.Files[source].Identity)
		}
	}

	seen := make(map[string]bool)
	for _, id := range dropped {
		if !live[id] && !seen[id] {
			seen[id] = true
			plan.StaleIdentities = append(plan.StaleIdentities, id)
		}
	}
	return plan
}

func sortedSources(files map[string]*FileState) []string {
	out := make([]string, 0, len(files))
	for k := range files {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
