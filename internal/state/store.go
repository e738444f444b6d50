package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound signals that no state document exists yet. Callers treat this
// as "project not bootstrapped", not as a failure.
var ErrNotFound = errors.New("project state not found")

const (
	stateDir    = ".guardline"
	stateFile   = "project_state.json"
	backupFile  = "project_state.backup.json"
	corruptFile = "project_state.corrupt.json"
)

// Store reads and writes the project state document for one workspace.
//
// Invocations are separate short-lived processes, so there is no in-process
// lock to lean on: writes go to a temp file in the same directory followed by
// an atomic rename, which is the entire cross-invocation correctness story.
type Store struct {
	Workspace string
	Log       *zap.Logger
	Now       func() time.Time
}

// NewStore returns a Store rooted at workspace.
func NewStore(workspace string, log *zap.Logger) *Store {
	if workspace == "" {
		workspace = "."
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{Workspace: workspace, Log: log, Now: time.Now}
}

func (st *Store) now() time.Time {
	if st.Now != nil {
		return st.Now()
	}
	return time.Now()
}

// Dir returns the state directory for the workspace.
func (st *Store) Dir() string {
	return filepath.Join(st.Workspace, stateDir)
}

// Path returns the canonical state document path.
func (st *Store) Path() string {
	return filepath.Join(st.Dir(), stateFile)
}

// BackupPath returns the rolling backup slot path.
func (st *Store) BackupPath() string {
	return filepath.Join(st.Dir(), backupFile)
}

// CorruptPath returns the quarantine slot for unreadable documents.
func (st *Store) CorruptPath() string {
	return filepath.Join(st.Dir(), corruptFile)
}

// Read loads the state document. A missing document returns ErrNotFound. A
// document that is present but unparseable or invalid returns the
// conservative default (planning step, automation off) with a logged
// warning; corruption never becomes the caller's control flow.
func (st *Store) Read() (*ProjectState, error) {
	data, err := os.ReadFile(st.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var s ProjectState
	if err := json.Unmarshal(data, &s); err != nil {
		st.quarantine(data)
		st.Log.Warn("state document unparseable, substituting safe default",
			zap.String("path", st.Path()),
			zap.String("quarantine", st.CorruptPath()),
			zap.Error(err))
		return Default(filepath.Base(st.Workspace), st.now()), nil
	}
	if err := s.Validate(); err != nil {
		st.quarantine(data)
		st.Log.Warn("state document invalid, substituting safe default",
			zap.String("path", st.Path()),
			zap.String("quarantine", st.CorruptPath()),
			zap.Error(err))
		return Default(filepath.Base(st.Workspace), st.now()), nil
	}
	return &s, nil
}

// quarantine preserves the raw bytes of a bad document so the warning's
// pointer outlives the rewrite that follows. Best effort.
func (st *Store) quarantine(data []byte) {
	if err := os.WriteFile(st.CorruptPath(), data, 0o644); err != nil {
		st.Log.Warn("state quarantine failed", zap.Error(err))
	}
}

// Write persists the document atomically: serialize to a temp file in the
// state directory, then rename over the canonical path. Readers see either
// the old or the new document, never a torn one. The previous document is
// copied to the backup slot first, best effort.
func (st *Store) Write(s *ProjectState) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid state: %w", err)
	}
	dir := st.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	st.backup()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, stateFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, st.Path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state into place: %w", err)
	}
	return nil
}

// backup copies the current canonical document into the backup slot. This
// exists for manual recovery only; failures are logged and ignored.
func (st *Store) backup() {
	data, err := os.ReadFile(st.Path())
	if err != nil {
		return
	}
	if err := os.WriteFile(st.BackupPath(), data, 0o644); err != nil {
		st.Log.Warn("state backup failed", zap.Error(err))
	}
}

// Update performs a read-modify-write: load the document, apply fn, stamp
// last_updated, write back atomically. ErrNotFound propagates; there is
// nothing to update before bootstrap.
func (st *Store) Update(fn func(*ProjectState) error) (*ProjectState, error) {
	s, err := st.Read()
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.LastUpdated = st.now().UTC().Format(time.RFC3339)
	if err := st.Write(s); err != nil {
		return nil, err
	}
	return s, nil
}
