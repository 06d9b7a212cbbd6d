package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoCheckpoint reports that no checkpoint exists for the requested run.
var ErrNoCheckpoint = errors.New("pipeline: no checkpoint")

// CorruptCheckpointError marks an unreadable or incompatible resume state.
// The operator must restart from stage 1 rather than let the controller
// guess at partial state.
type CorruptCheckpointError struct {
	Path string
	Err  error
}

func (e *CorruptCheckpointError) Error() string {
	return fmt.Sprintf("pipeline: corrupt checkpoint %s: %v", e.Path, e.Err)
}

func (e *CorruptCheckpointError) Unwrap() error { return e.Err }

const checkpointVersion = 1

type checkpointFile struct {
	Version int  `json:"version"`
	Run     *Run `json:"run"`
}

// CheckpointStore persists run snapshots under the output directory, one
// file per run. It has exactly one writer, the stage controller, and uses
// an atomic replace-on-write so a crash mid-write never leaves a partial
// checkpoint visible.
type CheckpointStore struct {
	dir string
}

func NewCheckpointStore(dir string) *CheckpointStore {
	return &CheckpointStore{dir: dir}
}

func (s *CheckpointStore) path(runID string) string {
	return filepath.Join(s.dir, runID, "checkpoint.json")
}

// Save writes the run snapshot atomically: temp file in the same directory,
// fsync, then rename over the previous checkpoint.
func (s *CheckpointStore) Save(run *Run) error {
	if err := run.validate(); err != nil {
		return fmt.Errorf("refusing to checkpoint invalid run: %w", err)
	}

	dst := s.path(run.ID)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(checkpointFile{Version: checkpointVersion, Run: run}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

// Load reads the checkpoint for runID. Absent checkpoints return
// ErrNoCheckpoint; unreadable or incompatible ones return
// *CorruptCheckpointError.
func (s *CheckpointStore) Load(runID string) (*Run, error) {
	path := s.path(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, &CorruptCheckpointError{Path: path, Err: err}
	}

	var cp checkpointFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &CorruptCheckpointError{Path: path, Err: err}
	}
	if cp.Version != checkpointVersion {
		return nil, &CorruptCheckpointError{Path: path, Err: fmt.Errorf("version %d, want %d", cp.Version, checkpointVersion)}
	}
	if cp.Run == nil {
		return nil, &CorruptCheckpointError{Path: path, Err: errors.New("empty run")}
	}
	if err := cp.Run.validate(); err != nil {
		return nil, &CorruptCheckpointError{Path: path, Err: err}
	}
	return cp.Run, nil
}
