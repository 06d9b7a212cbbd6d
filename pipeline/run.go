// Package pipeline orchestrates the staged analysis run: frame analysis and
// audio transcription in stage 1, narrative synthesis in stage 2, with a
// durable checkpoint at every stage boundary so a multi-hour job survives
// interruption.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage identifies a coarse, checkpoint-resumable pipeline phase.
type Stage int

const (
	StageFrames    Stage = 1
	StageNarrative Stage = 2
)

// State is the controller's position in the run state machine.
type State string

const (
	StateNotStarted State = "not_started"
	StateStage1     State = "stage1"
	StateStage2     State = "stage2"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// ResultKind distinguishes the two analysis channels.
type ResultKind string

const (
	KindFrame ResultKind = "frame"
	KindAudio ResultKind = "audio"
)

// Status is the terminal per-item outcome. A stage only completes once
// every item holds one of these; there is no pending state in persisted
// results.
type Status string

const (
	StatusOk      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result is one analyzed unit: a frame or an audio chunk. Immutable after
// creation; the unit of checkpointing.
type Result struct {
	Kind      ResultKind    `json:"kind"`
	Source    int           `json:"source"` // Frame.Index or chunk index
	Offset    time.Duration `json:"offset"` // timeline position
	Duration  time.Duration `json:"duration,omitempty"`
	Text      string        `json:"text,omitempty"`
	Stage     Stage         `json:"stage"`
	Backend   string        `json:"backend,omitempty"`
	Status    Status        `json:"status"`
	Detail    string        `json:"detail,omitempty"` // skip reason or error
	FramePath string        `json:"frame_path,omitempty"`
}

// Run is the top-level aggregate owned exclusively by the controller.
// FramesComplete and AudioComplete mark the two stage-1 channels
// individually so a resume re-executes only the channel that failed.
type Run struct {
	ID             string        `json:"run_id"`
	VideoPath      string        `json:"video_path"`
	StartingStage  Stage         `json:"starting_stage"`
	State          State         `json:"state"`
	FrameResults   []Result      `json:"frame_results"`
	AudioResults   []Result      `json:"audio_results"`
	FramesComplete bool          `json:"frames_complete"`
	AudioComplete  bool          `json:"audio_complete"`
	Narrative      string        `json:"narrative,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Duration       time.Duration `json:"video_duration"`
}

func nowUTC() time.Time { return time.Now().UTC() }

// NewRun creates a fresh run for the given video.
func NewRun(videoPath string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:            uuid.NewString(),
		VideoPath:     videoPath,
		StartingStage: StageFrames,
		State:         StateNotStarted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Stage1Terminal reports whether every stage-1 item reached a terminal
// status, the precondition for stage 2.
func (r *Run) Stage1Terminal() bool {
	for _, res := range append(append([]Result{}, r.FrameResults...), r.AudioResults...) {
		switch res.Status {
		case StatusOk, StatusSkipped, StatusFailed:
		default:
			return false
		}
	}
	return true
}

// validate enforces the run invariants: unique (kind, source) pairs per
// stage and source-ordered result logs.
func (r *Run) validate() error {
	if err := checkOrdered(r.FrameResults, KindFrame); err != nil {
		return err
	}
	return checkOrdered(r.AudioResults, KindAudio)
}

func checkOrdered(results []Result, kind ResultKind) error {
	seen := make(map[int]bool, len(results))
	last := -1
	for _, res := range results {
		if res.Kind != kind {
			return fmt.Errorf("result kind %s in %s log", res.Kind, kind)
		}
		if seen[res.Source] {
			return fmt.Errorf("duplicate %s result for source %d", kind, res.Source)
		}
		seen[res.Source] = true
		if res.Source <= last {
			return fmt.Errorf("%s results out of source order at %d", kind, res.Source)
		}
		last = res.Source
	}
	return nil
}
