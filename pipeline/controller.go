package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"videoNarrate/config"
	"videoNarrate/inference"
	"videoNarrate/media"
)

// Decoder is the narrow interface onto the media-decoding collaborator.
// The production implementation shells out to ffmpeg; tests substitute
// fakes.
type Decoder interface {
	Probe(ctx context.Context, path string) (*media.Info, error)
	SampleFrames(ctx context.Context, path, dir string, perMinute int) ([]media.SampledFrame, error)
	ExtractAudio(ctx context.Context, path, out string, sampleRate, channels int) error
	ReadTrack(path string) (*media.Track, error)
}

// FFmpegDecoder is the default Decoder backed by the media package.
type FFmpegDecoder struct{}

func (FFmpegDecoder) Probe(ctx context.Context, path string) (*media.Info, error) {
	return media.Probe(ctx, path)
}

func (FFmpegDecoder) SampleFrames(ctx context.Context, path, dir string, perMinute int) ([]media.SampledFrame, error) {
	return media.SampleFrames(ctx, path, dir, perMinute)
}

func (FFmpegDecoder) ExtractAudio(ctx context.Context, path, out string, sampleRate, channels int) error {
	return media.ExtractAudio(ctx, path, out, sampleRate, channels)
}

func (FFmpegDecoder) ReadTrack(path string) (*media.Track, error) {
	return media.ReadWAV(path)
}

// Aggregator assembles stage-1 results into the final narrative. Implemented
// by the narrative package; injected to keep the dependency one-way.
type Aggregator interface {
	Assemble(ctx context.Context, run *Run) (string, error)
}

// Controller drives the run through its stages. It is the only writer of
// the checkpoint store.
type Controller struct {
	cfg         *config.Config
	client      inference.Client
	decoder     Decoder
	store       *CheckpointStore
	aggregator  Aggregator
	logger      *zap.Logger
	framePrompt string
}

// ControllerOptions bundles the collaborators for NewController.
type ControllerOptions struct {
	Config      *config.Config
	Client      inference.Client
	Decoder     Decoder
	Checkpoints *CheckpointStore
	Aggregator  Aggregator
	FramePrompt string
	Logger      *zap.Logger
}

func NewController(opts ControllerOptions) *Controller {
	decoder := opts.Decoder
	if decoder == nil {
		decoder = FFmpegDecoder{}
	}
	return &Controller{
		cfg:         opts.Config,
		client:      opts.Client,
		decoder:     decoder,
		store:       opts.Checkpoints,
		aggregator:  opts.Aggregator,
		logger:      opts.Logger,
		framePrompt: opts.FramePrompt,
	}
}

// RunDir is the per-run working directory under the output root.
func (c *Controller) RunDir(runID string) string {
	return filepath.Join(c.cfg.OutputDir, runID)
}

// Execute drives run to completion (or Failed), checkpointing at each stage
// boundary and on cancellation. A fatal decode error aborts before any
// stage; per-item backend failures degrade to Failed results and the run
// proceeds.
func (c *Controller) Execute(ctx context.Context, run *Run) error {
	info, err := c.decoder.Probe(ctx, run.VideoPath)
	if err != nil {
		// Unreadable media is fatal before any stage starts; nothing worth
		// checkpointing exists yet.
		return err
	}
	run.Duration = info.Duration

	if run.StartingStage <= StageFrames {
		run.State = StateStage1
		if err := c.runStage1(ctx, run, info); err != nil {
			return c.fail(run, err)
		}
		// The stage-1 boundary checkpoint lets a resume start at stage 2.
		run.StartingStage = StageNarrative
		if err := c.saveProgress(run); err != nil {
			return err
		}
	}

	if !run.Stage1Terminal() {
		return c.fail(run, fmt.Errorf("stage 1 left non-terminal results"))
	}

	run.State = StateStage2
	if err := c.runStage2(ctx, run); err != nil {
		return c.fail(run, err)
	}

	run.State = StateDone
	if err := c.saveProgress(run); err != nil {
		return err
	}
	c.logger.Info("run complete",
		zap.String("run_id", run.ID),
		zap.Int("frame_results", len(run.FrameResults)),
		zap.Int("audio_results", len(run.AudioResults)))
	return nil
}

// Resume reloads a checkpointed run. With startStage zero the run picks up
// where it stopped, keeping the stage-1 channels that already completed.
// A non-zero startStage forces re-execution from that stage, discarding
// later results.
func (c *Controller) Resume(runID string, startStage Stage) (*Run, error) {
	run, err := c.store.Load(runID)
	if err != nil {
		return nil, err
	}
	switch startStage {
	case 0:
		run.Narrative = ""
	case StageFrames:
		run.StartingStage = StageFrames
		run.FrameResults = nil
		run.AudioResults = nil
		run.FramesComplete = false
		run.AudioComplete = false
		run.Narrative = ""
	case StageNarrative:
		run.StartingStage = StageNarrative
		run.Narrative = ""
	default:
		return nil, fmt.Errorf("pipeline: start stage must be %d or %d, got %d", StageFrames, StageNarrative, startStage)
	}
	run.State = StateNotStarted
	c.logger.Info("resuming run",
		zap.String("run_id", run.ID),
		zap.Int("starting_stage", int(run.StartingStage)))
	return run, nil
}

// runStage1 executes the frame and audio channels concurrently; they are
// data-independent. A channel that completed in a previous attempt is
// skipped, so a resume redoes only the channel that failed.
func (c *Controller) runStage1(ctx context.Context, run *Run, info *media.Info) error {
	g, gctx := errgroup.WithContext(ctx)
	if run.FramesComplete {
		c.logger.Info("frame channel already complete, skipping", zap.String("run_id", run.ID))
	} else {
		g.Go(func() error {
			if err := c.runFrameStage(gctx, run); err != nil {
				return err
			}
			run.FramesComplete = true
			return nil
		})
	}
	if run.AudioComplete {
		c.logger.Info("audio channel already complete, skipping", zap.String("run_id", run.ID))
	} else {
		g.Go(func() error {
			if err := c.runAudioStage(gctx, run, info); err != nil {
				return err
			}
			run.AudioComplete = true
			return nil
		})
	}
	err := g.Wait()
	if err != nil && errors.Is(err, context.Canceled) {
		// Completed entries remain a valid checkpoint for a later resume.
		if saveErr := c.saveProgress(run); saveErr != nil {
			c.logger.Warn("failed to checkpoint cancelled run", zap.Error(saveErr))
		}
	}
	return err
}

func (c *Controller) runStage2(ctx context.Context, run *Run) error {
	narrative, err := c.aggregator.Assemble(ctx, run)
	if err != nil {
		return fmt.Errorf("assemble narrative: %w", err)
	}
	run.Narrative = narrative
	return nil
}

func (c *Controller) fail(run *Run, cause error) error {
	run.State = StateFailed
	// Failed is terminal, but its checkpoint remains valid for a resume
	// once the underlying cause is fixed.
	if err := c.saveProgress(run); err != nil {
		c.logger.Warn("failed to checkpoint failed run", zap.Error(err))
	}
	c.logger.Error("run failed", zap.String("run_id", run.ID), zap.Error(cause))
	return cause
}

func (c *Controller) saveProgress(run *Run) error {
	run.UpdatedAt = nowUTC()
	return c.store.Save(run)
}

func (c *Controller) ensureRunDir(runID string) (string, error) {
	dir := c.RunDir(runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
