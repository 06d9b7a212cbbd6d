package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"videoNarrate/frames"
	"videoNarrate/inference"
)

// runFrameStage samples frames, admits the distinct ones through the
// selector and analyzes them concurrently, recording results in source
// order regardless of completion order.
func (c *Controller) runFrameStage(ctx context.Context, run *Run) error {
	runDir, err := c.ensureRunDir(run.ID)
	if err != nil {
		return err
	}
	framesDir := filepath.Join(runDir, "frames")

	sampled, err := c.decoder.SampleFrames(ctx, run.VideoPath, framesDir, c.cfg.Frames.PerMinute)
	if err != nil {
		return fmt.Errorf("sample frames: %w", err)
	}

	source := frames.NewSource(sampled)
	selector := frames.NewSelector(frames.SelectorConfig{
		Cap:               c.cfg.EffectiveFrameCap(),
		MinDifference:     c.cfg.Frames.MinDifference,
		AnalysisThreshold: c.cfg.Frames.AnalysisThreshold,
	}, c.logger)

	// Selection is sequential and cheap; only inference results are worth
	// checkpointing.
	var admitted []*frames.Frame
	for {
		frame, err := source.Next()
		if err != nil {
			return err
		}
		if frame == nil {
			break
		}
		decision, err := selector.Consider(frame)
		if err != nil {
			c.logger.Warn("fingerprint failed, frame rejected",
				zap.Int("index", frame.Index), zap.Error(err))
			continue
		}
		if decision == frames.Accept {
			admitted = append(admitted, frame)
		}
	}

	c.logger.Info("frame selection complete",
		zap.String("run_id", run.ID),
		zap.Int("sampled", source.Len()),
		zap.Int("admitted", len(admitted)))

	// A cap of zero yields an empty frame channel, not an error.
	results := make([]*Result, len(admitted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency())
	for i, frame := range admitted {
		i, frame := i, frame
		g.Go(func() error {
			text, err := c.client.AnalyzeFrame(gctx, frame.Image, c.framePrompt, c.cfg.ResponseLength.Frame)
			res := &Result{
				Kind:      KindFrame,
				Source:    frame.Index,
				Offset:    frame.Timestamp,
				Stage:     StageFrames,
				Backend:   c.client.Name(),
				FramePath: frame.Path,
			}
			switch {
			case err == nil:
				res.Status = StatusOk
				res.Text = text
			case inference.IsFatal(err):
				return err
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				res.Status = StatusFailed
				res.Detail = err.Error()
				c.logger.Warn("frame analysis failed",
					zap.Int("index", frame.Index), zap.Error(err))
			}
			results[i] = res
			return nil
		})
	}
	err = g.Wait()

	// Slots are already index-keyed; persist the completed prefix in source
	// order even if the stage was cut short.
	run.FrameResults = run.FrameResults[:0]
	for _, res := range results {
		if res != nil {
			run.FrameResults = append(run.FrameResults, *res)
		}
	}
	sort.Slice(run.FrameResults, func(i, j int) bool {
		return run.FrameResults[i].Source < run.FrameResults[j].Source
	})
	if err != nil {
		return err
	}

	// keep_frames retains only the admitted images; rejects are removed
	// either way.
	if !c.cfg.Frames.KeepFrames {
		if rmErr := os.RemoveAll(framesDir); rmErr != nil {
			c.logger.Warn("failed to remove frame directory", zap.Error(rmErr))
		}
		return nil
	}
	kept := make(map[string]bool, len(admitted))
	for _, frame := range admitted {
		kept[frame.Path] = true
	}
	for _, sf := range sampled {
		if kept[sf.Path] {
			continue
		}
		if rmErr := os.Remove(sf.Path); rmErr != nil {
			c.logger.Warn("failed to remove rejected frame",
				zap.String("path", sf.Path), zap.Error(rmErr))
		}
	}
	return nil
}

func (c *Controller) concurrency() int {
	if c.cfg.Clients.Concurrency > 0 {
		return c.cfg.Clients.Concurrency
	}
	return 1
}
