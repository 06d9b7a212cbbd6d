package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"videoNarrate/audio"
	"videoNarrate/inference"
	"videoNarrate/media"
)

// proberAdapter exposes the inference client's language pre-check to the
// audio segmenter without coupling the packages.
type proberAdapter struct {
	client inference.Client
}

func (p proberAdapter) DetectLanguage(ctx context.Context, samples []int16, sampleRate int) (string, float64, error) {
	return p.client.DetectLanguage(ctx, inference.AudioChunk{Samples: samples, SampleRate: sampleRate})
}

// runAudioStage extracts and chunks the audio track, applies the quality
// gate and transcribes surviving chunks concurrently, in offset order.
// A video with no audio stream records an empty, successful channel.
func (c *Controller) runAudioStage(ctx context.Context, run *Run, info *media.Info) error {
	if !info.HasAudio {
		c.logger.Info("no audio stream, skipping transcription", zap.String("run_id", run.ID))
		run.AudioResults = nil
		return nil
	}

	runDir, err := c.ensureRunDir(run.ID)
	if err != nil {
		return err
	}
	audioPath := filepath.Join(runDir, "audio.wav")

	err = c.decoder.ExtractAudio(ctx, run.VideoPath, audioPath, c.cfg.Audio.SampleRate, c.cfg.Audio.Channels)
	if errors.Is(err, media.ErrNoAudio) {
		run.AudioResults = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("extract audio: %w", err)
	}

	track, err := c.decoder.ReadTrack(audioPath)
	if err != nil {
		return fmt.Errorf("read audio track: %w", err)
	}

	// One health probe before the chunk loop; a dead transcription service
	// degrades every chunk to Failed instead of aborting the run.
	healthy := true
	if err := c.client.CheckAudioHealth(ctx); err != nil {
		if inference.IsFatal(err) {
			return err
		}
		healthy = false
		c.logger.Warn("transcription service unhealthy", zap.Error(err))
	}

	segmenter := audio.NewSegmenter(audio.Config{
		ChunkLength:                 time.Duration(c.cfg.Audio.ChunkLengthSeconds * float64(time.Second)),
		QualityThreshold:            c.cfg.Audio.QualityThreshold,
		LanguageConfidenceThreshold: c.cfg.Audio.LanguageConfidenceThreshold,
		Language:                    c.cfg.Audio.Language,
	}, c.prober(healthy), c.logger)

	chunks, err := segmenter.Segment(ctx, track)
	if err != nil {
		return err
	}

	results := make([]*Result, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency())
	for i, chunk := range chunks {
		i, chunk := i, chunk
		res := &Result{
			Kind:     KindAudio,
			Source:   chunk.Index,
			Offset:   chunk.Start,
			Duration: chunk.Duration,
			Stage:    StageFrames,
			Backend:  c.client.Name(),
		}

		switch {
		case chunk.Skipped:
			res.Status = StatusSkipped
			res.Detail = chunk.SkipReason
			results[i] = res
			continue
		case chunk.ProbeErr != nil:
			res.Status = StatusFailed
			res.Detail = chunk.ProbeErr.Error()
			results[i] = res
			continue
		case !healthy:
			res.Status = StatusFailed
			res.Detail = "transcription service unavailable"
			results[i] = res
			continue
		}

		g.Go(func() error {
			tr, err := c.client.Transcribe(gctx, inference.AudioChunk{
				Samples:    chunk.Samples,
				SampleRate: chunk.SampleRate,
			}, c.languageHint(chunk))
			switch {
			case err == nil:
				res.Status = StatusOk
				res.Text = tr.Text
			case inference.IsFatal(err):
				return err
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				res.Status = StatusFailed
				res.Detail = err.Error()
				c.logger.Warn("transcription failed",
					zap.Int("chunk", chunk.Index), zap.Error(err))
			}
			results[i] = res
			return nil
		})
	}
	err = g.Wait()

	run.AudioResults = run.AudioResults[:0]
	for _, res := range results {
		if res != nil {
			run.AudioResults = append(run.AudioResults, *res)
		}
	}
	sort.Slice(run.AudioResults, func(i, j int) bool {
		return run.AudioResults[i].Source < run.AudioResults[j].Source
	})
	return err
}

func (c *Controller) prober(healthy bool) audio.LanguageProber {
	if !healthy {
		return nil
	}
	return proberAdapter{client: c.client}
}

func (c *Controller) languageHint(chunk audio.Chunk) string {
	if c.cfg.Audio.Language != "" {
		return c.cfg.Audio.Language
	}
	return chunk.Language
}
