// Package audio splits an extracted PCM track into fixed-length chunks and
// screens them against quality and language-confidence thresholds so that
// low-value audio never reaches the costly transcription call.
package audio

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"videoNarrate/media"
)

// Chunk is one fixed-length window of the audio track. A skipped chunk
// still occupies its time slot in the final transcript as an explicit gap.
type Chunk struct {
	Index              int
	Start              time.Duration
	Duration           time.Duration
	Samples            []int16
	SampleRate         int
	Quality            float64
	Language           string
	LanguageConfidence float64
	Skipped            bool
	SkipReason         string
	// ProbeErr records a failed language pre-check; the pipeline turns it
	// into a Failed result for this chunk.
	ProbeErr error
}

// LanguageProber is the lightweight pre-check used to score language
// confidence before full transcription. Implemented by the transcription
// backend.
type LanguageProber interface {
	DetectLanguage(ctx context.Context, samples []int16, sampleRate int) (string, float64, error)
}

// Config carries the chunking and gating thresholds.
type Config struct {
	ChunkLength                 time.Duration
	QualityThreshold            float64
	LanguageConfidenceThreshold float64
	// Language, when set, skips the detection probe and pins the hint.
	Language string
}

// Segmenter produces screened chunks from a decoded track.
type Segmenter struct {
	cfg    Config
	prober LanguageProber
	logger *zap.Logger
}

func NewSegmenter(cfg Config, prober LanguageProber, logger *zap.Logger) *Segmenter {
	return &Segmenter{cfg: cfg, prober: prober, logger: logger}
}

// Segment splits the track and applies the quality gate, then the language
// gate for chunks that survived it. The returned slice covers the whole
// track duration; gating marks chunks Skipped instead of dropping them.
func (s *Segmenter) Segment(ctx context.Context, track *media.Track) ([]Chunk, error) {
	chunks := s.split(track)
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return chunks, err
		}
		s.screen(ctx, &chunks[i])
	}
	return chunks, nil
}

// split cuts the track into ChunkLength windows, keeping the final partial
// window, and computes each window's signal quality.
func (s *Segmenter) split(track *media.Track) []Chunk {
	mono := downmix(track)
	perChunk := int(s.cfg.ChunkLength.Seconds() * float64(track.SampleRate))
	if perChunk <= 0 {
		perChunk = len(mono)
	}

	var chunks []Chunk
	for off := 0; off < len(mono); off += perChunk {
		end := off + perChunk
		if end > len(mono) {
			end = len(mono)
		}
		samples := mono[off:end]
		start := time.Duration(float64(off) / float64(track.SampleRate) * float64(time.Second))
		dur := time.Duration(float64(len(samples)) / float64(track.SampleRate) * float64(time.Second))
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Start:      start,
			Duration:   dur,
			Samples:    samples,
			SampleRate: track.SampleRate,
			Quality:    signalQuality(samples),
		})
	}
	return chunks
}

// screen applies the gates in cheap-first order: the local quality score,
// then the backend language probe.
func (s *Segmenter) screen(ctx context.Context, c *Chunk) {
	if c.Quality < s.cfg.QualityThreshold {
		c.Skipped = true
		c.SkipReason = "below quality threshold"
		s.logger.Debug("audio chunk skipped",
			zap.Int("chunk", c.Index),
			zap.Float64("quality", c.Quality),
			zap.String("reason", c.SkipReason))
		return
	}

	if s.cfg.Language != "" {
		// Operator pinned the language; no probe needed.
		c.Language = s.cfg.Language
		c.LanguageConfidence = 1
		return
	}
	if s.cfg.LanguageConfidenceThreshold <= 0 || s.prober == nil {
		c.LanguageConfidence = 1
		return
	}

	lang, conf, err := s.prober.DetectLanguage(ctx, c.Samples, c.SampleRate)
	if err != nil {
		c.ProbeErr = err
		s.logger.Warn("language probe failed",
			zap.Int("chunk", c.Index),
			zap.Error(err))
		return
	}
	c.Language = lang
	c.LanguageConfidence = conf
	if conf < s.cfg.LanguageConfidenceThreshold {
		c.Skipped = true
		c.SkipReason = "below language confidence threshold"
		s.logger.Debug("audio chunk skipped",
			zap.Int("chunk", c.Index),
			zap.Float64("confidence", conf),
			zap.String("reason", c.SkipReason))
	}
}

// signalQuality maps the window's RMS level in dBFS onto [0,1], with -60dB
// and below scoring 0 and full scale scoring 1.
func signalQuality(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v) / 32768.0
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	q := 1 + db/60
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	return q
}

// downmix averages interleaved channels into mono. ExtractAudio already
// requests mono, so this is a no-op in the normal path.
func downmix(track *media.Track) []int16 {
	if track.Channels <= 1 {
		return track.Samples
	}
	n := len(track.Samples) / track.Channels
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int
		for ch := 0; ch < track.Channels; ch++ {
			sum += int(track.Samples[i*track.Channels+ch])
		}
		out[i] = int16(sum / track.Channels)
	}
	return out
}
