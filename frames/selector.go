package frames

import (
	"go.uber.org/zap"
)

// Decision is the selector's verdict for one candidate frame.
type Decision int

const (
	Reject Decision = iota
	Accept
)

// SelectorConfig carries the admission policy thresholds.
type SelectorConfig struct {
	// Cap is the hard upper bound on accepted frames, already reduced to
	// min(max_count, max_frames) by the caller. Zero admits nothing.
	Cap int
	// MinDifference is the coarse novelty gate: a candidate's distance from
	// the previously accepted frame must strictly exceed it.
	MinDifference float64
	// AnalysisThreshold, when positive, is the stricter gate applied on top
	// of MinDifference for frames forwarded to full analysis. Both gates
	// must pass; equal scores reject.
	AnalysisThreshold float64
}

// Selector decides which sampled frames are distinct enough to analyze.
// State is cheap and per-run only: selection is redone on resume rather
// than checkpointed.
type Selector struct {
	cfg    SelectorConfig
	logger *zap.Logger

	prev     Fingerprint
	hasPrev  bool
	accepted int
}

// NewSelector builds a selector for one run.
func NewSelector(cfg SelectorConfig, logger *zap.Logger) *Selector {
	return &Selector{cfg: cfg, logger: logger}
}

// Consider is called once per frame, in timestamp order, and returns the
// admission decision. Deterministic for a given frame sequence and config.
func (s *Selector) Consider(f *Frame) (Decision, error) {
	if s.accepted >= s.cfg.Cap {
		return Reject, nil
	}

	fp, err := FingerprintImage(f.Image)
	if err != nil {
		return Reject, err
	}

	// First candidate under a non-zero cap has no prior to compare against.
	if !s.hasPrev {
		s.admit(fp)
		s.logger.Debug("frame accepted",
			zap.Int("index", f.Index),
			zap.String("reason", "first frame"))
		return Accept, nil
	}

	score := Distance(s.prev, fp)
	if score <= s.cfg.MinDifference {
		return Reject, nil
	}
	if s.cfg.AnalysisThreshold > 0 && score <= s.cfg.AnalysisThreshold {
		return Reject, nil
	}

	s.admit(fp)
	s.logger.Debug("frame accepted",
		zap.Int("index", f.Index),
		zap.Float64("difference", score),
		zap.Int("accepted", s.accepted))
	return Accept, nil
}

// Accepted reports how many frames have been admitted so far.
func (s *Selector) Accepted() int { return s.accepted }

// Reset clears selection state for a fresh pass over the source.
func (s *Selector) Reset() {
	s.prev = 0
	s.hasPrev = false
	s.accepted = 0
}

func (s *Selector) admit(fp Fingerprint) {
	s.prev = fp
	s.hasPrev = true
	s.accepted++
}
