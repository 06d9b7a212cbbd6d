// Package frames turns sampled video frames into an admitted subset worth
// sending to vision analysis: a lazy source over decoded frame images and a
// selector that drops near-duplicates under a hard count cap.
package frames

import (
	"fmt"
	"os"
	"time"

	"videoNarrate/media"
)

// Frame is one sampled video frame. Immutable once produced; Image holds the
// encoded JPEG bytes and must not be modified by consumers.
type Frame struct {
	Index     int
	Timestamp time.Duration
	Path      string
	Image     []byte
}

// Source lazily yields frames in index order. It is restartable: Reset
// rewinds to the first frame, which makes re-running selection cheap.
type Source struct {
	sampled []media.SampledFrame
	pos     int
}

// NewSource wraps the extractor output. Frames are yielded in strictly
// increasing index order regardless of input order guarantees.
func NewSource(sampled []media.SampledFrame) *Source {
	return &Source{sampled: sampled}
}

// Next returns the next frame, reading its image from disk, or (nil, nil)
// once the sequence is exhausted.
func (s *Source) Next() (*Frame, error) {
	if s.pos >= len(s.sampled) {
		return nil, nil
	}
	sf := s.sampled[s.pos]
	s.pos++
	img, err := os.ReadFile(sf.Path)
	if err != nil {
		return nil, fmt.Errorf("read frame %d: %w", sf.Index, err)
	}
	return &Frame{Index: sf.Index, Timestamp: sf.Timestamp, Path: sf.Path, Image: img}, nil
}

// Reset rewinds the source to the first frame.
func (s *Source) Reset() { s.pos = 0 }

// Len reports the total number of sampled frames.
func (s *Source) Len() int { return len(s.sampled) }
