// Package media wraps the ffmpeg/ffprobe tools that decode video containers
// into sampled frame images and PCM audio. Everything else in the pipeline
// talks to these binaries only through this package.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoAudio reports that the container carries no audio stream. The run
// proceeds video-only in that case.
var ErrNoAudio = errors.New("media: no audio stream")

// DecodeError marks an unreadable or corrupt input file. It is fatal for
// the run before any stage starts.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("media: cannot decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Info describes a probed media file.
type Info struct {
	Path     string
	Duration time.Duration
	HasAudio bool
}

// SampledFrame is one extracted frame image on disk.
type SampledFrame struct {
	Index     int
	Timestamp time.Duration
	Path      string
}

// Probe inspects the file with ffprobe. An unreadable file yields a
// *DecodeError.
func Probe(ctx context.Context, path string) (*Info, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	dur, err := probeDuration(ctx, path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	hasAudio, err := probeHasAudio(ctx, path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	return &Info{Path: path, Duration: dur, HasAudio: hasAudio}, nil
}

// SampleFrames extracts frames into dir at the given per-minute rate and
// returns them in timestamp order with strictly increasing indices.
func SampleFrames(ctx context.Context, path, dir string, perMinute int) ([]SampledFrame, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	interval := 60.0 / float64(perMinute)
	pattern := filepath.Join(dir, "%05d.jpg")
	args := []string{
		"-y", "-i", path,
		"-vf", fmt.Sprintf("fps=1/%g", interval),
		pattern,
	}
	if err := runFFmpeg(ctx, args); err != nil {
		return nil, fmt.Errorf("extract frames: %w", err)
	}
	return enumerateFrames(dir, interval)
}

// ExtractAudio writes the audio track as 16-bit PCM WAV, resampled to the
// given rate and channel count. Returns ErrNoAudio when the container has
// no audio stream.
func ExtractAudio(ctx context.Context, path, out string, sampleRate, channels int) error {
	hasAudio, err := probeHasAudio(ctx, path)
	if err != nil {
		return &DecodeError{Path: path, Err: err}
	}
	if !hasAudio {
		return ErrNoAudio
	}
	args := []string{
		"-y", "-i", path,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-f", "wav",
		out,
	}
	if err := runFFmpeg(ctx, args); err != nil {
		return fmt.Errorf("extract audio: %w", err)
	}
	return nil
}

func runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("ffmpeg: %v: %s", err, lastLine(msg))
		}
		return fmt.Errorf("ffmpeg: %v", err)
	}
	return nil
}

func probeDuration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe: %v", err)
	}
	s := strings.TrimSpace(out.String())
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: bad duration %q", s)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func probeHasAudio(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("ffprobe: %v", err)
	}
	return strings.Contains(out.String(), "audio"), nil
}

func enumerateFrames(dir string, intervalSec float64) ([]SampledFrame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	frames := make([]SampledFrame, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))
		// ffmpeg numbers output images from 1
		i, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		ts := time.Duration(float64(i-1) * intervalSec * float64(time.Second))
		frames = append(frames, SampledFrame{
			Index:     i - 1,
			Timestamp: ts,
			Path:      filepath.Join(dir, name),
		})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Index < frames[j].Index })
	return frames, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
