package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"videoNarrate/config"
	"videoNarrate/inference"
	"videoNarrate/media"
)

// framePNG renders a horizontal gradient that flips direction on odd
// indices, so consecutive frames always clear the selector's difference
// gate.
func framePNG(i int) []byte {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(x * 4)
			if i%2 == 1 {
				v = uint8(255 - x*4)
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func sineTrack(seconds float64) *media.Track {
	n := int(seconds * 16000)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(0.5 * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return &media.Track{SampleRate: 16000, Channels: 1, Samples: samples}
}

type fakeDecoder struct {
	info        *media.Info
	probeErr    error
	track       *media.Track
	frames      int
	extractErr  error
	sampleCalls int
	// pattern overrides the per-index frame image when set.
	pattern func(i int) []byte
}

func (d *fakeDecoder) Probe(context.Context, string) (*media.Info, error) {
	if d.probeErr != nil {
		return nil, d.probeErr
	}
	return d.info, nil
}

func (d *fakeDecoder) SampleFrames(_ context.Context, _ string, dir string, _ int) ([]media.SampledFrame, error) {
	d.sampleCalls++
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	var out []media.SampledFrame
	for i := 0; i < d.frames; i++ {
		img := framePNG(i)
		if d.pattern != nil {
			img = d.pattern(i)
		}
		p := filepath.Join(dir, fmt.Sprintf("frame_%05d.jpg", i+1))
		if err := os.WriteFile(p, img, 0o644); err != nil {
			return nil, err
		}
		out = append(out, media.SampledFrame{Index: i, Timestamp: time.Duration(i) * 6 * time.Second, Path: p})
	}
	return out, nil
}

func (d *fakeDecoder) ExtractAudio(context.Context, string, string, int, int) error {
	return d.extractErr
}

func (d *fakeDecoder) ReadTrack(string) (*media.Track, error) {
	return d.track, nil
}

type scriptedClient struct {
	frameErr      error
	transcribeErr error
	healthErr     error

	mu              sync.Mutex
	frameCalls      int
	transcribeCalls int
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) AnalyzeFrame(context.Context, []byte, string, int) (string, error) {
	c.mu.Lock()
	c.frameCalls++
	c.mu.Unlock()
	if c.frameErr != nil {
		return "", c.frameErr
	}
	return "a frame description", nil
}

func (c *scriptedClient) Synthesize(context.Context, []string, string, int) (string, error) {
	return "a synthesis", nil
}

func (c *scriptedClient) Transcribe(context.Context, inference.AudioChunk, string) (*inference.Transcription, error) {
	c.mu.Lock()
	c.transcribeCalls++
	c.mu.Unlock()
	if c.transcribeErr != nil {
		return nil, c.transcribeErr
	}
	return &inference.Transcription{Text: "spoken words", Language: "en"}, nil
}

func (c *scriptedClient) DetectLanguage(context.Context, inference.AudioChunk) (string, float64, error) {
	return "en", 0.9, nil
}

func (c *scriptedClient) CheckAudioHealth(context.Context) error { return c.healthErr }

type fakeAggregator struct {
	narrative string
	err       error
	calls     int
}

func (a *fakeAggregator) Assemble(context.Context, *Run) (string, error) {
	a.calls++
	return a.narrative, a.err
}

type harness struct {
	controller *Controller
	decoder    *fakeDecoder
	aggregator *fakeAggregator
	store      *CheckpointStore
}

func newHarness(t *testing.T, decoder *fakeDecoder, client inference.Client) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	store := NewCheckpointStore(cfg.OutputDir)
	agg := &fakeAggregator{narrative: "the story"}
	return &harness{
		controller: NewController(ControllerOptions{
			Config:      cfg,
			Client:      client,
			Decoder:     decoder,
			Checkpoints: store,
			Aggregator:  agg,
			FramePrompt: "describe",
			Logger:      zap.NewNop(),
		}),
		decoder:    decoder,
		aggregator: agg,
		store:      store,
	}
}

func audioVideo(frames int, seconds float64) *fakeDecoder {
	return &fakeDecoder{
		info:   &media.Info{Path: "/videos/demo.mp4", Duration: time.Duration(seconds) * time.Second, HasAudio: true},
		track:  sineTrack(seconds),
		frames: frames,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t, audioVideo(3, 45), &scriptedClient{})
	run := NewRun("/videos/demo.mp4")

	require.NoError(t, h.controller.Execute(context.Background(), run))

	assert.Equal(t, StateDone, run.State)
	assert.Equal(t, "the story", run.Narrative)
	assert.Equal(t, 1, h.aggregator.calls)

	require.Len(t, run.FrameResults, 3)
	for i, r := range run.FrameResults {
		assert.Equal(t, i, r.Source)
		assert.Equal(t, StatusOk, r.Status)
		assert.Equal(t, "a frame description", r.Text)
		assert.Equal(t, "scripted", r.Backend)
	}

	// 45s of audio at 30s chunks: one full window plus the tail.
	require.Len(t, run.AudioResults, 2)
	assert.Equal(t, StatusOk, run.AudioResults[0].Status)
	assert.Equal(t, StatusOk, run.AudioResults[1].Status)
	assert.Equal(t, 30*time.Second, run.AudioResults[1].Offset)

	loaded, err := h.store.Load(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, loaded.State)
	assert.Equal(t, StageNarrative, loaded.StartingStage)
	assert.True(t, loaded.FramesComplete)
	assert.True(t, loaded.AudioComplete)

	// Default configuration discards the sampled frame images.
	assert.NoDirExists(t, filepath.Join(h.controller.RunDir(run.ID), "frames"))
}

func TestExecuteVideoWithoutAudioStream(t *testing.T) {
	decoder := audioVideo(2, 45)
	decoder.info.HasAudio = false
	client := &scriptedClient{}
	h := newHarness(t, decoder, client)
	run := NewRun("/videos/silent.mp4")

	require.NoError(t, h.controller.Execute(context.Background(), run))

	assert.Equal(t, StateDone, run.State)
	assert.Empty(t, run.AudioResults)
	assert.Len(t, run.FrameResults, 2)
	assert.Zero(t, client.transcribeCalls)
}

func TestExecuteExtractionFindsNoAudio(t *testing.T) {
	decoder := audioVideo(1, 45)
	decoder.extractErr = media.ErrNoAudio
	h := newHarness(t, decoder, &scriptedClient{})
	run := NewRun("/videos/silent.mp4")

	require.NoError(t, h.controller.Execute(context.Background(), run))
	assert.Equal(t, StateDone, run.State)
	assert.Empty(t, run.AudioResults)
}

func TestExecuteTransientFailuresDegradeToFailedResults(t *testing.T) {
	client := &scriptedClient{
		frameErr:      &inference.TransientError{Err: errors.New("timeout")},
		transcribeErr: &inference.TransientError{Err: errors.New("timeout")},
	}
	h := newHarness(t, audioVideo(2, 45), client)
	run := NewRun("/videos/demo.mp4")

	require.NoError(t, h.controller.Execute(context.Background(), run))

	assert.Equal(t, StateDone, run.State, "per-item failures never abort the run")
	require.Len(t, run.FrameResults, 2)
	for _, r := range run.FrameResults {
		assert.Equal(t, StatusFailed, r.Status)
		assert.Contains(t, r.Detail, "timeout")
	}
	for _, r := range run.AudioResults {
		assert.Equal(t, StatusFailed, r.Status)
	}
	assert.Equal(t, "the story", run.Narrative)
}

func TestExecuteUnhealthyTranscriptionService(t *testing.T) {
	client := &scriptedClient{healthErr: &inference.TransientError{Err: errors.New("connection refused")}}
	h := newHarness(t, audioVideo(1, 45), client)
	run := NewRun("/videos/demo.mp4")

	require.NoError(t, h.controller.Execute(context.Background(), run))

	assert.Equal(t, StateDone, run.State)
	require.Len(t, run.AudioResults, 2)
	for _, r := range run.AudioResults {
		assert.Equal(t, StatusFailed, r.Status)
		assert.Equal(t, "transcription service unavailable", r.Detail)
	}
	assert.Zero(t, client.transcribeCalls)
}

func TestExecuteFatalBackendErrorAborts(t *testing.T) {
	client := &scriptedClient{frameErr: &inference.FatalError{Err: errors.New("invalid api key")}}
	h := newHarness(t, audioVideo(2, 45), client)
	run := NewRun("/videos/demo.mp4")

	err := h.controller.Execute(context.Background(), run)
	require.Error(t, err)
	assert.True(t, inference.IsFatal(err))
	assert.Equal(t, StateFailed, run.State)

	// The failure checkpoint is still loadable.
	loaded, loadErr := h.store.Load(run.ID)
	require.NoError(t, loadErr)
	assert.Equal(t, StateFailed, loaded.State)
}

func TestExecuteProbeErrorLeavesNoCheckpoint(t *testing.T) {
	decoder := &fakeDecoder{probeErr: &media.DecodeError{Path: "/videos/broken.mp4", Err: errors.New("moov atom not found")}}
	h := newHarness(t, decoder, &scriptedClient{})
	run := NewRun("/videos/broken.mp4")

	require.Error(t, h.controller.Execute(context.Background(), run))

	_, err := h.store.Load(run.ID)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestExecuteAggregatorErrorFailsRun(t *testing.T) {
	h := newHarness(t, audioVideo(1, 45), &scriptedClient{})
	h.aggregator.err = errors.New("backend exploded")
	run := NewRun("/videos/demo.mp4")

	err := h.controller.Execute(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, StateFailed, run.State)
}

func TestResumeSkipsCompletedStage(t *testing.T) {
	h := newHarness(t, audioVideo(2, 45), &scriptedClient{})
	run := NewRun("/videos/demo.mp4")
	require.NoError(t, h.controller.Execute(context.Background(), run))
	require.Equal(t, 1, h.decoder.sampleCalls)

	resumed, err := h.controller.Resume(run.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StageNarrative, resumed.StartingStage)
	assert.Len(t, resumed.FrameResults, 2, "stage-1 results survive a stage-2 resume")
	assert.Empty(t, resumed.Narrative)

	require.NoError(t, h.controller.Execute(context.Background(), resumed))
	assert.Equal(t, StateDone, resumed.State)
	assert.Equal(t, "the story", resumed.Narrative)
	assert.Equal(t, 1, h.decoder.sampleCalls, "stage 1 must not re-run")
}

func TestResumeFromStageOneDiscardsResults(t *testing.T) {
	h := newHarness(t, audioVideo(2, 45), &scriptedClient{})
	run := NewRun("/videos/demo.mp4")
	require.NoError(t, h.controller.Execute(context.Background(), run))

	resumed, err := h.controller.Resume(run.ID, StageFrames)
	require.NoError(t, err)
	assert.Empty(t, resumed.FrameResults)
	assert.Empty(t, resumed.AudioResults)
	assert.Empty(t, resumed.Narrative)
	assert.Equal(t, StateNotStarted, resumed.State)

	require.NoError(t, h.controller.Execute(context.Background(), resumed))
	assert.Equal(t, StateDone, resumed.State)
	assert.Equal(t, 2, h.decoder.sampleCalls)
}

func TestResumeUnknownRun(t *testing.T) {
	h := newHarness(t, audioVideo(1, 45), &scriptedClient{})

	_, err := h.controller.Resume("nonexistent", 0)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestResumeRejectsInvalidStage(t *testing.T) {
	h := newHarness(t, audioVideo(1, 45), &scriptedClient{})
	run := sampleRun()
	require.NoError(t, h.store.Save(run))

	_, err := h.controller.Resume(run.ID, Stage(7))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start stage")
}

func TestResumeReExecutesOnlyFailedChannel(t *testing.T) {
	client := &scriptedClient{transcribeErr: &inference.FatalError{Err: errors.New("whisper down")}}
	h := newHarness(t, audioVideo(3, 45), client)
	run := NewRun("/videos/demo.mp4")

	err := h.controller.Execute(context.Background(), run)
	require.Error(t, err)
	require.Equal(t, 3, client.frameCalls)

	// The failure checkpoint keeps the completed frame channel.
	loaded, err := h.store.Load(run.ID)
	require.NoError(t, err)
	assert.True(t, loaded.FramesComplete)
	assert.False(t, loaded.AudioComplete)
	assert.Len(t, loaded.FrameResults, 3)

	// Outage over: resume redoes only the audio channel.
	client.transcribeErr = nil
	resumed, err := h.controller.Resume(run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, resumed.FrameResults, 3)

	require.NoError(t, h.controller.Execute(context.Background(), resumed))
	assert.Equal(t, StateDone, resumed.State)
	assert.Equal(t, 3, client.frameCalls, "completed frame inference must not be redone")
	require.Len(t, resumed.AudioResults, 2)
	for _, r := range resumed.AudioResults {
		assert.Equal(t, StatusOk, r.Status)
	}
}

// orderingClient finishes descending-gradient frames quickly and ascending
// ones slowly, so completion order inverts submission order.
type orderingClient struct {
	scriptedClient
	mu          sync.Mutex
	completions []uint8
}

func (c *orderingClient) AnalyzeFrame(_ context.Context, img []byte, _ string, _ int) (string, error) {
	m, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return "", err
	}
	r, _, _, _ := m.At(0, 0).RGBA()
	px := uint8(r >> 8)
	if px == 0 {
		time.Sleep(40 * time.Millisecond)
	} else {
		time.Sleep(2 * time.Millisecond)
	}
	c.mu.Lock()
	c.completions = append(c.completions, px)
	c.mu.Unlock()
	return fmt.Sprintf("pixel %d", px), nil
}

func TestFrameResultsOrderedUnderConcurrency(t *testing.T) {
	decoder := audioVideo(4, 45)
	decoder.info.HasAudio = false
	client := &orderingClient{}
	h := newHarness(t, decoder, client)
	h.controller.cfg.Clients.Concurrency = 4
	run := NewRun("/videos/demo.mp4")

	require.NoError(t, h.controller.Execute(context.Background(), run))

	require.GreaterOrEqual(t, len(client.completions), 1)
	assert.EqualValues(t, 255, client.completions[0], "a later frame should finish first")

	require.Len(t, run.FrameResults, 4)
	for i, r := range run.FrameResults {
		assert.Equal(t, i, r.Source)
		assert.Equal(t, StatusOk, r.Status)
		want := "pixel 0"
		if i%2 == 1 {
			want = "pixel 255"
		}
		assert.Equal(t, want, r.Text, "slot %d holds another frame's analysis", i)
	}
}

// blockingClient answers the first call and parks every later one until the
// context is cancelled.
type blockingClient struct {
	scriptedClient
	mu        sync.Mutex
	calls     int
	firstDone chan struct{}
}

func (c *blockingClient) AnalyzeFrame(ctx context.Context, _ []byte, _ string, _ int) (string, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n == 1 {
		close(c.firstDone)
		return "a frame description", nil
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestCancellationPersistsCompletedPrefix(t *testing.T) {
	decoder := audioVideo(3, 45)
	decoder.info.HasAudio = false
	client := &blockingClient{firstDone: make(chan struct{})}
	h := newHarness(t, decoder, client)
	h.controller.cfg.Clients.Concurrency = 1
	run := NewRun("/videos/demo.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-client.firstDone
		cancel()
	}()

	err := h.controller.Execute(ctx, run)
	require.ErrorIs(t, err, context.Canceled)

	loaded, loadErr := h.store.Load(run.ID)
	require.NoError(t, loadErr)
	assert.Equal(t, StateFailed, loaded.State)
	assert.Equal(t, StageFrames, loaded.StartingStage)
	assert.False(t, loaded.FramesComplete)
	require.Len(t, loaded.FrameResults, 1)
	assert.Equal(t, 0, loaded.FrameResults[0].Source)
	assert.Equal(t, StatusOk, loaded.FrameResults[0].Status)
}

func TestKeepFramesRetainsOnlyAccepted(t *testing.T) {
	decoder := audioVideo(4, 45)
	decoder.info.HasAudio = false
	// Consecutive duplicates: indices 1 and 3 are rejected by the selector.
	decoder.pattern = func(i int) []byte { return framePNG(i / 2) }
	h := newHarness(t, decoder, &scriptedClient{})
	h.controller.cfg.Frames.KeepFrames = true
	run := NewRun("/videos/demo.mp4")

	require.NoError(t, h.controller.Execute(context.Background(), run))

	require.Len(t, run.FrameResults, 2)
	assert.Equal(t, 0, run.FrameResults[0].Source)
	assert.Equal(t, 2, run.FrameResults[1].Source)

	entries, err := os.ReadDir(filepath.Join(h.controller.RunDir(run.ID), "frames"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "frame_00001.jpg", entries[0].Name())
	assert.Equal(t, "frame_00003.jpg", entries[1].Name())
}
