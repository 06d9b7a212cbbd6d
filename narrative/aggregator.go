// Package narrative merges per-frame analyses and the transcript into one
// chronological document and drives the final synthesis call.
package narrative

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"videoNarrate/config"
	"videoNarrate/inference"
	"videoNarrate/pipeline"
)

// batchSize bounds how many timeline entries go into one reconstruction
// call before the final narrative pass.
const batchSize = 40

// Assembler implements pipeline.Aggregator.
type Assembler struct {
	client  inference.Client
	budgets config.ResponseLength
	prompt  string
	logger  *zap.Logger
}

func NewAssembler(client inference.Client, budgets config.ResponseLength, prompt string, logger *zap.Logger) *Assembler {
	return &Assembler{client: client, budgets: budgets, prompt: prompt, logger: logger}
}

// Assemble merges both result streams by timeline position, renders skipped
// and failed entries as explicit gaps, and synthesizes the narrative under
// the configured budget. An input set with no usable content yields a
// minimal well-formed document instead of an error.
func (a *Assembler) Assemble(ctx context.Context, run *pipeline.Run) (string, error) {
	entries := Timeline(run.FrameResults, run.AudioResults)

	usable := 0
	for _, e := range entries {
		if e.Status == pipeline.StatusOk {
			usable++
		}
	}
	if usable == 0 {
		a.logger.Warn("no usable analysis results, emitting minimal narrative",
			zap.String("run_id", run.ID))
		return minimalNarrative(run, entries), nil
	}

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Render()
	}

	inputs := lines
	if len(lines) > batchSize {
		condensed, err := a.reconstruct(ctx, lines)
		if err != nil {
			return "", err
		}
		inputs = condensed
	}

	text, err := a.client.Synthesize(ctx, inputs, a.prompt, a.budgets.Narrative)
	if err != nil {
		return "", err
	}
	return text, nil
}

// reconstruct condenses the timeline in batches under the reconstruction
// budget so the final call stays within the model's context.
func (a *Assembler) reconstruct(ctx context.Context, lines []string) ([]string, error) {
	prompt := "Condense the following chronological video observations into a " +
		"compact ordered summary. Keep timestamps and explicit gap markers."
	var out []string
	for start := 0; start < len(lines); start += batchSize {
		end := start + batchSize
		if end > len(lines) {
			end = len(lines)
		}
		part, err := a.client.Synthesize(ctx, lines[start:end], prompt, a.budgets.Reconstruction)
		if err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	return out, nil
}

// Entry is one rendered position on the merged timeline.
type Entry struct {
	Result pipeline.Result
	Status pipeline.Status
}

// Timeline merges the two result streams in chronological order. Frame
// entries at the same offset as an audio chunk sort first so a reader sees
// the scene before its dialogue.
func Timeline(frameResults, audioResults []pipeline.Result) []Entry {
	entries := make([]Entry, 0, len(frameResults)+len(audioResults))
	for _, r := range frameResults {
		entries = append(entries, Entry{Result: r, Status: r.Status})
	}
	for _, r := range audioResults {
		entries = append(entries, Entry{Result: r, Status: r.Status})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Result, entries[j].Result
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.Kind == pipeline.KindFrame && b.Kind == pipeline.KindAudio
	})
	return entries
}

// Render produces the timeline line for this entry. Skipped and failed
// entries stay visible as gaps; dropping them silently would hide coverage
// holes from consumers.
func (e Entry) Render() string {
	r := e.Result
	switch r.Kind {
	case pipeline.KindFrame:
		switch r.Status {
		case pipeline.StatusOk:
			return fmt.Sprintf("[%s] Frame %d: %s", formatOffset(r), r.Source, r.Text)
		case pipeline.StatusFailed:
			return fmt.Sprintf("[%s] Frame %d: [analysis failed]", formatOffset(r), r.Source)
		default:
			return fmt.Sprintf("[%s] Frame %d: [skipped]", formatOffset(r), r.Source)
		}
	default:
		switch r.Status {
		case pipeline.StatusOk:
			return fmt.Sprintf("[%s] Audio: %s", formatSpan(r), r.Text)
		case pipeline.StatusFailed:
			return fmt.Sprintf("[%s] Audio: [transcription failed]", formatSpan(r))
		default:
			return fmt.Sprintf("[%s] Audio: [no usable audio]", formatSpan(r))
		}
	}
}

func minimalNarrative(run *pipeline.Run, entries []Entry) string {
	var b strings.Builder
	b.WriteString("No usable visual or audio content was extracted from this video.\n")
	if len(entries) > 0 {
		b.WriteString("\nTimeline coverage:\n")
		for _, e := range entries {
			b.WriteString(e.Render())
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func formatOffset(r pipeline.Result) string {
	sec := int(r.Offset.Seconds())
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}

func formatSpan(r pipeline.Result) string {
	start := int(r.Offset.Seconds())
	end := int((r.Offset + r.Duration).Seconds())
	return fmt.Sprintf("%02d:%02d-%02d:%02d", start/60, start%60, end/60, end%60)
}
