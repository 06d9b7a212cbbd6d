package narrative

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"videoNarrate/pipeline"
)

// Step mirrors the per-stage status summary written next to the narrative.
type Step struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Ok      int    `json:"ok"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// Report is the machine-readable completion record for a run.
type Report struct {
	RunID     string `json:"run_id"`
	VideoPath string `json:"video_path"`
	State     string `json:"state"`
	Steps     []Step `json:"steps"`
}

// WriteArtifacts writes narrative.md and report.json into the run
// directory and returns the narrative path.
func WriteArtifacts(run *pipeline.Run, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	narrativePath := filepath.Join(dir, "narrative.md")
	doc := fmt.Sprintf("# Video narrative\n\nSource: %s\n\n%s\n\n## Timeline\n\n", run.VideoPath, run.Narrative)
	for _, e := range Timeline(run.FrameResults, run.AudioResults) {
		doc += e.Render() + "\n"
	}
	if err := os.WriteFile(narrativePath, []byte(doc), 0644); err != nil {
		return "", err
	}

	report := Report{
		RunID:     run.ID,
		VideoPath: run.VideoPath,
		State:     string(run.State),
		Steps: []Step{
			tally("frame_analysis", run.FrameResults),
			tally("transcription", run.AudioResults),
		},
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "report.json"), data, 0644); err != nil {
		return "", err
	}
	return narrativePath, nil
}

func tally(name string, results []pipeline.Result) Step {
	s := Step{Name: name, Status: "completed"}
	for _, r := range results {
		switch r.Status {
		case pipeline.StatusOk:
			s.Ok++
		case pipeline.StatusSkipped:
			s.Skipped++
		case pipeline.StatusFailed:
			s.Failed++
		}
	}
	if s.Ok == 0 && s.Failed > 0 {
		s.Status = "degraded"
	}
	return s
}
