package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"videoNarrate/config"
	"videoNarrate/inference"
	"videoNarrate/narrative"
	"videoNarrate/pipeline"
	"videoNarrate/prompts"
	"videoNarrate/storage"
)

var analyzeFlags struct {
	client     string
	model      string
	apiKey     string
	ollamaURL  string
	whisperURL string
	language   string
	outputDir  string
	promptFile string
	resumeID   string
	startStage int
	maxFrames  int
	keepFrames bool
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <video>",
	Short: "Run the staged analysis pipeline against a video file",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeFlags.client, "client", "", "inference backend: ollama or openai_api")
	f.StringVar(&analyzeFlags.model, "model", "", "model name for the selected backend")
	f.StringVar(&analyzeFlags.apiKey, "api-key", "", "API key for the hosted backend")
	f.StringVar(&analyzeFlags.ollamaURL, "ollama-url", "", "local inference server URL")
	f.StringVar(&analyzeFlags.whisperURL, "whisper-url", "", "whisper-compatible transcription endpoint")
	f.StringVar(&analyzeFlags.language, "language", "", "pin the transcription language instead of detecting it")
	f.StringVar(&analyzeFlags.outputDir, "output-dir", "", "directory for checkpoints and artifacts")
	f.StringVar(&analyzeFlags.promptFile, "prompt", "", "file containing the frame analysis prompt")
	f.StringVar(&analyzeFlags.resumeID, "resume", "", "resume the run with this id from its checkpoint")
	f.IntVar(&analyzeFlags.startStage, "start-stage", 0, "force execution from this stage (1 or 2), discarding later results")
	f.IntVar(&analyzeFlags.maxFrames, "max-frames", 0, "hard cap on analyzed frames")
	f.BoolVar(&analyzeFlags.keepFrames, "keep-frames", false, "retain accepted frame images in the output directory")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyAnalyzeFlags(cfg)
	// Flags bypass the load-time validation, so re-check the merged result.
	if err := cfg.Validate(); err != nil {
		return err
	}

	framePrompt := prompts.Frame
	if analyzeFlags.promptFile != "" {
		data, err := os.ReadFile(analyzeFlags.promptFile)
		if err != nil {
			return fmt.Errorf("read prompt file: %w", err)
		}
		framePrompt = strings.TrimSpace(string(data))
	}

	client, err := inference.New(cfg, logger)
	if err != nil {
		return err
	}

	checkpoints := pipeline.NewCheckpointStore(cfg.OutputDir)
	assembler := narrative.NewAssembler(client, cfg.ResponseLength, prompts.Narrative, logger)
	controller := pipeline.NewController(pipeline.ControllerOptions{
		Config:      cfg,
		Client:      client,
		Checkpoints: checkpoints,
		Aggregator:  assembler,
		FramePrompt: framePrompt,
		Logger:      logger,
	})

	ctx := cmd.Context()

	var run *pipeline.Run
	if analyzeFlags.resumeID != "" {
		run, err = controller.Resume(analyzeFlags.resumeID, pipeline.Stage(analyzeFlags.startStage))
		if err != nil {
			return err
		}
		run.VideoPath = args[0]
	} else {
		run = pipeline.NewRun(args[0])
		run.StartingStage = pipeline.Stage(cfg.StartStage)
		logger.Info("starting run", zap.String("run_id", run.ID), zap.String("video", args[0]))
	}

	if err := controller.Execute(ctx, run); err != nil {
		return fmt.Errorf("run %s: %w", run.ID, err)
	}

	path, err := narrative.WriteArtifacts(run, controller.RunDir(run.ID))
	if err != nil {
		return err
	}

	indexRun(ctx, cfg, run, logger)

	fmt.Printf("Run %s complete.\nNarrative written to %s\n", run.ID, path)
	return nil
}

func applyAnalyzeFlags(cfg *config.Config) {
	if analyzeFlags.client != "" {
		cfg.Clients.Default = analyzeFlags.client
	}
	if analyzeFlags.apiKey != "" {
		cfg.Clients.OpenAIAPI.APIKey = analyzeFlags.apiKey
		if analyzeFlags.client == "" {
			cfg.Clients.Default = config.ClientOpenAIAPI
		}
	}
	if analyzeFlags.model != "" {
		cfg.Clients.Ollama.Model = analyzeFlags.model
		cfg.Clients.OpenAIAPI.Model = analyzeFlags.model
	}
	if analyzeFlags.ollamaURL != "" {
		cfg.Clients.Ollama.URL = analyzeFlags.ollamaURL
	}
	if analyzeFlags.whisperURL != "" {
		cfg.Audio.WhisperAPIURL = analyzeFlags.whisperURL
	}
	if analyzeFlags.language != "" {
		cfg.Audio.Language = analyzeFlags.language
	}
	if analyzeFlags.outputDir != "" {
		cfg.OutputDir = analyzeFlags.outputDir
	}
	if analyzeFlags.maxFrames > 0 {
		cfg.MaxFrames = analyzeFlags.maxFrames
	}
	if analyzeFlags.keepFrames {
		cfg.Frames.KeepFrames = true
	}
	if analyzeFlags.startStage > 0 {
		cfg.StartStage = analyzeFlags.startStage
	}
}

// indexRun pushes the run's usable results into the configured vector
// store. Best-effort: failures are logged, never fatal.
func indexRun(ctx context.Context, cfg *config.Config, run *pipeline.Run, logger *zap.Logger) {
	store := storage.New(ctx, cfg, logger)
	defer store.Close(ctx)

	var entries []storage.Entry
	for _, r := range append(append([]pipeline.Result{}, run.FrameResults...), run.AudioResults...) {
		if r.Status != pipeline.StatusOk {
			continue
		}
		entries = append(entries, storage.Entry{
			Start:     r.Offset.Seconds(),
			End:       (r.Offset + r.Duration).Seconds(),
			Kind:      string(r.Kind),
			Text:      r.Text,
			FramePath: r.FramePath,
		})
	}
	if len(entries) == 0 {
		return
	}
	count, err := store.Index(ctx, run.ID, entries)
	if err != nil {
		logger.Warn("indexing failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	logger.Info("indexed run", zap.String("run_id", run.ID), zap.Int("entries", count))
}
