// Package config loads the videoNarrate configuration from a JSON file,
// applies environment overrides and fills defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	ClientOllama    = "ollama"
	ClientOpenAIAPI = "openai_api"

	StoreMemory   = "memory"
	StorePgVector = "pgvector"
	StoreMilvus   = "milvus"
)

// ClientConfig holds the endpoint settings for one inference backend.
type ClientConfig struct {
	URL    string `json:"url,omitempty"`
	APIKey string `json:"api_key,omitempty"`
	APIURL string `json:"api_url,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Clients selects the active backend and carries per-backend settings.
type Clients struct {
	Default     string       `json:"default"`
	Temperature float32      `json:"temperature"`
	MaxRetries  int          `json:"max_retries"`
	RateLimit   float64      `json:"rate_limit"`  // requests per second, 0 = unlimited
	Concurrency int          `json:"concurrency"` // in-flight calls per backend
	Ollama      ClientConfig `json:"ollama"`
	OpenAIAPI   ClientConfig `json:"openai_api"`
}

// FrameConfig controls sampling and the selector's admission policy.
type FrameConfig struct {
	PerMinute         int     `json:"per_minute"`
	MaxCount          int     `json:"max_count"`
	MinDifference     float64 `json:"min_difference"`
	AnalysisThreshold float64 `json:"analysis_threshold"` // 0 disables the stricter gate
	KeepFrames        bool    `json:"keep_frames"`
}

// AudioConfig controls extraction, chunking and the quality gate.
type AudioConfig struct {
	WhisperAPIURL               string  `json:"whisper_api_url"`
	TimeoutSeconds              int     `json:"timeout_seconds"`
	Language                    string  `json:"language"`
	SampleRate                  int     `json:"sample_rate"`
	Channels                    int     `json:"channels"`
	QualityThreshold            float64 `json:"quality_threshold"`
	LanguageConfidenceThreshold float64 `json:"language_confidence_threshold"`
	ChunkLengthSeconds          float64 `json:"chunk_length_seconds"`
}

// ResponseLength carries the per-context generation budgets.
type ResponseLength struct {
	Frame          int `json:"frame"`
	Reconstruction int `json:"reconstruction"`
	Narrative      int `json:"narrative"`
}

// StoreConfig selects and configures the optional vector store.
type StoreConfig struct {
	Kind             string `json:"kind"`
	PostgresURL      string `json:"postgres_url"`
	MilvusAddr       string `json:"milvus_addr"`
	MilvusCollection string `json:"milvus_collection"`
	EmbeddingModel   string `json:"embedding_model"`
}

type Config struct {
	Clients        Clients        `json:"clients"`
	Frames         FrameConfig    `json:"frames"`
	Audio          AudioConfig    `json:"audio"`
	ResponseLength ResponseLength `json:"response_length"`
	Store          StoreConfig    `json:"store"`
	OutputDir      string         `json:"output_dir"`
	StartStage     int            `json:"start_stage"`
	MaxFrames      int            `json:"max_frames"`
}

// Default returns the configuration used when no file or override supplies
// a value. Mirrors the shipped default_config.json of the original tool.
func Default() *Config {
	return &Config{
		Clients: Clients{
			Default:     ClientOllama,
			Temperature: 0.2,
			MaxRetries:  3,
			RateLimit:   0,
			Concurrency: 2,
			Ollama: ClientConfig{
				URL:   "http://localhost:11434",
				Model: "llama3.2-vision",
			},
			OpenAIAPI: ClientConfig{
				APIURL: "https://api.openai.com/v1",
				Model:  "gpt-4o-mini",
			},
		},
		Frames: FrameConfig{
			PerMinute:         10,
			MaxCount:          30,
			MinDifference:     0.10,
			AnalysisThreshold: 0,
			KeepFrames:        false,
		},
		Audio: AudioConfig{
			WhisperAPIURL:               "http://localhost:16000",
			TimeoutSeconds:              300,
			SampleRate:                  16000,
			Channels:                    1,
			QualityThreshold:            0.2,
			LanguageConfidenceThreshold: 0.5,
			ChunkLengthSeconds:          30,
		},
		ResponseLength: ResponseLength{
			Frame:          300,
			Reconstruction: 1000,
			Narrative:      1500,
		},
		Store: StoreConfig{
			Kind:             StoreMemory,
			MilvusAddr:       "localhost:19530",
			MilvusCollection: "video_narratives",
			EmbeddingModel:   "text-embedding-3-small",
		},
		OutputDir:  "output",
		StartStage: 1,
		MaxFrames:  100,
	}
}

// Load reads the config file at path (optional; empty path means defaults
// only), applies VIDEONARRATE_* environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VIDEONARRATE_CLIENT"); v != "" {
		c.Clients.Default = v
	}
	if v := os.Getenv("VIDEONARRATE_API_KEY"); v != "" {
		c.Clients.OpenAIAPI.APIKey = v
		// A key with no explicit client selection implies the hosted API.
		if os.Getenv("VIDEONARRATE_CLIENT") == "" {
			c.Clients.Default = ClientOpenAIAPI
		}
	}
	if v := os.Getenv("VIDEONARRATE_API_URL"); v != "" {
		c.Clients.OpenAIAPI.APIURL = v
	}
	if v := os.Getenv("VIDEONARRATE_OLLAMA_URL"); v != "" {
		c.Clients.Ollama.URL = v
	}
	if v := os.Getenv("VIDEONARRATE_MODEL"); v != "" {
		c.Clients.Ollama.Model = v
		c.Clients.OpenAIAPI.Model = v
	}
	if v := os.Getenv("VIDEONARRATE_WHISPER_URL"); v != "" {
		c.Audio.WhisperAPIURL = v
	}
	if v := os.Getenv("VIDEONARRATE_LANGUAGE"); v != "" {
		c.Audio.Language = v
	}
	if v := os.Getenv("VIDEONARRATE_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("VIDEONARRATE_STORE"); v != "" {
		c.Store.Kind = v
	}
	if v := os.Getenv("VIDEONARRATE_POSTGRES_URL"); v != "" {
		c.Store.PostgresURL = v
	}
	if v := os.Getenv("VIDEONARRATE_MILVUS_ADDR"); v != "" {
		c.Store.MilvusAddr = v
	}
	if v := os.Getenv("VIDEONARRATE_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			c.Clients.Temperature = float32(f)
		}
	}
}

// Validate collects every configuration problem into a single error.
func (c *Config) Validate() error {
	var problems []string

	switch c.Clients.Default {
	case ClientOllama:
		if strings.TrimSpace(c.Clients.Ollama.URL) == "" {
			problems = append(problems, "ollama url is required")
		}
	case ClientOpenAIAPI:
		if strings.TrimSpace(c.Clients.OpenAIAPI.APIKey) == "" {
			problems = append(problems, "api key is required for the openai_api client")
		}
		if strings.TrimSpace(c.Clients.OpenAIAPI.APIURL) == "" {
			problems = append(problems, "api url is required for the openai_api client")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown client type %q", c.Clients.Default))
	}

	if c.Frames.PerMinute <= 0 {
		problems = append(problems, "frames.per_minute must be positive")
	}
	if c.Frames.MaxCount < 0 || c.MaxFrames < 0 {
		problems = append(problems, "frame caps must not be negative")
	}
	if c.Frames.MinDifference < 0 || c.Frames.MinDifference > 1 {
		problems = append(problems, "frames.min_difference must be within [0,1]")
	}
	if c.Audio.ChunkLengthSeconds <= 0 {
		problems = append(problems, "audio.chunk_length_seconds must be positive")
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 {
		problems = append(problems, "audio sample_rate and channels must be positive")
	}
	if c.StartStage < 1 || c.StartStage > 2 {
		problems = append(problems, "start_stage must be 1 or 2")
	}
	switch c.Store.Kind {
	case StoreMemory, StorePgVector, StoreMilvus:
	default:
		problems = append(problems, fmt.Sprintf("unknown store kind %q", c.Store.Kind))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveFrameCap is the hard admission bound for the frame selector.
func (c *Config) EffectiveFrameCap() int {
	if c.Frames.MaxCount < c.MaxFrames {
		return c.Frames.MaxCount
	}
	return c.MaxFrames
}

// ActiveModel reports the model name of the selected backend.
func (c *Config) ActiveModel() string {
	if c.Clients.Default == ClientOpenAIAPI {
		return c.Clients.OpenAIAPI.Model
	}
	return c.Clients.Ollama.Model
}
