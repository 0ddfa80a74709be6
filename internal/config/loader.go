package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables.
// A missing file is not an error: the built-in defaults describe a full
// working setup except for backend.base_url.
func Load(configPath string) (*Config, *Secrets, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return &cfg, secrets, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Backend.MetadataTimeoutSeconds == 0 {
		cfg.Backend.MetadataTimeoutSeconds = 15
	}
	if cfg.Backend.GenerationTimeoutMinutes == 0 {
		cfg.Backend.GenerationTimeoutMinutes = 5
	}
	if cfg.Backend.DownloadTimeoutMinutes == 0 {
		cfg.Backend.DownloadTimeoutMinutes = 3
	}

	if cfg.Limits.MaxUploadBytes == 0 {
		cfg.Limits.MaxUploadBytes = 10 << 20
	}
	if len(cfg.Limits.AllowedImageTypes) == 0 {
		cfg.Limits.AllowedImageTypes = []string{
			"image/jpeg",
			"image/png",
			"image/webp",
			"image/heic",
		}
	}
	if cfg.Limits.SubmitsPerMinute == 0 {
		cfg.Limits.SubmitsPerMinute = 6
	}
	if cfg.Limits.SubmitBurst == 0 {
		cfg.Limits.SubmitBurst = 2
	}
	if cfg.Limits.PreviewStagingDir == "" {
		cfg.Limits.PreviewStagingDir = os.TempDir()
	}

	if len(cfg.Selfie.StageLabels) == 0 {
		cfg.Selfie.StageLabels = []string{
			"Analysing your photo",
			"Blending with the scene",
			"Refining details",
			"Adding final touches",
		}
	}
	if len(cfg.Selfie.StageScheduleSeconds) == 0 {
		cfg.Selfie.StageScheduleSeconds = []int{3, 9, 19, 35}
	}

	if cfg.Story.TickIntervalMillis == 0 {
		cfg.Story.TickIntervalMillis = 900
	}
	if len(cfg.Story.Messages) == 0 {
		cfg.Story.Messages = []string{
			"Sketching the plot",
			"Writing your story",
			"Illustrating scenes",
			"Polishing the prose",
		}
	}
	if cfg.Story.ETASeconds == nil {
		cfg.Story.ETASeconds = map[string]int{}
	}
	if _, ok := cfg.Story.ETASeconds["short"]; !ok {
		cfg.Story.ETASeconds["short"] = 45
	}
	if _, ok := cfg.Story.ETASeconds["medium"]; !ok {
		cfg.Story.ETASeconds["medium"] = 90
	}
	if _, ok := cfg.Story.ETASeconds["long"]; !ok {
		cfg.Story.ETASeconds["long"] = 180
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "output"
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":2112"
	}
}
