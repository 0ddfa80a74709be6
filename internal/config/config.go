package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lumora-app/fanstudio/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	Backend BackendConfig `toml:"backend"`
	Limits  LimitsConfig  `toml:"limits"`
	Selfie  SelfieConfig  `toml:"selfie"`
	Story   StoryConfig   `toml:"story"`
	Output  OutputConfig  `toml:"output"`
	Metrics MetricsConfig `toml:"metrics"`
}

// BackendConfig holds the REST backend endpoints and timeouts. The
// generation call blocks until the backend finishes, so its timeout is
// minutes where the metadata timeout is seconds.
type BackendConfig struct {
	BaseURL                  string `toml:"base_url"`
	MetadataTimeoutSeconds   int    `toml:"metadata_timeout_seconds"`   // quota, save/publish
	GenerationTimeoutMinutes int    `toml:"generation_timeout_minutes"` // the single blocking generation call
	DownloadTimeoutMinutes   int    `toml:"download_timeout_minutes"`   // clean-image binary download
}

// LimitsConfig holds client-side input limits and the local submit throttle
type LimitsConfig struct {
	MaxUploadBytes    int64    `toml:"max_upload_bytes"`
	AllowedImageTypes []string `toml:"allowed_image_types"`
	SubmitsPerMinute  int      `toml:"submits_per_minute"`
	SubmitBurst       int      `toml:"submit_burst"`
	PreviewStagingDir string   `toml:"preview_staging_dir"`
}

// SelfieConfig tunes the selfie flow's fabricated progress stages
type SelfieConfig struct {
	StageLabels          []string `toml:"stage_labels"`
	StageScheduleSeconds []int    `toml:"stage_schedule_seconds"`
}

// StoryConfig tunes the story flow's fabricated percentage ticker
type StoryConfig struct {
	TickIntervalMillis int            `toml:"tick_interval_millis"`
	Messages           []string       `toml:"messages"`
	ETASeconds         map[string]int `toml:"eta_seconds"` // keyed by story length
}

// OutputConfig controls the local session/download directory
type OutputConfig struct {
	Dir string `toml:"dir"`
}

// MetricsConfig controls the optional prometheus listener
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIToken string
}

const (
	// MaxUploadBytesCeiling is the hard upper bound for max_upload_bytes
	MaxUploadBytesCeiling = 50 << 20
	// MaxGenerationTimeoutMinutes is the hard upper bound for the blocking call
	MaxGenerationTimeoutMinutes = 30
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend.base_url must start with http:// or https:// (got %s)", c.Backend.BaseURL)
	}
	if c.Backend.MetadataTimeoutSeconds < 1 {
		return fmt.Errorf("backend.metadata_timeout_seconds must be at least 1 (got %d)", c.Backend.MetadataTimeoutSeconds)
	}
	if c.Backend.GenerationTimeoutMinutes < 1 {
		return fmt.Errorf("backend.generation_timeout_minutes must be at least 1 (got %d)", c.Backend.GenerationTimeoutMinutes)
	}
	if c.Backend.GenerationTimeoutMinutes > MaxGenerationTimeoutMinutes {
		return fmt.Errorf("backend.generation_timeout_minutes must not exceed %d (got %d)", MaxGenerationTimeoutMinutes, c.Backend.GenerationTimeoutMinutes)
	}
	if c.Backend.DownloadTimeoutMinutes < 1 {
		return fmt.Errorf("backend.download_timeout_minutes must be at least 1 (got %d)", c.Backend.DownloadTimeoutMinutes)
	}

	if c.Limits.MaxUploadBytes < 1 {
		return fmt.Errorf("limits.max_upload_bytes must be at least 1 (got %d)", c.Limits.MaxUploadBytes)
	}
	if c.Limits.MaxUploadBytes > MaxUploadBytesCeiling {
		return fmt.Errorf("limits.max_upload_bytes must not exceed %d (got %d)", MaxUploadBytesCeiling, c.Limits.MaxUploadBytes)
	}
	if len(c.Limits.AllowedImageTypes) == 0 {
		return fmt.Errorf("limits.allowed_image_types must not be empty")
	}
	if c.Limits.SubmitsPerMinute < 1 {
		return fmt.Errorf("limits.submits_per_minute must be at least 1 (got %d)", c.Limits.SubmitsPerMinute)
	}
	if c.Limits.SubmitBurst < 1 {
		return fmt.Errorf("limits.submit_burst must be at least 1 (got %d)", c.Limits.SubmitBurst)
	}

	if len(c.Selfie.StageLabels) == 0 {
		return fmt.Errorf("selfie.stage_labels must not be empty")
	}
	if len(c.Selfie.StageLabels) != len(c.Selfie.StageScheduleSeconds) {
		return fmt.Errorf("selfie.stage_schedule_seconds must have one entry per stage label (labels=%d schedule=%d)",
			len(c.Selfie.StageLabels), len(c.Selfie.StageScheduleSeconds))
	}
	for i, s := range c.Selfie.StageScheduleSeconds {
		if s < 0 {
			return fmt.Errorf("selfie.stage_schedule_seconds[%d] must not be negative (got %d)", i, s)
		}
		if i > 0 && s <= c.Selfie.StageScheduleSeconds[i-1] {
			return fmt.Errorf("selfie.stage_schedule_seconds must be strictly increasing (index %d)", i)
		}
	}

	if c.Story.TickIntervalMillis < 50 {
		return fmt.Errorf("story.tick_interval_millis must be at least 50 (got %d)", c.Story.TickIntervalMillis)
	}
	if len(c.Story.Messages) == 0 {
		return fmt.Errorf("story.messages must not be empty")
	}
	for _, length := range []models.StoryLength{models.LengthShort, models.LengthMedium, models.LengthLong} {
		eta, ok := c.Story.ETASeconds[string(length)]
		if !ok {
			return fmt.Errorf("story.eta_seconds.%s is required", length)
		}
		if eta < 1 {
			return fmt.Errorf("story.eta_seconds.%s must be at least 1 (got %d)", length, eta)
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics.enabled = true")
	}

	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	token := os.Getenv("FANSTUDIO_API_TOKEN")
	if token == "" {
		// Older deployments used the platform-wide name
		token = os.Getenv("PLATFORM_API_TOKEN")
	}
	return &Secrets{APIToken: token}, nil
}
