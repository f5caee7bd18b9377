package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	WorkDir  string `toml:"work_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Storage selects and configures the object storage backend.
type Storage struct {
	Backend     string `toml:"backend"`
	LocalRoot   string `toml:"local_root"`
	S3Endpoint  string `toml:"s3_endpoint"`
	S3Bucket    string `toml:"s3_bucket"`
	S3Region    string `toml:"s3_region"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3UseSSL    bool   `toml:"s3_use_ssl"`
}

// Inference contains connection settings for the OpenAI-compatible endpoint.
type Inference struct {
	BaseURL            string `toml:"base_url"`
	APIKey             string `toml:"api_key"`
	FastModel          string `toml:"fast_model"`
	SmartModel         string `toml:"smart_model"`
	TranscriptionModel string `toml:"transcription_model"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
}

// Price is the per-million-token price of a model in USD.
type Price struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

// Retry configures the executor wrapping external calls.
type Retry struct {
	MaxAttempts      int `toml:"max_attempts"`
	BaseDelaySeconds int `toml:"base_delay_seconds"`
	MaxDelaySeconds  int `toml:"max_delay_seconds"`
}

// Cache configures checkpoint and inference memo lifetimes. Zero TTL keeps
// entries until they are explicitly invalidated.
type Cache struct {
	TTLHours            int `toml:"ttl_hours"`
	AITTLHours          int `toml:"ai_ttl_hours"`
	ClaimTimeoutSeconds int `toml:"claim_timeout_seconds"`
}

// Workflow contains configuration for orchestrator timing and capacity.
type Workflow struct {
	PollIntervalSeconds      int `toml:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	LeaseTimeoutSeconds      int `toml:"lease_timeout_seconds"`
	MaxConcurrentJobs        int `toml:"max_concurrent_jobs"`
	CPUWorkers               int `toml:"cpu_workers"`
	CancelPollEvery          int `toml:"cancel_poll_every"`
}

// Frames tunes slide boundary detection.
type Frames struct {
	ScaleFactor         float64 `toml:"scale_factor"`
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	SampleOffsetMillis  int     `toml:"sample_offset_ms"`
}

// Tools names the external executables the pipeline shells out to.
type Tools struct {
	FFmpeg        string `toml:"ffmpeg"`
	Ghostscript   string `toml:"ghostscript"`
	RenderCommand string `toml:"render_command"`
}

// Sources configures source retrieval.
type Sources struct {
	LectureCaptureURL string `toml:"lecture_capture_url"`
	MaxDownloadBytes  int64  `toml:"max_download_bytes"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Profile selects which artifact branches run and how they are prompted.
type Profile struct {
	Spreadsheet        bool     `toml:"spreadsheet" json:"spreadsheet"`
	Vignette           bool     `toml:"vignette" json:"vignette"`
	Mindmap            bool     `toml:"mindmap" json:"mindmap"`
	SpreadsheetPrompt  string   `toml:"spreadsheet_prompt" json:"spreadsheet_prompt,omitempty"`
	SpreadsheetColumns []string `toml:"spreadsheet_columns" json:"spreadsheet_columns,omitempty"`
	VignettePrompt     string   `toml:"vignette_prompt" json:"vignette_prompt,omitempty"`
}

// Config encapsulates all configuration values for lectern.
//
// Configuration sections by subsystem:
//   - Paths: data, scratch and log directories plus the API bind address
//   - Storage: local or S3-compatible object storage
//   - Inference: OpenAI-compatible endpoint and model names
//   - Pricing: per-model token prices for cost accounting
//   - Retry: attempt budget and backoff for external calls
//   - Cache: checkpoint and inference memo lifetimes
//   - Workflow: polling, heartbeat, lease and capacity settings
//   - Frames: slide boundary detection thresholds
//   - Tools: ffmpeg, ghostscript and the artifact render command
//   - Sources: lecture capture URL template and download limits
//   - Logging: log format and level
//   - Profiles: named artifact branch selections
type Config struct {
	Paths     Paths              `toml:"paths"`
	Storage   Storage            `toml:"storage"`
	Inference Inference          `toml:"inference"`
	Pricing   map[string]Price   `toml:"pricing"`
	Retry     Retry              `toml:"retry"`
	Cache     Cache              `toml:"cache"`
	Workflow  Workflow           `toml:"workflow"`
	Frames    Frames             `toml:"frames"`
	Tools     Tools              `toml:"tools"`
	Sources   Sources            `toml:"sources"`
	Logging   Logging            `toml:"logging"`
	Profiles  map[string]Profile `toml:"profiles"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/lectern/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("lectern.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.WorkDir, c.Paths.LogDir}
	if c.Storage.Backend == StorageBackendLocal {
		dirs = append(dirs, c.Storage.LocalRoot)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite file shared by jobs, checkpoints and AI records.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "lectern.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "lecternd.lock")
}

// Profile resolves a named profile, falling back to the default profile for an
// empty name.
func (c *Config) Profile(name string) (Profile, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultProfileName
	}
	profile, ok := c.Profiles[name]
	return profile, ok
}

// ProfileNames lists configured profiles in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PriceFor returns the configured price of a model.
func (c *Config) PriceFor(model string) (Price, bool) {
	price, ok := c.Pricing[model]
	return price, ok
}

// RetryBaseDelay returns the first backoff interval.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySeconds) * time.Second
}

// RetryMaxDelay returns the backoff cap.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelaySeconds) * time.Second
}

// CacheTTL returns the checkpoint lifetime, zero meaning no expiry.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// AICacheTTL returns the inference memo lifetime.
func (c *Config) AICacheTTL() time.Duration {
	return time.Duration(c.Cache.AITTLHours) * time.Hour
}

// ClaimTimeout bounds how long a stage claim is honoured before another
// instance may take it over.
func (c *Config) ClaimTimeout() time.Duration {
	return time.Duration(c.Cache.ClaimTimeoutSeconds) * time.Second
}

// InferenceTimeout returns the per-request timeout for inference calls.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.TimeoutSeconds) * time.Second
}

// PollInterval returns the dispatcher polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workflow.PollIntervalSeconds) * time.Second
}

// HeartbeatInterval returns how often running jobs renew their lease.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workflow.HeartbeatIntervalSeconds) * time.Second
}

// LeaseTimeout returns how long a lease survives without a heartbeat.
func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Workflow.LeaseTimeoutSeconds) * time.Second
}

// SampleConfig returns the embedded sample configuration used by `lectern config init`.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes the sample configuration to path, creating parent
// directories. An existing file is left untouched.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists: %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
