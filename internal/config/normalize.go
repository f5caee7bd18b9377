package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeInference()
	c.normalizeTools()
	c.normalizeProfiles()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("LECTERN_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeStorage() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBackendLocal
	}
	if strings.TrimSpace(c.Storage.LocalRoot) == "" {
		c.Storage.LocalRoot = defaultLocalStorageRoot
	}
	var err error
	if c.Storage.LocalRoot, err = expandPath(c.Storage.LocalRoot); err != nil {
		return fmt.Errorf("storage.local_root: %w", err)
	}
	c.Storage.S3Endpoint = strings.TrimSpace(c.Storage.S3Endpoint)
	c.Storage.S3Bucket = strings.TrimSpace(c.Storage.S3Bucket)
	if c.Storage.S3Region = strings.TrimSpace(c.Storage.S3Region); c.Storage.S3Region == "" {
		c.Storage.S3Region = defaultS3Region
	}
	if c.Storage.S3AccessKey == "" {
		if value, ok := os.LookupEnv("LECTERN_S3_ACCESS_KEY"); ok {
			c.Storage.S3AccessKey = value
		}
	}
	if c.Storage.S3SecretKey == "" {
		if value, ok := os.LookupEnv("LECTERN_S3_SECRET_KEY"); ok {
			c.Storage.S3SecretKey = value
		}
	}
	return nil
}

func (c *Config) normalizeInference() {
	if c.Inference.APIKey == "" {
		for _, key := range []string{"LECTERN_API_KEY", "OPENAI_API_KEY"} {
			if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
				c.Inference.APIKey = strings.TrimSpace(value)
				break
			}
		}
	}
	c.Inference.BaseURL = strings.TrimRight(strings.TrimSpace(c.Inference.BaseURL), "/")
	if c.Inference.BaseURL == "" {
		c.Inference.BaseURL = defaultInferenceBaseURL
	}
	if strings.TrimSpace(c.Inference.FastModel) == "" {
		c.Inference.FastModel = defaultFastModel
	}
	if strings.TrimSpace(c.Inference.SmartModel) == "" {
		c.Inference.SmartModel = defaultSmartModel
	}
	if strings.TrimSpace(c.Inference.TranscriptionModel) == "" {
		c.Inference.TranscriptionModel = defaultTranscriptionModel
	}
	if c.Inference.TimeoutSeconds <= 0 {
		c.Inference.TimeoutSeconds = defaultInferenceTimeoutSeconds
	}
	if c.Pricing == nil {
		c.Pricing = defaultPricing()
	}
}

func (c *Config) normalizeTools() {
	if c.Tools.FFmpeg = strings.TrimSpace(c.Tools.FFmpeg); c.Tools.FFmpeg == "" {
		c.Tools.FFmpeg = defaultFFmpegBinary
	}
	if c.Tools.Ghostscript = strings.TrimSpace(c.Tools.Ghostscript); c.Tools.Ghostscript == "" {
		c.Tools.Ghostscript = defaultGhostscriptBinary
	}
	c.Tools.RenderCommand = strings.TrimSpace(c.Tools.RenderCommand)
	c.Sources.LectureCaptureURL = strings.TrimSpace(c.Sources.LectureCaptureURL)
	if c.Sources.MaxDownloadBytes <= 0 {
		c.Sources.MaxDownloadBytes = defaultMaxDownloadBytes
	}
}

func (c *Config) normalizeProfiles() {
	if c.Profiles == nil {
		c.Profiles = map[string]Profile{}
	}
	if _, ok := c.Profiles[DefaultProfileName]; !ok {
		c.Profiles[DefaultProfileName] = defaultProfiles()[DefaultProfileName]
	}
	for name, profile := range c.Profiles {
		profile.SpreadsheetPrompt = strings.TrimSpace(profile.SpreadsheetPrompt)
		profile.VignettePrompt = strings.TrimSpace(profile.VignettePrompt)
		columns := profile.SpreadsheetColumns[:0]
		for _, col := range profile.SpreadsheetColumns {
			if col = strings.TrimSpace(col); col != "" {
				columns = append(columns, col)
			}
		}
		profile.SpreadsheetColumns = columns
		c.Profiles[name] = profile
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
