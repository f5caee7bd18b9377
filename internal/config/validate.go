package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validatePricing(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateFrames(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageBackendLocal:
		if c.Storage.LocalRoot == "" {
			return errors.New("storage.local_root must be set for the local backend")
		}
	case StorageBackendS3:
		if c.Storage.S3Endpoint == "" {
			return errors.New("storage.s3_endpoint must be set for the s3 backend")
		}
		if c.Storage.S3Bucket == "" {
			return errors.New("storage.s3_bucket must be set for the s3 backend")
		}
		if c.Storage.S3AccessKey == "" || c.Storage.S3SecretKey == "" {
			return errors.New("storage.s3_access_key and storage.s3_secret_key are required (or LECTERN_S3_ACCESS_KEY / LECTERN_S3_SECRET_KEY)")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported value %q (want local or s3)", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validatePricing() error {
	for model, price := range c.Pricing {
		if price.InputPerMillion < 0 || price.OutputPerMillion < 0 {
			return fmt.Errorf("pricing.%s: prices must not be negative", model)
		}
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelaySeconds < 0 || c.Retry.MaxDelaySeconds < 0 {
		return errors.New("retry delays must not be negative")
	}
	if c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return errors.New("retry.max_delay_seconds must be >= retry.base_delay_seconds")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.PollIntervalSeconds <= 0 {
		return errors.New("workflow.poll_interval_seconds must be positive")
	}
	if c.Workflow.HeartbeatIntervalSeconds <= 0 {
		return errors.New("workflow.heartbeat_interval_seconds must be positive")
	}
	if c.Workflow.LeaseTimeoutSeconds <= c.Workflow.HeartbeatIntervalSeconds {
		return errors.New("workflow.lease_timeout_seconds must exceed workflow.heartbeat_interval_seconds")
	}
	if c.Workflow.MaxConcurrentJobs <= 0 {
		return errors.New("workflow.max_concurrent_jobs must be positive")
	}
	if c.Workflow.CPUWorkers <= 0 {
		return errors.New("workflow.cpu_workers must be positive")
	}
	if c.Workflow.CancelPollEvery <= 0 {
		return errors.New("workflow.cancel_poll_every must be positive")
	}
	if c.Cache.TTLHours < 0 || c.Cache.AITTLHours < 0 {
		return errors.New("cache ttl values must not be negative")
	}
	if c.Cache.ClaimTimeoutSeconds <= 0 {
		return errors.New("cache.claim_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateFrames() error {
	if c.Frames.ScaleFactor <= 0 || c.Frames.ScaleFactor > 1 {
		return errors.New("frames.scale_factor must be in (0, 1]")
	}
	if c.Frames.SimilarityThreshold <= 0 || c.Frames.SimilarityThreshold >= 1 {
		return errors.New("frames.similarity_threshold must be between 0 and 1")
	}
	if c.Frames.SampleOffsetMillis < 0 {
		return errors.New("frames.sample_offset_ms must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
