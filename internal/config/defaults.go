package config

const (
	// DefaultProfileName is the profile used when a job names none.
	DefaultProfileName = "default"

	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"

	defaultDataDir                  = "~/.local/share/lectern"
	defaultWorkDir                  = "~/.local/share/lectern/work"
	defaultLogDir                   = "~/.local/share/lectern/logs"
	defaultLocalStorageRoot         = "~/.local/share/lectern/storage"
	defaultAPIBind                  = "127.0.0.1:7491"
	defaultS3Region                 = "us-east-1"
	defaultInferenceBaseURL         = "https://api.openai.com/v1"
	defaultFastModel                = "gpt-4.1-nano"
	defaultSmartModel               = "gpt-5-mini"
	defaultTranscriptionModel       = "whisper-1"
	defaultInferenceTimeoutSeconds  = 120
	defaultRetryMaxAttempts         = 3
	defaultRetryBaseDelaySeconds    = 2
	defaultRetryMaxDelaySeconds     = 10
	defaultCacheTTLHours            = 0
	defaultAICacheTTLHours          = 7 * 24
	defaultClaimTimeoutSeconds      = 900
	defaultPollIntervalSeconds      = 5
	defaultHeartbeatIntervalSeconds = 15
	defaultLeaseTimeoutSeconds      = 120
	defaultMaxConcurrentJobs        = 2
	defaultCPUWorkers               = 2
	defaultCancelPollEvery          = 10
	defaultFrameScaleFactor         = 0.5
	defaultFrameSimilarity          = 0.85
	defaultFrameSampleOffsetMillis  = 500
	defaultFFmpegBinary             = "ffmpeg"
	defaultGhostscriptBinary        = "gs"
	defaultMaxDownloadBytes         = 4 << 30
	defaultLogFormat                = "console"
	defaultLogLevel                 = "info"
)

// defaultPricing mirrors published per-million-token prices for the default models.
func defaultPricing() map[string]Price {
	return map[string]Price{
		defaultFastModel:          {InputPerMillion: 0.10, OutputPerMillion: 0.40},
		defaultSmartModel:         {InputPerMillion: 0.25, OutputPerMillion: 2.00},
		defaultTranscriptionModel: {InputPerMillion: 0, OutputPerMillion: 0},
	}
}

func defaultProfiles() map[string]Profile {
	return map[string]Profile{
		DefaultProfileName: {
			Spreadsheet:        true,
			Vignette:           true,
			Mindmap:            true,
			SpreadsheetColumns: []string{"Topic", "Key Points", "Clinical Relevance"},
		},
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			WorkDir: defaultWorkDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Storage: Storage{
			Backend:   StorageBackendLocal,
			LocalRoot: defaultLocalStorageRoot,
			S3Region:  defaultS3Region,
			S3UseSSL:  true,
		},
		Inference: Inference{
			BaseURL:            defaultInferenceBaseURL,
			FastModel:          defaultFastModel,
			SmartModel:         defaultSmartModel,
			TranscriptionModel: defaultTranscriptionModel,
			TimeoutSeconds:     defaultInferenceTimeoutSeconds,
		},
		Pricing: defaultPricing(),
		Retry: Retry{
			MaxAttempts:      defaultRetryMaxAttempts,
			BaseDelaySeconds: defaultRetryBaseDelaySeconds,
			MaxDelaySeconds:  defaultRetryMaxDelaySeconds,
		},
		Cache: Cache{
			TTLHours:            defaultCacheTTLHours,
			AITTLHours:          defaultAICacheTTLHours,
			ClaimTimeoutSeconds: defaultClaimTimeoutSeconds,
		},
		Workflow: Workflow{
			PollIntervalSeconds:      defaultPollIntervalSeconds,
			HeartbeatIntervalSeconds: defaultHeartbeatIntervalSeconds,
			LeaseTimeoutSeconds:      defaultLeaseTimeoutSeconds,
			MaxConcurrentJobs:        defaultMaxConcurrentJobs,
			CPUWorkers:               defaultCPUWorkers,
			CancelPollEvery:          defaultCancelPollEvery,
		},
		Frames: Frames{
			ScaleFactor:         defaultFrameScaleFactor,
			SimilarityThreshold: defaultFrameSimilarity,
			SampleOffsetMillis:  defaultFrameSampleOffsetMillis,
		},
		Tools: Tools{
			FFmpeg:      defaultFFmpegBinary,
			Ghostscript: defaultGhostscriptBinary,
		},
		Sources: Sources{
			MaxDownloadBytes: defaultMaxDownloadBytes,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Profiles: defaultProfiles(),
	}
}
