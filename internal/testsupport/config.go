package testsupport

import (
	"path/filepath"
	"testing"

	"lectern/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Retry delays are zeroed so failure paths run instantly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Storage.LocalRoot = filepath.Join(base, "storage")
	cfgVal.Inference.APIKey = "test"
	cfgVal.Retry.BaseDelaySeconds = 0
	cfgVal.Retry.MaxDelaySeconds = 0
	cfgVal.Workflow.PollIntervalSeconds = 1
	cfgVal.Workflow.HeartbeatIntervalSeconds = 1
	cfgVal.Workflow.LeaseTimeoutSeconds = 30
	cfgVal.Workflow.CancelPollEvery = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithProfile registers or replaces a named profile.
func WithProfile(name string, profile config.Profile) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Profiles[name] = profile
	}
}

// WithPrice sets the token price of a model.
func WithPrice(model string, input, output float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pricing[model] = config.Price{InputPerMillion: input, OutputPerMillion: output}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}

// WithConfig applies an arbitrary mutation to the generated config.
func WithConfig(mutate func(*config.Config)) ConfigOption {
	return func(b *configBuilder) {
		mutate(b.cfg)
	}
}
