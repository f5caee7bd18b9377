package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"lectern/internal/config"
)

func TestLoadDefaultConfigUsesEnvAndExpandsPaths(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("LECTERN_API_KEY", "")
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "lectern")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "lectern.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if cfg.Inference.APIKey != "sk-test" {
		t.Fatalf("expected api key from env, got %q", cfg.Inference.APIKey)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelaySeconds != 2 || cfg.Retry.MaxDelaySeconds != 10 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Frames.SimilarityThreshold != 0.85 {
		t.Fatalf("unexpected similarity threshold: %v", cfg.Frames.SimilarityThreshold)
	}
	profile, ok := cfg.Profile("")
	if !ok || !profile.Spreadsheet || !profile.Vignette || !profile.Mindmap {
		t.Fatalf("expected default profile with all branches, got %+v (ok=%v)", profile, ok)
	}
}

func TestLoadCustomConfigOverridesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "lectern.toml")

	payload := map[string]any{
		"paths": map[string]any{
			"data_dir": filepath.Join(dir, "data"),
		},
		"storage": map[string]any{
			"backend":       "s3",
			"s3_endpoint":   "minio.local:9000",
			"s3_bucket":     "lectures",
			"s3_access_key": "ak",
			"s3_secret_key": "sk",
		},
		"pricing": map[string]any{
			"custom-model": map[string]any{"input_per_million": 1.5, "output_per_million": 3.0},
		},
		"profiles": map[string]any{
			"lean": map[string]any{"spreadsheet": true, "spreadsheet_columns": []string{" Term ", "", "Definition"}},
		},
		"logging": map[string]any{"format": "JSON", "level": "Debug"},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected existing config at %q, got %q (exists=%v)", path, resolved, exists)
	}
	if cfg.Storage.Backend != config.StorageBackendS3 || cfg.Storage.S3Bucket != "lectures" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if price, ok := cfg.PriceFor("custom-model"); !ok || price.InputPerMillion != 1.5 {
		t.Fatalf("unexpected custom price: %+v ok=%v", price, ok)
	}
	lean, ok := cfg.Profile("lean")
	if !ok {
		t.Fatal("expected lean profile")
	}
	if strings.Join(lean.SpreadsheetColumns, "|") != "Term|Definition" {
		t.Fatalf("expected trimmed columns, got %q", lean.SpreadsheetColumns)
	}
	if _, ok := cfg.Profile(config.DefaultProfileName); !ok {
		t.Fatal("default profile must always exist")
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("expected normalized logging, got %+v", cfg.Logging)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"backend", func(c *config.Config) { c.Storage.Backend = "ftp" }, "storage.backend"},
		{"s3 bucket", func(c *config.Config) {
			c.Storage.Backend = config.StorageBackendS3
			c.Storage.S3Endpoint = "x"
		}, "s3_bucket"},
		{"attempts", func(c *config.Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"delays", func(c *config.Config) { c.Retry.MaxDelaySeconds = 1 }, "max_delay_seconds"},
		{"lease", func(c *config.Config) { c.Workflow.LeaseTimeoutSeconds = 5 }, "lease_timeout_seconds"},
		{"threshold", func(c *config.Config) { c.Frames.SimilarityThreshold = 1.2 }, "similarity_threshold"},
		{"price", func(c *config.Config) { c.Pricing["m"] = config.Price{InputPerMillion: -1} }, "pricing.m"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if err := config.CreateSample(path); err == nil {
		t.Fatal("expected error when sample already exists")
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if _, ok := cfg.Profile("handout"); !ok {
		t.Fatal("expected handout profile from sample")
	}
}
