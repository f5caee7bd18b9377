package preflight

import (
	"context"

	"lectern/internal/config"
	"lectern/internal/deps"
	"lectern/internal/stage"
)

// MinWorkDirFreeBytes is the free space below which the scratch directory is
// reported unhealthy. Lecture recordings and sampled frames live there.
const MinWorkDirFreeBytes = 2 << 30

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RunAll executes the local preflight checks for cfg: directory access, free
// scratch space and external executables. Network checks are excluded.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir),
		CheckFreeSpace("Work directory space", cfg.Paths.WorkDir, MinWorkDirFreeBytes),
	}
	if cfg.Storage.Backend == config.StorageBackendLocal {
		results = append(results, CheckDirectoryAccess("Storage directory", cfg.Storage.LocalRoot))
	}
	for _, status := range CheckSystemDeps(ctx, cfg) {
		results = append(results, fromDependency(status))
	}
	return results
}

// CheckSystemDeps evaluates the external executables named in cfg.
func CheckSystemDeps(_ context.Context, cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(deps.Requirements(cfg.Tools))
}

// Health converts results into stage health records.
func Health(results []Result) []stage.Health {
	out := make([]stage.Health, 0, len(results))
	for _, res := range results {
		if res.Passed {
			out = append(out, stage.Healthy(res.Name, res.Detail))
			continue
		}
		out = append(out, stage.Unhealthy(res.Name, res.Detail))
	}
	return out
}

func fromDependency(status deps.Status) Result {
	res := Result{Name: status.Name, Passed: status.Available, Detail: status.Detail}
	if status.Available {
		res.Detail = status.Command
	} else if status.Optional {
		// Optional tools degrade output but never block a job.
		res.Passed = true
		res.Detail = "optional: " + status.Detail
	}
	return res
}
