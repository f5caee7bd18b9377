// Package preflight provides readiness checks for the filesystem paths,
// external executables and services lectern depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and on every /api/status request, and
//     reports the results as workflow health.
//   - The daemon also probes the inference endpoint once at startup with
//     CheckInference, logging the outcome without blocking job processing.
//
// A failed check never stops the daemon; jobs that need a missing tool fail
// at the stage that uses it with a classified error.
package preflight
