// Package api defines the wire format of the daemon HTTP API and a client
// for it. The CLI and any other consumer talk to lecternd only through the
// types here.
//
// # Key Types
//
// DaemonStatus: daemon running state, workflow diagnostics and dependency
// availability.
//
// ErrorResponse: the JSON body of every non-2xx response. Kind carries the
// services error classification so clients can reconstruct a matching error.
//
// Client: typed calls for submit, status, list, cancel, retry and costs, plus
// Watch, which follows a job's progress over a websocket.
//
// # Design Notes
//
// Job and cost payloads reuse workflow.JobStatus and workflow.CostReport
// unchanged; their snake_case JSON tags are the public format. Timestamps are
// RFC3339 with nanoseconds, as encoding/json writes time.Time.
package api
