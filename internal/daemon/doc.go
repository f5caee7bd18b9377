// Package daemon coordinates the long-running lecternd process.
//
// It wires configuration, the workflow manager and the HTTP API into a single
// lifecycle with flock-based locking to prevent two daemons from sharing one
// data directory. The API exposes job submission, status, cancel, retry, cost
// reports and a websocket progress stream, guarded by an optional bearer
// token.
//
// Keep orchestration logic here: pipeline behavior lives in workflow and the
// stages packages, while the daemon focuses on startup, shutdown and the
// transport surface.
package daemon
