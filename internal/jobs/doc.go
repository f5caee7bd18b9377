// Package jobs persists pipeline jobs, their artifacts and their progress
// events in SQLite.
//
// Every lifecycle transition is a single conditional UPDATE so that several
// daemons sharing one database never run the same job twice:
//
//   - Claim moves pending to running and takes the execution lease
//   - Retry moves failed or cancelled back to running
//   - Renew extends a lease held by the caller
//   - Finish releases the lease with a terminal status
//   - ReclaimStale fails running jobs whose lease expired
//
// Artifacts are upserted per (job, type). Events are append-only and keyed
// by execution generation so a retried job starts a fresh progress stream.
package jobs
