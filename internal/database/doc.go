// Package database owns the SQLite file shared by the job store, the stage
// cache and the AI invocation tracker: connection setup, busy retries,
// timestamp encoding and embedded migrations.
package database
