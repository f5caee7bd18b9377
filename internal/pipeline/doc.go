// Package pipeline holds the per-execution Context that stages read from and
// write to.
//
// A Context is an append-only map of slot name to JSON payload. Stages never
// mutate it directly: they receive a View, a copy that stays stable while the
// orchestrator merges their outputs. Writing a slot twice fails with
// ErrSlotWritten.
package pipeline
