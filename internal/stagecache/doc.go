// Package stagecache stores content-addressed stage checkpoints.
//
// A checkpoint is keyed by a fingerprint over the stage identity, the upstream
// outputs it reads and the configuration it depends on. Entries are written
// once and never overwritten; a changed input produces a new key. Entries that
// fail to decode are evicted and reported as misses so the stage recomputes.
//
// Do coordinates concurrent callers so each fingerprint is computed at most
// once: singleflight inside the process, a claim row across processes that
// share the database.
package stagecache
