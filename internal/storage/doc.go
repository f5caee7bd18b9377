// Package storage provides object storage addressed by logical keys with a
// local filesystem backend and an S3-compatible backend (minio-go).
//
// Keys are slash separated and scoped per user:
//
//	users/{user_id}/sources/{source_id}/{name}
//	users/{user_id}/jobs/{job_id}/{name}
//
// Backends classify failures with the services markers so the retry
// executor can tell transient faults (network, 5xx, throttling) from
// permanent ones (missing keys, bad credentials).
package storage
