// Package workflow orchestrates pipeline jobs.
//
// The Manager owns the job lifecycle: it validates submissions, takes the
// execution lease through the jobs store, and runs the stage sequence
//
//	retrieve_source → extract_captions → match_frames → clean_transcript
//	→ generate_output → compress_output → {spreadsheet | vignette | mindmap}
//
// Every stage is wrapped with the checkpoint cache at registration, so a
// retried job restarts from the first stage and resumes at the first
// checkpoint that is missing. The artifact branches run concurrently and
// their failures never fail the job.
//
// While a job runs, a heartbeat renews its lease and progress events are
// published to the progress hub. A dispatcher loop claims pending jobs up to
// the configured concurrency and fails jobs whose lease expired on a crashed
// host.
package workflow
