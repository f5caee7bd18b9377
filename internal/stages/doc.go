// Package stages implements the nine pipeline stages.
//
// The linear prefix is retrieve_source, extract_captions, match_frames,
// clean_transcript, generate_output and compress_output. The artifact
// branches generate_spreadsheet, generate_vignette and generate_mindmap run
// concurrently after it. Each constructor takes Deps and returns a typed
// stage.Definition; caching is applied by the caller with stage.Cached.
//
// Stages are side-effect idempotent: every object they upload lives at a
// deterministic storage key, so a re-run after a crash overwrites rather
// than duplicates.
package stages
