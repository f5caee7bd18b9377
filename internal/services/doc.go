// Package services defines the error taxonomy and context helpers shared by
// the pipeline stages and their external integrations.
//
// Every failure that crosses a component boundary should be tagged with one of
// the sentinel markers through Wrap so the retry executor can decide whether
// another attempt is worthwhile and the orchestrator can record a stable kind
// and message on the job.
package services
