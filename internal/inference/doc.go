// Package inference talks to an OpenAI-compatible endpoint for chat
// completions and audio transcription.
//
// # Client
//
// HTTPClient performs exactly one request per call and classifies failures
// with the services markers: HTTP 408/5xx and network timeouts are transient,
// 429 is rate limited (carrying any Retry-After hint), other 4xx responses are
// permanent. Retrying is the caller's job.
//
// # Tracking and memoization
//
// Tracked layers the inference memo, the retry executor and the AI tracker
// around any Client. Bind attaches explicit job and user attribution:
//
//	ai := inference.NewTracked(client, tracker, memo, executor)
//	resp, err := ai.Bind(jobID, userID).Complete(ctx, req)
//
// A memo hit writes one zero-cost "cached" record. A miss runs the retried
// call and writes one record for the whole attempt group.
//
// # JSON output
//
// DecodeJSON tolerates the usual model formatting quirks such as code fences
// or prose around the JSON payload.
package inference
