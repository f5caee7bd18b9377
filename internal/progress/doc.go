// Package progress fans job progress events out to subscribers.
//
// The Hub keeps the current execution generation of every active job in
// memory. A subscriber receives the events published so far, then the live
// tail, and its channel closes after the terminal event. Events are mirrored
// to sinks (the job_events table in the daemon) so a subscriber on a freshly
// started daemon can replay a finished job from the store.
//
// WebsocketHandler bridges one subscription to a websocket connection.
package progress
