// Package retry implements the executor that wraps every call into an
// external dependency (inference endpoint, object storage) with bounded
// exponential backoff.
//
// Classification is delegated to the services error markers: transient,
// rate-limited and timeout failures are retried; everything else propagates on
// the first attempt.
package retry
