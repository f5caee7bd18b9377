// Package sources resolves a job's input descriptor into a local media file.
//
// Three input types are supported:
//   - upload: the reference is a storage key that must already exist
//   - url: the reference is fetched over HTTP; HLS playlists are remuxed
//     through ffmpeg
//   - lecture_capture: the reference is a delivery id or viewer URL resolved
//     through the delivery info endpoint of the configured capture host
//
// The sha256 of the retrieved bytes becomes the source id, so the same
// lecture submitted twice shares every downstream checkpoint.
package sources
