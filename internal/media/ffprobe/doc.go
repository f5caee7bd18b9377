// Package ffprobe decodes ffprobe JSON output for lecture recordings.
//
// It does not run the binary; media.Tools captures the output through its
// command runner and hands it to Parse.
package ffprobe
