// Package media wraps the external media tools the pipeline shells out to.
//
// Tools runs ffmpeg for audio extraction, frame capture, grayscale frame
// sampling and HLS stream fetches, ffprobe for container metadata, and
// ghostscript for PDF compression. Every invocation goes through a
// CommandRunner so tests can substitute canned output.
//
// Similarity compares two sampled frames by the correlation of their edge
// maps; slide boundary detection builds on it.
package media
