// Package textutil normalizes text that flows between pipeline stages and
// sanitizes strings used in storage keys and download file names.
package textutil
