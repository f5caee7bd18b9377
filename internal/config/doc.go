// Package config loads, normalizes, and validates lectern configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// OPENAI_API_KEY and LECTERN_S3_SECRET_KEY. Named profiles select which
// artifact branches a job runs; the default profile always exists.
package config
