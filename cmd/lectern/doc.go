// Command lectern is the command-line client of the lectern daemon.
//
// Job commands (submit, status, list, watch, cancel, retry, costs) talk to
// lecternd over its HTTP API. The address and bearer token come from the
// --api and --token flags, falling back to paths.api_bind and
// paths.api_token in config.toml. The daemon command group starts and stops
// a local lecternd and reports its health, with an offline fallback when the
// API is unreachable. config init writes the sample configuration.
package main
