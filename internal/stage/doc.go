// Package stage defines the contract every pipeline stage implements and the
// explicit cache composition applied at registration.
//
// A Definition is typed on its output. Cached wraps it so that the
// orchestrator sees a Runner: the fingerprint covers the stage name, its
// version, the declared upstream slots and the declared config subset, and
// a hit returns the checkpointed payload without running the stage.
package stage
