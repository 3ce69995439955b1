// Package log provides the structured logging used across nixless-agent,
// wrapping zerolog the same way for every component: a single global
// Logger initialized once via Init, with a component-scoped child logger
// (WithComponent) that call sites further narrow with zerolog's own
// With() chaining (top-level store path ID, generation number, and so
// on, whichever fields that call site needs), plus a request-scoped
// child logger (WithRequestID) for the HTTP control plane.
//
// JSON output is used in production; the console writer is used for
// interactive/development runs. Components should prefer a child logger
// over the bare global Logger so that log lines carry enough context to
// reconstruct an update or rollback attempt from the journal alone.
package log
