// Package errors defines the SDK's error types.
//
// Every error produced here wraps one failure scenario of driving a Lean
// REPL process: spawning it, exchanging frames with it, restarting it, and
// replaying session state into it. All types support unwrapping and can be
// checked with errors.Is, errors.As, and errors.AsType; they also satisfy
// the REPLError marker interface, which identifies SDK-originated failures
// in mixed error chains.
package errors
