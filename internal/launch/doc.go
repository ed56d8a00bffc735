// Package launch starts the entrypoint of a provisioned environment and
// reports its exit status.
//
// The entrypoint is launched exactly once, with no arguments, from the
// working root. Its exit status becomes the launcher's own; interrupts
// received by the launcher are forwarded to it so it can shut down on its
// own terms.
package launch
