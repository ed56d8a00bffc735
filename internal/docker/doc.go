// Package docker wraps the Docker Engine SDK for the provisioner CLI.
//
// It covers the parts of the Engine API the docker backend and the
// container launcher need:
//   - client initialization with socket detection (Linux, macOS, Windows)
//   - image labels, which are the only record of what an image holds
//   - image build, listing and removal
//   - running a one-shot container and relaying its output and exit status
//
// The SDK client negotiates the API version with the daemon, so any
// reasonably recent engine works.
package docker
