// SPDX-License-Identifier: MIT

// Package version carries build metadata stamped through ldflags.
package version

var (
	// Version is the current daemon version.
	// Populated by the build system (ldflags), with a dev fallback.
	Version = "v0.1.0-dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
