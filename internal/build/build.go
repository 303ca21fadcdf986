// Package build holds build-time metadata injected via -ldflags.
package build

var (
	// Version is the release version of the processor binary.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = ""
)
