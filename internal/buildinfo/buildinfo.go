// Package buildinfo holds version information injected at build time via
// ldflags, read by cmd/driveragent's startup log line.
package buildinfo

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/fieldcore/driveragent/internal/buildinfo.Version=1.0.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
