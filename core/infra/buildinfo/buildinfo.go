// Package buildinfo exposes version metadata stamped at link time via
// -ldflags "-X github.com/valora-ai/valora/core/infra/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"log"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, Commit, Date, runtime.Version())
}

// Log writes the build summary tagged with the service name.
func Log(service string) {
	log.Printf("%s %s", service, Info())
}
