// Package appversion exposes build identification injected via ldflags:
//
//	-ldflags="-X github.com/fcmesh/fcmeshd/internal/version.Version=v0.3.0
//	          -X github.com/fcmesh/fcmeshd/internal/version.GitCommit=abc1234
//	          -X github.com/fcmesh/fcmeshd/internal/version.BuildDate=2026-08-01T12:00:00Z"
package appversion

import "fmt"

// Version is the semantic version, or "dev" for unreleased builds.
var Version = "dev"

// GitCommit is the short git commit hash at build time.
var GitCommit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// Full renders the single-line version banner for --version output.
func Full(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", binary, Version, GitCommit, BuildDate)
}
