package core

// Version is the application version reported by the HTTP API and the bot.
// Override at build time with:
//
//	go build -ldflags "-X github.com/hiyori-akane/diffuse-pilot/core.Version=v0.2.0" .
var Version = "0.1.0"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// AppName is the display name used by the HTTP API root endpoint.
const AppName = "Diffuse Pilot API"

// GetVersionInfo returns a formatted version string, e.g. "0.1.0 (commit abc1234)".
func GetVersionInfo() string {
	return Version + " (commit " + GitCommit + ")"
}
