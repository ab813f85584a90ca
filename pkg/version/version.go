// Package version reports the server build identity for logs, health
// responses and user-agent strings.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName identifies the server in version strings.
const AppName = "runwire"

// revision may be injected with
// -ldflags "-X github.com/runwire/runwire/pkg/version.revision=<sha>"
// for builds where VCS metadata is unavailable.
var revision string

// Commit returns the short revision hash, preferring the ldflags injection
// over VCS build info. "dev" when neither is available (go test, non-git
// checkouts).
var Commit = sync.OnceValue(func() string {
	if revision != "" {
		return short(revision)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
})

// Full returns "runwire/<commit>".
func Full() string {
	return AppName + "/" + Commit()
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
