package version

// Set at build time via -ldflags "-X github.com/chmdznr/edusync/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
