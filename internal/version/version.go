package version

// Set at build time with -ldflags "-X github.com/throw-if-null/taskrelay/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)
