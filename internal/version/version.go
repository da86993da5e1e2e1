package version

// Version information set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Info is the build information reported by the binaries and /api/version
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}

// Version returns the current version of graphdiff
func Version() string {
	return version
}

// Get returns the build information
func Get() Info {
	return Info{Version: version, Commit: commit, BuildDate: date}
}

// BuildInfo returns detailed build information
func BuildInfo() string {
	return "Version: " + version + "\nCommit: " + commit + "\nBuild Date: " + date
}
