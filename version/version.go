// Package version holds build-time version information for psnpool.
//
// Set the fields with ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/psnpool/version.Version=1.0.0 -X github.com/go-i2p/psnpool/version.GitCommit=$(git rev-parse --short HEAD)"
package version

// Version is the release version. Development builds report "dev".
var Version = "dev"

// GitCommit is the short commit hash the binary was built from.
var GitCommit = ""

// BuildTime is the UTC build timestamp.
var BuildTime = ""

// Full returns the version with commit and build time when known.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// UserAgent is sent with every outbound request.
func UserAgent() string {
	ua := "psnpool/" + Version
	if GitCommit != "" {
		ua += "+" + GitCommit
	}
	return ua
}
