// Package version gates incoming Core connections on the version they
// advertise in their hello message.
package version

import (
	"log"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the proxy's own version, set via ldflags during build.
var Version = "dev"

// MinCoreVersion is the oldest Core this proxy will talk to.
const MinCoreVersion = "v1.5.0"

// Supported checks the peer-advertised version against MinCoreVersion.
// A missing or unparsable version is treated as unsupported: peers that old
// predate version advertising entirely.
func Supported(v string) bool {
	canon := Canonical(v)
	if canon == "" {
		log.Printf("Missing or invalid core version %q, refusing connection", v)
		return false
	}
	if semver.Compare(canon, MinCoreVersion) < 0 {
		log.Printf("Core version %s is not supported, minimum is %s", canon, MinCoreVersion)
		return false
	}
	return true
}

// Canonical normalizes a version string ("1.5.0" or "v1.5.0") to a canonical
// semver string, or "" if it does not parse.
func Canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}
