package transport

import (
	"strings"

	"golang.org/x/mod/semver"
)

const fallbackClientVersion = "v0.0.0-dev"

// ClientVersion normalizes a build version into a canonical semver marker.
// Release tags without the leading "v" are accepted; anything else maps to v0.0.0-dev.
func ClientVersion(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return fallbackClientVersion
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fallbackClientVersion
	}

	return semver.Canonical(v)
}
