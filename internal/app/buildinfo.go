package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/skobkin/fieldsync/internal/transport"
)

// Set through -ldflags "-X" in release builds.
var (
	Version   = "dev"
	BuildDate = ""
)

const dateLayout = "2006-01-02"

func BuildVersion() string {
	if v := strings.TrimSpace(Version); v != "" {
		return v
	}

	return "dev"
}

// BuildDateYMD normalizes BuildDate to YYYY-MM-DD when it can be parsed and returns
// it unchanged otherwise.
func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	for _, layout := range []string{time.RFC3339, dateLayout} {
		candidate := raw
		if layout == dateLayout && len(raw) > len(dateLayout) {
			candidate = raw[:len(dateLayout)]
		}
		if parsed, err := time.Parse(layout, candidate); err == nil {
			return parsed.Format(dateLayout)
		}
	}

	return raw
}

func BuildVersionWithDate() string {
	date := BuildDateYMD()
	if date == "" {
		return BuildVersion()
	}

	return fmt.Sprintf("%s (%s)", BuildVersion(), date)
}

// ClientVersion is the semver tag sent with every request.
func ClientVersion() string {
	return transport.ClientVersion(BuildVersion())
}
