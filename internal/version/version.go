// Package version implements the platform version compatibility check run at
// startup against the version the config server persisted.
package version

import (
	"fmt"
	"strings"
)

const devVersion = "dev"

type Version struct {
	Major string
	Minor string
	Patch string
}

func Parse(raw string) (Version, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	if raw == devVersion {
		return Version{Major: devVersion}, nil
	}
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) < 3 {
		return Version{}, fmt.Errorf("invalid version %q, expected major.minor.patch", raw)
	}
	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
}

func (v Version) String() string {
	if v.Major == devVersion {
		return devVersion
	}
	return v.Major + "." + v.Minor + "." + v.Patch
}

func (v Version) isDev() bool { return v.Major == devVersion }

// AssertCompatible fails when the running application and the persisted
// database version differ in major or minor. Patch drift is tolerated, and
// dev builds are compatible with everything.
func AssertCompatible(app, db string) error {
	appVersion, err := Parse(app)
	if err != nil {
		return fmt.Errorf("application version: %w", err)
	}
	dbVersion, err := Parse(db)
	if err != nil {
		return fmt.Errorf("database version: %w", err)
	}
	if appVersion.isDev() || dbVersion.isDev() {
		return nil
	}
	if appVersion.Major != dbVersion.Major || appVersion.Minor != dbVersion.Minor {
		return fmt.Errorf("version mismatch: application %s is not compatible with database %s; upgrade or downgrade so major.minor match",
			appVersion, dbVersion)
	}
	return nil
}
