package version

import (
	"fmt"
	"strconv"
	"strings"
)

// A license payload carries a single integer major version; the license is
// valid for any app release sharing that major (payload version 1 works
// with app 1.y.z, not with 2.x.x).
func IsCompatible(licenseMajor int, appVersion string) (bool, error) {
	if licenseMajor < 0 {
		return false, fmt.Errorf("invalid license version: %d", licenseMajor)
	}

	appMajor, err := ExtractMajorVersion(appVersion)
	if err != nil {
		return false, fmt.Errorf("invalid app version: %v", err)
	}

	return licenseMajor == appMajor, nil
}

func ExtractMajorVersion(version string) (int, error) {
	if version == "" {
		return 0, fmt.Errorf("empty version string")
	}

	parts := strings.Split(version, ".")
	if len(parts) < 1 {
		return 0, fmt.Errorf("invalid version format")
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid major version: %v", err)
	}

	if major < 0 {
		return 0, fmt.Errorf("major version cannot be negative")
	}

	return major, nil
}
