package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`^[0-9A-Za-z._-]{1,64}$`)

// ValidateVersion checks that a checkpoint version is non-empty and made of
// safe characters.
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("%w: invalid checkpoint version %q", ErrInvalidConfiguration, version)
	}
	return nil
}

// CompareVersions orders checkpoint versions component by component.
// Numeric components compare numerically so "0.2" < "0.10"; anything else
// compares lexically. A version that is a prefix of another sorts first.
// Versions equal by value ("0.01" and "0.1") fall back to string order, so
// only identical strings compare equal. It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")

	for i := 0; i < len(pa) && i < len(pb); i++ {
		if c := compareComponent(pa[i], pb[i]); c != 0 {
			return c
		}
	}

	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	}
	return strings.Compare(a, b)
}

func compareComponent(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)

	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		// numeric components sort before textual ones ("1" < "rc1")
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}
