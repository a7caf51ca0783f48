package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionID packs a version triplet into a single comparable number.
func VersionID(major, minor, patch uint8) uint32 {
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
}

// VClockAckVersion is the first replica version that acknowledges with its own vclock. Older
// replicas are assumed to have received everything the relay has sent.
var VClockAckVersion = VersionID(1, 7, 4)

// ParseVersion parses a "major.minor.patch" string into a version id.
func ParseVersion(version string) (uint32, error) {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid version %q: expected major.minor.patch", version)
	}

	var triplet [3]uint8
	for i, part := range parts {
		value, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid version %q: %w", version, err)
		}
		triplet[i] = uint8(value)
	}

	return VersionID(triplet[0], triplet[1], triplet[2]), nil
}

// FormatVersion is the inverse of ParseVersion.
func FormatVersion(id uint32) string {
	return fmt.Sprintf("%d.%d.%d", uint8(id>>16), uint8(id>>8), uint8(id))
}
