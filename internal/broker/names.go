package broker

import "strings"

const ephemeralSuffix = "#ephemeral"

// maxNameLength is the longest allowed base name (before an optional
// #ephemeral suffix), per spec §3's `^[A-Za-z0-9_.-]{1,64}$`.
const maxNameLength = 64

// isValidName reports whether name matches spec §3's topic/channel
// alphabet, after stripping one optional "#ephemeral" suffix.
func isValidName(name string) bool {
	base := strings.TrimSuffix(name, ephemeralSuffix)
	if len(base) < 1 || len(base) > maxNameLength {
		return false
	}
	for _, r := range base {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}

// isEphemeralName reports whether name carries the #ephemeral marker.
func isEphemeralName(name string) bool {
	return strings.HasSuffix(name, ephemeralSuffix)
}
