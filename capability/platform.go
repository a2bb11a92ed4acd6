package capability

import (
	"strings"
)

// Family is the root of a platform alias. Every known platform name resolves
// to exactly one family.
type Family string

const (
	FamilyWindows Family = "WINDOWS"
	FamilyUnix    Family = "UNIX"
	FamilyMac     Family = "MAC"
	FamilyAny     Family = "ANY"
)

var platformAliases = map[string]Family{
	"any": FamilyAny,
	"*":   FamilyAny,

	"unix":    FamilyUnix,
	"linux":   FamilyUnix,
	"android": FamilyUnix,
	"bsd":     FamilyUnix,

	"windows":   FamilyWindows,
	"win":       FamilyWindows,
	"xp":        FamilyWindows,
	"vista":     FamilyWindows,
	"win7":      FamilyWindows,
	"win8":      FamilyWindows,
	"win8_1":    FamilyWindows,
	"win81":     FamilyWindows,
	"win10":     FamilyWindows,
	"win11":     FamilyWindows,
	"windows7":  FamilyWindows,
	"windows8":  FamilyWindows,
	"windows10": FamilyWindows,
	"windows11": FamilyWindows,

	"mac":          FamilyMac,
	"macos":        FamilyMac,
	"osx":          FamilyMac,
	"darwin":       FamilyMac,
	"snowleopard":  FamilyMac,
	"mountainlion": FamilyMac,
	"mavericks":    FamilyMac,
	"yosemite":     FamilyMac,
	"elcapitan":    FamilyMac,
	"sierra":       FamilyMac,
	"highsierra":   FamilyMac,
	"mojave":       FamilyMac,
	"catalina":     FamilyMac,
}

// ResolvePlatform returns the family of a platform name. Names are compared
// case-insensitively with whitespace removed, so "OS X" and "osx" are the same.
func ResolvePlatform(platform string) (Family, bool) {
	family, ok := platformAliases[normalize(platform)]
	return family, ok
}

// IsLinuxFamily reports whether the platform folds to UNIX.
func IsLinuxFamily(platform string) bool {
	family, ok := ResolvePlatform(platform)
	return ok && family == FamilyUnix
}

// LinuxServes reports whether a request for the platform can be served by a
// Linux node: unspecified, ANY or any UNIX alias.
func LinuxServes(platform string) bool {
	if strings.TrimSpace(platform) == "" {
		return true
	}
	family, ok := ResolvePlatform(platform)
	return ok && (family == FamilyAny || family == FamilyUnix)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}
