package capability

import (
	"fmt"
)

// Profile is the shape shared by run requests, slot tags and session
// capabilities.
type Profile struct {
	Browser  string `json:"browser" yaml:"browser"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty"`
}

func (p Profile) String() string {
	return fmt.Sprintf("%s/%s/%s", p.Browser, p.Version, p.Platform)
}

// Key is a normalized representation usable as a map key. Two profiles with
// the same key match each other in both directions.
func (p Profile) Key() string {
	platform := normalize(p.Platform)
	if family, ok := ResolvePlatform(p.Platform); ok {
		platform = string(family)
	}
	return fmt.Sprintf("%s|%s|%s", NormalizeBrowser(p.Browser), p.Version, platform)
}

// NormalizeBrowser lowercases a browser name and strips all whitespace.
func NormalizeBrowser(browser string) string {
	return normalize(browser)
}

// SameBrowser compares browser names case and whitespace insensitively.
func SameBrowser(a, b string) bool {
	return NormalizeBrowser(a) == NormalizeBrowser(b)
}

// Matches reports whether candidate satisfies desired.
//
// The platform check is asymmetric: an empty platform on the desired side means
// "don't care", while an empty platform on the candidate side never satisfies a
// desired platform other than ANY.
func Matches(desired, candidate Profile) bool {
	if !SameBrowser(desired.Browser, candidate.Browser) {
		return false
	}

	if desired.Version != "" && desired.Version != candidate.Version {
		return false
	}

	return platformMatches(desired.Platform, candidate.Platform)
}

func platformMatches(desired, candidate string) bool {
	if normalize(desired) == "" {
		return true
	}

	desiredFamily, desiredKnown := ResolvePlatform(desired)
	if desiredKnown && desiredFamily == FamilyAny {
		return true
	}

	if normalize(candidate) == "" {
		return false
	}

	candidateFamily, candidateKnown := ResolvePlatform(candidate)
	if candidateKnown && candidateFamily == FamilyAny {
		return true
	}

	if desiredKnown && candidateKnown {
		return desiredFamily == candidateFamily
	}
	return normalize(desired) == normalize(candidate)
}
