package registry

import (
	"strings"

	"golang.org/x/mod/semver"
)

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// Compatible reports whether an offered capability version satisfies a
// requested one: same major version and offered >= requested. Under 0.x the
// minor version must match as well. Versions that are not semver only match
// exactly.
func Compatible(offered, requested string) bool {
	if requested == "" {
		return true
	}
	o, r := canonicalVersion(offered), canonicalVersion(requested)
	if o == "" || r == "" {
		return strings.TrimSpace(offered) == strings.TrimSpace(requested)
	}
	if semver.Major(o) != semver.Major(r) {
		return false
	}
	if semver.Major(o) == "v0" && semver.MajorMinor(o) != semver.MajorMinor(r) {
		return false
	}
	return semver.Compare(o, r) >= 0
}
