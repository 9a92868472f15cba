package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var semverRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

// Normalize returns the version with a leading "v", e.g. "1.0.0" -> "v1.0.0".
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// Parse splits a "vX.Y.Z" or "X.Y.Z" version into its numeric parts.
func Parse(v string) (major, minor, patch int, err error) {
	bare := strings.TrimPrefix(strings.TrimSpace(v), "v")
	m := semverRe.FindStringSubmatch(bare)
	if m == nil {
		return 0, 0, 0, fmt.Errorf("invalid version format: %s", v)
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	patch, _ = strconv.Atoi(m[3])
	return major, minor, patch, nil
}

// IsSemver reports whether v is a bare X.Y.Z version.
func IsSemver(v string) bool {
	return semverRe.MatchString(v)
}

// RCTag builds the release-candidate tag for the nth evolution of a version.
func RCTag(version string, n int) string {
	return fmt.Sprintf("%s-rc.%d", version, n)
}

// RCNumber extracts N from a "<version>-rc.N" tag.
func RCNumber(tag, version string) (int, bool) {
	prefix := version + "-rc."
	if !strings.HasPrefix(tag, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(tag[len(prefix):])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// NextPatch computes the hot-fix version that follows base. When latest is the
// highest existing "vX.Y.*" version it is bumped instead, so hot-fixes stack.
func NextPatch(base, latest string) (string, error) {
	maj, min, patch, err := Parse(base)
	if err != nil {
		return "", err
	}
	if latest != "" {
		if lmaj, lmin, lpatch, lerr := Parse(latest); lerr == nil {
			maj, min, patch = lmaj, lmin, lpatch
		}
	}
	return fmt.Sprintf("v%d.%d.%d", maj, min, patch+1), nil
}

// Bump increments one part of last, which may carry a "v" prefix. Anything
// that does not parse as a semantic version counts as 0.0.0. The result is
// bare "X.Y.Z".
func Bump(last, part string) string {
	maj, min, patch, err := Parse(last)
	if err != nil {
		maj, min, patch = 0, 0, 0
	}
	switch part {
	case "major":
		return fmt.Sprintf("%d.0.0", maj+1)
	case "minor":
		return fmt.Sprintf("%d.%d.0", maj, min+1)
	default:
		return fmt.Sprintf("%d.%d.%d", maj, min, patch+1)
	}
}

// PatchPrefix returns the "vX.Y." prefix shared by all patch releases of base.
func PatchPrefix(base string) (string, error) {
	maj, min, _, err := Parse(base)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d.%d.", maj, min), nil
}
