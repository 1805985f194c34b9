// Package platform models the target operating system of a tool binary.
// The target is threaded explicitly through every data structure so a
// package can be built on one platform targeting another.
package platform

import (
	"fmt"
	"strings"
)

// Platform identifies the operating system a tool binary runs on.
type Platform string

const (
	Windows Platform = "windows"
	Linux   Platform = "linux"
	Darwin  Platform = "darwin"

	// Any marks a tool that is platform independent (scripts, rule
	// files, java archives) or whose platform could not be determined.
	Any Platform = "any"
)

// All lists the concrete platforms a package can target.
func All() []Platform {
	return []Platform{Windows, Linux, Darwin}
}

// Parse converts a user supplied string into a Platform.
func Parse(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windows", "win":
		return Windows, nil
	case "linux":
		return Linux, nil
	case "darwin", "macos", "osx":
		return Darwin, nil
	case "", "any", "all":
		return Any, nil
	}
	return Any, fmt.Errorf("unknown platform %q (expected windows, linux, darwin or any)", s)
}

// Matches reports whether a tool built for p can be shipped in a package
// targeting target. Any on either side matches everything.
func (p Platform) Matches(target Platform) bool {
	if p == Any || target == Any {
		return true
	}
	return p == target
}

func (p Platform) String() string { return string(p) }

// FromURL guesses the platform of a binary from its download URL. The
// guess is conservative: anything without a recognisable marker is Any.
func FromURL(url string) Platform {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".exe"), strings.HasSuffix(lower, ".msi"),
		strings.HasSuffix(lower, ".sys"), strings.HasSuffix(lower, ".dll"),
		strings.Contains(lower, "windows"), strings.Contains(lower, "win64"),
		strings.Contains(lower, "win32"):
		return Windows
	case strings.HasSuffix(lower, ".dmg"), strings.Contains(lower, "darwin"),
		strings.Contains(lower, "macos"):
		return Darwin
	case strings.HasSuffix(lower, ".deb"), strings.HasSuffix(lower, ".rpm"),
		strings.Contains(lower, "linux"):
		return Linux
	}
	return Any
}
