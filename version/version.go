// Package version validates that proving requests target the runtime version
// of the installed proving engine.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	bonsai "github.com/wolfeidau/bonsai-local"
)

// Header is the request header clients use to declare their runtime version.
const Header = "x-risc0-version"

// ErrInvalid is returned when a version string cannot be parsed.
var ErrInvalid = errors.New("invalid version")

// Version is a parsed major.minor[.patch] runtime version.
type Version struct {
	Major int
	Minor int
	Patch int
	// Raw keeps the original text for messages.
	Raw string
}

// String returns the version as originally written.
func (v Version) String() string {
	if v.Raw != "" {
		return v.Raw
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether v and other share major and minor.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major && v.Minor == other.Minor
}

// Parse parses "1.2", "1.2.3" or "v1.2.3". Anything after the patch number
// (pre-release or build metadata) is ignored.
func Parse(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(raw, "v")
	parts := strings.Split(trimmed, ".")
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("%w %q: expected <major>.<minor>", ErrInvalid, s)
	}

	v := Version{Raw: strings.TrimPrefix(raw, "v")}
	var err error
	if v.Major, err = leadingInt(parts[0]); err != nil {
		return Version{}, fmt.Errorf("%w %q: major: %v", ErrInvalid, s, err)
	}
	if v.Minor, err = leadingInt(parts[1]); err != nil {
		return Version{}, fmt.Errorf("%w %q: minor: %v", ErrInvalid, s, err)
	}
	if len(parts) > 2 {
		if v.Patch, err = leadingInt(parts[2]); err != nil {
			return Version{}, fmt.Errorf("%w %q: patch: %v", ErrInvalid, s, err)
		}
	}
	return v, nil
}

// Extract finds the first version-like token in tool output such as
// "r0vm 1.2.3" or "r0vm version v1.2.3".
func Extract(output string) (Version, error) {
	for _, field := range strings.Fields(output) {
		cleaned := strings.TrimPrefix(field, "v")
		if cleaned == "" || cleaned[0] < '0' || cleaned[0] > '9' || !strings.Contains(cleaned, ".") {
			continue
		}
		if v, err := Parse(cleaned); err == nil {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%w: no version found in %q", ErrInvalid, strings.TrimSpace(output))
}

func leadingInt(s string) (int, error) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return strconv.Atoi(s[:end])
}

// Gatekeeper admits requests whose declared version matches the installed
// engine in major.minor.
type Gatekeeper struct {
	installed Version
}

// NewGatekeeper builds a Gatekeeper for the installed engine version.
func NewGatekeeper(installed string) (*Gatekeeper, error) {
	v, err := Parse(installed)
	if err != nil {
		return nil, fmt.Errorf("parsing installed version: %w", err)
	}
	return &Gatekeeper{installed: v}, nil
}

// Installed returns the installed engine version.
func (g *Gatekeeper) Installed() Version {
	return g.installed
}

// Check validates a declared version. An empty declaration is admitted since
// only SDK clients send one.
func (g *Gatekeeper) Check(declared string) error {
	if strings.TrimSpace(declared) == "" {
		return nil
	}
	v, err := Parse(declared)
	if err != nil {
		return fmt.Errorf("%w: %v", bonsai.ErrVersionMismatch, err)
	}
	if !v.Compatible(g.installed) {
		return fmt.Errorf("%w: requested %s, installed %s", bonsai.ErrVersionMismatch, v, g.installed)
	}
	return nil
}

// Require checks the installed version against an operator supplied
// <major>.<minor> requirement at startup.
func (g *Gatekeeper) Require(required string) error {
	want, err := Parse(required)
	if err != nil {
		return fmt.Errorf("parsing required version: %w", err)
	}
	if !g.installed.Compatible(want) {
		return fmt.Errorf("%w: found %s, required %s", bonsai.ErrVersionMismatch, g.installed, required)
	}
	return nil
}
