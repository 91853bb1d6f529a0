// Package artifact locates release binaries and archives the previous build.
package artifact

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// StagingTargetDir is the cargo --target-dir used inside the build container,
// relative to the project root.
const StagingTargetDir = "target/canary"

// Platform is the host platform a run is requested for.
type Platform int

const (
	Linux Platform = iota
	Windows
)

// String returns the lower case platform name.
func (p Platform) String() string {
	switch p {
	case Linux:
		return "linux"
	case Windows:
		return "windows"
	default:
		return fmt.Sprintf("platform(%d)", int(p))
	}
}

// Suffix is the executable file extension for the platform.
func (p Platform) Suffix() string {
	if p == Windows {
		return ".exe"
	}
	return ""
}

// ParsePlatform maps a name to a Platform.
func ParsePlatform(name string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "linux":
		return Linux, nil
	case "windows":
		return Windows, nil
	default:
		return Linux, fmt.Errorf("unknown platform %q", name)
	}
}

// HostPlatform returns the platform of the running binary.
func HostPlatform() Platform {
	if runtime.GOOS == "windows" {
		return Windows
	}
	return Linux
}

// Layout resolves binary locations for one project and target triple.
type Layout struct {
	Project string
	Triple  string
}

// ReleaseDir is the canonical release directory.
func (l Layout) ReleaseDir() string {
	return filepath.Join(l.Project, "target", l.Triple, "release")
}

// StagingDir is where the container build writes its release output.
func (l Layout) StagingDir() string {
	return filepath.Join(l.Project, filepath.FromSlash(StagingTargetDir), l.Triple, "release")
}

// BinaryPath is the canonical binary used for rotation and shipment.
func (l Layout) BinaryPath(pkg string, platform Platform) string {
	return filepath.Join(l.ReleaseDir(), pkg+platform.Suffix())
}

// StagedPath is the freshly built binary awaiting promotion.
func (l Layout) StagedPath(pkg string, platform Platform) string {
	return filepath.Join(l.StagingDir(), pkg+platform.Suffix())
}
