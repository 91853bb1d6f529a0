// Package manifest reads the package name out of a cargo manifest.
package manifest

import (
	"os"
	"strings"
)

// FileName is the manifest every project root must contain.
const FileName = "Cargo.toml"

// PackageName returns the value of the first name entry found after a [package]
// header. The scan is line oriented: once inside [package] it never leaves, and
// the value is trimmed of whitespace and double quotes. ok is false when the file
// is unreadable, has no such line, or the value is empty.
func PackageName(manifestPath string) (string, bool) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", false
	}
	inPackage := false
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "[package]") {
			inPackage = true
			continue
		}
		if !inPackage || !strings.HasPrefix(line, "name") {
			continue
		}
		_, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		name := strings.Trim(strings.TrimSpace(value), "\" \t")
		if name == "" {
			return "", false
		}
		return name, true
	}
	return "", false
}
