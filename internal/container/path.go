package container

import (
	"strings"
	"unicode"
)

// VolumePath converts a host path into the form docker expects in a bind mount.
// On windows a drive path such as C:\a\b becomes /c/a/b; elsewhere the path is
// returned unchanged.
func VolumePath(path, goos string) string {
	if goos != "windows" {
		return path
	}
	p := strings.ReplaceAll(path, `\`, "/")
	if len(p) >= 2 && p[1] == ':' && unicode.IsLetter(rune(p[0])) {
		p = "/" + strings.ToLower(p[:1]) + p[2:]
	}
	return p
}
