package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/manifest"
)

const (
	step            = "rotate"
	timestampLayout = "20060102-150405"
)

// Rotator archives the previous release binary and promotes the staged build.
type Rotator struct {
	Triple string
	// Now supplies the archive timestamp; local time.
	Now func() time.Time
}

// NewRotator returns a rotator for the given target triple.
func NewRotator(triple string) *Rotator {
	return &Rotator{Triple: triple, Now: time.Now}
}

// RotatePreviousBinaryIfExists renames an existing canonical binary to a
// timestamped name in the same directory, then moves a staged build into the
// canonical path. It returns the package name and whether both steps succeeded.
func (r *Rotator) RotatePreviousBinaryIfExists(project string, platform Platform, sink *eventlog.Sink) (string, bool) {
	pkg, ok := manifest.PackageName(filepath.Join(project, manifest.FileName))
	if !ok {
		sink.Error(step, eventlog.CodeNoPackage, "could not read the package name from %s", manifest.FileName)
		return "", false
	}
	layout := Layout{Project: project, Triple: r.Triple}
	current := layout.BinaryPath(pkg, platform)

	_, err := os.Stat(current)
	switch {
	case err == nil:
		archived, err := r.archivePath(layout.ReleaseDir(), pkg, platform)
		if err != nil {
			sink.Error(step, eventlog.CodeRenameFailed, "could not pick an archive name for %s: %v", current, err)
			return pkg, false
		}
		if err := os.Rename(current, archived); err != nil {
			sink.Error(step, eventlog.CodeRenameFailed, "could not rename previous binary: %v", err)
			return pkg, false
		}
		sink.Info(step, eventlog.CodeRenamed, "previous binary renamed to %s", filepath.Base(archived))
	case errors.Is(err, os.ErrNotExist):
		sink.Info(step, eventlog.CodeNoPrior, "no previous binary to rename")
	default:
		sink.Error(step, eventlog.CodeRenameFailed, "could not inspect previous binary: %v", err)
		return pkg, false
	}

	if !r.promote(layout, pkg, platform, sink) {
		return pkg, false
	}
	return pkg, true
}

func (r *Rotator) promote(layout Layout, pkg string, platform Platform, sink *eventlog.Sink) bool {
	staged := layout.StagedPath(pkg, platform)
	if _, err := os.Stat(staged); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true
		}
		sink.Error(step, eventlog.CodePromoteFailed, "could not inspect staged binary: %v", err)
		return false
	}
	if err := os.MkdirAll(layout.ReleaseDir(), 0o755); err != nil {
		sink.Error(step, eventlog.CodePromoteFailed, "could not create release directory: %v", err)
		return false
	}
	if err := os.Rename(staged, layout.BinaryPath(pkg, platform)); err != nil {
		sink.Error(step, eventlog.CodePromoteFailed, "could not promote new binary: %v", err)
		return false
	}
	sink.Info(step, eventlog.CodePromoted, "new binary placed at %s", layout.BinaryPath(pkg, platform))
	return true
}

// archivePath returns "<pkg> - <stamp><suffix>", adding " (n)" when the name is taken.
func (r *Rotator) archivePath(dir, pkg string, platform Platform) (string, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	base := fmt.Sprintf("%s - %s", pkg, now().Format(timestampLayout))
	candidate := filepath.Join(dir, base+platform.Suffix())
	for n := 2; ; n++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		if n > 1000 {
			return "", errors.New("too many archives with the same timestamp")
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, platform.Suffix()))
	}
}
