package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/canary/internal/eventlog"
)

const triple = "x86_64-unknown-linux-gnu"

func newProject(t *testing.T, pkg string) string {
	t.Helper()
	dir := t.TempDir()
	manifest := "[package]\nname = \"" + pkg + "\"\nversion = \"0.1.0\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(manifest), 0o644))
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func fixedRotator(at time.Time) *Rotator {
	r := NewRotator(triple)
	r.Now = func() time.Time { return at }
	return r
}

func TestRotateWithoutPriorBinary(t *testing.T) {
	project := newProject(t, "myapp")
	sink := eventlog.NewSink()

	pkg, ok := fixedRotator(time.Now()).RotatePreviousBinaryIfExists(project, Linux, sink)
	require.True(t, ok)
	assert.Equal(t, "myapp", pkg)
	assert.True(t, sink.Has(eventlog.CodeNoPrior))

	_, err := os.Stat(filepath.Join(project, "target"))
	assert.True(t, os.IsNotExist(err), "rotation without binaries must not touch the tree")

	again := eventlog.NewSink()
	_, ok = fixedRotator(time.Now()).RotatePreviousBinaryIfExists(project, Linux, again)
	require.True(t, ok)
	assert.True(t, again.Has(eventlog.CodeNoPrior))
	assert.False(t, again.Has(eventlog.CodeRenamed))
}

func TestRotateRenamesPreviousBinary(t *testing.T) {
	project := newProject(t, "myapp")
	layout := Layout{Project: project, Triple: triple}
	writeFile(t, layout.BinaryPath("myapp", Linux), "old")
	at := time.Date(2024, 3, 1, 14, 5, 9, 0, time.Local)
	sink := eventlog.NewSink()

	pkg, ok := fixedRotator(at).RotatePreviousBinaryIfExists(project, Linux, sink)
	require.True(t, ok)
	assert.Equal(t, "myapp", pkg)

	archived := filepath.Join(layout.ReleaseDir(), "myapp - 20240301-140509")
	assert.Equal(t, "old", readFile(t, archived))
	_, err := os.Stat(layout.BinaryPath("myapp", Linux))
	assert.True(t, os.IsNotExist(err))
	assert.True(t, sink.Has(eventlog.CodeRenamed))
}

func TestRotateWindowsSuffix(t *testing.T) {
	project := newProject(t, "tool")
	layout := Layout{Project: project, Triple: triple}
	writeFile(t, layout.BinaryPath("tool", Windows), "old")
	at := time.Date(2024, 12, 31, 23, 59, 59, 0, time.Local)

	_, ok := fixedRotator(at).RotatePreviousBinaryIfExists(project, Windows, eventlog.NewSink())
	require.True(t, ok)
	assert.FileExists(t, filepath.Join(layout.ReleaseDir(), "tool - 20241231-235959.exe"))
}

func TestRotateNameCollisionAddsCounter(t *testing.T) {
	project := newProject(t, "myapp")
	layout := Layout{Project: project, Triple: triple}
	at := time.Date(2024, 3, 1, 14, 5, 9, 0, time.Local)
	writeFile(t, filepath.Join(layout.ReleaseDir(), "myapp - 20240301-140509"), "older")
	writeFile(t, layout.BinaryPath("myapp", Linux), "old")

	_, ok := fixedRotator(at).RotatePreviousBinaryIfExists(project, Linux, eventlog.NewSink())
	require.True(t, ok)
	assert.Equal(t, "older", readFile(t, filepath.Join(layout.ReleaseDir(), "myapp - 20240301-140509")))
	assert.Equal(t, "old", readFile(t, filepath.Join(layout.ReleaseDir(), "myapp - 20240301-140509 (2)")))
}

func TestRotatePromotesStagedBuild(t *testing.T) {
	project := newProject(t, "myapp")
	layout := Layout{Project: project, Triple: triple}
	writeFile(t, layout.BinaryPath("myapp", Linux), "old")
	writeFile(t, layout.StagedPath("myapp", Linux), "new")
	sink := eventlog.NewSink()

	_, ok := fixedRotator(time.Now()).RotatePreviousBinaryIfExists(project, Linux, sink)
	require.True(t, ok)
	assert.Equal(t, "new", readFile(t, layout.BinaryPath("myapp", Linux)))
	_, err := os.Stat(layout.StagedPath("myapp", Linux))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []eventlog.Code{eventlog.CodeRenamed, eventlog.CodePromoted}, sink.Codes())
}

func TestRotateIsIdempotentWithoutNewBuild(t *testing.T) {
	project := newProject(t, "myapp")
	layout := Layout{Project: project, Triple: triple}
	writeFile(t, layout.BinaryPath("myapp", Linux), "old")
	r := fixedRotator(time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local))

	_, ok := r.RotatePreviousBinaryIfExists(project, Linux, eventlog.NewSink())
	require.True(t, ok)

	sink := eventlog.NewSink()
	_, ok = r.RotatePreviousBinaryIfExists(project, Linux, sink)
	require.True(t, ok)
	assert.Equal(t, []eventlog.Code{eventlog.CodeNoPrior}, sink.Codes())

	entries, err := os.ReadDir(layout.ReleaseDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRotateWithoutPackageName(t *testing.T) {
	project := t.TempDir()
	sink := eventlog.NewSink()

	pkg, ok := NewRotator(triple).RotatePreviousBinaryIfExists(project, Linux, sink)
	assert.False(t, ok)
	assert.Empty(t, pkg)
	assert.Equal(t, []eventlog.Code{eventlog.CodeNoPackage}, sink.Codes())
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("Windows")
	require.NoError(t, err)
	assert.Equal(t, Windows, p)
	assert.Equal(t, ".exe", p.Suffix())

	_, err = ParsePlatform("plan9")
	require.Error(t, err)
}
