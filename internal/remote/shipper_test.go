package remote

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/splax/canary/internal/artifact"
	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/process"
	"github.com/splax/canary/internal/process/processtest"
	"github.com/splax/canary/internal/settings"
)

const triple = "x86_64-unknown-linux-gnu"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type flag struct{ v atomic.Bool }

func (f *flag) Cancelled() bool { return f.v.Load() }

func newProject(t *testing.T, withBinary bool) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname = \"svc\"\n"), 0o644))
	if withBinary {
		staged := artifact.Layout{Project: dir, Triple: triple}.StagedPath("svc", artifact.Linux)
		require.NoError(t, os.MkdirAll(filepath.Dir(staged), 0o755))
		require.NoError(t, os.WriteFile(staged, []byte("bin"), 0o755))
	}
	return dir
}

func newShipper(rec *processtest.Recorder) *Shipper {
	return NewShipper(artifact.NewRotator(triple), &SCPTransport{Runner: rec}, triple, nil)
}

func request(project string) Request {
	return Request{
		ProjectPath: project,
		Platform:    artifact.Linux,
		Remote: Config{
			ServerAddress: "10.0.0.5",
			Username:      "deploy",
			Password:      "pw",
			RemotePath:    "/opt/svc",
		},
	}
}

func waitResult(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(5 * time.Second):
		t.Fatal("async deploy did not complete")
		return false
	}
}

func TestDeployToRemoteCopiesCanonicalBinary(t *testing.T) {
	project := newProject(t, true)
	rec := processtest.NewRecorder()
	sink := eventlog.NewSink()

	require.True(t, newShipper(rec).DeployToRemote(context.Background(), request(project), sink, settings.NewMemoryStore(settings.Settings{})))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "scp", calls[0].Name)
	canonical := artifact.Layout{Project: project, Triple: triple}.BinaryPath("svc", artifact.Linux)
	assert.Equal(t, []string{canonical, "deploy@10.0.0.5:/opt/svc"}, calls[0].Args)
	assert.True(t, sink.Has(eventlog.CodeShipSucceeded))
}

func TestSettingsPersistedEvenWhenCopyFails(t *testing.T) {
	project := newProject(t, true)
	rec := processtest.NewRecorder().Fail("scp", 1, "", "Permission denied (publickey,password).")
	store := settings.NewMemoryStore(settings.Settings{LastLocalPath: "/old"})
	sink := eventlog.NewSink()

	assert.False(t, newShipper(rec).DeployToRemote(context.Background(), request(project), sink, store))

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, settings.Settings{
		LastLocalPath:     project,
		LastServerAddress: "10.0.0.5",
		LastRemoteUser:    "deploy",
		LastRemotePass:    "pw",
		LastRemotePath:    "/opt/svc",
		LastTarget:        "remote",
	}, saved)

	entries := sink.Snapshot()
	last := entries[len(entries)-1]
	assert.Equal(t, eventlog.CodeShipFailed, last.Code)
	assert.Contains(t, last.Message, "Permission denied")
}

func TestDeployToRemoteWithoutManifestSavesThenFails(t *testing.T) {
	rec := processtest.NewRecorder()
	store := settings.NewMemoryStore(settings.Settings{})

	assert.False(t, newShipper(rec).DeployToRemote(context.Background(), request(t.TempDir()), eventlog.NewSink(), store))
	assert.Equal(t, 1, store.Saves())
	assert.Empty(t, rec.Calls())
}

func TestDeployToRemoteWithoutBinary(t *testing.T) {
	rec := processtest.NewRecorder()
	sink := eventlog.NewSink()

	assert.False(t, newShipper(rec).DeployToRemote(context.Background(), request(newProject(t, false)), sink, nil))
	assert.Empty(t, rec.Calls())
	assert.True(t, sink.Has(eventlog.CodeBinaryMissing))
}

func TestDeployToRemoteSettingsSaveFailureIsNotFatal(t *testing.T) {
	store := settings.NewMemoryStore(settings.Settings{})
	store.SaveErr = os.ErrPermission
	sink := eventlog.NewSink()

	assert.True(t, newShipper(processtest.NewRecorder()).DeployToRemote(context.Background(), request(newProject(t, true)), sink, store))
	assert.True(t, sink.Has(eventlog.CodeSettingsFailed))
}

func TestAsyncCancelledBeforeTransfer(t *testing.T) {
	rec := processtest.NewRecorder()
	cancel := &flag{}
	cancel.v.Store(true)
	sink := eventlog.NewSink()
	done := make(chan bool, 1)

	newShipper(rec).DeployToRemoteAsync(context.Background(), request(newProject(t, true)), sink, settings.NewMemoryStore(settings.Settings{}), cancel, func(ok bool) { done <- ok })

	assert.False(t, waitResult(t, done))
	assert.Equal(t, 0, rec.Count("scp"))
	assert.True(t, sink.Has(eventlog.CodeCancelled))
}

func TestAsyncCancelledDuringTransfer(t *testing.T) {
	rec := processtest.NewRecorder()
	cancel := &flag{}
	rec.Hook = func(process.Command) { cancel.v.Store(true) }
	sink := eventlog.NewSink()
	done := make(chan bool, 1)

	newShipper(rec).DeployToRemoteAsync(context.Background(), request(newProject(t, true)), sink, nil, cancel, func(ok bool) { done <- ok })

	assert.False(t, waitResult(t, done))
	assert.Equal(t, 1, rec.Count("scp"))
	entries := sink.Snapshot()
	assert.Equal(t, eventlog.CodeCancelled, entries[len(entries)-1].Code)
}

func TestAsyncSuccess(t *testing.T) {
	rec := processtest.NewRecorder()
	done := make(chan bool, 1)

	newShipper(rec).DeployToRemoteAsync(context.Background(), request(newProject(t, true)), eventlog.NewSink(), nil, &flag{}, func(ok bool) { done <- ok })

	assert.True(t, waitResult(t, done))
}

func TestBeforeShipRunsBetweenRotationAndCopy(t *testing.T) {
	rec := processtest.NewRecorder()
	sink := eventlog.NewSink()
	var atHook []eventlog.Code
	calls := 0

	ok, cancelled := newShipper(rec).DeployToRemoteCancellable(context.Background(), request(newProject(t, true)), sink, nil, &flag{}, func() {
		calls++
		atHook = sink.Codes()
	})

	require.True(t, ok)
	assert.False(t, cancelled)
	assert.Equal(t, 1, calls)
	assert.Contains(t, atHook, eventlog.CodePromoted)
	assert.NotContains(t, atHook, eventlog.CodeShipStarted)
	assert.True(t, sink.Has(eventlog.CodeShipSucceeded))
}

func TestBeforeShipSkippedWhenCancelledAfterRotation(t *testing.T) {
	rec := processtest.NewRecorder()
	cancel := &flag{}
	cancel.v.Store(true)
	called := false

	ok, cancelled := newShipper(rec).DeployToRemoteCancellable(context.Background(), request(newProject(t, true)), eventlog.NewSink(), nil, cancel, func() { called = true })

	assert.False(t, ok)
	assert.True(t, cancelled)
	assert.False(t, called)
	assert.Equal(t, 0, rec.Count("scp"))
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(TransportOptions{Kind: "ssh", SSHPort: 2222})
	require.NoError(t, err)
	assert.IsType(t, &SSHTransport{}, tr)

	tr, err = NewTransport(TransportOptions{})
	require.NoError(t, err)
	assert.IsType(t, &SCPTransport{}, tr)

	_, err = NewTransport(TransportOptions{Kind: "rsync"})
	require.Error(t, err)
}
