package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/splax/canary/internal/artifact"
	"github.com/splax/canary/internal/container"
	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/process"
	"github.com/splax/canary/internal/process/processtest"
	"github.com/splax/canary/internal/remote"
	"github.com/splax/canary/internal/settings"
	"github.com/splax/canary/internal/validation"
	"github.com/splax/canary/pkg/logger"
)

const triple = "x86_64-unknown-linux-gnu"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	orch    *Orchestrator
	rec     *processtest.Recorder
	store   *settings.MemoryStore
	project string
}

// newHarness wires real components over a recording runner. The fake container
// run drops a binary into the staging directory like a real cargo build would.
func newHarness(t *testing.T) *harness {
	t.Helper()
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "Cargo.toml"), []byte("[package]\nname = \"svc\"\n"), 0o644))

	rec := processtest.NewRecorder()
	staged := artifact.Layout{Project: project, Triple: triple}.StagedPath("svc", artifact.Linux)
	rec.Hook = func(cmd process.Command) {
		if len(cmd.Args) > 0 && cmd.Name == "docker" && cmd.Args[0] == "run" {
			_ = os.MkdirAll(filepath.Dir(staged), 0o755)
			_ = os.WriteFile(staged, []byte("fresh"), 0o755)
		}
	}

	builder := container.NewBuilder(container.NewCLIEngine(rec, "docker"), triple)
	builder.GOOS = "linux"
	validator := validation.NewRunner(rec, builder, logger.Discard())
	rotator := artifact.NewRotator(triple)
	shipper := remote.NewShipper(rotator, &remote.SCPTransport{Runner: rec}, triple, logger.Discard())
	store := settings.NewMemoryStore(settings.Settings{})

	orch := New(validator, rotator, shipper, store, logger.Discard())
	return &harness{orch: orch, rec: rec, store: store, project: project}
}

func (h *harness) request(target Target) Request {
	return Request{
		ProjectPath: h.project,
		Platform:    artifact.Linux,
		Target:      target,
		Remote:      remote.Config{ServerAddress: "host", Username: "u", Password: "p", RemotePath: "/srv"},
	}
}

func indexOf(codes []eventlog.Code, code eventlog.Code) int {
	for i, c := range codes {
		if c == code {
			return i
		}
	}
	return -1
}

func TestLocalRunSucceeds(t *testing.T) {
	h := newHarness(t)

	res := h.orch.Run(context.Background(), h.request(Local))

	require.True(t, res.OK())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []Phase{PhaseIdle, PhaseValidating, PhaseBuilding, PhaseRotating, PhaseDone}, res.Phases)
	assert.Equal(t, []string{
		"cargo fmt -- --check",
		"cargo clippy -- -D warnings",
		"cargo test",
		"cargo audit",
	}, h.rec.Lines()[:4])
	assert.Equal(t, 1, h.rec.Count("docker build"))
	assert.Equal(t, 1, h.rec.Count("docker run"))
	assert.Equal(t, 0, h.rec.Count("scp"))

	codes := h.orch.Sink.Codes()
	assert.Equal(t, eventlog.CodeRunHeader, codes[0])
	assert.Less(t, indexOf(codes, eventlog.CodeChecksPassed), indexOf(codes, eventlog.CodeImageStarted))
	assert.Less(t, indexOf(codes, eventlog.CodeBuildSucceeded), indexOf(codes, eventlog.CodeNoPrior))
	assert.Equal(t, eventlog.CodeLocalSuccess, codes[len(codes)-1])

	binary := artifact.Layout{Project: h.project, Triple: triple}.BinaryPath("svc", artifact.Linux)
	data, err := os.ReadFile(binary)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))

	saved, _ := h.store.Load()
	assert.Equal(t, h.project, saved.LastLocalPath)
	assert.Equal(t, "local", saved.LastTarget)
}

func TestSecondLocalRunArchivesPreviousBuild(t *testing.T) {
	h := newHarness(t)
	h.orch.Rotator = &artifact.Rotator{Triple: triple, Now: func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local) }}

	require.True(t, h.orch.Run(context.Background(), h.request(Local)).OK())
	require.True(t, h.orch.Run(context.Background(), h.request(Local)).OK())

	dir := artifact.Layout{Project: h.project, Triple: triple}.ReleaseDir()
	assert.FileExists(t, filepath.Join(dir, "svc"))
	assert.FileExists(t, filepath.Join(dir, "svc - 20240506-070809"))
	assert.True(t, h.orch.Sink.Has(eventlog.CodeRenamed))
}

func TestLintFailureStopsBeforeContainer(t *testing.T) {
	h := newHarness(t)
	h.rec.Fail("cargo clippy", 101, "", "error: this expression creates a reference")

	res := h.orch.Run(context.Background(), h.request(Local))

	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, 0, h.rec.Count("cargo test"))
	assert.Equal(t, 0, h.rec.Count("docker"))
	for _, e := range h.orch.Sink.Snapshot() {
		assert.NotEqual(t, "container", e.Step)
		assert.NotEqual(t, "rotate", e.Step)
	}
	codes := h.orch.Sink.Codes()
	assert.Equal(t, eventlog.CodeStopped, codes[len(codes)-1])
}

func TestPreconditionsRejectWithoutRunningSteps(t *testing.T) {
	cases := []struct {
		name string
		edit func(h *harness, req *Request)
		code eventlog.Code
	}{
		{"no project", func(_ *harness, req *Request) { req.ProjectPath = "" }, eventlog.CodeNoProject},
		{"missing directory", func(h *harness, req *Request) { req.ProjectPath = filepath.Join(h.project, "nope") }, eventlog.CodeNoProject},
		{"windows", func(_ *harness, req *Request) { req.Platform = artifact.Windows }, eventlog.CodeBadPlatform},
		{"no manifest", func(h *harness, _ *Request) { require.NoError(t, os.Remove(filepath.Join(h.project, "Cargo.toml"))) }, eventlog.CodeNoManifest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			req := h.request(Local)
			tc.edit(h, &req)

			res := h.orch.Run(context.Background(), req)

			assert.Equal(t, PhaseRejected, res.Phase)
			assert.Equal(t, []Phase{PhaseIdle, PhaseRejected}, res.Phases)
			assert.Empty(t, h.rec.Calls())
			assert.Equal(t, []eventlog.Code{tc.code}, h.orch.Sink.Codes())
		})
	}
}

func TestRunClearsPreviousEvents(t *testing.T) {
	h := newHarness(t)
	h.orch.Sink.Info("old", eventlog.CodeRunHeader, "stale")

	h.orch.Run(context.Background(), h.request(Local))
	assert.NotContains(t, h.orch.Sink.Lines(), "stale")
}

func TestRemoteRunShipsAfterBuild(t *testing.T) {
	h := newHarness(t)

	res := h.orch.Run(context.Background(), h.request(Remote))

	require.True(t, res.OK())
	assert.Equal(t, []Phase{PhaseIdle, PhaseValidating, PhaseBuilding, PhaseRotating, PhaseShipping, PhaseDone}, res.Phases)
	lines := h.rec.Lines()
	assert.Equal(t, "scp", h.rec.Calls()[len(lines)-1].Name)
	assert.Equal(t, 1, h.rec.Count("scp"))

	saved, _ := h.store.Load()
	assert.Equal(t, "remote", saved.LastTarget)
	assert.Equal(t, "host", saved.LastServerAddress)
}

func TestRemoteCopyFailure(t *testing.T) {
	h := newHarness(t)
	h.rec.Fail("scp", 1, "", "ssh: connect to host host port 22: Connection refused")

	res := h.orch.Run(context.Background(), h.request(Remote))

	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, 1, h.store.Saves())
	codes := h.orch.Sink.Codes()
	assert.Equal(t, eventlog.CodeShipFailed, codes[len(codes)-1])
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("async run did not complete")
		return Result{}
	}
}

func TestRunAsyncCancelledRemoteSkipsCopy(t *testing.T) {
	h := newHarness(t)
	cancel := NewCancelFlag()
	cancel.Cancel()
	done := make(chan Result, 1)

	h.orch.RunAsync(context.Background(), h.request(Remote), cancel, func(r Result) { done <- r })
	res := waitResult(t, done)

	assert.False(t, res.OK())
	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.Equal(t, 0, h.rec.Count("scp"))
	assert.True(t, h.orch.Sink.Has(eventlog.CodeCancelled))
}

func TestRunAsyncCancelledDuringCopy(t *testing.T) {
	h := newHarness(t)
	cancel := NewCancelFlag()
	prev := h.rec.Hook
	h.rec.Hook = func(cmd process.Command) {
		prev(cmd)
		if cmd.Name == "scp" {
			cancel.Cancel()
		}
	}
	done := make(chan Result, 1)

	h.orch.RunAsync(context.Background(), h.request(Remote), cancel, func(r Result) { done <- r })
	res := waitResult(t, done)

	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.Equal(t, 1, h.rec.Count("scp"))
}

func TestRunAsyncLocalCancelledAfterRotation(t *testing.T) {
	h := newHarness(t)
	cancel := NewCancelFlag()
	cancel.Cancel()
	done := make(chan Result, 1)

	h.orch.RunAsync(context.Background(), h.request(Local), cancel, func(r Result) { done <- r })
	res := waitResult(t, done)

	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.False(t, h.orch.Sink.Has(eventlog.CodeLocalSuccess))
}

func TestRunAsyncSucceeds(t *testing.T) {
	h := newHarness(t)
	done := make(chan Result, 1)

	h.orch.RunAsync(context.Background(), h.request(Local), nil, func(r Result) { done <- r })
	assert.True(t, waitResult(t, done).OK())
}

func TestKillOnCancelInterruptsRunningCheck(t *testing.T) {
	h := newHarness(t)
	h.orch.KillOnCancel = true
	cancel := NewCancelFlag()
	prev := h.rec.Hook
	h.rec.Hook = func(cmd process.Command) {
		prev(cmd)
		if cmd.String() == "cargo test" {
			cancel.Cancel()
		}
	}
	done := make(chan Result, 1)

	h.orch.RunAsync(context.Background(), h.request(Local), cancel, func(r Result) { done <- r })
	res := waitResult(t, done)

	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, 0, h.rec.Count("cargo audit"))
	assert.True(t, h.orch.Sink.Has(eventlog.CodeCheckLaunch))
}

func TestMetricsRecordRuns(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	h.orch.Metrics = NewMetrics(reg)

	h.orch.Run(context.Background(), h.request(Local))
	h.orch.Run(context.Background(), Request{Platform: artifact.Linux})

	assert.Equal(t, 1.0, testutil.ToFloat64(h.orch.Metrics.runs.WithLabelValues("local", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.orch.Metrics.runs.WithLabelValues("local", "rejected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.orch.Metrics.inFlight))

	again := NewMetrics(reg)
	assert.Same(t, h.orch.Metrics.runs, again.runs)
}

func TestOnPhaseObservesTransitions(t *testing.T) {
	h := newHarness(t)
	var seen []Phase
	h.orch.OnPhase = func(_ string, p Phase) { seen = append(seen, p) }

	h.orch.Run(context.Background(), h.request(Local))
	assert.Equal(t, []Phase{PhaseValidating, PhaseBuilding, PhaseRotating, PhaseDone}, seen)
}

func TestRemoteRunEntersShippingAfterRotation(t *testing.T) {
	h := newHarness(t)
	h.orch.Metrics = NewMetrics(prometheus.NewRegistry())
	var trace []string
	h.orch.OnPhase = func(_ string, p Phase) { trace = append(trace, "phase:"+string(p)) }
	h.orch.Sink.Observe(func(e eventlog.Entry) { trace = append(trace, "event:"+string(e.Code)) })

	res := h.orch.Run(context.Background(), h.request(Remote))
	require.True(t, res.OK())
	assert.Equal(t, []Phase{PhaseIdle, PhaseValidating, PhaseBuilding, PhaseRotating, PhaseShipping, PhaseDone}, res.Phases)

	pos := func(item string) int {
		for i, v := range trace {
			if v == item {
				return i
			}
		}
		return -1
	}
	shipping := pos("phase:shipping")
	require.NotEqual(t, -1, shipping)
	assert.Less(t, pos("phase:rotating"), pos("event:"+string(eventlog.CodeNoPrior)))
	assert.Less(t, pos("event:"+string(eventlog.CodePromoted)), shipping)
	assert.Less(t, shipping, pos("event:"+string(eventlog.CodeShipStarted)))

	// validate, rotate and ship each record one ok series
	assert.Equal(t, 3, testutil.CollectAndCount(h.orch.Metrics.steps, "canary_pipeline_step_duration_seconds"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.orch.Metrics.runs.WithLabelValues("remote", "done")))
}

func TestRemoteRunCancelledAfterRotationNeverShips(t *testing.T) {
	h := newHarness(t)
	var seen []Phase
	h.orch.OnPhase = func(_ string, p Phase) { seen = append(seen, p) }
	cancel := NewCancelFlag()
	h.orch.Shipper = remote.NewShipper(cancellingRotator{next: artifact.NewRotator(triple), flag: cancel}, &remote.SCPTransport{Runner: h.rec}, triple, logger.Discard())

	done := make(chan Result, 1)
	h.orch.RunAsync(context.Background(), h.request(Remote), cancel, func(r Result) { done <- r })
	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete")
	}
	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.NotContains(t, seen, PhaseShipping)
	assert.Equal(t, 0, h.rec.Count("scp"))
}

// cancellingRotator sets the flag once rotation has run.
type cancellingRotator struct {
	next remote.Rotator
	flag *CancelFlag
}

func (c cancellingRotator) RotatePreviousBinaryIfExists(project string, platform artifact.Platform, sink *eventlog.Sink) (string, bool) {
	pkg, ok := c.next.RotatePreviousBinaryIfExists(project, platform, sink)
	c.flag.Cancel()
	return pkg, ok
}

func TestComponentEntryPoints(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.orch.RunPreReleaseChecks(context.Background(), h.project, artifact.Linux))
	assert.True(t, h.orch.DeployToRemote(context.Background(), h.request(Remote)))
	pkg, ok := h.orch.RotatePreviousBinaryIfExists(h.project, artifact.Linux)
	assert.True(t, ok)
	assert.Equal(t, "svc", pkg)
	assert.True(t, h.orch.Sink.Has(eventlog.CodeRenamed))

	done := make(chan bool, 1)
	cancel := NewCancelFlag()
	cancel.Cancel()
	h.orch.DeployToRemoteAsync(context.Background(), h.request(Remote), cancel, func(ok bool) { done <- ok })
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("async deploy did not complete")
	}
}
