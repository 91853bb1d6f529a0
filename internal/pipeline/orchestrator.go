// Package pipeline sequences validation, container build, rotation and optional
// shipment for one project, synchronously or on a single worker goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/canary/internal/artifact"
	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/manifest"
	"github.com/splax/canary/internal/remote"
	"github.com/splax/canary/internal/settings"
)

const step = "pipeline"

// Target selects where the built binary ends up.
type Target int

const (
	Local Target = iota
	Remote
)

// String returns the lower case target name.
func (t Target) String() string {
	switch t {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// ParseTarget maps a name to a Target.
func ParseTarget(name string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "local":
		return Local, nil
	case "remote":
		return Remote, nil
	default:
		return Local, fmt.Errorf("unknown target %q", name)
	}
}

// Request is one pipeline invocation.
type Request struct {
	// RunID identifies the run in events and logs; generated when empty.
	RunID       string
	ProjectPath string
	Platform    artifact.Platform
	Target      Target
	Remote      remote.Config
}

// Result summarises a finished run.
type Result struct {
	RunID    string
	Phase    Phase
	Phases   []Phase
	Started  time.Time
	Finished time.Time
}

// OK reports whether the run reached Done.
func (r Result) OK() bool {
	return r.Phase == PhaseDone
}

// Validator runs the check battery and the container build.
type Validator interface {
	Validate(ctx context.Context, project string, platform artifact.Platform, sink *eventlog.Sink, beforeBuild func()) bool
}

// Shipper performs the remote leg: settings, rotation and copy.
type Shipper interface {
	DeployToRemote(ctx context.Context, req remote.Request, sink *eventlog.Sink, store settings.Store) bool
	DeployToRemoteAsync(ctx context.Context, req remote.Request, sink *eventlog.Sink, store settings.Store, cancel remote.Canceller, onComplete func(bool))
	DeployToRemoteCancellable(ctx context.Context, req remote.Request, sink *eventlog.Sink, store settings.Store, cancel remote.Canceller, beforeShip func()) (bool, bool)
}

// Orchestrator owns the event sink and drives the phases of a run.
type Orchestrator struct {
	Validator Validator
	Rotator   remote.Rotator
	Shipper   Shipper
	Store     settings.Store
	Sink      *eventlog.Sink
	Metrics   *Metrics
	Logger    *slog.Logger
	// KillOnCancel binds asynchronous runs to the cancel flag so that a running
	// subprocess is killed when the flag is set.
	KillOnCancel bool
	// OnRunStart, when set, receives the run id before the sink is cleared and
	// before the first event of the run is appended.
	OnRunStart func(runID string)
	// OnPhase, when set, observes every phase entered.
	OnPhase func(runID string, p Phase)
	Now     func() time.Time
}

// New returns an orchestrator with a fresh sink.
func New(validator Validator, rotator remote.Rotator, shipper Shipper, store settings.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Validator: validator,
		Rotator:   rotator,
		Shipper:   shipper,
		Store:     store,
		Sink:      eventlog.NewSink(),
		Logger:    logger,
		Now:       time.Now,
	}
}

// Run executes the pipeline on the caller's goroutine. The cancel flag is not consulted.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	return o.run(ctx, req, nil)
}

// RunAsync executes the pipeline on exactly one new goroutine and reports the
// result through onComplete. cancel is polled after rotation and, for remote
// targets, after the transfer.
func (o *Orchestrator) RunAsync(ctx context.Context, req Request, cancel *CancelFlag, onComplete func(Result)) {
	if cancel == nil {
		cancel = NewCancelFlag()
	}
	release := func() {}
	if o.KillOnCancel {
		ctx, release = cancel.Bind(ctx)
	}
	go func() {
		defer release()
		res := o.run(ctx, req, cancel)
		if onComplete != nil {
			onComplete(res)
		}
	}()
}

// RunPreReleaseChecks runs the validation step alone against the orchestrator's sink.
func (o *Orchestrator) RunPreReleaseChecks(ctx context.Context, project string, platform artifact.Platform) bool {
	return o.Validator.Validate(ctx, project, platform, o.Sink, nil)
}

// RotatePreviousBinaryIfExists runs the rotation step alone.
func (o *Orchestrator) RotatePreviousBinaryIfExists(project string, platform artifact.Platform) (string, bool) {
	return o.Rotator.RotatePreviousBinaryIfExists(project, platform, o.Sink)
}

// DeployToRemote runs the remote leg alone, blocking the caller.
func (o *Orchestrator) DeployToRemote(ctx context.Context, req Request) bool {
	return o.Shipper.DeployToRemote(ctx, remoteRequest(req), o.Sink, o.Store)
}

// DeployToRemoteAsync runs the remote leg alone on one new goroutine.
func (o *Orchestrator) DeployToRemoteAsync(ctx context.Context, req Request, cancel *CancelFlag, onComplete func(bool)) {
	release := func() {}
	if cancel != nil && o.KillOnCancel {
		ctx, release = cancel.Bind(ctx)
	}
	var c remote.Canceller
	if cancel != nil {
		c = cancel
	}
	o.Shipper.DeployToRemoteAsync(ctx, remoteRequest(req), o.Sink, o.Store, c, func(ok bool) {
		release()
		if onComplete != nil {
			onComplete(ok)
		}
	})
}

func (o *Orchestrator) run(ctx context.Context, req Request, cancel *CancelFlag) Result {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if o.OnRunStart != nil {
		o.OnRunStart(runID)
	}
	log := o.logger().With("run_id", runID, "project", req.ProjectPath, "target", req.Target.String())
	res := Result{RunID: runID, Started: o.now()}
	tr := newTracker(func(p Phase) {
		if o.OnPhase != nil {
			o.OnPhase(runID, p)
		}
	})
	o.Metrics.runStarted()
	finish := func(p Phase) Result {
		if err := tr.to(p); err != nil {
			log.Error("phase transition", "error", err)
		}
		res.Phase = p
		res.Phases = append([]Phase(nil), tr.history...)
		res.Finished = o.now()
		o.Metrics.runFinished(req.Target, p)
		log.Info("pipeline finished", "phase", string(p), "duration", res.Finished.Sub(res.Started))
		return res
	}

	o.Sink.Clear()
	if !o.checkPreconditions(req) {
		return finish(PhaseRejected)
	}
	o.Sink.Info(step, eventlog.CodeRunHeader, "platform: %s", req.Platform)
	o.Sink.Info(step, eventlog.CodeRunHeader, "target: %s", req.Target)
	o.Sink.Info(step, eventlog.CodeRunHeader, "started at %s", o.now().Format("2006-01-02 15:04:05"))
	log.Info("pipeline started")

	_ = tr.to(PhaseValidating)
	started := time.Now()
	ok := o.Validator.Validate(ctx, req.ProjectPath, req.Platform, o.Sink, func() {
		if err := tr.to(PhaseBuilding); err != nil {
			log.Error("phase transition", "error", err)
		}
	})
	o.Metrics.ObserveStep("validate", ok, time.Since(started))
	if !ok {
		o.Sink.Error(step, eventlog.CodeStopped, "deploy stopped by previous error")
		return finish(PhaseFailed)
	}
	if tr.current == PhaseValidating {
		_ = tr.to(PhaseBuilding)
	}

	_ = tr.to(PhaseRotating)
	if req.Target == Remote {
		return finish(o.runRemote(ctx, req, cancel, tr, log))
	}

	started = time.Now()
	_, ok = o.Rotator.RotatePreviousBinaryIfExists(req.ProjectPath, req.Platform, o.Sink)
	o.Metrics.ObserveStep("rotate", ok, time.Since(started))
	if !ok {
		o.Sink.Error(step, eventlog.CodeStopped, "deploy stopped by previous error")
		return finish(PhaseFailed)
	}
	if cancel != nil && cancel.Cancelled() {
		o.Sink.Warn(step, eventlog.CodeCancelled, "deploy cancelled after rotation")
		return finish(PhaseCancelled)
	}
	o.rememberLocal(req, log)
	o.Sink.Info(step, eventlog.CodeLocalSuccess, "local deploy completed")
	return finish(PhaseDone)
}

func (o *Orchestrator) runRemote(ctx context.Context, req Request, cancel *CancelFlag, tr *tracker, log *slog.Logger) Phase {
	var c remote.Canceller
	if cancel != nil {
		c = cancel
	}
	started := time.Now()
	shipping := false
	ok, cancelled := o.Shipper.DeployToRemoteCancellable(ctx, remoteRequest(req), o.Sink, o.Store, c, func() {
		o.Metrics.ObserveStep("rotate", true, time.Since(started))
		if err := tr.to(PhaseShipping); err != nil {
			log.Error("phase transition", "error", err)
		}
		shipping = true
		started = time.Now()
	})
	switch {
	case shipping:
		o.Metrics.ObserveStep("ship", ok, time.Since(started))
	case cancelled:
		// rotation finished; the post-rotation checkpoint stopped the run
		o.Metrics.ObserveStep("rotate", true, time.Since(started))
	default:
		o.Metrics.ObserveStep("rotate", false, time.Since(started))
	}
	switch {
	case cancelled:
		return PhaseCancelled
	case ok:
		return PhaseDone
	default:
		return PhaseFailed
	}
}

func (o *Orchestrator) checkPreconditions(req Request) bool {
	project := strings.TrimSpace(req.ProjectPath)
	if project == "" {
		o.Sink.Error(step, eventlog.CodeNoProject, "no project selected")
		return false
	}
	info, err := os.Stat(project)
	if err != nil || !info.IsDir() {
		o.Sink.Error(step, eventlog.CodeNoProject, "project directory %s not found", project)
		return false
	}
	if req.Platform != artifact.Linux {
		o.Sink.Error(step, eventlog.CodeBadPlatform, "builds are only supported on linux, got %s", req.Platform)
		return false
	}
	if _, err := os.Stat(filepath.Join(project, manifest.FileName)); err != nil {
		o.Sink.Error(step, eventlog.CodeNoManifest, "%s not found in %s", manifest.FileName, project)
		return false
	}
	return true
}

func (o *Orchestrator) rememberLocal(req Request, log *slog.Logger) {
	if o.Store == nil {
		return
	}
	current, err := o.Store.Load()
	if err != nil && !errors.Is(err, settings.ErrNoKey) {
		log.Warn("load settings", "error", err)
	}
	current.LastLocalPath = req.ProjectPath
	current.LastTarget = Local.String()
	if err := o.Store.Save(current); err != nil {
		log.Warn("save settings", "error", err)
	}
}

func remoteRequest(req Request) remote.Request {
	return remote.Request{ProjectPath: req.ProjectPath, Platform: req.Platform, Remote: req.Remote}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}
