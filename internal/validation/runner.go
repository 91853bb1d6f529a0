// Package validation runs the ordered, fail-fast pre-release checks and then the container build.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/splax/canary/internal/artifact"
	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/process"
	"github.com/splax/canary/pkg/config"
)

const step = "check"

// Builder produces the build definition and the release binary.
type Builder interface {
	EnsureBuildDefinition(project string, sink *eventlog.Sink) bool
	BuildInContainer(ctx context.Context, project string, sink *eventlog.Sink) bool
}

// CheckObserver receives the outcome and duration of every executed check.
type CheckObserver func(name string, ok bool, elapsed time.Duration)

// Runner executes checks through a process runner.
type Runner struct {
	Process process.Runner
	Build   Builder
	Cargo   string
	// Checks overrides the battery for every project when non-empty. Otherwise
	// a project's canary.yaml checks list is used, falling back to DefaultChecks.
	Checks  []Check
	OnCheck CheckObserver
	Logger  *slog.Logger
}

// NewRunner returns a runner using the default cargo binary.
func NewRunner(proc process.Runner, build Builder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Process: proc, Build: build, Cargo: "cargo", Logger: logger}
}

// RunPreReleaseChecks runs every check in order, stopping at the first failure,
// then ensures the build definition and runs the container build.
func (r *Runner) RunPreReleaseChecks(ctx context.Context, project string, platform artifact.Platform, sink *eventlog.Sink) bool {
	return r.Validate(ctx, project, platform, sink, nil)
}

// Validate is RunPreReleaseChecks with a hook invoked once the build definition
// exists and right before the container build starts.
func (r *Runner) Validate(ctx context.Context, project string, platform artifact.Platform, sink *eventlog.Sink, beforeBuild func()) bool {
	if !r.RunChecks(ctx, project, platform, sink) {
		return false
	}
	if r.Build == nil {
		sink.Error(step, eventlog.CodeDefFailed, "no container builder configured")
		return false
	}
	if !r.Build.EnsureBuildDefinition(project, sink) {
		return false
	}
	if beforeBuild != nil {
		beforeBuild()
	}
	return r.Build.BuildInContainer(ctx, project, sink)
}

// RunChecks runs only the check battery.
func (r *Runner) RunChecks(ctx context.Context, project string, platform artifact.Platform, sink *eventlog.Sink) bool {
	checks, err := r.checksFor(project)
	if err != nil {
		sink.Error(step, eventlog.CodeCheckLaunch, "invalid check configuration: %v", err)
		return false
	}
	r.logger().Debug("running pre-release checks", "project", project, "platform", platform.String(), "checks", len(checks))

	for _, check := range checks {
		sink.Info(step, eventlog.CodeCheckStarted, "running %s", check.Name)
		started := time.Now()
		res, err := r.Process.Run(ctx, check.Command(project))
		ok := err == nil && res.Success()
		if r.OnCheck != nil {
			r.OnCheck(check.Name, ok, time.Since(started))
		}
		if err != nil {
			r.logger().Warn("check could not run", "check", check.Name, "error", err)
			sink.Error(step, eventlog.CodeCheckLaunch, "could not run %s: %v", check.Name, err)
			return false
		}
		if !res.Success() {
			sink.Error(step, eventlog.CodeCheckFailed, "%s failed:\n%s", check.Name, check.report(res))
			return false
		}
		sink.Info(step, eventlog.CodeCheckPassed, "%s passed", check.Name)
	}
	sink.Info(step, eventlog.CodeChecksPassed, "all checks passed")
	return true
}

func (r *Runner) checksFor(project string) ([]Check, error) {
	if len(r.Checks) > 0 {
		return r.Checks, nil
	}
	file, err := config.LoadFile(filepath.Join(project, config.ProjectConfigName))
	if err != nil {
		return nil, err
	}
	if len(file.Checks) > 0 {
		checks, err := ChecksFromConfig(file.Checks)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", config.ProjectConfigName, err)
		}
		return checks, nil
	}
	return DefaultChecks(r.Cargo), nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
