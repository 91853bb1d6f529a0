// Package container generates the build definition and compiles the release binary in a container.
package container

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/splax/canary/internal/artifact"
	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/manifest"
)

const (
	step = "container"

	projectMount = "/project"
	targetMount  = "/project/target"
)

// Builder runs the two-phase container build: image, then cargo inside a throw-away container.
type Builder struct {
	Engine Engine
	Triple string
	// GOOS selects bind mount path translation; defaults to the host OS.
	GOOS string
}

// NewBuilder returns a builder for triple using engine.
func NewBuilder(engine Engine, triple string) *Builder {
	return &Builder{Engine: engine, Triple: triple, GOOS: runtime.GOOS}
}

// ImageTag returns the image tag used for a package.
func ImageTag(pkg string) string {
	return strings.ToLower(pkg) + "-build"
}

// BuildCommand is the cargo invocation run inside the container.
func (b *Builder) BuildCommand() []string {
	return []string{"cargo", "build", "--release", "--target", b.Triple, "--target-dir", artifact.StagingTargetDir}
}

// BuildInContainer builds the image from Dockerfile.<pkg> and, on success, compiles
// the release binary with the project and its target directory bind mounted.
func (b *Builder) BuildInContainer(ctx context.Context, project string, sink *eventlog.Sink) bool {
	pkg, ok := b.packageName(project)
	if !ok {
		sink.Error(step, eventlog.CodeImageFailed, "could not read the package name for the container build")
		return false
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		abs = project
	}
	tag := ImageTag(pkg)

	sink.Info(step, eventlog.CodeImageStarted, "building image %s", tag)
	res, err := b.Engine.BuildImage(ctx, ImageSpec{ContextDir: abs, Dockerfile: DockerfileName(pkg), Tag: tag})
	if err != nil {
		sink.Error(step, eventlog.CodeImageFailed, "could not run the image build: %v", err)
		return false
	}
	if !res.Success() {
		sink.Error(step, eventlog.CodeImageFailed, "image build failed:\n%s", res.Stderr)
		return false
	}
	sink.Info(step, eventlog.CodeImageBuilt, "image %s built", tag)

	goos := b.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	spec := RunSpec{
		Image:   tag,
		WorkDir: projectMount,
		Mounts: []Mount{
			{Source: VolumePath(abs, goos), Target: projectMount},
			{Source: VolumePath(filepath.Join(abs, "target"), goos), Target: targetMount},
		},
		Cmd: b.BuildCommand(),
	}
	sink.Info(step, eventlog.CodeBuildStarted, "compiling %s for %s", pkg, b.Triple)
	res, err = b.Engine.Run(ctx, spec)
	if err != nil {
		sink.Error(step, eventlog.CodeBuildFailed, "could not run the build container: %v", err)
		return false
	}
	if !res.Success() {
		sink.Error(step, eventlog.CodeBuildFailed, "container build failed:\n%s", res.Stderr)
		return false
	}
	sink.Info(step, eventlog.CodeBuildSucceeded, "release build finished")
	return true
}

func (b *Builder) packageName(project string) (string, bool) {
	return manifest.PackageName(filepath.Join(project, manifest.FileName))
}
