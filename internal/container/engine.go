package container

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/splax/canary/internal/container/docker"
	"github.com/splax/canary/internal/process"
)

// Backends accepted by NewEngine.
const (
	BackendCLI = "cli"
	BackendSDK = "sdk"
)

// Mount binds a host directory into the build container.
type Mount struct {
	Source string
	Target string
}

// ImageSpec describes an image build.
type ImageSpec struct {
	ContextDir string
	Dockerfile string
	Tag        string
}

// RunSpec describes a throw-away container run.
type RunSpec struct {
	Image   string
	WorkDir string
	Mounts  []Mount
	Cmd     []string
}

// Engine builds images and runs one-shot containers. A non-nil error means the
// engine could not be reached; build or run failures are reported through the result.
type Engine interface {
	BuildImage(ctx context.Context, spec ImageSpec) (process.Result, error)
	Run(ctx context.Context, spec RunSpec) (process.Result, error)
}

// CLIEngine drives the docker command line through a process runner.
type CLIEngine struct {
	Runner process.Runner
	Binary string
}

// NewCLIEngine returns an engine invoking binary (default "docker").
func NewCLIEngine(runner process.Runner, binary string) *CLIEngine {
	if strings.TrimSpace(binary) == "" {
		binary = "docker"
	}
	return &CLIEngine{Runner: runner, Binary: binary}
}

// BuildImage runs `docker build -t <tag> -f <dockerfile> <context>` in the context directory.
func (e *CLIEngine) BuildImage(ctx context.Context, spec ImageSpec) (process.Result, error) {
	return e.Runner.Run(ctx, process.Command{
		Dir:  spec.ContextDir,
		Name: e.Binary,
		Args: []string{"build", "-t", spec.Tag, "-f", spec.Dockerfile, spec.ContextDir},
	})
}

// Run runs `docker run --rm` with the given mounts and command.
func (e *CLIEngine) Run(ctx context.Context, spec RunSpec) (process.Result, error) {
	args := []string{"run", "--rm"}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.Source+":"+m.Target)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)
	return e.Runner.Run(ctx, process.Command{Name: e.Binary, Args: args})
}

// SDKEngine talks to the Docker daemon through the Engine SDK.
type SDKEngine struct {
	Client *docker.Client
}

// BuildImage builds through the daemon API, collecting the build stream as stdout.
func (e *SDKEngine) BuildImage(ctx context.Context, spec ImageSpec) (process.Result, error) {
	var out strings.Builder
	err := e.Client.BuildImage(ctx, spec.ContextDir, spec.Dockerfile, spec.Tag, func(line string) {
		out.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			out.WriteByte('\n')
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return process.Result{ExitCode: -1, Stdout: out.String()}, err
		}
		return process.Result{ExitCode: 1, Stdout: out.String(), Stderr: err.Error()}, nil
	}
	return process.Result{Stdout: out.String()}, nil
}

// Run creates, waits for and removes a container named after the image and a random suffix.
func (e *SDKEngine) Run(ctx context.Context, spec RunSpec) (process.Result, error) {
	binds := make([]docker.Bind, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		binds = append(binds, docker.Bind{Source: m.Source, Target: m.Target})
	}
	name := fmt.Sprintf("canary-%s-%s", strings.ReplaceAll(spec.Image, ":", "-"), uuid.NewString()[:8])
	out, err := e.Client.RunToCompletion(ctx, name, spec.Image, spec.WorkDir, spec.Cmd, binds)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return process.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
		return process.Result{ExitCode: -1}, err
	}
	return process.Result{ExitCode: int(out.ExitCode), Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

// NewEngine selects an engine by backend name. The returned close func releases SDK resources.
func NewEngine(backend, dockerHost, dockerBinary string, runner process.Runner) (Engine, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendCLI:
		return NewCLIEngine(runner, dockerBinary), func() error { return nil }, nil
	case BackendSDK:
		client, err := docker.New(dockerHost)
		if err != nil {
			return nil, nil, err
		}
		return &SDKEngine{Client: client}, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown container backend %q", backend)
	}
}
