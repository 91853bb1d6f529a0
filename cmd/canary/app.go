package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/canary/internal/artifact"
	"github.com/splax/canary/internal/container"
	"github.com/splax/canary/internal/pipeline"
	"github.com/splax/canary/internal/process"
	"github.com/splax/canary/internal/remote"
	"github.com/splax/canary/internal/settings"
	"github.com/splax/canary/internal/validation"
	"github.com/splax/canary/pkg/config"
	"github.com/splax/canary/pkg/logger"
)

// app holds the wired pipeline for one command invocation.
type app struct {
	cfg     config.CanaryConfig
	log     *slog.Logger
	store   *settings.FileStore
	engine  container.Engine
	proc    process.Runner
	orch    *pipeline.Orchestrator
	metrics *pipeline.Metrics
	close   func() error
}

func loadConfig() (config.CanaryConfig, error) {
	cfg, err := config.LoadCanaryConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if strings.TrimSpace(logLevel) != "" {
		cfg.LogLevel = logLevel
	}
	if strings.TrimSpace(logFormat) != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

func newLogger(cfg config.CanaryConfig, w io.Writer) *slog.Logger {
	return logger.NewWithFormat("canary", logger.ParseLevel(cfg.LogLevel), cfg.LogFormat, w)
}

func openStore(cfg config.CanaryConfig) (*settings.FileStore, error) {
	path := cfg.SettingsPath
	if strings.TrimSpace(path) == "" {
		p, err := settings.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("resolve settings path: %w", err)
		}
		path = p
	}
	return settings.NewFileStore(path, cfg.SettingsKey)
}

// newApp wires the pipeline from cfg. reg may be nil.
func newApp(cfg config.CanaryConfig, log *slog.Logger, reg prometheus.Registerer) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	proc := process.NewExecRunner(cfg.CommandTimeout)
	engine, closeEngine, err := container.NewEngine(cfg.ContainerBackend, cfg.DockerHost, cfg.DockerBinary, proc)
	if err != nil {
		return nil, err
	}
	transport, err := remote.NewTransport(remote.TransportOptions{
		Kind:            cfg.ShipTransport,
		Runner:          proc,
		SCPBinary:       cfg.SCPBinary,
		SSHPort:         cfg.SSHPort,
		KnownHostsPath:  cfg.KnownHostsPath,
		InsecureHostKey: cfg.InsecureHostKey,
	})
	if err != nil {
		_ = closeEngine()
		return nil, err
	}

	builder := container.NewBuilder(engine, cfg.TargetTriple)
	validator := validation.NewRunner(proc, builder, log)
	if strings.TrimSpace(cfg.CargoBinary) != "" {
		validator.Cargo = cfg.CargoBinary
	}
	if len(cfg.Checks) > 0 {
		checks, err := validation.ChecksFromConfig(cfg.Checks)
		if err != nil {
			_ = closeEngine()
			return nil, err
		}
		validator.Checks = checks
	}
	rotator := artifact.NewRotator(cfg.TargetTriple)
	shipper := remote.NewShipper(rotator, transport, cfg.TargetTriple, log)

	orch := pipeline.New(validator, rotator, shipper, store, log)
	orch.KillOnCancel = cfg.KillOnCancel

	a := &app{cfg: cfg, log: log, store: store, engine: engine, proc: proc, orch: orch, close: closeEngine}
	if reg != nil {
		a.metrics = pipeline.NewMetrics(reg)
		orch.Metrics = a.metrics
		validator.OnCheck = func(name string, ok bool, elapsed time.Duration) {
			a.metrics.ObserveStep("check:"+name, ok, elapsed)
		}
	}
	return a, nil
}

// health reports whether the container engine answers.
func (a *app) health(ctx context.Context) error {
	if sdk, ok := a.engine.(*container.SDKEngine); ok {
		return sdk.Client.Ping(ctx)
	}
	res, err := a.proc.Run(ctx, process.Command{Name: a.cfg.DockerBinary, Args: []string{"version", "--format", "{{.Server.Version}}"}})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("docker version exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (a *app) Close() error {
	if a == nil || a.close == nil {
		return nil
	}
	return a.close()
}

func stderrLogger(cfg config.CanaryConfig) *slog.Logger {
	return newLogger(cfg, os.Stderr)
}
