// Package remote archives the previous binary and ships the new one to a remote host.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/splax/canary/internal/artifact"
	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/settings"
)

const step = "ship"

// Config holds the remote connection values entered for one run.
type Config struct {
	ServerAddress string
	Username      string
	Password      string
	RemotePath    string
}

// Request is a remote deploy request.
type Request struct {
	ProjectPath string
	Platform    artifact.Platform
	Remote      Config
}

// Destination is where a binary is copied to.
type Destination struct {
	Host     string
	User     string
	Password string
	Path     string
}

// String renders the destination as user@host:path.
func (d Destination) String() string {
	return fmt.Sprintf("%s@%s:%s", d.User, d.Host, d.Path)
}

// Rotator archives the previous binary and reports the package name.
type Rotator interface {
	RotatePreviousBinaryIfExists(project string, platform artifact.Platform, sink *eventlog.Sink) (string, bool)
}

// Canceller reports whether an asynchronous run was asked to stop.
type Canceller interface {
	Cancelled() bool
}

// Shipper persists the remote form values, rotates, and copies the binary.
type Shipper struct {
	Rotator   Rotator
	Transport Transport
	Triple    string
	Logger    *slog.Logger
}

// NewShipper wires a shipper.
func NewShipper(rotator Rotator, transport Transport, triple string, logger *slog.Logger) *Shipper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shipper{Rotator: rotator, Transport: transport, Triple: triple, Logger: logger}
}

// DeployToRemote saves settings, rotates and copies the binary, blocking the caller.
func (s *Shipper) DeployToRemote(ctx context.Context, req Request, sink *eventlog.Sink, store settings.Store) bool {
	s.saveSettings(req, sink, store)
	pkg, ok := s.Rotator.RotatePreviousBinaryIfExists(req.ProjectPath, req.Platform, sink)
	if !ok {
		return false
	}
	return s.ship(ctx, req, pkg, sink)
}

// DeployToRemoteAsync runs the remote deploy on exactly one new goroutine. The
// cancel flag is consulted after rotation and again after the copy returns; a
// cancelled run reports false without further side effects.
func (s *Shipper) DeployToRemoteAsync(ctx context.Context, req Request, sink *eventlog.Sink, store settings.Store, cancel Canceller, onComplete func(bool)) {
	go func() {
		ok, _ := s.DeployToRemoteCancellable(ctx, req, sink, store, cancel, nil)
		if onComplete != nil {
			onComplete(ok)
		}
	}()
}

// DeployToRemoteCancellable is the body of DeployToRemoteAsync run on the
// caller's goroutine. cancelled is true when a checkpoint stopped the run.
// beforeShip, when set, runs once rotation has finished and the post-rotation
// checkpoint has passed, right before the copy starts.
func (s *Shipper) DeployToRemoteCancellable(ctx context.Context, req Request, sink *eventlog.Sink, store settings.Store, cancel Canceller, beforeShip func()) (ok bool, cancelled bool) {
	s.saveSettings(req, sink, store)
	pkg, ok := s.Rotator.RotatePreviousBinaryIfExists(req.ProjectPath, req.Platform, sink)
	if !ok {
		return false, false
	}
	if Cancelled(cancel) {
		sink.Warn(step, eventlog.CodeCancelled, "deploy cancelled after rotation")
		return false, true
	}
	if beforeShip != nil {
		beforeShip()
	}
	ok = s.ship(ctx, req, pkg, sink)
	if Cancelled(cancel) {
		sink.Warn(step, eventlog.CodeCancelled, "deploy cancelled after transfer")
		return false, true
	}
	return ok, false
}

// Cancelled reports whether c is set; a nil canceller never cancels.
func Cancelled(c Canceller) bool {
	return c != nil && c.Cancelled()
}

func (s *Shipper) saveSettings(req Request, sink *eventlog.Sink, store settings.Store) {
	if store == nil {
		return
	}
	current, err := store.Load()
	if err != nil && !errors.Is(err, settings.ErrNoKey) {
		s.logger().Warn("load settings before save", "error", err)
	}
	current.LastLocalPath = req.ProjectPath
	current.LastServerAddress = req.Remote.ServerAddress
	current.LastRemoteUser = req.Remote.Username
	current.LastRemotePass = req.Remote.Password
	current.LastRemotePath = req.Remote.RemotePath
	current.LastTarget = "remote"
	if err := store.Save(current); err != nil {
		s.logger().Warn("save settings", "error", err)
		sink.Warn(step, eventlog.CodeSettingsFailed, "could not save settings: %v", err)
		return
	}
	sink.Info(step, eventlog.CodeSettingsSaved, "settings saved")
}

func (s *Shipper) ship(ctx context.Context, req Request, pkg string, sink *eventlog.Sink) bool {
	if s.Transport == nil {
		sink.Error(step, eventlog.CodeShipUnavailable, "no copy transport configured")
		return false
	}
	layout := artifact.Layout{Project: req.ProjectPath, Triple: s.Triple}
	local := layout.BinaryPath(pkg, req.Platform)
	if _, err := os.Stat(local); err != nil {
		sink.Error(step, eventlog.CodeBinaryMissing, "binary not found at %s", local)
		return false
	}
	dest := Destination{
		Host:     strings.TrimSpace(req.Remote.ServerAddress),
		User:     strings.TrimSpace(req.Remote.Username),
		Password: req.Remote.Password,
		Path:     strings.TrimSpace(req.Remote.RemotePath),
	}
	sink.Info(step, eventlog.CodeShipStarted, "copying %s to %s", local, dest)
	res, err := s.Transport.Copy(ctx, local, dest)
	if err != nil {
		s.logger().Error("copy binary", "destination", dest.String(), "error", err)
		sink.Error(step, eventlog.CodeShipLaunch, "could not start the copy: %v", err)
		return false
	}
	if !res.Success() {
		sink.Error(step, eventlog.CodeShipFailed, "copy failed:\n%s", res.Stderr)
		return false
	}
	sink.Info(step, eventlog.CodeShipSucceeded, "binary copied to %s", dest)
	return true
}

func (s *Shipper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
