package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/canary/internal/eventlog"
)

// DockerfileName returns the per-package build definition file name.
func DockerfileName(pkg string) string {
	return "Dockerfile." + pkg
}

func renderRustDockerfile() string {
	var b strings.Builder
	b.WriteString("FROM rust:latest\n\n")
	b.WriteString("RUN apt update && apt install -y \\\n")
	b.WriteString("    build-essential \\\n")
	b.WriteString("    pkg-config \\\n")
	b.WriteString("    libssl-dev \\\n")
	b.WriteString("    libclang-dev \\\n")
	b.WriteString("    curl \\\n")
	b.WriteString("    && cargo install cargo-audit\n\n")
	b.WriteString("WORKDIR /project\n")
	return b.String()
}

// ensureDockerfile writes the build definition unless it already exists and
// reports whether a new file was generated.
func ensureDockerfile(project, pkg string) (bool, error) {
	path := filepath.Join(project, DockerfileName(pkg))
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat dockerfile: %w", err)
	}
	if err := os.WriteFile(path, []byte(renderRustDockerfile()), 0o644); err != nil {
		return false, fmt.Errorf("write dockerfile: %w", err)
	}
	return true, nil
}

// EnsureBuildDefinition makes sure Dockerfile.<pkg> exists in project.
func (b *Builder) EnsureBuildDefinition(project string, sink *eventlog.Sink) bool {
	pkg, ok := b.packageName(project)
	if !ok {
		sink.Error(step, eventlog.CodeDefFailed, "could not read the package name to create the Dockerfile")
		return false
	}
	generated, err := ensureDockerfile(project, pkg)
	if err != nil {
		sink.Error(step, eventlog.CodeDefFailed, "could not create %s: %v", DockerfileName(pkg), err)
		return false
	}
	if !generated {
		sink.Info(step, eventlog.CodeDefExists, "%s already exists", DockerfileName(pkg))
		return true
	}
	sink.Info(step, eventlog.CodeDefWritten, "%s created", DockerfileName(pkg))
	return true
}
