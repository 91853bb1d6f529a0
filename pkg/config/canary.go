package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTargetTriple is the cross target every container build compiles for.
	DefaultTargetTriple = "x86_64-unknown-linux-gnu"

	// ProjectConfigName is the optional per-project overlay file.
	ProjectConfigName = "canary.yaml"
)

// CheckConfig describes one pre-release check command.
type CheckConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	// Output selects which captured stream is logged on failure: stdout or stderr.
	Output string `yaml:"output"`
}

// CanaryConfig holds runtime configuration for the release pipeline and its front-ends.
type CanaryConfig struct {
	Addr             string        `yaml:"addr"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	ContainerBackend string        `yaml:"container_backend"`
	DockerHost       string        `yaml:"docker_host"`
	DockerBinary     string        `yaml:"docker_binary"`
	CargoBinary      string        `yaml:"cargo_binary"`
	SCPBinary        string        `yaml:"scp_binary"`
	TargetTriple     string        `yaml:"target_triple"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	KillOnCancel     bool          `yaml:"kill_on_cancel"`
	ShipTransport    string        `yaml:"ship_transport"`
	SSHPort          int           `yaml:"ssh_port"`
	KnownHostsPath   string        `yaml:"known_hosts"`
	InsecureHostKey  bool          `yaml:"insecure_host_key"`
	SettingsPath     string        `yaml:"settings_path"`
	SettingsKey      string        `yaml:"-"`
	JWTSecret        string        `yaml:"-"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	EventURL         string        `yaml:"event_url"`
	EventToken       string        `yaml:"-"`
	Checks           []CheckConfig `yaml:"checks"`
}

// Defaults returns the built-in configuration.
func Defaults() CanaryConfig {
	knownHosts := ""
	if home, err := os.UserHomeDir(); err == nil {
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	return CanaryConfig{
		Addr:             ":5050",
		LogLevel:         "info",
		LogFormat:        "json",
		ContainerBackend: "cli",
		DockerBinary:     "docker",
		CargoBinary:      "cargo",
		SCPBinary:        "scp",
		TargetTriple:     DefaultTargetTriple,
		ShipTransport:    "scp",
		SSHPort:          22,
		KnownHostsPath:   knownHosts,
		TokenTTL:         12 * time.Hour,
	}
}

// LoadCanaryConfig constructs a CanaryConfig from defaults, an optional YAML file and
// environment variables, in increasing order of precedence. A missing file is ignored.
func LoadCanaryConfig(path string) (CanaryConfig, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		file, err := LoadFile(path)
		if err != nil {
			return CanaryConfig{}, err
		}
		cfg = overlay(cfg, file)
	}
	return applyEnv(cfg), nil
}

// LoadFile reads a YAML configuration file. A missing file yields a zero config.
func LoadFile(path string) (CanaryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CanaryConfig{}, nil
		}
		return CanaryConfig{}, fmt.Errorf("read config file: %w", err)
	}
	var file CanaryConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return CanaryConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return file, nil
}

// WithProjectFile overlays <project>/canary.yaml onto cfg, keeping env values on top.
func WithProjectFile(cfg CanaryConfig, project string) (CanaryConfig, error) {
	if strings.TrimSpace(project) == "" {
		return cfg, nil
	}
	file, err := LoadFile(filepath.Join(project, ProjectConfigName))
	if err != nil {
		return cfg, err
	}
	return applyEnv(overlay(cfg, file)), nil
}

func overlay(base, file CanaryConfig) CanaryConfig {
	setString(&base.Addr, file.Addr)
	setString(&base.LogLevel, file.LogLevel)
	setString(&base.LogFormat, file.LogFormat)
	setString(&base.ContainerBackend, file.ContainerBackend)
	setString(&base.DockerHost, file.DockerHost)
	setString(&base.DockerBinary, file.DockerBinary)
	setString(&base.CargoBinary, file.CargoBinary)
	setString(&base.SCPBinary, file.SCPBinary)
	setString(&base.TargetTriple, file.TargetTriple)
	setString(&base.ShipTransport, file.ShipTransport)
	setString(&base.KnownHostsPath, file.KnownHostsPath)
	setString(&base.SettingsPath, file.SettingsPath)
	setString(&base.EventURL, file.EventURL)
	if file.CommandTimeout > 0 {
		base.CommandTimeout = file.CommandTimeout
	}
	if file.TokenTTL > 0 {
		base.TokenTTL = file.TokenTTL
	}
	if file.SSHPort > 0 {
		base.SSHPort = file.SSHPort
	}
	if file.KillOnCancel {
		base.KillOnCancel = true
	}
	if file.InsecureHostKey {
		base.InsecureHostKey = true
	}
	if len(file.Checks) > 0 {
		base.Checks = append([]CheckConfig(nil), file.Checks...)
	}
	return base
}

func applyEnv(cfg CanaryConfig) CanaryConfig {
	cfg.Addr = GetString("CANARY_ADDR", cfg.Addr)
	cfg.LogLevel = GetString("CANARY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetString("CANARY_LOG_FORMAT", cfg.LogFormat)
	cfg.ContainerBackend = GetString("CANARY_CONTAINER_BACKEND", cfg.ContainerBackend)
	cfg.DockerHost = GetString("DOCKER_HOST", cfg.DockerHost)
	cfg.DockerBinary = GetString("CANARY_DOCKER_BIN", cfg.DockerBinary)
	cfg.CargoBinary = GetString("CANARY_CARGO_BIN", cfg.CargoBinary)
	cfg.SCPBinary = GetString("CANARY_SCP_BIN", cfg.SCPBinary)
	cfg.TargetTriple = GetString("CANARY_TARGET_TRIPLE", cfg.TargetTriple)
	cfg.CommandTimeout = GetSeconds("CANARY_COMMAND_TIMEOUT_SECONDS", cfg.CommandTimeout)
	cfg.KillOnCancel = GetBool("CANARY_KILL_ON_CANCEL", cfg.KillOnCancel)
	cfg.ShipTransport = GetString("CANARY_SHIP_TRANSPORT", cfg.ShipTransport)
	cfg.SSHPort = GetInt("CANARY_SSH_PORT", cfg.SSHPort)
	cfg.KnownHostsPath = GetString("CANARY_KNOWN_HOSTS", cfg.KnownHostsPath)
	cfg.InsecureHostKey = GetBool("CANARY_INSECURE_HOST_KEY", cfg.InsecureHostKey)
	cfg.SettingsPath = GetString("CANARY_SETTINGS_PATH", cfg.SettingsPath)
	cfg.SettingsKey = GetString("CANARY_SETTINGS_KEY", cfg.SettingsKey)
	cfg.JWTSecret = GetString("CANARY_JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = GetSeconds("CANARY_TOKEN_TTL_SECONDS", cfg.TokenTTL)
	cfg.EventURL = GetString("CANARY_EVENT_URL", cfg.EventURL)
	cfg.EventToken = GetString("CANARY_EVENT_TOKEN", cfg.EventToken)
	return cfg
}

func setString(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}
