package validation

import (
	"fmt"
	"strings"

	"github.com/splax/canary/internal/process"
	"github.com/splax/canary/pkg/config"
)

// Stream selects which captured output is reported when a check fails.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// ParseStream maps "stdout"/"stderr" to a Stream; empty means stdout.
func ParseStream(name string) (Stream, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stdout":
		return Stdout, nil
	case "stderr":
		return Stderr, nil
	default:
		return Stdout, fmt.Errorf("unknown output stream %q", name)
	}
}

// Check is one pre-release command.
type Check struct {
	Name   string
	Bin    string
	Args   []string
	Output Stream
}

// Command returns the process command for the check run in dir.
func (c Check) Command(dir string) process.Command {
	return process.Command{Dir: dir, Name: c.Bin, Args: append([]string(nil), c.Args...)}
}

// report picks the preferred stream, falling back to the other one when it is empty.
func (c Check) report(res process.Result) string {
	preferred, other := res.Stdout, res.Stderr
	if c.Output == Stderr {
		preferred, other = res.Stderr, res.Stdout
	}
	if strings.TrimSpace(preferred) != "" {
		return preferred
	}
	return other
}

// DefaultChecks returns fmt, clippy, test and audit in that order.
func DefaultChecks(cargo string) []Check {
	if strings.TrimSpace(cargo) == "" {
		cargo = "cargo"
	}
	return []Check{
		{Name: "cargo fmt", Bin: cargo, Args: []string{"fmt", "--", "--check"}, Output: Stdout},
		{Name: "cargo clippy", Bin: cargo, Args: []string{"clippy", "--", "-D", "warnings"}, Output: Stderr},
		{Name: "cargo test", Bin: cargo, Args: []string{"test"}, Output: Stdout},
		{Name: "cargo audit", Bin: cargo, Args: []string{"audit"}, Output: Stdout},
	}
}

// ChecksFromConfig converts configured checks, tokenizing each command line.
func ChecksFromConfig(entries []config.CheckConfig) ([]Check, error) {
	checks := make([]Check, 0, len(entries))
	for i, entry := range entries {
		args, err := parseCommand(entry.Command)
		if err != nil {
			return nil, fmt.Errorf("check %d: %w", i+1, err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("check %d: command required", i+1)
		}
		stream, err := ParseStream(entry.Output)
		if err != nil {
			return nil, fmt.Errorf("check %d: %w", i+1, err)
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = strings.Join(args, " ")
		}
		checks = append(checks, Check{Name: name, Bin: args[0], Args: args[1:], Output: stream})
	}
	return checks, nil
}
