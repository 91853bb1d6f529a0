package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/splax/canary/internal/process"
)

// Transport names accepted by NewTransport.
const (
	TransportSCP = "scp"
	TransportSSH = "ssh"
)

// Transport copies one local file to a destination.
type Transport interface {
	Copy(ctx context.Context, local string, dest Destination) (process.Result, error)
}

// SCPTransport runs the scp command line tool. Authentication is left to scp.
type SCPTransport struct {
	Runner process.Runner
	Binary string
}

// Copy runs `scp <local> <user@host:path>`.
func (t *SCPTransport) Copy(ctx context.Context, local string, dest Destination) (process.Result, error) {
	binary := t.Binary
	if strings.TrimSpace(binary) == "" {
		binary = "scp"
	}
	return t.Runner.Run(ctx, process.Command{Name: binary, Args: []string{local, dest.String()}})
}

// TransportOptions configures NewTransport.
type TransportOptions struct {
	Kind            string
	Runner          process.Runner
	SCPBinary       string
	SSHPort         int
	KnownHostsPath  string
	InsecureHostKey bool
}

// NewTransport selects a transport by kind.
func NewTransport(opts TransportOptions) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", TransportSCP:
		return &SCPTransport{Runner: opts.Runner, Binary: opts.SCPBinary}, nil
	case TransportSSH:
		return &SSHTransport{
			Port:            opts.SSHPort,
			KnownHostsPath:  opts.KnownHostsPath,
			InsecureHostKey: opts.InsecureHostKey,
		}, nil
	default:
		return nil, fmt.Errorf("unknown ship transport %q", opts.Kind)
	}
}
