package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/splax/canary/internal/process"
)

const defaultDialTimeout = 15 * time.Second

// SSHTransport copies over a native SSH connection by speaking the scp sink
// protocol to `scp -t` on the remote host. It authenticates with the password.
type SSHTransport struct {
	Port            int
	KnownHostsPath  string
	InsecureHostKey bool
	DialTimeout     time.Duration
}

// Copy dials the host and streams the file. Dial and handshake failures are
// returned as errors; protocol and remote failures are reported as a non-zero result.
func (t *SSHTransport) Copy(ctx context.Context, local string, dest Destination) (process.Result, error) {
	file, err := os.Open(local)
	if err != nil {
		return process.Result{ExitCode: -1}, fmt.Errorf("open binary: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return process.Result{ExitCode: -1}, fmt.Errorf("stat binary: %w", err)
	}

	cfg, err := t.clientConfig(dest)
	if err != nil {
		return process.Result{ExitCode: -1}, err
	}
	addr := t.address(dest.Host)
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return process.Result{ExitCode: -1}, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return process.Result{ExitCode: -1}, fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return process.Result{ExitCode: -1}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stderr strings.Builder
	session.Stderr = &stderr
	stdin, err := session.StdinPipe()
	if err != nil {
		return process.Result{ExitCode: -1}, fmt.Errorf("ssh stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return process.Result{ExitCode: -1}, fmt.Errorf("ssh stdout: %w", err)
	}
	if err := session.Start("scp -t " + shellQuote(dest.Path)); err != nil {
		return process.Result{ExitCode: -1}, fmt.Errorf("start remote scp: %w", err)
	}

	sendErr := sendFile(stdin, stdout, filepath.Base(local), info.Mode().Perm(), info.Size(), file)
	stdin.Close()
	waitErr := session.Wait()

	if ctx.Err() != nil {
		return process.Result{ExitCode: -1, Stderr: stderr.String()}, ctx.Err()
	}
	res := process.Result{Stderr: stderr.String()}
	if sendErr != nil {
		res.ExitCode = 1
		if res.Stderr == "" {
			res.Stderr = sendErr.Error()
		}
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if waitErr != nil {
		res.ExitCode = 1
		if res.Stderr == "" {
			res.Stderr = waitErr.Error()
		}
	}
	return res, nil
}

func (t *SSHTransport) clientConfig(dest Destination) (*ssh.ClientConfig, error) {
	var callback ssh.HostKeyCallback
	if t.InsecureHostKey {
		callback = ssh.InsecureIgnoreHostKey()
	} else {
		if strings.TrimSpace(t.KnownHostsPath) == "" {
			return nil, errors.New("known_hosts path required for host key verification")
		}
		var err error
		callback, err = knownhosts.New(t.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	}
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	password := dest.Password
	return &ssh.ClientConfig{
		User: dest.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: callback,
		Timeout:         timeout,
	}, nil
}

func (t *SSHTransport) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := t.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// sendFile writes one file using the scp source side of the protocol: a C
// record, the content, a zero byte, each acknowledged by the sink.
func sendFile(w io.Writer, r io.Reader, name string, mode os.FileMode, size int64, content io.Reader) error {
	acks := bufio.NewReader(r)
	if err := readAck(acks); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "C%04o %d %s\n", mode.Perm(), size, name); err != nil {
		return fmt.Errorf("send file header: %w", err)
	}
	if err := readAck(acks); err != nil {
		return err
	}
	if _, err := io.CopyN(w, content, size); err != nil {
		return fmt.Errorf("send file content: %w", err)
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return fmt.Errorf("send file terminator: %w", err)
	}
	return readAck(acks)
}

func readAck(r *bufio.Reader) error {
	code, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read scp ack: %w", err)
	}
	if code == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = fmt.Sprintf("scp status %d", code)
	}
	return fmt.Errorf("remote scp: %s", msg)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
