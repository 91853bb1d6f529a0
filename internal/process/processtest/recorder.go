// Package processtest provides a recording fake for process.Runner.
package processtest

import (
	"context"
	"strings"
	"sync"

	"github.com/splax/canary/internal/process"
)

type response struct {
	result process.Result
	err    error
}

// Recorder is a process.Runner that records every call and answers from a script.
// Responses are keyed by command line prefix; the longest matching prefix wins and
// unmatched commands succeed with empty output.
type Recorder struct {
	mu     sync.Mutex
	script map[string]response
	calls  []process.Command

	// Hook, when set, runs after a call is recorded and before it is answered.
	Hook func(process.Command)
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{script: make(map[string]response)}
}

// On scripts the result returned for commands starting with prefix.
func (r *Recorder) On(prefix string, result process.Result) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script[prefix] = response{result: result}
	return r
}

// Fail scripts a non-zero exit with the given streams.
func (r *Recorder) Fail(prefix string, exitCode int, stdout, stderr string) *Recorder {
	return r.On(prefix, process.Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr})
}

// OnError scripts a launch failure for commands starting with prefix.
func (r *Recorder) OnError(prefix string, err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script[prefix] = response{result: process.Result{ExitCode: -1}, err: err}
	return r
}

// Run implements process.Runner.
func (r *Recorder) Run(ctx context.Context, cmd process.Command) (process.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	resp := r.lookup(cmd.String())
	hook := r.Hook
	r.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	if err := ctx.Err(); err != nil {
		return process.Result{ExitCode: -1}, err
	}
	return resp.result, resp.err
}

func (r *Recorder) lookup(line string) response {
	best := ""
	found := false
	for prefix := range r.script {
		if strings.HasPrefix(line, prefix) && (!found || len(prefix) > len(best)) {
			best = prefix
			found = true
		}
	}
	if !found {
		return response{}
	}
	return r.script[best]
}

// Calls returns a copy of the recorded commands in call order.
func (r *Recorder) Calls() []process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]process.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Lines returns the recorded command lines in call order.
func (r *Recorder) Lines() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many recorded commands start with prefix.
func (r *Recorder) Count(prefix string) int {
	n := 0
	for _, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}
