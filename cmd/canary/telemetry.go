package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/pipeline"
	"github.com/splax/canary/pkg/config"
	"github.com/splax/canary/pkg/telemetry"
)

const telemetryQueue = 256

// forwarder relays sink entries to the event collector on one goroutine.
type forwarder struct {
	emitter *telemetry.Emitter
	log     *slog.Logger
	queue   chan telemetry.Event
	done    chan struct{}

	mu      sync.Mutex
	runID   string
	project string
	closed  bool
}

// attachTelemetry wires the orchestrator's sink to cfg.EventURL. It returns nil when telemetry is disabled.
func attachTelemetry(cfg config.CanaryConfig, orch *pipeline.Orchestrator, log *slog.Logger) (*forwarder, error) {
	if strings.TrimSpace(cfg.EventURL) == "" {
		return nil, nil
	}
	emitter, err := telemetry.NewEmitter(cfg.EventURL, cfg.EventToken, nil)
	if err != nil {
		return nil, err
	}
	f := &forwarder{
		emitter: emitter,
		log:     log,
		queue:   make(chan telemetry.Event, telemetryQueue),
		done:    make(chan struct{}),
	}
	prev := orch.OnRunStart
	orch.OnRunStart = func(runID string) {
		f.mu.Lock()
		f.runID = runID
		f.mu.Unlock()
		if prev != nil {
			prev(runID)
		}
	}
	orch.Sink.Observe(f.observe)
	go f.run()
	return f, nil
}

func (f *forwarder) setProject(project string) {
	f.mu.Lock()
	f.project = project
	f.mu.Unlock()
}

func (f *forwarder) observe(e eventlog.Entry) {
	f.mu.Lock()
	ev := telemetry.Event{
		RunID:      f.runID,
		Project:    f.project,
		Step:       e.Step,
		Level:      string(e.Level),
		Code:       string(e.Code),
		Message:    e.Message,
		OccurredAt: e.Time,
	}
	defer f.mu.Unlock()
	if ev.RunID == "" || f.closed {
		return
	}
	select {
	case f.queue <- ev:
	default:
		f.log.Warn("telemetry queue full, dropping event", "code", ev.Code)
	}
}

func (f *forwarder) run() {
	defer close(f.done)
	for ev := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := f.emitter.Emit(ctx, ev); err != nil {
			f.log.Debug("telemetry emit failed", "error", err, "code", ev.Code)
		}
		cancel()
	}
}

// Close flushes queued events. Entries observed after Close are not sent.
func (f *forwarder) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.closed = true
	close(f.queue)
	f.mu.Unlock()
	<-f.done
}
