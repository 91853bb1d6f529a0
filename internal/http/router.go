// Package httpx exposes the pipeline over HTTP for the serve command.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/splax/canary/internal/artifact"
	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/pipeline"
	"github.com/splax/canary/internal/remote"
	"github.com/splax/canary/internal/settings"
	"github.com/splax/canary/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// Runner is the part of the orchestrator the router drives.
type Runner interface {
	RunAsync(ctx context.Context, req pipeline.Request, cancel *pipeline.CancelFlag, onComplete func(pipeline.Result))
}

// Options configures a Router.
type Options struct {
	Logger   *slog.Logger
	Runner   Runner
	Sink     *eventlog.Sink
	Store    settings.Store
	Hub      *ws.Hub
	Registry *prometheus.Registry
	// JWTSecret enables bearer authentication on every route but /healthz.
	JWTSecret string
	// Health reports the container engine status.
	Health func(context.Context) error
	// BaseContext parents every pipeline run; runs outlive their HTTP request.
	BaseContext context.Context
}

// Router exposes HTTP endpoints for the serve command.
type Router struct {
	mux      *http.ServeMux
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	slot     *semaphore.Weighted
	inflight sync.WaitGroup
	metrics  *routerMetrics

	mu      sync.Mutex
	current *runState
	last    *pipeline.Result
}

type runState struct {
	id     string
	cancel *pipeline.CancelFlag
}

// New creates and registers handlers.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Sink == nil {
		opts.Sink = eventlog.NewSink()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		opts:   opts,
		logger: opts.Logger,
		slot:   semaphore.NewWeighted(1),
	}
	var reg prometheus.Registerer
	if opts.Registry != nil {
		reg = opts.Registry
	}
	r.metrics = newRouterMetrics(reg)
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Wait blocks until the in-flight pipeline run, if any, has completed.
func (r *Router) Wait() {
	r.inflight.Wait()
}

func (r *Router) routes() {
	if r.opts.Registry != nil {
		r.mux.Handle("/metrics", r.requireAuth(promhttp.HandlerFor(r.opts.Registry, promhttp.HandlerOpts{}).ServeHTTP))
	}
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/settings", r.instrument("/settings", r.requireAuth(r.handleSettings)))
	r.mux.HandleFunc("/deploy", r.instrument("/deploy", r.requireAuth(r.handleDeploy)))
	r.mux.HandleFunc("/deploy/cancel", r.instrument("/deploy/cancel", r.requireAuth(r.handleCancel)))
	r.mux.HandleFunc("/logs", r.instrument("/logs", r.requireAuth(r.handleLogs)))
	r.mux.HandleFunc("/logs/stream", r.requireAuth(r.handleStream))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	component := map[string]any{"status": "up"}
	status := "ok"
	if r.opts.Health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.opts.Health(ctx); err != nil {
			status = "degraded"
			component = map[string]any{"status": "down", "error": err.Error()}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": map[string]any{"docker": component},
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

type settingsResponse struct {
	settings.Settings
	HasPassword bool `json:"has_password"`
}

func (r *Router) handleSettings(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.opts.Store == nil {
		r.writeJSON(w, http.StatusOK, settingsResponse{})
		return
	}
	s, err := r.opts.Store.Load()
	if err != nil && !errors.Is(err, settings.ErrNoKey) {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := settingsResponse{Settings: s, HasPassword: s.LastRemotePass != ""}
	resp.LastRemotePass = ""
	r.writeJSON(w, http.StatusOK, resp)
}

type deployPayload struct {
	ProjectPath   string `json:"project_path"`
	Platform      string `json:"platform"`
	Target        string `json:"target"`
	ServerAddress string `json:"server_address"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	RemotePath    string `json:"remote_path"`
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload deployPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pipeReq, err := r.buildRequest(payload)
	if err != nil {
		r.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !r.slot.TryAcquire(1) {
		r.metrics.recordDeployResult("conflict")
		r.writeError(w, http.StatusConflict, "a deploy is already running")
		return
	}

	state := &runState{id: uuid.NewString(), cancel: pipeline.NewCancelFlag()}
	pipeReq.RunID = state.id
	r.mu.Lock()
	r.current = state
	r.mu.Unlock()

	r.inflight.Add(1)
	r.opts.Runner.RunAsync(r.opts.BaseContext, pipeReq, state.cancel, func(res pipeline.Result) {
		defer r.inflight.Done()
		r.mu.Lock()
		r.current = nil
		r.last = &res
		r.mu.Unlock()
		r.slot.Release(1)
		r.metrics.recordDeployResult(string(res.Phase))
		r.logger.Info("deploy finished", "run_id", res.RunID, "phase", string(res.Phase))
	})
	r.metrics.recordDeployResult("accepted")
	r.logger.Info("deploy started", "run_id", state.id, "project", pipeReq.ProjectPath, "target", pipeReq.Target.String(), "operator", operatorFromContext(req.Context()))
	r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "run_id": state.id})
}

// buildRequest fills missing fields from the remembered settings.
func (r *Router) buildRequest(p deployPayload) (pipeline.Request, error) {
	var last settings.Settings
	if r.opts.Store != nil {
		last, _ = r.opts.Store.Load()
	}
	target, err := pipeline.ParseTarget(firstNonEmpty(p.Target, last.LastTarget))
	if err != nil {
		return pipeline.Request{}, err
	}
	platform := artifact.Linux
	if strings.TrimSpace(p.Platform) != "" {
		if platform, err = artifact.ParsePlatform(p.Platform); err != nil {
			return pipeline.Request{}, err
		}
	}
	return pipeline.Request{
		ProjectPath: firstNonEmpty(p.ProjectPath, last.LastLocalPath),
		Platform:    platform,
		Target:      target,
		Remote: remote.Config{
			ServerAddress: firstNonEmpty(p.ServerAddress, last.LastServerAddress),
			Username:      firstNonEmpty(p.Username, last.LastRemoteUser),
			Password:      firstNonEmpty(p.Password, last.LastRemotePass),
			RemotePath:    firstNonEmpty(p.RemotePath, last.LastRemotePath),
		},
	}, nil
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.mu.Lock()
	state := r.current
	r.mu.Unlock()
	if state == nil {
		r.writeError(w, http.StatusConflict, "no deploy is running")
		return
	}
	state.cancel.Cancel()
	r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": state.id})
}

type logsResponse struct {
	Running bool             `json:"running"`
	RunID   string           `json:"run_id,omitempty"`
	Last    *lastRun         `json:"last,omitempty"`
	Entries []eventlog.Entry `json:"entries"`
}

type lastRun struct {
	RunID    string    `json:"run_id"`
	Phase    string    `json:"phase"`
	Finished time.Time `json:"finished"`
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := logsResponse{Entries: r.opts.Sink.Snapshot()}
	r.mu.Lock()
	if r.current != nil {
		resp.Running = true
		resp.RunID = r.current.id
	}
	if r.last != nil {
		resp.Last = &lastRun{RunID: r.last.RunID, Phase: string(r.last.Phase), Finished: r.last.Finished}
	}
	r.mu.Unlock()
	if resp.Entries == nil {
		resp.Entries = []eventlog.Entry{}
	}
	r.writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if r.opts.Hub == nil {
		r.writeError(w, http.StatusNotFound, "live stream disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.opts.Hub.Register(client)
	defer r.opts.Hub.Unregister(client)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
