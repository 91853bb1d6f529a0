package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the collector rejected authentication.
var ErrUnauthorized = errors.New("telemetry unauthorized")

// ErrInvalidArgument indicates the collector rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("telemetry invalid argument")

// ErrNotFound indicates the collector endpoint does not exist.
var ErrNotFound = errors.New("telemetry endpoint not found")

// Emitter forwards pipeline events to an HTTP collector.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Event is a single pipeline event as forwarded to the collector.
type Event struct {
	RunID      string
	Project    string
	Step       string
	Level      string
	Code       string
	Message    string
	OccurredAt time.Time
}

// NewEmitter creates an emitter posting to baseURL. token is sent as a bearer credential when set.
func NewEmitter(baseURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("telemetry base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends the supplied event to the collector's /events endpoint.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("telemetry emitter not initialised")
	}
	if strings.TrimSpace(event.RunID) == "" {
		return errors.New("telemetry requires run_id")
	}
	body, err := json.Marshal(buildPayload(event, e.now))
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telemetry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("telemetry request failed: %s", summary)
	}
}

func buildPayload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	level := strings.TrimSpace(event.Level)
	if level == "" {
		level = "info"
	}
	return map[string]any{
		"run_id":      strings.TrimSpace(event.RunID),
		"project":     strings.TrimSpace(event.Project),
		"step":        strings.TrimSpace(event.Step),
		"level":       level,
		"code":        strings.TrimSpace(event.Code),
		"message":     event.Message,
		"occurred_at": occurred.UTC().Format(time.RFC3339Nano),
	}
}
