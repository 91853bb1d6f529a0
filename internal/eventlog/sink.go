// Package eventlog holds the ordered, user facing event stream produced by a pipeline run.
package eventlog

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of an entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Code identifies an event kind independently of its human readable message.
type Code string

const (
	CodeRunHeader       Code = "run.header"
	CodeNoProject       Code = "pipeline.no_project"
	CodeBadPlatform     Code = "pipeline.unsupported_platform"
	CodeNoManifest      Code = "pipeline.no_manifest"
	CodeStopped         Code = "pipeline.stopped"
	CodeLocalSuccess    Code = "pipeline.local_success"
	CodeCancelled       Code = "pipeline.cancelled"
	CodeCheckStarted    Code = "check.started"
	CodeCheckPassed     Code = "check.passed"
	CodeCheckFailed     Code = "check.failed"
	CodeCheckLaunch     Code = "check.launch_failed"
	CodeChecksPassed    Code = "check.all_passed"
	CodeDefExists       Code = "container.definition_exists"
	CodeDefWritten      Code = "container.definition_written"
	CodeDefFailed       Code = "container.definition_failed"
	CodeImageStarted    Code = "container.image_build_started"
	CodeImageFailed     Code = "container.image_build_failed"
	CodeImageBuilt      Code = "container.image_built"
	CodeBuildStarted    Code = "container.build_started"
	CodeBuildFailed     Code = "container.build_failed"
	CodeBuildSucceeded  Code = "container.build_succeeded"
	CodeNoPackage       Code = "rotate.no_package"
	CodeNoPrior         Code = "rotate.no_prior"
	CodeRenamed         Code = "rotate.renamed"
	CodeRenameFailed    Code = "rotate.rename_failed"
	CodePromoted        Code = "rotate.promoted"
	CodePromoteFailed   Code = "rotate.promote_failed"
	CodeSettingsSaved   Code = "ship.settings_saved"
	CodeSettingsFailed  Code = "ship.settings_failed"
	CodeBinaryMissing   Code = "ship.binary_missing"
	CodeShipStarted     Code = "ship.started"
	CodeShipSucceeded   Code = "ship.succeeded"
	CodeShipFailed      Code = "ship.failed"
	CodeShipLaunch      Code = "ship.launch_failed"
	CodeShipUnavailable Code = "ship.unavailable"
)

// Entry is a single event.
type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Step    string    `json:"step"`
	Level   Level     `json:"level"`
	Code    Code      `json:"code"`
	Message string    `json:"message"`
}

// String renders the entry as a single log line.
func (e Entry) String() string {
	return fmt.Sprintf("%s %-5s [%s] %s", e.Time.Format("15:04:05"), string(e.Level), e.Step, e.Message)
}

// Sink is an append-only, mutex guarded event list with live subscribers.
type Sink struct {
	mu        sync.Mutex
	entries   []Entry
	seq       uint64
	subs      map[int]chan Entry
	nextSub   int
	observers []func(Entry)
	now       func() time.Time
}

// NewSink returns an empty sink. The zero value is also ready to use.
func NewSink() *Sink {
	return &Sink{subs: make(map[int]chan Entry), now: time.Now}
}

// clock returns the time source; callers hold s.mu.
func (s *Sink) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// Append pushes an entry and fans it out to subscribers without blocking on slow readers.
func (s *Sink) Append(step string, level Level, code Code, message string) Entry {
	if s == nil {
		return Entry{}
	}
	s.mu.Lock()
	s.seq++
	entry := Entry{
		Seq:     s.seq,
		Time:    s.clock(),
		Step:    step,
		Level:   level,
		Code:    code,
		Message: strings.TrimRight(message, "\n"),
	}
	s.entries = append(s.entries, entry)
	for _, ch := range s.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	observers := s.observers
	s.mu.Unlock()

	for _, fn := range observers {
		fn(entry)
	}
	return entry
}

// Info appends an informational entry.
func (s *Sink) Info(step string, code Code, format string, args ...any) {
	s.Append(step, LevelInfo, code, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (s *Sink) Warn(step string, code Code, format string, args ...any) {
	s.Append(step, LevelWarn, code, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (s *Sink) Error(step string, code Code, format string, args ...any) {
	s.Append(step, LevelError, code, fmt.Sprintf(format, args...))
}

// Clear drops every entry and restarts sequence numbers.
func (s *Sink) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.seq = 0
}

// Snapshot returns a copy of the current entries.
func (s *Sink) Snapshot() []Entry {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Lines returns the messages of the current entries in order.
func (s *Sink) Lines() []string {
	entries := s.Snapshot()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// Codes returns the codes of the current entries in order.
func (s *Sink) Codes() []Code {
	entries := s.Snapshot()
	out := make([]Code, len(entries))
	for i, e := range entries {
		out[i] = e.Code
	}
	return out
}

// Has reports whether any current entry carries code.
func (s *Sink) Has(code Code) bool {
	for _, c := range s.Codes() {
		if c == code {
			return true
		}
	}
	return false
}

// Subscribe registers a buffered channel receiving entries appended from now on.
// Entries are dropped for a subscriber whose buffer is full. The returned func
// unsubscribes and closes the channel.
func (s *Sink) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]chan Entry)
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Observe registers fn to be called synchronously after every append, outside the lock.
func (s *Sink) Observe(fn func(Entry)) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(append([]func(Entry){}, s.observers...), fn)
}
