package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/pipeline"
)

func TestPlainOutputForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	assert.False(t, p.Color)

	e := eventlog.Entry{
		Time:    time.Date(2026, 1, 2, 13, 4, 5, 0, time.UTC),
		Step:    "build",
		Level:   eventlog.LevelInfo,
		Code:    eventlog.CodeBuildSucceeded,
		Message: "build ok",
	}
	p.Entry(e)
	assert.Equal(t, e.String()+"\n", buf.String())
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestDrainPrintsUntilClosed(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	ch := make(chan eventlog.Entry, 2)
	ch <- eventlog.Entry{Step: "a", Level: eventlog.LevelInfo, Message: "one"}
	ch <- eventlog.Entry{Step: "b", Level: eventlog.LevelError, Message: "two"}
	close(ch)
	p.Drain(ch)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[a] one")
	assert.Contains(t, lines[1], "[b] two")
}

func TestColorFormatKeepsContent(t *testing.T) {
	p := &Printer{Color: true}
	out := p.Format(eventlog.Entry{Step: "ship", Level: eventlog.LevelWarn, Message: "slow link"})
	assert.Contains(t, out, "slow link")
	assert.Contains(t, out, "ship")
	assert.Contains(t, out, "WARN")
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	start := time.Now()
	p.Summary(pipeline.Result{
		Phase:    pipeline.PhaseDone,
		Phases:   []pipeline.Phase{pipeline.PhaseValidating, pipeline.PhaseBuilding, pipeline.PhaseRotating, pipeline.PhaseDone},
		Started:  start,
		Finished: start.Add(1500 * time.Millisecond),
	})
	assert.Equal(t, "DONE (validating -> building -> rotating -> done) in 1.5s\n", buf.String())
}
