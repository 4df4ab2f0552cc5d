package core

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Timer records step and operation durations for one stack execution.
// Steps are opened by the executor; processors may open named operations
// inside the current step for finer-grained timing. Safe for concurrent
// operation recording from parallel fan-out.
type Timer struct {
	mu    sync.Mutex
	start time.Time
	steps []*StepTiming
	open  *StepTiming
}

// StepTiming is the recorded duration of one executed step.
type StepTiming struct {
	Processor  string
	Duration   time.Duration
	Skipped    bool
	Operations []OperationTiming

	started time.Time
}

// OperationTiming is one named operation inside a step.
type OperationTiming struct {
	Name     string
	Duration time.Duration
}

// NewTimer creates a Timer with the clock started.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartStep opens a step scope. The returned func closes it; skipped
// marks a step whose condition gated it off.
func (t *Timer) StartStep(processor string) func(skipped bool) {
	t.mu.Lock()
	step := &StepTiming{Processor: processor, started: time.Now()}
	t.steps = append(t.steps, step)
	t.open = step
	t.mu.Unlock()

	return func(skipped bool) {
		t.mu.Lock()
		defer t.mu.Unlock()
		step.Duration = time.Since(step.started)
		step.Skipped = skipped
		if t.open == step {
			t.open = nil
		}
	}
}

// Operation records a named operation inside the currently open step.
// Outside a step scope the measurement is dropped.
func (t *Timer) Operation(name string) func() {
	started := time.Now()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.open == nil {
			return
		}
		t.open.Operations = append(t.open.Operations, OperationTiming{
			Name:     name,
			Duration: time.Since(started),
		})
	}
}

// Total returns the wall time since the timer started.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Steps returns a copy of the recorded step timings.
func (t *Timer) Steps() []StepTiming {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StepTiming, len(t.steps))
	for i, s := range t.steps {
		out[i] = *s
	}
	return out
}

// Summary renders a compact single-line breakdown for logs, slowest
// steps first.
func (t *Timer) Summary() string {
	steps := t.Steps()
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Duration > steps[j].Duration
	})

	var b strings.Builder
	fmt.Fprintf(&b, "total=%s", t.Total().Round(time.Millisecond))
	for _, s := range steps {
		if s.Skipped {
			fmt.Fprintf(&b, " %s=skipped", s.Processor)
			continue
		}
		fmt.Fprintf(&b, " %s=%s", s.Processor, s.Duration.Round(time.Millisecond))
	}
	return b.String()
}

// LogSummary emits the per-step breakdown as structured attributes.
func (t *Timer) LogSummary(logger *slog.Logger) {
	attrs := []any{slog.Duration("total", t.Total())}
	for _, s := range t.Steps() {
		if s.Skipped {
			continue
		}
		attrs = append(attrs, slog.Duration(s.Processor, s.Duration))
	}
	logger.Info("stack timing", attrs...)
}
