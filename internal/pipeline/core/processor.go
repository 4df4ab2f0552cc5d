package core

import (
	"context"
	"log/slog"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/storage"
)

// IO is a processor's declared capability contract. Declared IO is
// authoritative: a processor must not read a path it did not require and
// must set every path it produces.
type IO struct {
	Requires []DataPath
	Produces []DataPath
}

// Equal reports whether two IO declarations match exactly, which is the
// swap-compatibility criterion.
func (io IO) Equal(other IO) bool {
	return pathsEqual(io.Requires, other.Requires) && pathsEqual(io.Produces, other.Produces)
}

func pathsEqual(a, b []DataPath) bool {
	if len(a) != len(b) {
		return false
	}
	set := NewPathSet(a...)
	for _, p := range b {
		if !set.Has(p) {
			return false
		}
	}
	return true
}

// Options carries the per-step option bag. Values come from stack
// templates, stack config overlays, and job config.
type Options map[string]any

// Int reads an integer option with a default.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Float reads a float option with a default.
func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// String reads a string option with a default.
func (o Options) String(key, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

// Bool reads a boolean option with a default.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

// Strings reads a string-slice option. Accepts []string and []any.
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Merge returns a new Options with overlay's keys shallow-merged on top.
func (o Options) Merge(overlay Options) Options {
	if len(overlay) == 0 {
		return o
	}
	out := make(Options, len(o)+len(overlay))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Outcome is a processor's successful return. A fatal failure is an
// error return instead.
type Outcome struct {
	// Data is shallow-merged onto the running PipelineData. Nil means
	// the processor had nothing to contribute (an explicit no-op).
	Data *Patch

	// Skip terminates the entire stack at this step with success.
	// A processor that merely wants to no-op returns a nil or empty
	// Data instead so the next step still runs.
	Skip bool
}

// Progress is a point-in-time progress report surfaced to the job record.
type Progress struct {
	Status      models.JobStatus
	Step        string
	CurrentStep int
	TotalSteps  int
	Percentage  float64
	Message     string
	Counts      models.JobProgress // optional counters, zero values ignored
}

// ProgressFunc receives executor progress reports.
type ProgressFunc func(Progress)

// ProviderSource resolves provider implementations for processors.
// The concrete registry lives in internal/provider; the core depends on
// this narrow surface only.
type ProviderSource interface {
	// Resolve returns the implementation for a provider kind, honoring
	// an explicit id when given and otherwise applying default or A/B
	// selection seeded by seed.
	Resolve(kind string, explicitID string, seed string) (any, string, error)
}

// Context carries everything a processor may touch during execution.
// One Context is built per job attempt and shared by every step.
type Context struct {
	// JobID identifies the enclosing job.
	JobID models.ULID

	// UserID is the job owner.
	UserID string

	// Seed drives deterministic A/B provider selection. It is stable
	// per job so redelivery picks the same variant.
	Seed string

	// Work is the per-job filesystem sandbox.
	Work *storage.WorkDirs

	// Blobs is the object store for uploads.
	Blobs storage.BlobStore

	// Providers resolves provider implementations.
	Providers ProviderSource

	// Logger is the job-scoped structured logger.
	Logger *slog.Logger

	// Timer records step and operation durations.
	Timer *Timer

	// Concurrency bounds parallel fan-out within a step.
	Concurrency int

	// JobConfig is the user-supplied processing configuration.
	JobConfig models.JobConfig
}

// Log returns the context's logger, defaulting when unset.
func (c *Context) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Processor is an identified unit of pipeline work with a declared IO
// contract. Implementations are process-wide singletons registered once
// at startup; Execute must be safe for sequential re-execution over its
// own output so queue redelivery needs no bespoke resume code.
type Processor interface {
	// ID returns the globally unique processor identifier.
	ID() string

	// Name returns a human-readable display name.
	Name() string

	// Status returns the job status to surface while this processor runs.
	Status() models.JobStatus

	// IO returns the declared capability contract.
	IO() IO

	// Execute performs the work. A non-nil error fails the whole job;
	// transient faults are recovered inside providers, not here.
	Execute(ctx context.Context, pctx *Context, data *PipelineData, opts Options) (*Outcome, error)
}

// Condition gates a stack step at runtime. A nil Condition always runs.
type Condition func(data *PipelineData, pctx *Context) bool

// StackStep is one step of a stack template.
type StackStep struct {
	// Processor is the processor id to run.
	Processor string

	// Options is the step's option bag.
	Options Options

	// Condition, when set, is evaluated before the step; false skips
	// the step and continues with the next.
	Condition Condition
}

// StackTemplate is the reusable declaration of a stack. Templates are
// immutable after registration; the id keys the IO-set cache.
type StackTemplate struct {
	ID          string
	Name        string
	Description string
	Steps       []StackStep
}

// StackConfig is a modifier bundle applied to a template before
// execution.
type StackConfig struct {
	// ProcessorSwaps maps processor ids to their replacements.
	ProcessorSwaps map[string]string

	// InsertProcessors adds steps after named processors.
	InsertProcessors []InsertSpec

	// ProcessorOptions overlays options per processor id.
	ProcessorOptions map[string]Options

	// StrictIOValidation fails execution on a missing runtime IO
	// requirement instead of logging and proceeding.
	StrictIOValidation bool
}

// InsertSpec describes one inserted step.
type InsertSpec struct {
	// After is the processor id to insert behind; the first match wins.
	After string

	// Processor is the inserted processor id.
	Processor string

	// Options is the inserted step's option bag.
	Options Options
}
