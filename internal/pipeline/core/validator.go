package core

import (
	"fmt"
	"strings"
)

// Validator checks stacks against the registry before execution. The
// core check is a monotonic reasoning walk: starting from the initial
// path set, each step must find its required paths already satisfied,
// then contributes its produced paths. Paths never retract during the
// walk, which matches the runtime's enrich-only data model.
type Validator struct {
	registry *Registry
}

// NewValidator creates a validator over the given registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// StackIO is the aggregate IO contract of a whole stack: what callers
// must supply up front and what a completed run guarantees.
type StackIO struct {
	// Requires is every path some step needs that no earlier step
	// produces.
	Requires []DataPath

	// Produces is the union of all step outputs.
	Produces []DataPath
}

// Validate walks the stack and returns a validation error naming the
// first step whose requirements cannot be met. initialPaths describes
// what the caller will provide before the first step runs. A stack with
// no steps validates trivially: executing it is a no-op that returns
// the initial data unchanged.
func (v *Validator) Validate(template *StackTemplate, initialPaths []DataPath) error {
	if template == nil || len(template.Steps) == 0 {
		return nil
	}

	available := NewPathSet(initialPaths...)
	for i, step := range template.Steps {
		p, err := v.registry.Get(step.Processor)
		if err != nil {
			return fmt.Errorf("%w: stack %q step %d: %v", ErrStackInvalid, template.ID, i, err)
		}

		io := p.IO()
		if missing := available.Missing(io.Requires); len(missing) > 0 {
			return fmt.Errorf("%w: stack %q step %d (%s) requires %s not yet available; satisfied at this point: %s",
				ErrStackInvalid, template.ID, i, step.Processor,
				joinPaths(missing), joinPaths(available.Sorted()))
		}
		available.Add(io.Produces...)
	}
	return nil
}

// StackIO computes the aggregate contract of a stack by the same walk.
// The result is cacheable; callers key the cache on the template id and
// the registry generation.
func (v *Validator) StackIO(template *StackTemplate) (StackIO, error) {
	var agg StackIO
	available := NewPathSet()
	required := NewPathSet()
	produced := NewPathSet()

	for i, step := range template.Steps {
		p, err := v.registry.Get(step.Processor)
		if err != nil {
			return agg, fmt.Errorf("%w: stack %q step %d: %v", ErrStackInvalid, templateID(template), i, err)
		}
		io := p.IO()
		for _, req := range io.Requires {
			if !available.Has(req) {
				required.Add(req)
			}
		}
		available.Add(io.Produces...)
		produced.Add(io.Produces...)
	}

	agg.Requires = required.Sorted()
	agg.Produces = produced.Sorted()
	return agg, nil
}

// ValidateSwaps checks every swap in cfg for IO compatibility: the
// replacement must declare exactly the original's requires and produces.
// The error quotes both contracts so the mismatch is visible without a
// debugger.
func (v *Validator) ValidateSwaps(cfg *StackConfig) error {
	if cfg == nil {
		return nil
	}
	for original, replacement := range cfg.ProcessorSwaps {
		origProc, err := v.registry.Get(original)
		if err != nil {
			return fmt.Errorf("%w: swap source: %v", ErrStackInvalid, err)
		}
		replProc, err := v.registry.Get(replacement)
		if err != nil {
			return fmt.Errorf("%w: swap target: %v", ErrStackInvalid, err)
		}

		origIO, replIO := origProc.IO(), replProc.IO()
		if !origIO.Equal(replIO) {
			return fmt.Errorf("%w: %q (requires %s, produces %s) cannot be replaced by %q (requires %s, produces %s)",
				ErrSwapIncompatible,
				original, joinPaths(origIO.Requires), joinPaths(origIO.Produces),
				replacement, joinPaths(replIO.Requires), joinPaths(replIO.Produces))
		}
	}
	return nil
}

func joinPaths(paths []DataPath) string {
	if len(paths) == 0 {
		return "[]"
	}
	strs := make([]string, len(paths))
	for i, p := range paths {
		strs[i] = string(p)
	}
	return "[" + strings.Join(strs, ", ") + "]"
}

func templateID(t *StackTemplate) string {
	if t == nil {
		return ""
	}
	return t.ID
}
