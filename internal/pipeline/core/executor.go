package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Executor drives a configured stack over a PipelineData record. Steps
// run strictly sequentially; concurrency lives inside processors, never
// between them. Execution mutates data in place and also returns it for
// call-site convenience.
type Executor struct {
	registry     *Registry
	validator    *Validator
	configurator *Configurator
	logger       *slog.Logger
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	validator := NewValidator(registry)
	return &Executor{
		registry:     registry,
		validator:    validator,
		configurator: NewConfigurator(validator, logger),
		logger:       logger,
	}
}

// Validator exposes the executor's validator for catalogue IO caching.
func (e *Executor) Validator() *Validator {
	return e.validator
}

// Execute applies cfg to template, statically validates the result
// against data's currently satisfied paths, then runs it step by step.
//
// A processor returning Skip ends the run early with success. A
// processor error ends the run with that error after classification;
// partial enrichment already merged into data is kept so a retry can
// resume over it.
func (e *Executor) Execute(ctx context.Context, template *StackTemplate, cfg *StackConfig, pctx *Context, data *PipelineData, progress ProgressFunc) (*PipelineData, error) {
	e.registry.Freeze()

	configured, err := e.configurator.Apply(template, cfg)
	if err != nil {
		return data, NewError(KindValidation, "executor", "stack configuration rejected", err)
	}
	if err := e.validator.Validate(configured, data.SatisfiedPaths()); err != nil {
		return data, NewError(KindValidation, "executor", "stack validation failed", err)
	}

	strict := cfg != nil && cfg.StrictIOValidation
	total := len(configured.Steps)
	log := pctx.Log().With(slog.String("stack", configured.ID))
	if pctx.Timer == nil {
		pctx.Timer = NewTimer()
	}

	log.Info("stack starting", slog.Int("steps", total))

	for i, step := range configured.Steps {
		// Cancellation is observed at step boundaries only; a running
		// processor finishes or aborts via its own ctx handling.
		if err := ctx.Err(); err != nil {
			return data, NewError(KindCancelled, step.Processor, "job cancelled", err)
		}

		proc, err := e.registry.Get(step.Processor)
		if err != nil {
			return data, NewError(KindInternal, "executor", "configured processor vanished", err)
		}

		if step.Condition != nil && !step.Condition(data, pctx) {
			log.Debug("step condition false, skipping step",
				slog.String("processor", step.Processor), slog.Int("step", i+1))
			end := pctx.Timer.StartStep(step.Processor)
			end(true)
			continue
		}

		// Declared IO was proven statically; re-check against the live
		// record since conditions and skips can diverge from the walk.
		if missing := NewPathSet(data.SatisfiedPaths()...).Missing(proc.IO().Requires); len(missing) > 0 {
			if strict {
				return data, NewError(KindPrecondition, step.Processor,
					fmt.Sprintf("required data %s not present at runtime", joinPaths(missing)), nil)
			}
			log.Warn("required data missing at runtime, proceeding",
				slog.String("processor", step.Processor),
				slog.String("missing", joinPaths(missing)))
		}

		if progress != nil {
			progress(Progress{
				Status:      proc.Status(),
				Step:        step.Processor,
				CurrentStep: i + 1,
				TotalSteps:  total,
				Percentage:  float64(i) / float64(total) * 100,
				Message:     proc.Name(),
			})
		}

		stepLog := log.With(slog.String("processor", step.Processor), slog.Int("step", i+1), slog.Int("of", total))
		stepLog.Info("step starting")

		endStep := pctx.Timer.StartStep(step.Processor)
		outcome, err := proc.Execute(ctx, pctx, data, step.Options)
		endStep(false)

		if err != nil {
			stepLog.Error("step failed",
				slog.String("kind", string(KindOf(err))),
				slog.String("error", err.Error()))
			var pe *Error
			if errors.As(err, &pe) {
				return data, err
			}
			return data, NewError(KindOf(err), step.Processor, "processing step failed", err)
		}

		if outcome != nil {
			outcome.Data.Apply(data)
			if outcome.Skip {
				stepLog.Info("step requested stack termination")
				break
			}
		}
		stepLog.Info("step completed")
	}

	if progress != nil {
		progress(Progress{
			Step:        "done",
			CurrentStep: total,
			TotalSteps:  total,
			Percentage:  100,
		})
	}
	pctx.Timer.LogSummary(log)
	return data, nil
}
