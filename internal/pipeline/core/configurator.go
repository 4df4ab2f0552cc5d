package core

import (
	"log/slog"
	"slices"
)

// Configurator rewrites a stack template under a StackConfig. The
// rewrite order is fixed: swaps first, then insertions, then option
// overlays, so an overlay keyed on a swapped-in processor id applies to
// the step that will actually run.
type Configurator struct {
	validator *Validator
	logger    *slog.Logger
}

// NewConfigurator creates a configurator. logger may be nil.
func NewConfigurator(validator *Validator, logger *slog.Logger) *Configurator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Configurator{validator: validator, logger: logger}
}

// Apply returns a new template with cfg applied. The input template is
// never mutated. Swaps are IO-checked before anything else; insertion
// anchors that match no step are skipped with a warning rather than
// failing the job.
func (c *Configurator) Apply(template *StackTemplate, cfg *StackConfig) (*StackTemplate, error) {
	out := &StackTemplate{
		ID:          template.ID,
		Name:        template.Name,
		Description: template.Description,
		Steps:       slices.Clone(template.Steps),
	}
	if cfg == nil {
		return out, nil
	}

	if err := c.validator.ValidateSwaps(cfg); err != nil {
		return nil, err
	}

	// Swaps. Every occurrence of the original id is replaced; the
	// step's template options are kept since the contracts match.
	if len(cfg.ProcessorSwaps) > 0 {
		for i := range out.Steps {
			if replacement, ok := cfg.ProcessorSwaps[out.Steps[i].Processor]; ok {
				c.logger.Debug("swapping processor",
					slog.String("stack", out.ID),
					slog.String("from", out.Steps[i].Processor),
					slog.String("to", replacement))
				out.Steps[i].Processor = replacement
			}
		}
	}

	// Insertions, after the first step matching the anchor. Applied in
	// declaration order, each against the already-rewritten step list.
	for _, ins := range cfg.InsertProcessors {
		idx := -1
		for i, step := range out.Steps {
			if step.Processor == ins.After {
				idx = i
				break
			}
		}
		if idx < 0 {
			c.logger.Warn("insertion anchor not present in stack, skipping",
				slog.String("stack", out.ID),
				slog.String("after", ins.After),
				slog.String("processor", ins.Processor))
			continue
		}
		if _, err := c.validator.registry.Get(ins.Processor); err != nil {
			return nil, err
		}
		step := StackStep{Processor: ins.Processor, Options: ins.Options}
		out.Steps = slices.Insert(out.Steps, idx+1, step)
	}

	// Option overlays, keyed by the post-rewrite processor id.
	if len(cfg.ProcessorOptions) > 0 {
		for i := range out.Steps {
			if overlay, ok := cfg.ProcessorOptions[out.Steps[i].Processor]; ok {
				out.Steps[i].Options = out.Steps[i].Options.Merge(overlay)
			}
		}
	}

	return out, nil
}
