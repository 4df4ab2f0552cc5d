package processors

import (
	"context"
	"log/slog"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/core"
)

// ExtJobResult is the extension key under which the completion stage
// publishes the job result summary for the lifecycle layer.
const ExtJobResult = "job.result"

// CompleteJob folds the final pipeline state into a JobResult summary.
// It is the terminal step of every stack; the worker reads the summary
// from the extensions map when marking the job completed.
type CompleteJob struct {
	logger *slog.Logger
}

// NewCompleteJob creates the completion processor.
func NewCompleteJob(logger *slog.Logger) *CompleteJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompleteJob{logger: logger}
}

func (p *CompleteJob) ID() string               { return IDCompleteJob }
func (p *CompleteJob) Name() string             { return "Complete job" }
func (p *CompleteJob) Status() models.JobStatus { return models.JobStatusGenerating }

func (p *CompleteJob) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathFrames},
	}
}

func (p *CompleteJob) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	frames := data.Metadata.Frames

	result := models.JobResult{
		FramesAnalyzed: len(frames),
	}
	if v, ok := data.Extension(extVariantCount); ok {
		if n, ok := v.(int); ok {
			result.VariantsDiscovered = n
		}
	}

	commercial := make(map[string]map[models.CommercialVersion]string)
	for _, f := range frames {
		if f.IsFinalSelection {
			result.FinalFrames = append(result.FinalFrames, f.FrameID)
		}
		if f.Version != "" && f.S3URL != "" {
			// Generated images are grouped under the frame they were
			// synthesized from.
			key := f.SourceFrameID
			if key == "" {
				key = f.FrameID
			}
			if commercial[key] == nil {
				commercial[key] = make(map[models.CommercialVersion]string)
			}
			commercial[key][models.CommercialVersion(f.Version)] = f.S3URL
		}
	}
	if len(commercial) > 0 {
		result.CommercialImages = commercial
	}

	pctx.Log().Info("job summary assembled",
		slog.Int("frames_analyzed", result.FramesAnalyzed),
		slog.Int("variants_discovered", result.VariantsDiscovered),
		slog.Int("final_frames", len(result.FinalFrames)),
		slog.Int("commercial_groups", len(commercial)))

	md := data.Metadata
	if md.Extensions == nil {
		md.Extensions = make(map[string]any)
	}
	md.Extensions[ExtJobResult] = result

	// Terminal step: nothing after this can run, make that explicit.
	return &core.Outcome{Data: &core.Patch{Metadata: &md}, Skip: true}, nil
}
