package processors

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/framemart/framemart/internal/httpclient"
	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/parallel"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/provider"
	"github.com/framemart/framemart/internal/storage"
)

// RemoveBackground strips backgrounds from the final-selection frames
// through the background removal provider. This is the stage routed by
// the rembg/claid A/B test; the per-job seed keeps redeliveries on the
// same provider.
type RemoveBackground struct {
	logger *slog.Logger
}

// NewRemoveBackground creates the background removal processor.
func NewRemoveBackground(logger *slog.Logger) *RemoveBackground {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoveBackground{logger: logger}
}

func (p *RemoveBackground) ID() string               { return IDRemoveBG }
func (p *RemoveBackground) Name() string             { return "Remove background" }
func (p *RemoveBackground) Status() models.JobStatus { return models.JobStatusGenerating }

func (p *RemoveBackground) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathFrames},
		Produces: []core.DataPath{core.PathFrames},
	}
}

func (p *RemoveBackground) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	frames := data.Metadata.Frames
	if len(frames) == 0 {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no frames for background removal", nil)
	}

	impl, id, err := pctx.Providers.Resolve(string(provider.KindBackgroundRemoval), opts.String("provider", ""), pctx.Seed)
	if err != nil {
		return nil, core.NewError(core.KindValidation, p.ID(), "no background removal provider", err)
	}
	remover, ok := impl.(provider.BackgroundRemover)
	if !ok {
		return nil, core.NewError(core.KindInternal, p.ID(),
			fmt.Sprintf("provider %s does not implement background removal", id), nil)
	}

	// Only final selections are worth the provider cost; other frames
	// pass through untouched.
	onlyFinal := opts.Bool("only_final", true)

	stop := pctx.Timer.Operation("remove-background")
	defer stop()

	result := parallel.Map(ctx, frames, func(ctx context.Context, f core.FrameMetadata, _ int) (core.FrameMetadata, error) {
		if onlyFinal && !f.IsFinalSelection {
			return f, nil
		}
		outName := strings.TrimSuffix(f.Filename, filepath.Ext(f.Filename)) + "_cutout.png"
		outPath, err := pctx.Work.PathIn(storage.DirExtracted, outName)
		if err != nil {
			return f, err
		}
		if err := remover.RemoveBackground(ctx, f.Path, outPath); err != nil {
			return f, err
		}
		f.Path = outPath
		f.Filename = outName
		return f, nil
	}, parallel.Options{Concurrency: pctx.Concurrency, Logger: pctx.Log()})

	if result.ErrorCount > 0 && result.SuccessCount == 0 {
		err := result.FirstError()
		if httpclient.IsPermanentStatus(err) {
			return nil, core.NewError(core.KindProviderPermanent, p.ID(), "background removal rejected every frame", err)
		}
		return nil, core.NewError(core.KindProviderTransient, p.ID(), "background removal unavailable", err)
	}

	out := make([]core.FrameMetadata, len(frames))
	for i, item := range result.Results {
		if item.OK() {
			out[i] = item.Value
		} else {
			p.logger.Warn("background removal failed, keeping original frame",
				slog.String("frame_id", frames[i].FrameID),
				slog.String("provider", id),
				slog.String("error", item.Err.Error()))
			out[i] = frames[i]
		}
	}

	images := make([]string, len(out))
	for i, f := range out {
		images[i] = f.Path
	}
	md := data.Metadata
	md.Frames = out
	return &core.Outcome{Data: &core.Patch{Images: images, Metadata: &md}}, nil
}
