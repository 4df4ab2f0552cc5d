package processors

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/parallel"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/provider"
	"github.com/framemart/framemart/internal/storage"
)

// CenterProduct recenters each frame's product content onto a padded
// canvas via the image transform provider, rewriting frame paths into
// the candidates directory.
type CenterProduct struct {
	logger *slog.Logger
}

// NewCenterProduct creates the centering processor.
func NewCenterProduct(logger *slog.Logger) *CenterProduct {
	if logger == nil {
		logger = slog.Default()
	}
	return &CenterProduct{logger: logger}
}

func (p *CenterProduct) ID() string               { return IDCenterProduct }
func (p *CenterProduct) Name() string             { return "Center product" }
func (p *CenterProduct) Status() models.JobStatus { return models.JobStatusGenerating }

func (p *CenterProduct) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathFrames},
		Produces: []core.DataPath{core.PathFrames},
	}
}

func (p *CenterProduct) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	frames := data.Metadata.Frames
	if len(frames) == 0 {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no frames to center", nil)
	}

	impl, id, err := pctx.Providers.Resolve(string(provider.KindImageTransform), opts.String("provider", ""), pctx.Seed)
	if err != nil {
		return nil, core.NewError(core.KindValidation, p.ID(), "no image transform provider", err)
	}
	transformer, ok := impl.(provider.ImageTransformer)
	if !ok {
		return nil, core.NewError(core.KindInternal, p.ID(),
			fmt.Sprintf("provider %s does not implement image transforms", id), nil)
	}

	operation := opts.String("operation", "center")

	stop := pctx.Timer.Operation("center")
	defer stop()

	result := parallel.Map(ctx, frames, func(ctx context.Context, f core.FrameMetadata, _ int) (core.FrameMetadata, error) {
		outName := strings.TrimSuffix(f.Filename, filepath.Ext(f.Filename)) + ".png"
		outPath, err := pctx.Work.PathIn(storage.DirCandidates, outName)
		if err != nil {
			return f, err
		}
		if err := transformer.Transform(ctx, f.Path, outPath, operation); err != nil {
			return f, err
		}
		f.Path = outPath
		f.Filename = outName
		return f, nil
	}, parallel.Options{Concurrency: pctx.Concurrency, Logger: pctx.Log()})

	if err := result.FirstError(); err != nil && result.SuccessCount == 0 {
		return nil, core.NewError(core.KindResource, p.ID(), "centering failed for every frame", err)
	}

	// Failed items keep their original path rather than being dropped.
	out := make([]core.FrameMetadata, len(frames))
	for i, item := range result.Results {
		if item.OK() {
			out[i] = item.Value
		} else {
			p.logger.Warn("centering failed, keeping original frame",
				slog.String("frame_id", frames[i].FrameID),
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
