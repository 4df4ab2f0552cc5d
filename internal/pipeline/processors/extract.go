package processors

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/framemart/framemart/internal/ffmpeg"
	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/storage"
)

// ExtractFrames samples the video into JPEG frames and seeds the base
// frame metadata. Sampling rate comes from the job config, overridable
// per step with the "fps" option.
type ExtractFrames struct {
	ffmpeg *ffmpeg.Runner
	logger *slog.Logger
}

// NewExtractFrames creates the extraction processor.
func NewExtractFrames(runner *ffmpeg.Runner, logger *slog.Logger) *ExtractFrames {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractFrames{ffmpeg: runner, logger: logger}
}

func (p *ExtractFrames) ID() string               { return IDExtractFrames }
func (p *ExtractFrames) Name() string             { return "Extract frames" }
func (p *ExtractFrames) Status() models.JobStatus { return models.JobStatusExtracting }

func (p *ExtractFrames) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathVideo},
		Produces: []core.DataPath{core.PathFrames, core.PathImages},
	}
}

func (p *ExtractFrames) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	if data.Video == nil || data.Video.Path == "" {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no local video to extract from", nil)
	}

	fps := opts.Int("fps", pctx.JobConfig.FPS)
	if fps < 1 {
		fps = 4
	}

	stop := pctx.Timer.Operation("ffmpeg-extract")
	paths, err := p.ffmpeg.ExtractFrames(ctx, data.Video.Path, pctx.Work.Dir(storage.DirFrames), fps)
	stop()
	if err != nil {
		return nil, core.NewError(core.KindResource, p.ID(), "frame extraction failed", err)
	}

	frames := make([]core.FrameMetadata, len(paths))
	for i, path := range paths {
		frames[i] = core.FrameMetadata{
			FrameID:   fmt.Sprintf("frame_%05d", i+1),
			Filename:  filepath.Base(path),
			Path:      path,
			Timestamp: float64(i) / float64(fps),
			Index:     i,
		}
	}

	pctx.Log().Info("frames extracted",
		slog.Int("count", len(frames)),
		slog.Int("fps", fps))

	md := data.Metadata
	md.Frames = frames
	return &core.Outcome{Data: &core.Patch{
		Images:   paths,
		Metadata: &md,
	}}, nil
}
