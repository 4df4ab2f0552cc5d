package processors

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/parallel"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/storage"
)

// UploadFrames pushes the surviving frames to the blob store under the
// canonical jobs/<id>/... key layout and records the public URLs.
// Commercial images go under their version subpath, originals under
// frames/.
type UploadFrames struct {
	logger *slog.Logger
}

// NewUploadFrames creates the upload processor.
func NewUploadFrames(logger *slog.Logger) *UploadFrames {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadFrames{logger: logger}
}

func (p *UploadFrames) ID() string               { return IDUploadFrames }
func (p *UploadFrames) Name() string             { return "Upload frames" }
func (p *UploadFrames) Status() models.JobStatus { return models.JobStatusGenerating }

func (p *UploadFrames) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathFrames},
		Produces: []core.DataPath{core.PathFramesS3URL},
	}
}

func (p *UploadFrames) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	frames := data.Metadata.Frames
	if len(frames) == 0 {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no frames to upload", nil)
	}
	if pctx.Blobs == nil {
		return nil, core.NewError(core.KindValidation, p.ID(), "no blob store configured", nil)
	}

	onlyFinal := opts.Bool("only_final", true)
	jobID := pctx.JobID.String()

	stop := pctx.Timer.Operation("upload")
	defer stop()

	result := parallel.Map(ctx, frames, func(ctx context.Context, f core.FrameMetadata, _ int) (core.FrameMetadata, error) {
		if f.S3URL != "" {
			// Already uploaded on a previous attempt.
			return f, nil
		}
		if onlyFinal && !f.IsFinalSelection && f.Version == "" {
			return f, nil
		}

		subPath := "frames"
		if f.Version != "" {
			subPath = "commercial/" + f.Version
		}
		key, err := storage.BlobKey(jobID, subPath, f.Filename)
		if err != nil {
			return f, err
		}

		file, err := os.Open(f.Path)
		if err != nil {
			return f, err
		}
		defer file.Close()

		url, err := pctx.Blobs.Put(ctx, key, file, contentTypeFor(f.Filename))
		if err != nil {
			return f, err
		}
		f.S3URL = url
		return f, nil
	}, parallel.Options{Concurrency: pctx.Concurrency, Logger: pctx.Log()})

	if result.ErrorCount > 0 {
		// Uploads are all-or-nothing: a partial gallery is worse than a
		// retried job, and re-uploads are idempotent by key.
		return nil, core.NewError(core.KindResource, p.ID(), "frame upload failed", result.FirstError())
	}

	uploaded := 0
	out := make([]core.FrameMetadata, len(frames))
	for i, item := range result.Results {
		out[i] = item.Value
		if item.Value.S3URL != "" && frames[i].S3URL == "" {
			uploaded++
		}
	}

	pctx.Log().Info("frames uploaded", slog.Int("uploaded", uploaded))

	md := data.Metadata
	md.Frames = out
	return &core.Outcome{Data: &core.Patch{Metadata: &md}}, nil
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
