package processors

import (
	"log/slog"

	"github.com/framemart/framemart/internal/ffmpeg"
	"github.com/framemart/framemart/internal/httpclient"
	"github.com/framemart/framemart/internal/pipeline/core"
)

// Deps bundles the shared singletons the processors are built from.
type Deps struct {
	HTTP   *httpclient.Client
	FFmpeg *ffmpeg.Runner
	Frames FrameStore
	Logger *slog.Logger
}

// RegisterAll constructs the full processor suite and registers it with
// the given registry. Called once at startup, before the first job.
func RegisterAll(registry *core.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	all := []core.Processor{
		NewDownload(deps.HTTP, deps.FFmpeg, deps.Logger),
		NewExtractFrames(deps.FFmpeg, deps.Logger),
		NewScoreFrames(deps.Logger),
		NewFilterByScore(deps.Logger),
		NewGeminiClassify(deps.Logger),
		NewGeminiVideoAnalyzer(deps.FFmpeg, deps.Logger),
		NewCenterProduct(deps.Logger),
		NewRemoveBackground(deps.Logger),
		NewGenerateCommercial(deps.Logger),
		NewPersistFrames(deps.Frames, deps.Logger),
		NewUploadFrames(deps.Logger),
		NewCompleteJob(deps.Logger),
	}
	for _, p := range all {
		if err := registry.Register(p); err != nil {
			return err
		}
	}
	return nil
}
