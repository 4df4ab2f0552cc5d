// Package processors implements the pipeline stages: download, frame
// extraction, perceptual scoring, AI classification, background removal,
// commercial synthesis, persistence, and upload. Each processor is a
// startup-constructed singleton registered with the core registry.
package processors

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/framemart/framemart/internal/ffmpeg"
	"github.com/framemart/framemart/internal/httpclient"
	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/storage"
)

// Processor ids, referenced by stack templates and job configs.
const (
	IDDownload        = "download"
	IDExtractFrames   = "extract-frames"
	IDScoreFrames     = "score-frames"
	IDFilterByScore   = "filter-by-score"
	IDGeminiClassify  = "gemini-classify"
	IDGeminiVideo     = "gemini-unified-video-analyzer"
	IDCenterProduct   = "center-product"
	IDRemoveBG        = "remove-background"
	IDGenerateComm    = "generate-commercial"
	IDPersistFrames   = "persist-frames"
	IDUploadFrames    = "upload-frames"
	IDCompleteJob     = "complete-job"
)

// Download resolves video.sourceUrl to a local file in the job
// workspace and probes it. Local paths (file:// or plain paths that
// exist) are linked in rather than fetched, which the local-file stack
// relies on.
type Download struct {
	http   *httpclient.Client
	ffmpeg *ffmpeg.Runner
	logger *slog.Logger
}

// NewDownload creates the download processor.
func NewDownload(client *httpclient.Client, runner *ffmpeg.Runner, logger *slog.Logger) *Download {
	if logger == nil {
		logger = slog.Default()
	}
	return &Download{http: client, ffmpeg: runner, logger: logger}
}

func (p *Download) ID() string               { return IDDownload }
func (p *Download) Name() string             { return "Download video" }
func (p *Download) Status() models.JobStatus { return models.JobStatusDownloading }

func (p *Download) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathVideo},
		Produces: []core.DataPath{core.PathVideo},
	}
}

func (p *Download) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	if data.Video == nil {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no video in pipeline data", nil)
	}
	video := *data.Video

	// Already materialized on a previous attempt.
	if video.Path != "" {
		if _, err := os.Stat(video.Path); err == nil {
			pctx.Log().Debug("video already present, skipping download", slog.String("path", video.Path))
			return &core.Outcome{}, nil
		}
		video.Path = ""
	}

	source := video.SourceURL
	if source == "" {
		return nil, core.NewError(core.KindValidation, p.ID(), "no video source provided", nil)
	}

	localPath, err := pctx.Work.PathIn(storage.DirVideo, "input"+videoExt(source))
	if err != nil {
		return nil, core.NewError(core.KindResource, p.ID(), "resolving video path", err)
	}

	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		if err := p.fetch(ctx, pctx, source, localPath); err != nil {
			return nil, err
		}
	default:
		// Treat anything else as a local path; used by test stacks.
		local := strings.TrimPrefix(source, "file://")
		if _, err := os.Stat(local); err != nil {
			return nil, core.NewError(core.KindValidation, p.ID(),
				fmt.Sprintf("local video %s not found", local), err)
		}
		in, err := os.Open(local)
		if err != nil {
			return nil, core.NewError(core.KindResource, p.ID(), "opening local video", err)
		}
		defer in.Close()
		rel, err := pctx.Work.RelFromRoot(localPath)
		if err != nil {
			return nil, core.NewError(core.KindResource, p.ID(), "resolving workspace path", err)
		}
		if _, err := pctx.Work.Sandbox().AtomicWriteReader(rel, in); err != nil {
			return nil, core.NewError(core.KindResource, p.ID(), "copying local video", err)
		}
	}

	info, err := p.ffmpeg.Probe(ctx, localPath)
	if err != nil {
		return nil, core.NewError(core.KindValidation, p.ID(), "video could not be probed", err)
	}

	video.Path = localPath
	video.Duration = info.Duration
	video.FPS = info.FPS
	video.Width = info.Width
	video.Height = info.Height

	pctx.Log().Info("video ready",
		slog.String("path", localPath),
		slog.Float64("duration", info.Duration),
		slog.Float64("fps", info.FPS),
		slog.Int("width", info.Width),
		slog.Int("height", info.Height))

	return &core.Outcome{Data: &core.Patch{Video: &video}}, nil
}

func (p *Download) fetch(ctx context.Context, pctx *core.Context, url, localPath string) error {
	stop := pctx.Timer.Operation("download")
	defer stop()

	resp, err := p.http.Get(ctx, url)
	if err != nil {
		return core.NewError(core.KindProviderTransient, p.ID(), "video download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return core.NewError(core.KindValidation, p.ID(),
			fmt.Sprintf("video URL answered %d", resp.StatusCode), nil)
	}

	rel, err := pctx.Work.RelFromRoot(localPath)
	if err != nil {
		return core.NewError(core.KindResource, p.ID(), "resolving workspace path", err)
	}
	n, err := pctx.Work.Sandbox().AtomicWriteReader(rel, resp.Body)
	if err != nil {
		return core.NewError(core.KindResource, p.ID(), "writing downloaded video", err)
	}
	pctx.Log().Debug("video downloaded", slog.Int64("bytes", n))
	return nil
}

func videoExt(source string) string {
	ext := strings.ToLower(filepath.Ext(strings.SplitN(source, "?", 2)[0]))
	switch ext {
	case ".mp4", ".mov", ".webm", ".mkv", ".avi":
		return ext
	default:
		return ".mp4"
	}
}
