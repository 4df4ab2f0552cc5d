package processors

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/framemart/framemart/internal/ffmpeg"
	"github.com/framemart/framemart/internal/httpclient"
	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/parallel"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/provider"
	"github.com/framemart/framemart/internal/storage"
)

// GeminiVideoAnalyzer runs the unified single-pass analysis over the
// whole video: product metadata, transcript, variant count estimate,
// per-version prompt suggestions, and key timestamps. Frames are then
// extracted at the key timestamps so downstream stages can run without
// a separate sampling pass.
type GeminiVideoAnalyzer struct {
	ffmpeg *ffmpeg.Runner
	logger *slog.Logger
}

// NewGeminiVideoAnalyzer creates the unified analyzer processor.
func NewGeminiVideoAnalyzer(runner *ffmpeg.Runner, logger *slog.Logger) *GeminiVideoAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiVideoAnalyzer{ffmpeg: runner, logger: logger}
}

func (p *GeminiVideoAnalyzer) ID() string               { return IDGeminiVideo }
func (p *GeminiVideoAnalyzer) Name() string             { return "Analyze video" }
func (p *GeminiVideoAnalyzer) Status() models.JobStatus { return models.JobStatusClassifying }

func (p *GeminiVideoAnalyzer) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathVideo},
		Produces: []core.DataPath{
			core.PathTranscript,
			core.PathProductMetadata,
			core.PathFrames,
			core.PathImages,
		},
	}
}

// defaultKeyFrameCap bounds how many key-timestamp frames are extracted
// when the analysis returns a long list.
const defaultKeyFrameCap = 10

func (p *GeminiVideoAnalyzer) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	if data.Video == nil || data.Video.Path == "" {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no local video to analyze", nil)
	}

	impl, id, err := pctx.Providers.Resolve(string(provider.KindUnifiedAnalyzer), opts.String("provider", ""), pctx.Seed)
	if err != nil {
		return nil, core.NewError(core.KindValidation, p.ID(), "no unified analyzer provider", err)
	}
	analyzer, ok := impl.(provider.UnifiedAnalyzer)
	if !ok {
		return nil, core.NewError(core.KindInternal, p.ID(),
			fmt.Sprintf("provider %s does not implement unified analysis", id), nil)
	}

	stop := pctx.Timer.Operation("analyze-video")
	analysis, err := analyzer.AnalyzeVideo(ctx, data.Video.Path, opts.String("model", pctx.JobConfig.GeminiModel))
	stop()
	if err != nil {
		if httpclient.IsPermanentStatus(err) {
			return nil, core.NewError(core.KindProviderPermanent, p.ID(), "video analysis rejected", err)
		}
		return nil, core.NewError(core.KindProviderTransient, p.ID(), "video analysis unavailable", err)
	}

	timestamps := p.frameTimestamps(analysis.KeyTimestamps, data.Video.Duration,
		opts.Int("max_frames", defaultKeyFrameCap))

	stopExtract := pctx.Timer.Operation("extract-key-frames")
	frames, err := p.extractKeyFrames(ctx, pctx, data.Video.Path, timestamps)
	stopExtract()
	if err != nil {
		return nil, err
	}

	pctx.Log().Info("video analyzed",
		slog.String("provider", id),
		slog.String("title", analysis.Product.Title),
		slog.Int("variant_count", analysis.VariantCount),
		slog.Int("key_timestamps", len(analysis.KeyTimestamps)),
		slog.Int("frames", len(frames)))

	md := data.Metadata
	md.Transcript = analysis.Transcript
	md.ProductMetadata = &core.ProductMetadata{
		Title:       analysis.Product.Title,
		Description: analysis.Product.Description,
		Category:    analysis.Product.Category,
		Brand:       analysis.Product.Brand,
		Colors:      analysis.Product.Colors,
		Keywords:    analysis.Product.Keywords,
	}
	md.Frames = frames
	if md.Extensions == nil {
		md.Extensions = make(map[string]any)
	}
	md.Extensions[extVariantCount] = analysis.VariantCount
	if len(analysis.KeyTimestamps) > 0 {
		md.Extensions[extKeyTimestamps] = analysis.KeyTimestamps
	}
	if len(analysis.SuggestedPrompts) > 0 {
		md.Extensions[extSuggestedPrompts] = analysis.SuggestedPrompts
	}

	paths := make([]string, len(frames))
	for i, f := range frames {
		paths[i] = f.Path
	}
	return &core.Outcome{Data: &core.Patch{
		Images:   paths,
		Metadata: &md,
	}}, nil
}

// frameTimestamps picks the seconds offsets to grab frames at. Analysis
// timestamps are clamped into the video and deduplicated; when the
// analysis returns none, offsets are spread evenly across the duration
// so the stage still yields frames.
func (p *GeminiVideoAnalyzer) frameTimestamps(key []float64, duration float64, limit int) []float64 {
	if limit < 1 {
		limit = 1
	}

	var out []float64
	seen := make(map[int64]struct{})
	for _, ts := range key {
		if ts < 0 {
			ts = 0
		}
		if duration > 0 && ts > duration {
			ts = duration
		}
		// Dedupe at millisecond granularity; analysis output often
		// repeats the same moment.
		ms := int64(ts * 1000)
		if _, dup := seen[ms]; dup {
			continue
		}
		seen[ms] = struct{}{}
		out = append(out, ts)
		if len(out) == limit {
			break
		}
	}
	if len(out) > 0 {
		sort.Float64s(out)
		return out
	}

	if duration <= 0 {
		return []float64{0}
	}
	n := limit
	if n > 5 {
		n = 5
	}
	for i := 0; i < n; i++ {
		out = append(out, duration*float64(i)/float64(n))
	}
	return out
}

// extractKeyFrames grabs one frame per timestamp in parallel, keeping
// results in timestamp order. Individual grab failures are tolerated as
// long as at least one frame lands.
func (p *GeminiVideoAnalyzer) extractKeyFrames(ctx context.Context, pctx *core.Context, videoPath string, timestamps []float64) ([]core.FrameMetadata, error) {
	outDir := pctx.Work.Dir(storage.DirFrames)

	result := parallel.Map(ctx, timestamps, func(ctx context.Context, ts float64, i int) (core.FrameMetadata, error) {
		outPath := filepath.Join(outDir, fmt.Sprintf("key_%03d.jpg", i+1))
		if err := p.ffmpeg.ExtractFrameAt(ctx, videoPath, outPath, ts); err != nil {
			return core.FrameMetadata{}, err
		}
		return core.FrameMetadata{
			FrameID:   fmt.Sprintf("key_%03d", i+1),
			Filename:  filepath.Base(outPath),
			Path:      outPath,
			Timestamp: ts,
			Index:     i,
		}, nil
	}, parallel.Options{Concurrency: pctx.Concurrency, Logger: pctx.Log()})

	if err := ctx.Err(); err != nil {
		return nil, core.NewError(core.KindCancelled, p.ID(), "key frame extraction cancelled", err)
	}
	if result.SuccessCount == 0 {
		return nil, core.NewError(core.KindResource, p.ID(), "no key frames extracted", result.FirstError())
	}
	if result.ErrorCount > 0 {
		pctx.Log().Warn("some key frames failed to extract",
			slog.Int("failed", result.ErrorCount),
			slog.Int("extracted", result.SuccessCount))
	}

	frames := result.Values()
	for i := range frames {
		frames[i].Index = i
	}
	return frames, nil
}

// Extension keys published by the analyzer for later stages.
const (
	extKeyTimestamps    = "analysis.keyTimestamps"
	extSuggestedPrompts = "analysis.suggestedPrompts"
)
