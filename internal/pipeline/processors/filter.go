package processors

import (
	"context"
	"log/slog"
	"sort"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/core"
)

// FilterByScore reduces the scored frame set to classification
// candidates: best-per-second frames first, topped up by score until
// max_candidates, with a floor on sharpness to drop unusable frames
// outright. One of the two stages allowed to remove frames.
type FilterByScore struct {
	logger *slog.Logger
}

// NewFilterByScore creates the filter processor.
func NewFilterByScore(logger *slog.Logger) *FilterByScore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilterByScore{logger: logger}
}

func (p *FilterByScore) ID() string               { return IDFilterByScore }
func (p *FilterByScore) Name() string             { return "Filter frames by score" }
func (p *FilterByScore) Status() models.JobStatus { return models.JobStatusScoring }

func (p *FilterByScore) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathFramesScores},
		Produces: []core.DataPath{core.PathFrames},
	}
}

func (p *FilterByScore) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	frames := data.Metadata.Frames
	if len(frames) == 0 {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no frames to filter", nil)
	}

	maxCandidates := opts.Int("max_candidates", 40)
	minSharpness := opts.Float("min_sharpness", 15)

	// Sharpness floor.
	usable := make([]core.FrameMetadata, 0, len(frames))
	for _, f := range frames {
		if f.Sharpness != nil && *f.Sharpness >= minSharpness {
			usable = append(usable, f)
		}
	}
	if len(usable) == 0 {
		// Uniformly blurry footage: keep the least bad frames instead
		// of failing, classification may still salvage a listing.
		p.logger.Warn("all frames below sharpness floor, keeping best effort set",
			slog.Float64("min_sharpness", minSharpness))
		usable = frames
	}

	selected := usable
	if len(usable) > maxCandidates {
		keep := make([]core.FrameMetadata, 0, maxCandidates)
		var rest []core.FrameMetadata
		for _, f := range usable {
			if f.IsBestPerSecond && len(keep) < maxCandidates {
				keep = append(keep, f)
			} else {
				rest = append(rest, f)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool {
			return scoreOf(rest[i]) > scoreOf(rest[j])
		})
		for _, f := range rest {
			if len(keep) >= maxCandidates {
				break
			}
			keep = append(keep, f)
		}
		// Restore chronological order after the top-up.
		sort.SliceStable(keep, func(i, j int) bool {
			return keep[i].Index < keep[j].Index
		})
		selected = keep
	}

	pctx.Log().Info("frames filtered",
		slog.Int("in", len(frames)),
		slog.Int("out", len(selected)))

	images := make([]string, len(selected))
	for i, f := range selected {
		images[i] = f.Path
	}
	md := data.Metadata
	md.Frames = selected
	return &core.Outcome{Data: &core.Patch{Images: images, Metadata: &md}}, nil
}
