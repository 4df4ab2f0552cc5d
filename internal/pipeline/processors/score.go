package processors

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/parallel"
	"github.com/framemart/framemart/internal/pipeline/core"
)

// Scoring thumbnails are downscaled to this width before analysis;
// sharpness ranking is stable under the reduction and decoding dominates
// the cost otherwise.
const scoreThumbWidth = 320

// ScoreFrames computes perceptual quality scores per frame: Laplacian
// variance for sharpness and mean absolute luma difference against the
// previous frame for motion. Decoding and sharpness run in parallel;
// motion needs the previous thumbnail so it runs as a sequential pass
// over the decoded luma planes.
type ScoreFrames struct {
	logger *slog.Logger
}

// NewScoreFrames creates the scoring processor.
func NewScoreFrames(logger *slog.Logger) *ScoreFrames {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScoreFrames{logger: logger}
}

func (p *ScoreFrames) ID() string               { return IDScoreFrames }
func (p *ScoreFrames) Name() string             { return "Score frames" }
func (p *ScoreFrames) Status() models.JobStatus { return models.JobStatusScoring }

func (p *ScoreFrames) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathFrames},
		Produces: []core.DataPath{core.PathFramesScores},
	}
}

type lumaPlane struct {
	pix    []float64
	width  int
	height int
}

func (p *ScoreFrames) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	frames := data.Metadata.Frames
	if len(frames) == 0 {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no frames to score", nil)
	}

	stop := pctx.Timer.Operation("score")
	defer stop()

	type decoded struct {
		luma      lumaPlane
		sharpness float64
	}

	result := parallel.Map(ctx, frames, func(_ context.Context, f core.FrameMetadata, _ int) (decoded, error) {
		luma, err := loadLuma(f.Path)
		if err != nil {
			return decoded{}, fmt.Errorf("decoding %s: %w", f.Path, err)
		}
		return decoded{luma: luma, sharpness: laplacianVariance(luma)}, nil
	}, parallel.Options{Concurrency: pctx.Concurrency, Logger: pctx.Log()})

	if result.SuccessCount == 0 {
		return nil, core.NewError(core.KindResource, p.ID(), "no frame could be decoded", result.FirstError())
	}

	// Sequential motion pass over the decoded planes. Undecodable
	// frames are dropped rather than failing the job.
	out := make([]core.FrameMetadata, 0, result.SuccessCount)
	var prev *lumaPlane
	for i, item := range result.Results {
		if !item.OK() {
			p.logger.Warn("dropping undecodable frame",
				slog.String("frame_id", frames[i].FrameID),
				slog.String("error", item.Err.Error()))
			continue
		}

		f := frames[i]
		sharp := item.Value.sharpness
		motion := 0.0
		if prev != nil {
			motion = meanAbsDiff(*prev, item.Value.luma)
		}
		score := combineScores(sharp, motion)

		f.Sharpness = &sharp
		f.Motion = &motion
		f.Score = &score
		out = append(out, f)

		luma := item.Value.luma
		prev = &luma
	}

	markBestPerSecond(out)

	pctx.Log().Info("frames scored",
		slog.Int("scored", len(out)),
		slog.Int("dropped", len(frames)-len(out)))

	md := data.Metadata
	md.Frames = out
	return &core.Outcome{Data: &core.Patch{Metadata: &md}}, nil
}

// loadLuma decodes an image and reduces it to a downscaled luma plane.
func loadLuma(path string) (lumaPlane, error) {
	file, err := os.Open(path)
	if err != nil {
		return lumaPlane{}, err
	}
	defer file.Close()

	src, _, err := image.Decode(file)
	if err != nil {
		return lumaPlane{}, err
	}

	bounds := src.Bounds()
	w := scoreThumbWidth
	if bounds.Dx() < w {
		w = bounds.Dx()
	}
	h := bounds.Dy() * w / bounds.Dx()
	if h < 1 {
		h = 1
	}

	thumb := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), src, bounds, draw.Src, nil)

	pix := make([]float64, w*h)
	for i, v := range thumb.Pix {
		pix[i] = float64(v)
	}
	return lumaPlane{pix: pix, width: w, height: h}, nil
}

// laplacianVariance applies the 4-neighbor Laplacian and returns the
// response variance. Higher means sharper.
func laplacianVariance(l lumaPlane) float64 {
	if l.width < 3 || l.height < 3 {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for y := 1; y < l.height-1; y++ {
		for x := 1; x < l.width-1; x++ {
			i := y*l.width + x
			v := 4*l.pix[i] - l.pix[i-1] - l.pix[i+1] - l.pix[i-l.width] - l.pix[i+l.width]
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// meanAbsDiff is the mean absolute luma difference between consecutive
// thumbnails. Dimension mismatches score as full motion.
func meanAbsDiff(a, b lumaPlane) float64 {
	if a.width != b.width || a.height != b.height || len(a.pix) == 0 {
		return 255
	}
	var sum float64
	for i := range a.pix {
		sum += math.Abs(a.pix[i] - b.pix[i])
	}
	return sum / float64(len(a.pix))
}

// combineScores folds sharpness and motion into one ranking score.
// Sharp, still frames rank highest: motion dilutes because motion blur
// follows it.
func combineScores(sharpness, motion float64) float64 {
	return sharpness / (1 + motion/8)
}

// markBestPerSecond flags the best-scoring frame within each whole
// second of video.
func markBestPerSecond(frames []core.FrameMetadata) {
	bestBySecond := make(map[int]int)
	for i, f := range frames {
		sec := int(f.Timestamp)
		best, ok := bestBySecond[sec]
		if !ok || scoreOf(frames[i]) > scoreOf(frames[best]) {
			bestBySecond[sec] = i
		}
	}
	for _, i := range bestBySecond {
		frames[i].IsBestPerSecond = true
	}
}

func scoreOf(f core.FrameMetadata) float64 {
	if f.Score == nil {
		return 0
	}
	return *f.Score
}
