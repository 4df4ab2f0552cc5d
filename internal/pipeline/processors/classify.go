package processors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/framemart/framemart/internal/httpclient"
	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/parallel"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/provider"
)

// GeminiClassify sends candidate frames to the classification provider
// in batches, enriches accepted frames with product and variant
// assignments, and drops rejected ones. The second of the two stages
// allowed to remove frames.
type GeminiClassify struct {
	logger *slog.Logger
}

// NewGeminiClassify creates the classification processor.
func NewGeminiClassify(logger *slog.Logger) *GeminiClassify {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClassify{logger: logger}
}

func (p *GeminiClassify) ID() string               { return IDGeminiClassify }
func (p *GeminiClassify) Name() string             { return "Classify frames" }
func (p *GeminiClassify) Status() models.JobStatus { return models.JobStatusClassifying }

func (p *GeminiClassify) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathFrames},
		Produces: []core.DataPath{core.PathFramesClassifications, core.PathProductMetadata},
	}
}

func (p *GeminiClassify) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	frames := data.Metadata.Frames
	if len(frames) == 0 {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no frames to classify", nil)
	}

	classifier, err := resolveClassifier(pctx, opts)
	if err != nil {
		return nil, err
	}

	batchSize := opts.Int("batch_size", pctx.JobConfig.BatchSize)
	if batchSize < 1 {
		batchSize = 10
	}
	model := opts.String("model", pctx.JobConfig.GeminiModel)

	productContext := ""
	if pm := data.Metadata.ProductMetadata; pm != nil {
		productContext = pm.Title
		if pm.Description != "" {
			productContext += ": " + pm.Description
		}
	}

	var batches [][]core.FrameMetadata
	for start := 0; start < len(frames); start += batchSize {
		end := start + batchSize
		if end > len(frames) {
			end = len(frames)
		}
		batches = append(batches, frames[start:end])
	}

	stop := pctx.Timer.Operation("classify")
	defer stop()

	result := parallel.Map(ctx, batches, func(ctx context.Context, batch []core.FrameMetadata, _ int) ([]core.FrameMetadata, error) {
		paths := make([]string, len(batch))
		for i, f := range batch {
			paths[i] = f.Path
		}
		classifications, err := classifier.Classify(ctx, provider.ClassificationRequest{
			ImagePaths:     paths,
			ProductContext: productContext,
			Transcript:     data.Metadata.Transcript,
			Model:          model,
		})
		if err != nil {
			return nil, err
		}

		accepted := make([]core.FrameMetadata, 0, len(batch))
		for _, c := range classifications {
			if !c.Accepted {
				continue
			}
			f := batch[c.ImageIndex]
			f.ProductID = c.ProductID
			f.VariantID = c.VariantID
			f.AngleEstimate = c.AngleEstimate
			f.RotationAngleDeg = c.RotationAngleDeg
			f.Obstructions = c.Obstructions
			f.BackgroundRecommendations = c.BackgroundRecommendations
			f.IsFinalSelection = c.IsFinalSelection
			accepted = append(accepted, f)
		}
		return accepted, nil
	}, parallel.Options{Concurrency: pctx.Concurrency, Logger: pctx.Log()})

	if err := result.FirstError(); err != nil && result.SuccessCount == 0 {
		return nil, classifyError(p.ID(), err)
	}

	var kept []core.FrameMetadata
	for _, item := range result.Results {
		if item.OK() {
			kept = append(kept, item.Value...)
		}
	}
	if len(kept) == 0 {
		return nil, core.NewError(core.KindProviderPermanent, p.ID(),
			"classification rejected every frame", result.FirstError())
	}

	// Ensure at least one final selection per variant so downstream
	// stages always have something to work with.
	ensureFinalSelections(kept)

	variants := make(map[string]struct{})
	for _, f := range kept {
		if f.VariantID != "" {
			variants[f.VariantID] = struct{}{}
		}
	}

	pctx.Log().Info("frames classified",
		slog.Int("in", len(frames)),
		slog.Int("accepted", len(kept)),
		slog.Int("variants", len(variants)),
		slog.Int("failed_batches", result.ErrorCount))

	images := make([]string, len(kept))
	for i, f := range kept {
		images[i] = f.Path
	}
	md := data.Metadata
	md.Frames = kept
	if md.Extensions == nil {
		md.Extensions = make(map[string]any)
	}
	md.Extensions[extVariantCount] = len(variants)
	return &core.Outcome{Data: &core.Patch{Images: images, Metadata: &md}}, nil
}

// extVariantCount carries the discovered variant count to the
// completion stage.
const extVariantCount = "variants.count"

func resolveClassifier(pctx *core.Context, opts core.Options) (provider.Classifier, error) {
	impl, id, err := pctx.Providers.Resolve(string(provider.KindClassification), opts.String("provider", ""), pctx.Seed)
	if err != nil {
		return nil, core.NewError(core.KindValidation, IDGeminiClassify, "no classification provider", err)
	}
	classifier, ok := impl.(provider.Classifier)
	if !ok {
		return nil, core.NewError(core.KindInternal, IDGeminiClassify,
			fmt.Sprintf("provider %s does not implement classification", id), nil)
	}
	return classifier, nil
}

func classifyError(op string, err error) error {
	if httpclient.IsPermanentStatus(err) {
		return core.NewError(core.KindProviderPermanent, op, "classification provider rejected the request", err)
	}
	return core.NewError(core.KindProviderTransient, op, "classification provider unavailable", err)
}

func ensureFinalSelections(frames []core.FrameMetadata) {
	hasFinal := make(map[string]bool)
	bestIdx := make(map[string]int)
	for i, f := range frames {
		key := f.VariantID
		if key == "" {
			key = f.ProductID
		}
		if f.IsFinalSelection {
			hasFinal[key] = true
		}
		if b, ok := bestIdx[key]; !ok || scoreOf(f) > scoreOf(frames[b]) {
			bestIdx[key] = i
		}
	}
	for key, i := range bestIdx {
		if !hasFinal[key] {
			frames[i].IsFinalSelection = true
		}
	}
}
