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
	"github.com/framemart/framemart/internal/storage"
)

// GenerateCommercial fans each final-selection frame out into the
// requested commercial versions. Generated images are appended as new
// frame records carrying a version tag and a reference to their source
// frame; the originals stay in the set untouched.
type GenerateCommercial struct {
	logger *slog.Logger
}

// NewGenerateCommercial creates the commercial synthesis processor.
func NewGenerateCommercial(logger *slog.Logger) *GenerateCommercial {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerateCommercial{logger: logger}
}

func (p *GenerateCommercial) ID() string               { return IDGenerateComm }
func (p *GenerateCommercial) Name() string             { return "Generate commercial images" }
func (p *GenerateCommercial) Status() models.JobStatus { return models.JobStatusGenerating }

func (p *GenerateCommercial) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathFrames},
		Produces: []core.DataPath{core.PathFramesVersion},
	}
}

// task is one (frame, version) pair of the fan-out.
type commercialTask struct {
	frame   core.FrameMetadata
	version models.CommercialVersion
	prompt  string
}

func (p *GenerateCommercial) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	finals := data.FinalFrames()
	if len(finals) == 0 {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no final frames for commercial generation", nil)
	}

	impl, id, err := pctx.Providers.Resolve(string(provider.KindCommercialImage), opts.String("provider", ""), pctx.Seed)
	if err != nil {
		return nil, core.NewError(core.KindValidation, p.ID(), "no commercial image provider", err)
	}
	generator, ok := impl.(provider.CommercialImageGenerator)
	if !ok {
		return nil, core.NewError(core.KindInternal, p.ID(),
			fmt.Sprintf("provider %s does not implement commercial generation", id), nil)
	}

	versions := pctx.JobConfig.CommercialVersions
	if fromOpts := opts.Strings("versions"); len(fromOpts) > 0 {
		versions = make([]models.CommercialVersion, 0, len(fromOpts))
		for _, v := range fromOpts {
			versions = append(versions, models.CommercialVersion(v))
		}
	}
	if len(versions) == 0 {
		versions = []models.CommercialVersion{models.CommercialVersionTransparent, models.CommercialVersionSolid}
	}
	for _, v := range versions {
		if !models.ValidCommercialVersion(v) {
			return nil, core.NewError(core.KindValidation, p.ID(),
				fmt.Sprintf("unknown commercial version %q", v), nil)
		}
	}

	prompts, _ := data.Extension(extSuggestedPrompts)
	promptFor := func(v models.CommercialVersion) string {
		if m, ok := prompts.(map[string]string); ok {
			return m[string(v)]
		}
		return ""
	}

	var productInfo *provider.ProductInfo
	if pm := data.Metadata.ProductMetadata; pm != nil {
		productInfo = &provider.ProductInfo{
			Title:       pm.Title,
			Description: pm.Description,
			Category:    pm.Category,
			Brand:       pm.Brand,
			Colors:      pm.Colors,
			Keywords:    pm.Keywords,
		}
	}

	var tasks []commercialTask
	for _, f := range finals {
		for _, v := range versions {
			tasks = append(tasks, commercialTask{frame: f, version: v, prompt: promptFor(v)})
		}
	}

	stop := pctx.Timer.Operation("generate-commercial")
	defer stop()

	result := parallel.Map(ctx, tasks, func(ctx context.Context, t commercialTask, _ int) (core.FrameMetadata, error) {
		outName := fmt.Sprintf("%s_%s.png", t.frame.FrameID, t.version)
		outPath, err := pctx.Work.PathIn(storage.DirCommercial, outName)
		if err != nil {
			return core.FrameMetadata{}, err
		}
		err = generator.GenerateCommercial(ctx, provider.CommercialImageRequest{
			InputPath:  t.frame.Path,
			OutputPath: outPath,
			Version:    string(t.version),
			Prompt:     t.prompt,
			Product:    productInfo,
		})
		if err != nil {
			return core.FrameMetadata{}, err
		}

		generated := t.frame
		generated.FrameID = fmt.Sprintf("%s_%s", t.frame.FrameID, t.version)
		generated.Filename = outName
		generated.Path = outPath
		generated.Version = string(t.version)
		generated.SourceFrameID = t.frame.FrameID
		generated.IsFinalSelection = false
		return generated, nil
	}, parallel.Options{Concurrency: pctx.Concurrency, Logger: pctx.Log()})

	if result.SuccessCount == 0 {
		err := result.FirstError()
		if httpclient.IsPermanentStatus(err) {
			return nil, core.NewError(core.KindProviderPermanent, p.ID(), "commercial generation rejected", err)
		}
		return nil, core.NewError(core.KindProviderTransient, p.ID(), "commercial generation failed", err)
	}
	if result.ErrorCount > 0 {
		p.logger.Warn("some commercial images failed",
			slog.Int("generated", result.SuccessCount),
			slog.Int("failed", result.ErrorCount),
			slog.String("provider", id))
	}

	md := data.Metadata
	md.Frames = append(append([]core.FrameMetadata{}, md.Frames...), result.Values()...)

	pctx.Log().Info("commercial images generated",
		slog.Int("finals", len(finals)),
		slog.Int("versions", len(versions)),
		slog.Int("images", result.SuccessCount))

	return &core.Outcome{Data: &core.Patch{Metadata: &md}}, nil
}
