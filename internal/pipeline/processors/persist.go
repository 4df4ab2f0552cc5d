package processors

import (
	"context"
	"log/slog"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/core"
)

// FrameStore is the persistence surface this stage needs. The GORM
// frame repository implements it.
type FrameStore interface {
	// UpsertFrame stores or refreshes a frame keyed by (job, frame key)
	// and returns the row id. Idempotent so redelivered jobs do not
	// duplicate rows.
	UpsertFrame(ctx context.Context, frame *models.Frame) (string, error)
}

// PersistFrames writes the surviving frame records to the database and
// stamps each in-memory frame with its row id.
type PersistFrames struct {
	store  FrameStore
	logger *slog.Logger
}

// NewPersistFrames creates the persistence processor.
func NewPersistFrames(store FrameStore, logger *slog.Logger) *PersistFrames {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistFrames{store: store, logger: logger}
}

func (p *PersistFrames) ID() string               { return IDPersistFrames }
func (p *PersistFrames) Name() string             { return "Persist frames" }
func (p *PersistFrames) Status() models.JobStatus { return models.JobStatusGenerating }

func (p *PersistFrames) IO() core.IO {
	return core.IO{
		Requires: []core.DataPath{core.PathFrames},
		Produces: []core.DataPath{core.PathFramesDBID},
	}
}

func (p *PersistFrames) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	frames := data.Metadata.Frames
	if len(frames) == 0 {
		return nil, core.NewError(core.KindPrecondition, p.ID(), "no frames to persist", nil)
	}

	stop := pctx.Timer.Operation("persist")
	defer stop()

	out := make([]core.FrameMetadata, len(frames))
	for i, f := range frames {
		record := &models.Frame{
			JobID:            pctx.JobID,
			FrameKey:         f.FrameID,
			Filename:         f.Filename,
			Timestamp:        f.Timestamp,
			ProductID:        f.ProductID,
			VariantID:        f.VariantID,
			AngleEstimate:    f.AngleEstimate,
			IsFinalSelection: f.IsFinalSelection,
			Version:          f.Version,
			SourceFrameID:    f.SourceFrameID,
			S3URL:            f.S3URL,
		}
		if f.Sharpness != nil {
			record.Sharpness = *f.Sharpness
		}
		if f.Motion != nil {
			record.Motion = *f.Motion
		}
		if f.Score != nil {
			record.Score = *f.Score
		}

		id, err := p.store.UpsertFrame(ctx, record)
		if err != nil {
			return nil, core.NewError(core.KindResource, p.ID(), "storing frame record failed", err)
		}
		f.DBID = id
		out[i] = f
	}

	pctx.Log().Info("frames persisted", slog.Int("count", len(out)))

	md := data.Metadata
	md.Frames = out
	return &core.Outcome{Data: &core.Patch{Metadata: &md}}, nil
}
