package processors

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/provider"
	"github.com/framemart/framemart/internal/storage"
)

// fakeProviders resolves every kind to the same implementation.
type fakeProviders struct {
	impl any
	id   string
	err  error
}

func (f *fakeProviders) Resolve(kind, explicitID, seed string) (any, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.impl, f.id, nil
}

func newTestContext(t *testing.T, providers core.ProviderSource) *core.Context {
	t.Helper()
	work, err := storage.NewWorkDirs(t.TempDir(), "01JC0000000000000000000000")
	require.NoError(t, err)
	return &core.Context{
		JobID:       models.MustParseULID("01JC0000000000000000000000"),
		UserID:      "user-1",
		Seed:        "seed-1",
		Work:        work,
		Providers:   providers,
		Timer:       core.NewTimer(),
		Concurrency: 2,
		JobConfig:   models.JobConfig{FPS: 4, BatchSize: 2},
	}
}

func writeTestImage(t *testing.T, path string, w, h int, fill color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(file, img))
	require.NoError(t, file.Close())
}

func framesData(paths ...string) *core.PipelineData {
	data := core.NewPipelineData()
	for i, p := range paths {
		data.Metadata.Frames = append(data.Metadata.Frames, core.FrameMetadata{
			FrameID:   fmt.Sprintf("frame_%05d", i+1),
			Filename:  filepath.Base(p),
			Path:      p,
			Timestamp: float64(i) / 4,
			Index:     i,
		})
	}
	data.SyncImages()
	return data
}

func TestDownloadRequiresVideoRecord(t *testing.T) {
	p := NewDownload(nil, nil, nil)
	pctx := newTestContext(t, nil)

	_, err := p.Execute(context.Background(), pctx, core.NewPipelineData(), nil)
	require.Error(t, err)
	assert.Equal(t, core.KindPrecondition, core.KindOf(err))
}

func TestFilterByScore(t *testing.T) {
	p := NewFilterByScore(nil)
	pctx := newTestContext(t, nil)

	data := core.NewPipelineData()
	for i := 0; i < 10; i++ {
		sharp := float64(10 * i) // 0, 10, ..., 90
		score := sharp
		data.Metadata.Frames = append(data.Metadata.Frames, core.FrameMetadata{
			FrameID:         fmt.Sprintf("f%d", i),
			Index:           i,
			Timestamp:       float64(i),
			Sharpness:       &sharp,
			Score:           &score,
			IsBestPerSecond: i%2 == 0,
		})
	}

	outcome, err := p.Execute(context.Background(), pctx, data, core.Options{
		"max_candidates": 4,
		"min_sharpness":  15.0,
	})
	require.NoError(t, err)
	outcome.Data.Apply(data)

	require.Len(t, data.Metadata.Frames, 4)
	// Chronological order preserved.
	for i := 1; i < len(data.Metadata.Frames); i++ {
		assert.Less(t, data.Metadata.Frames[i-1].Index, data.Metadata.Frames[i].Index)
	}
	// The sharpness floor removed frames 0 and 1.
	for _, f := range data.Metadata.Frames {
		require.NotNil(t, f.Sharpness)
		assert.GreaterOrEqual(t, *f.Sharpness, 15.0)
	}
	assert.Equal(t, data.FramePaths(), data.Images)
}

func TestFilterByScoreAllBlurryKeepsBestEffort(t *testing.T) {
	p := NewFilterByScore(nil)
	pctx := newTestContext(t, nil)

	data := core.NewPipelineData()
	for i := 0; i < 3; i++ {
		sharp := 1.0
		data.Metadata.Frames = append(data.Metadata.Frames, core.FrameMetadata{
			FrameID: fmt.Sprintf("f%d", i), Index: i, Sharpness: &sharp,
		})
	}

	outcome, err := p.Execute(context.Background(), pctx, data, core.Options{"min_sharpness": 50.0})
	require.NoError(t, err)
	outcome.Data.Apply(data)
	assert.Len(t, data.Metadata.Frames, 3, "uniformly blurry input keeps the whole set")
}

func TestScoreHelpers(t *testing.T) {
	flat := lumaPlane{pix: make([]float64, 100), width: 10, height: 10}
	assert.Zero(t, laplacianVariance(flat), "flat image has zero response")

	checker := lumaPlane{pix: make([]float64, 100), width: 10, height: 10}
	for i := range checker.pix {
		if (i+i/10)%2 == 0 {
			checker.pix[i] = 255
		}
	}
	assert.Greater(t, laplacianVariance(checker), laplacianVariance(flat))

	assert.Zero(t, meanAbsDiff(flat, flat))
	assert.Greater(t, meanAbsDiff(flat, checker), 0.0)
	mismatch := lumaPlane{pix: make([]float64, 25), width: 5, height: 5}
	assert.Equal(t, 255.0, meanAbsDiff(flat, mismatch), "dimension mismatch scores as full motion")

	assert.Greater(t, combineScores(100, 0), combineScores(100, 50), "motion dilutes the score")
}

func TestMarkBestPerSecond(t *testing.T) {
	mk := func(ts, score float64) core.FrameMetadata {
		s := score
		return core.FrameMetadata{Timestamp: ts, Score: &s}
	}
	frames := []core.FrameMetadata{mk(0.0, 10), mk(0.25, 30), mk(0.5, 20), mk(1.0, 5), mk(1.5, 50)}
	markBestPerSecond(frames)

	assert.False(t, frames[0].IsBestPerSecond)
	assert.True(t, frames[1].IsBestPerSecond, "best of second 0")
	assert.False(t, frames[2].IsBestPerSecond)
	assert.False(t, frames[3].IsBestPerSecond)
	assert.True(t, frames[4].IsBestPerSecond, "best of second 1")
}

func TestScoreFramesEndToEnd(t *testing.T) {
	dir := t.TempDir()
	sharpPath := filepath.Join(dir, "sharp.png")
	flatPath := filepath.Join(dir, "flat.png")

	// A checkerboard decodes to a high Laplacian response, a flat fill
	// to zero.
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	file, err := os.Create(sharpPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(file, img))
	require.NoError(t, file.Close())
	writeTestImage(t, flatPath, 64, 64, color.RGBA{R: 128, G: 128, B: 128, A: 255})

	p := NewScoreFrames(nil)
	pctx := newTestContext(t, nil)
	data := framesData(sharpPath, flatPath, filepath.Join(dir, "missing.png"))

	outcome, err := p.Execute(context.Background(), pctx, data, nil)
	require.NoError(t, err)
	outcome.Data.Apply(data)

	require.Len(t, data.Metadata.Frames, 2, "undecodable frame dropped")
	first, second := data.Metadata.Frames[0], data.Metadata.Frames[1]
	require.True(t, first.HasScores())
	require.True(t, second.HasScores())
	assert.Greater(t, *first.Sharpness, *second.Sharpness)
	assert.True(t, data.Satisfies(core.PathFramesScores))
}

// fakeClassifier accepts every even-indexed image into variant v1.
type fakeClassifier struct {
	calls atomic.Int32
}

func (f *fakeClassifier) ProviderID() string { return "fake" }
func (f *fakeClassifier) IsAvailable() bool  { return true }

func (f *fakeClassifier) Classify(_ context.Context, req provider.ClassificationRequest) ([]provider.FrameClassification, error) {
	f.calls.Add(1)
	out := make([]provider.FrameClassification, 0, len(req.ImagePaths))
	for i := range req.ImagePaths {
		out = append(out, provider.FrameClassification{
			ImageIndex: i,
			Accepted:   i%2 == 0,
			ProductID:  "p1",
			VariantID:  "v1",
		})
	}
	return out, nil
}

func TestGeminiClassify(t *testing.T) {
	classifier := &fakeClassifier{}
	pctx := newTestContext(t, &fakeProviders{impl: classifier, id: "fake"})
	p := NewGeminiClassify(nil)

	data := framesData("/w/a.jpg", "/w/b.jpg", "/w/c.jpg", "/w/d.jpg", "/w/e.jpg")
	outcome, err := p.Execute(context.Background(), pctx, data, nil)
	require.NoError(t, err)
	outcome.Data.Apply(data)

	// Batch size 2 over 5 frames: 3 batches, even index within each
	// batch accepted.
	assert.Equal(t, int32(3), classifier.calls.Load())
	require.Len(t, data.Metadata.Frames, 3)
	for _, f := range data.Metadata.Frames {
		assert.Equal(t, "v1", f.VariantID)
	}
	assert.True(t, data.Satisfies(core.PathFramesClassifications))

	// At least one final selection was forced for the variant.
	assert.NotEmpty(t, data.FinalFrames())

	v, ok := data.Extension(extVariantCount)
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestGeminiClassifyAllRejected(t *testing.T) {
	rejectAll := &rejectingClassifier{}
	pctx := newTestContext(t, &fakeProviders{impl: rejectAll, id: "fake"})
	p := NewGeminiClassify(nil)

	_, err := p.Execute(context.Background(), pctx, framesData("/w/a.jpg"), nil)
	require.Error(t, err)
	assert.Equal(t, core.KindProviderPermanent, core.KindOf(err))
}

type rejectingClassifier struct{}

func (r *rejectingClassifier) ProviderID() string { return "reject" }
func (r *rejectingClassifier) IsAvailable() bool  { return true }
func (r *rejectingClassifier) Classify(_ context.Context, req provider.ClassificationRequest) ([]provider.FrameClassification, error) {
	out := make([]provider.FrameClassification, len(req.ImagePaths))
	for i := range out {
		out[i] = provider.FrameClassification{ImageIndex: i, Accepted: false}
	}
	return out, nil
}

func TestRemoveBackgroundKeepsOriginalOnFailure(t *testing.T) {
	pctx := newTestContext(t, &fakeProviders{impl: &flakyRemover{}, id: "flaky"})
	p := NewRemoveBackground(nil)

	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	writeTestImage(t, a, 8, 8, color.White)
	writeTestImage(t, b, 8, 8, color.White)

	data := framesData(a, b)
	for i := range data.Metadata.Frames {
		data.Metadata.Frames[i].IsFinalSelection = true
	}

	outcome, err := p.Execute(context.Background(), pctx, data, core.Options{"only_final": false})
	require.NoError(t, err)
	outcome.Data.Apply(data)

	require.Len(t, data.Metadata.Frames, 2)
	// First frame succeeded and moved to the extracted dir, second kept
	// its original path.
	assert.Contains(t, data.Metadata.Frames[0].Path, storage.DirExtracted)
	assert.Equal(t, b, data.Metadata.Frames[1].Path)
}

// flakyRemover fails any frame named b.png and copies the rest.
type flakyRemover struct{}

func (f *flakyRemover) ProviderID() string { return "flaky" }
func (f *flakyRemover) IsAvailable() bool  { return true }
func (f *flakyRemover) RemoveBackground(_ context.Context, inputPath, outputPath string) error {
	if filepath.Base(inputPath) == "b.png" {
		return fmt.Errorf("boom")
	}
	in, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, in, 0o640)
}

func TestGenerateCommercial(t *testing.T) {
	pctx := newTestContext(t, &fakeProviders{impl: provider.NewImaging(nil), id: "imaging"})
	p := NewGenerateCommercial(nil)

	dir := t.TempDir()
	cutout := filepath.Join(dir, "cutout.png")
	writeTestImage(t, cutout, 16, 16, color.RGBA{R: 200, A: 255})

	data := framesData(cutout)
	data.Metadata.Frames[0].IsFinalSelection = true
	data.Metadata.Frames[0].VariantID = "v1"

	outcome, err := p.Execute(context.Background(), pctx, data, core.Options{
		"versions": []string{"transparent", "solid"},
	})
	require.NoError(t, err)
	outcome.Data.Apply(data)

	require.Len(t, data.Metadata.Frames, 3, "one original plus two versions")
	assert.True(t, data.Satisfies(core.PathFramesVersion))

	versions := map[string]bool{}
	for _, f := range data.Metadata.Frames {
		if f.Version != "" {
			versions[f.Version] = true
			assert.Equal(t, "frame_00001", f.SourceFrameID)
			assert.FileExists(t, f.Path)
		}
	}
	assert.True(t, versions["transparent"] && versions["solid"])
}

func TestGenerateCommercialRejectsUnknownVersion(t *testing.T) {
	pctx := newTestContext(t, &fakeProviders{impl: provider.NewImaging(nil), id: "imaging"})
	p := NewGenerateCommercial(nil)

	data := framesData("/w/a.png")
	data.Metadata.Frames[0].IsFinalSelection = true

	_, err := p.Execute(context.Background(), pctx, data, core.Options{"versions": []string{"holographic"}})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

// fakeFrameStore records upserts and hands out deterministic ids.
type fakeFrameStore struct {
	saved []models.Frame
}

func (f *fakeFrameStore) UpsertFrame(_ context.Context, frame *models.Frame) (string, error) {
	f.saved = append(f.saved, *frame)
	return fmt.Sprintf("db-%d", len(f.saved)), nil
}

func TestPersistFrames(t *testing.T) {
	store := &fakeFrameStore{}
	pctx := newTestContext(t, nil)
	p := NewPersistFrames(store, nil)

	sharp := 42.0
	data := framesData("/w/a.jpg", "/w/b.jpg")
	data.Metadata.Frames[0].Sharpness = &sharp
	data.Metadata.Frames[0].VariantID = "v1"

	outcome, err := p.Execute(context.Background(), pctx, data, nil)
	require.NoError(t, err)
	outcome.Data.Apply(data)

	require.Len(t, store.saved, 2)
	assert.Equal(t, pctx.JobID, store.saved[0].JobID)
	assert.Equal(t, 42.0, store.saved[0].Sharpness)
	assert.Equal(t, "db-1", data.Metadata.Frames[0].DBID)
	assert.Equal(t, "db-2", data.Metadata.Frames[1].DBID)
	assert.True(t, data.Satisfies(core.PathFramesDBID))
}

func TestUploadFrames(t *testing.T) {
	blobs, err := storage.NewFilesystemBlobStore(t.TempDir(), "https://cdn.test")
	require.NoError(t, err)

	pctx := newTestContext(t, nil)
	pctx.Blobs = blobs
	p := NewUploadFrames(nil)

	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	c := filepath.Join(dir, "c.png")
	writeTestImage(t, a, 4, 4, color.White)
	writeTestImage(t, b, 4, 4, color.White)
	writeTestImage(t, c, 4, 4, color.White)

	data := framesData(a, b, c)
	data.Metadata.Frames[0].IsFinalSelection = true
	data.Metadata.Frames[1].Version = "solid"
	// Frame 2 is neither final nor a commercial version.

	outcome, err := p.Execute(context.Background(), pctx, data, nil)
	require.NoError(t, err)
	outcome.Data.Apply(data)

	frames := data.Metadata.Frames
	assert.Equal(t, "https://cdn.test/jobs/01JC0000000000000000000000/frames/a.png", frames[0].S3URL)
	assert.Equal(t, "https://cdn.test/jobs/01JC0000000000000000000000/commercial/solid/b.png", frames[1].S3URL)
	assert.Empty(t, frames[2].S3URL)
	assert.True(t, data.Satisfies(core.PathFramesS3URL))

	// Second run is a no-op for already-uploaded frames.
	outcome, err = p.Execute(context.Background(), pctx, data, nil)
	require.NoError(t, err)
	outcome.Data.Apply(data)
	assert.Equal(t, "https://cdn.test/jobs/01JC0000000000000000000000/frames/a.png", data.Metadata.Frames[0].S3URL)
}

func TestCompleteJobSummary(t *testing.T) {
	pctx := newTestContext(t, nil)
	p := NewCompleteJob(nil)

	data := framesData("/w/a.jpg", "/w/b.jpg", "/w/c.jpg")
	data.Metadata.Frames[0].IsFinalSelection = true
	data.Metadata.Frames[0].VariantID = "v1"
	data.Metadata.Frames[2].Version = "solid"
	data.Metadata.Frames[2].VariantID = "v1"
	data.Metadata.Frames[2].SourceFrameID = "frame_00001"
	data.Metadata.Frames[2].S3URL = "https://cdn.test/x.png"
	data.Metadata.Extensions = map[string]any{extVariantCount: 2}

	outcome, err := p.Execute(context.Background(), pctx, data, nil)
	require.NoError(t, err)
	outcome.Data.Apply(data)

	raw, ok := data.Extension(ExtJobResult)
	require.True(t, ok)
	result, ok := raw.(models.JobResult)
	require.True(t, ok)

	assert.Equal(t, 3, result.FramesAnalyzed)
	assert.Equal(t, 2, result.VariantsDiscovered)
	assert.Equal(t, []string{"frame_00001"}, result.FinalFrames)
	// Commercial URLs are grouped by the source frame, one inner map of
	// version to URL per frame.
	require.Contains(t, result.CommercialImages, "frame_00001")
	assert.Equal(t, "https://cdn.test/x.png", result.CommercialImages["frame_00001"][models.CommercialVersionSolid])
}

func TestAnalyzerFrameTimestamps(t *testing.T) {
	p := NewGeminiVideoAnalyzer(nil, nil)

	// Clamped into the video, deduplicated, sorted, capped.
	got := p.frameTimestamps([]float64{-2, 5.0, 5.0, 31.0}, 30.0, 5)
	assert.Equal(t, []float64{0, 5.0, 30.0}, got)

	// The cap keeps the earliest-listed timestamps, not the smallest.
	got = p.frameTimestamps([]float64{9, 3, 6, 1}, 30.0, 2)
	assert.Equal(t, []float64{3, 9}, got)

	// No analysis timestamps: spread evenly across the duration.
	got = p.frameTimestamps(nil, 10.0, 10)
	assert.Equal(t, []float64{0, 2, 4, 6, 8}, got)

	// Unknown duration still yields one grab point.
	got = p.frameTimestamps(nil, 0, 10)
	assert.Equal(t, []float64{0}, got)
}

func TestAnalyzerIOIncludesFrames(t *testing.T) {
	p := NewGeminiVideoAnalyzer(nil, nil)
	io := p.IO()
	assert.Contains(t, io.Produces, core.PathFrames)
	assert.Contains(t, io.Produces, core.PathImages)
	assert.Contains(t, io.Produces, core.PathTranscript)
	assert.Contains(t, io.Produces, core.PathProductMetadata)
}

func TestVideoExt(t *testing.T) {
	assert.Equal(t, ".mp4", videoExt("https://h/x.mp4?sig=abc"))
	assert.Equal(t, ".mov", videoExt("https://h/clip.MOV"))
	assert.Equal(t, ".mp4", videoExt("https://h/stream"))
	assert.Equal(t, ".webm", videoExt("/local/v.webm"))
}

func TestRegisterAll(t *testing.T) {
	registry := core.NewRegistry()
	require.NoError(t, RegisterAll(registry, Deps{Frames: &fakeFrameStore{}}))

	ids := registry.IDs()
	for _, want := range []string{
		IDDownload, IDExtractFrames, IDScoreFrames, IDFilterByScore,
		IDGeminiClassify, IDGeminiVideo, IDCenterProduct, IDRemoveBG,
		IDGenerateComm, IDPersistFrames, IDUploadFrames, IDCompleteJob,
	} {
		assert.Contains(t, ids, want)
	}

	// Registering twice is a duplicate error.
	assert.Error(t, RegisterAll(registry, Deps{}))
}
