package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framemart/framemart/internal/models"
)

// fakeProcessor is a scriptable processor for runtime tests.
type fakeProcessor struct {
	id      string
	io      IO
	execute func(ctx context.Context, pctx *Context, data *PipelineData, opts Options) (*Outcome, error)
}

func (f *fakeProcessor) ID() string               { return f.id }
func (f *fakeProcessor) Name() string             { return f.id }
func (f *fakeProcessor) Status() models.JobStatus { return models.JobStatusExtracting }
func (f *fakeProcessor) IO() IO                   { return f.io }

func (f *fakeProcessor) Execute(ctx context.Context, pctx *Context, data *PipelineData, opts Options) (*Outcome, error) {
	if f.execute != nil {
		return f.execute(ctx, pctx, data, opts)
	}
	return &Outcome{}, nil
}

func producer(id string, produces ...DataPath) *fakeProcessor {
	return &fakeProcessor{id: id, io: IO{Produces: produces}}
}

func consumer(id string, requires []DataPath, produces ...DataPath) *fakeProcessor {
	return &fakeProcessor{id: id, io: IO{Requires: requires, Produces: produces}}
}

func videoData() *PipelineData {
	return &PipelineData{Video: &VideoData{SourceURL: "https://example.com/v.mp4"}}
}

func TestRegistryRegisterAndFreeze(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(producer("a", PathVideo)))

	err := reg.Register(producer("a", PathVideo))
	assert.ErrorIs(t, err, ErrDuplicateProcessor)

	gen := reg.Generation()
	require.NoError(t, reg.Register(producer("b", PathFrames)))
	assert.Greater(t, reg.Generation(), gen)

	reg.Freeze()
	err = reg.Register(producer("c", PathImages))
	assert.ErrorIs(t, err, ErrRegistryFrozen)

	reg.Clear()
	require.NoError(t, reg.Register(producer("c", PathImages)))
	assert.Equal(t, []string{"c"}, reg.IDs())
}

func TestValidatorMonotonicWalk(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(consumer("download", []DataPath{PathVideo}, PathVideo))
	reg.MustRegister(consumer("extract", []DataPath{PathVideo}, PathFrames, PathImages))
	reg.MustRegister(consumer("score", []DataPath{PathFrames}, PathFramesScores))
	v := NewValidator(reg)

	ok := &StackTemplate{ID: "ok", Steps: []StackStep{
		{Processor: "download"}, {Processor: "extract"}, {Processor: "score"},
	}}
	assert.NoError(t, v.Validate(ok, []DataPath{PathVideo}))

	// Scoring before extraction must fail and name the missing path.
	bad := &StackTemplate{ID: "bad", Steps: []StackStep{
		{Processor: "download"}, {Processor: "score"},
	}}
	err := v.Validate(bad, []DataPath{PathVideo})
	require.ErrorIs(t, err, ErrStackInvalid)
	assert.Contains(t, err.Error(), "frames")
	assert.Contains(t, err.Error(), "score")

	// Unknown processor id.
	missing := &StackTemplate{ID: "missing", Steps: []StackStep{{Processor: "nope"}}}
	err = v.Validate(missing, nil)
	require.ErrorIs(t, err, ErrStackInvalid)
	assert.ErrorIs(t, err, ErrProcessorNotFound)

	// Empty stacks validate trivially.
	assert.NoError(t, v.Validate(&StackTemplate{ID: "empty"}, nil))
	assert.NoError(t, v.Validate(nil, nil))
}

func TestValidatorStackIO(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(consumer("extract", []DataPath{PathVideo}, PathFrames))
	reg.MustRegister(consumer("score", []DataPath{PathFrames}, PathFramesScores))
	v := NewValidator(reg)

	io, err := v.StackIO(&StackTemplate{ID: "s", Steps: []StackStep{
		{Processor: "extract"}, {Processor: "score"},
	}})
	require.NoError(t, err)
	// frames is produced internally, so only video leaks out as a requirement.
	assert.Equal(t, []DataPath{PathVideo}, io.Requires)
	assert.Equal(t, []DataPath{PathFrames, PathFramesScores}, io.Produces)
}

func TestValidateSwapsQuotesBothContracts(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(consumer("rembg", []DataPath{PathFrames}, PathFrames))
	reg.MustRegister(consumer("claid", []DataPath{PathFrames}, PathFrames))
	reg.MustRegister(consumer("uploader", []DataPath{PathFrames}, PathFramesS3URL))
	v := NewValidator(reg)

	assert.NoError(t, v.ValidateSwaps(&StackConfig{
		ProcessorSwaps: map[string]string{"rembg": "claid"},
	}))

	err := v.ValidateSwaps(&StackConfig{
		ProcessorSwaps: map[string]string{"rembg": "uploader"},
	})
	require.ErrorIs(t, err, ErrSwapIncompatible)
	assert.Contains(t, err.Error(), "frames.s3Url")
	assert.Contains(t, err.Error(), `"rembg"`)
	assert.Contains(t, err.Error(), `"uploader"`)
}

func TestConfiguratorRewriteOrder(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(consumer("a", nil, PathFrames))
	reg.MustRegister(consumer("b", nil, PathFrames))
	reg.MustRegister(producer("inserted", PathFramesScores))
	v := NewValidator(reg)
	c := NewConfigurator(v, nil)

	tmpl := &StackTemplate{ID: "t", Steps: []StackStep{
		{Processor: "a", Options: Options{"x": 1}},
	}}

	out, err := c.Apply(tmpl, &StackConfig{
		ProcessorSwaps:   map[string]string{"a": "b"},
		InsertProcessors: []InsertSpec{{After: "b", Processor: "inserted", Options: Options{"y": 2}}},
		ProcessorOptions: map[string]Options{
			"b":        {"x": 9}, // keyed on the swapped-in id
			"inserted": {"y": 3},
		},
	})
	require.NoError(t, err)

	require.Len(t, out.Steps, 2)
	assert.Equal(t, "b", out.Steps[0].Processor)
	assert.Equal(t, 9, out.Steps[0].Options.Int("x", 0))
	assert.Equal(t, "inserted", out.Steps[1].Processor)
	assert.Equal(t, 3, out.Steps[1].Options.Int("y", 0))

	// Original template untouched.
	assert.Equal(t, "a", tmpl.Steps[0].Processor)
	assert.Equal(t, 1, tmpl.Steps[0].Options.Int("x", 0))
}

func TestConfiguratorSkipsUnmatchedInsertAnchor(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(producer("a", PathFrames))
	reg.MustRegister(producer("extra", PathFramesScores))
	c := NewConfigurator(NewValidator(reg), nil)

	out, err := c.Apply(&StackTemplate{ID: "t", Steps: []StackStep{{Processor: "a"}}}, &StackConfig{
		InsertProcessors: []InsertSpec{{After: "ghost", Processor: "extra"}},
	})
	require.NoError(t, err)
	assert.Len(t, out.Steps, 1)
}

func TestExecutorRunsStepsAndMergesPatches(t *testing.T) {
	reg := NewRegistry()
	var order []string

	reg.MustRegister(&fakeProcessor{
		id: "fill-frames",
		io: IO{Requires: []DataPath{PathVideo}, Produces: []DataPath{PathFrames}},
		execute: func(_ context.Context, _ *Context, data *PipelineData, _ Options) (*Outcome, error) {
			order = append(order, "fill-frames")
			md := data.Metadata
			md.Frames = []FrameMetadata{{FrameID: "f1", Path: "/w/f1.jpg"}}
			return &Outcome{Data: &Patch{Metadata: &md}}, nil
		},
	})
	reg.MustRegister(&fakeProcessor{
		id: "set-text",
		io: IO{Requires: []DataPath{PathFrames}},
		execute: func(_ context.Context, _ *Context, data *PipelineData, _ Options) (*Outcome, error) {
			order = append(order, "set-text")
			txt := "hello"
			return &Outcome{Data: &Patch{Text: &txt}}, nil
		},
	})

	exec := NewExecutor(reg, nil)
	data := videoData()
	var reports []Progress
	pctx := &Context{}

	_, err := exec.Execute(context.Background(),
		&StackTemplate{ID: "t", Steps: []StackStep{{Processor: "fill-frames"}, {Processor: "set-text"}}},
		nil, pctx, data,
		func(p Progress) { reports = append(reports, p) })
	require.NoError(t, err)

	assert.Equal(t, []string{"fill-frames", "set-text"}, order)
	assert.Equal(t, "hello", data.Text)
	require.Len(t, data.Metadata.Frames, 1)
	// Video untouched by patches that did not return it.
	assert.Equal(t, "https://example.com/v.mp4", data.Video.SourceURL)

	require.NotEmpty(t, reports)
	assert.Equal(t, float64(100), reports[len(reports)-1].Percentage)
	assert.NotEmpty(t, pctx.Timer.Steps())
}

func TestExecutorEmptyStackIsNoOp(t *testing.T) {
	exec := NewExecutor(NewRegistry(), nil)
	data := videoData()

	out, err := exec.Execute(context.Background(),
		&StackTemplate{ID: "empty"}, nil, &Context{}, data, nil)
	require.NoError(t, err)
	assert.Same(t, data, out)
	assert.Equal(t, "https://example.com/v.mp4", out.Video.SourceURL)
}

func TestExecutorSkipTerminatesStack(t *testing.T) {
	reg := NewRegistry()
	ran := map[string]bool{}
	reg.MustRegister(&fakeProcessor{
		id: "first",
		execute: func(_ context.Context, _ *Context, _ *PipelineData, _ Options) (*Outcome, error) {
			ran["first"] = true
			return &Outcome{Skip: true}, nil
		},
	})
	reg.MustRegister(&fakeProcessor{
		id: "second",
		execute: func(_ context.Context, _ *Context, _ *PipelineData, _ Options) (*Outcome, error) {
			ran["second"] = true
			return &Outcome{}, nil
		},
	})

	exec := NewExecutor(reg, nil)
	_, err := exec.Execute(context.Background(),
		&StackTemplate{ID: "t", Steps: []StackStep{{Processor: "first"}, {Processor: "second"}}},
		nil, &Context{}, NewPipelineData(), nil)
	require.NoError(t, err)
	assert.True(t, ran["first"])
	assert.False(t, ran["second"], "skip must short-circuit the remaining steps")
}

func TestExecutorConditionGatesStep(t *testing.T) {
	reg := NewRegistry()
	var ran bool
	reg.MustRegister(&fakeProcessor{
		id: "gated",
		execute: func(_ context.Context, _ *Context, _ *PipelineData, _ Options) (*Outcome, error) {
			ran = true
			return &Outcome{}, nil
		},
	})
	reg.MustRegister(producer("after"))

	exec := NewExecutor(reg, nil)
	_, err := exec.Execute(context.Background(),
		&StackTemplate{ID: "t", Steps: []StackStep{
			{Processor: "gated", Condition: func(d *PipelineData, _ *Context) bool { return len(d.Images) > 0 }},
			{Processor: "after"},
		}},
		nil, &Context{}, NewPipelineData(), nil)
	require.NoError(t, err)
	assert.False(t, ran, "condition false must skip only this step")
}

func TestExecutorStrictRuntimeIO(t *testing.T) {
	reg := NewRegistry()
	// Declared produces frames, but lies at runtime.
	reg.MustRegister(&fakeProcessor{
		id: "liar",
		io: IO{Produces: []DataPath{PathFrames}},
		execute: func(_ context.Context, _ *Context, _ *PipelineData, _ Options) (*Outcome, error) {
			return &Outcome{}, nil
		},
	})
	reg.MustRegister(consumer("needs-frames", []DataPath{PathFrames}))

	tmpl := &StackTemplate{ID: "t", Steps: []StackStep{{Processor: "liar"}, {Processor: "needs-frames"}}}

	strict := NewExecutor(reg, nil)
	_, err := strict.Execute(context.Background(), tmpl,
		&StackConfig{StrictIOValidation: true}, &Context{}, NewPipelineData(), nil)
	require.Error(t, err)
	assert.Equal(t, KindPrecondition, KindOf(err))

	// Lenient mode logs and proceeds.
	_, err = strict.Execute(context.Background(), tmpl, nil, &Context{}, NewPipelineData(), nil)
	assert.NoError(t, err)
}

func TestExecutorCancellationAtStepBoundary(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	reg.MustRegister(&fakeProcessor{
		id: "canceller",
		execute: func(_ context.Context, _ *Context, _ *PipelineData, _ Options) (*Outcome, error) {
			cancel()
			return &Outcome{}, nil
		},
	})
	reg.MustRegister(producer("never"))

	exec := NewExecutor(reg, nil)
	_, err := exec.Execute(ctx,
		&StackTemplate{ID: "t", Steps: []StackStep{{Processor: "canceller"}, {Processor: "never"}}},
		nil, &Context{}, NewPipelineData(), nil)
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestExecutorClassifiesProcessorErrors(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&fakeProcessor{
		id: "perm",
		execute: func(_ context.Context, _ *Context, _ *PipelineData, _ Options) (*Outcome, error) {
			return nil, NewError(KindProviderPermanent, "perm", "provider rejected the video", nil)
		},
	})
	reg.MustRegister(&fakeProcessor{
		id: "plain",
		execute: func(_ context.Context, _ *Context, _ *PipelineData, _ Options) (*Outcome, error) {
			return nil, errors.New("disk on fire")
		},
	})

	exec := NewExecutor(reg, nil)

	_, err := exec.Execute(context.Background(),
		&StackTemplate{ID: "t", Steps: []StackStep{{Processor: "perm"}}},
		nil, &Context{}, NewPipelineData(), nil)
	assert.Equal(t, KindProviderPermanent, KindOf(err))
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "provider rejected the video", pe.UserMessage())

	_, err = exec.Execute(context.Background(),
		&StackTemplate{ID: "t2", Steps: []StackStep{{Processor: "plain"}}},
		nil, &Context{}, NewPipelineData(), nil)
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestPatchApplySemantics(t *testing.T) {
	data := videoData()
	data.Text = "keep"
	data.Metadata.Frames = []FrameMetadata{{FrameID: "f1"}}

	// Empty patch leaves everything alone.
	(&Patch{}).Apply(data)
	assert.Equal(t, "keep", data.Text)
	assert.Len(t, data.Metadata.Frames, 1)

	// Nil patch is a no-op too.
	var nilPatch *Patch
	nilPatch.Apply(data)
	assert.Equal(t, "keep", data.Text)

	// Metadata replacement is wholesale.
	(&Patch{Metadata: &Metadata{Transcript: "words"}}).Apply(data)
	assert.Equal(t, "words", data.Metadata.Transcript)
	assert.Empty(t, data.Metadata.Frames, "metadata patches replace the whole subrecord")
}

func TestDataPathSatisfies(t *testing.T) {
	data := NewPipelineData()
	assert.Empty(t, data.SatisfiedPaths())

	data.Video = &VideoData{SourceURL: "u"}
	assert.True(t, data.Satisfies(PathVideo))

	sharp := 0.8
	data.Metadata.Frames = []FrameMetadata{
		{FrameID: "f1"},
		{FrameID: "f2", Sharpness: &sharp, ProductID: "p1", DBID: "d1", S3URL: "s", Version: "transparent"},
	}
	for _, p := range []DataPath{PathFrames, PathFramesScores, PathFramesClassifications, PathFramesDBID, PathFramesS3URL, PathFramesVersion} {
		assert.True(t, data.Satisfies(p), string(p))
	}

	assert.False(t, data.Satisfies(PathTranscript))
	assert.False(t, data.Satisfies("custom.flag"))
	data.Metadata.Extensions = map[string]any{"custom.flag": true}
	assert.True(t, data.Satisfies("custom.flag"), "unknown paths fall back to extensions presence")
}

func TestDerivedFrameViews(t *testing.T) {
	sharp := 0.5
	data := NewPipelineData()
	data.Metadata.Frames = []FrameMetadata{
		{FrameID: "a", Path: "/w/a.jpg", Sharpness: &sharp, IsFinalSelection: true},
		{FrameID: "b", Path: "/w/b.jpg"},
	}

	scored := data.ScoredFrames()
	require.Len(t, scored, 1)
	assert.Equal(t, "a", scored[0].FrameID)

	final := data.FinalFrames()
	require.Len(t, final, 1)
	assert.Equal(t, "a", final[0].FrameID)

	data.SyncImages()
	assert.Equal(t, []string{"/w/a.jpg", "/w/b.jpg"}, data.Images)
}
