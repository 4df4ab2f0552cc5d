// Package stacks holds the stack template catalogue: the named step
// sequences jobs can request, plus cached aggregate IO contracts.
package stacks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/pipeline/processors"
)

// Template ids accepted in job configs.
const (
	Full               = "full"
	FullStaging        = "full_staging"
	NoUpload           = "no_upload"
	QuickTest          = "quick_test"
	LocalFile          = "local_file"
	ClassificationTest = "classification_test"
	BGRemovalTest      = "bg_removal_test"
	ClaidBGRemovalTest = "claid_bg_removal_test"
	CommercialTest     = "commercial_test"
	UploadOnly         = "upload_only"
	GeminiVideoTest    = "gemini_video_test"
	HoleDetectionDebug = "hole_detection_debug"
)

// Default is the stack used when a job names none.
const Default = Full

func step(id string, opts core.Options) core.StackStep {
	return core.StackStep{Processor: id, Options: opts}
}

var templates = map[string]*core.StackTemplate{
	Full: {
		ID:          Full,
		Name:        "Full pipeline",
		Description: "Download through commercial synthesis, persistence, and upload.",
		Steps: []core.StackStep{
			step(processors.IDDownload, nil),
			step(processors.IDGeminiVideo, nil),
			step(processors.IDExtractFrames, nil),
			step(processors.IDScoreFrames, nil),
			step(processors.IDFilterByScore, nil),
			step(processors.IDGeminiClassify, nil),
			step(processors.IDRemoveBG, nil),
			step(processors.IDCenterProduct, nil),
			step(processors.IDGenerateComm, nil),
			step(processors.IDPersistFrames, nil),
			step(processors.IDUploadFrames, nil),
			step(processors.IDCompleteJob, nil),
		},
	},
	FullStaging: {
		ID:          FullStaging,
		Name:        "Full pipeline (staging)",
		Description: "Full pipeline with smaller candidate sets for staging runs.",
		Steps: []core.StackStep{
			step(processors.IDDownload, nil),
			step(processors.IDGeminiVideo, nil),
			step(processors.IDExtractFrames, core.Options{"fps": 2}),
			step(processors.IDScoreFrames, nil),
			step(processors.IDFilterByScore, core.Options{"max_candidates": 20}),
			step(processors.IDGeminiClassify, nil),
			step(processors.IDRemoveBG, nil),
			step(processors.IDCenterProduct, nil),
			step(processors.IDGenerateComm, nil),
			step(processors.IDPersistFrames, nil),
			step(processors.IDUploadFrames, nil),
			step(processors.IDCompleteJob, nil),
		},
	},
	NoUpload: {
		ID:          NoUpload,
		Name:        "Full pipeline without upload",
		Description: "Everything but the blob upload; results stay in the workspace.",
		Steps: []core.StackStep{
			step(processors.IDDownload, nil),
			step(processors.IDGeminiVideo, nil),
			step(processors.IDExtractFrames, nil),
			step(processors.IDScoreFrames, nil),
			step(processors.IDFilterByScore, nil),
			step(processors.IDGeminiClassify, nil),
			step(processors.IDRemoveBG, nil),
			step(processors.IDCenterProduct, nil),
			step(processors.IDGenerateComm, nil),
			step(processors.IDPersistFrames, nil),
			step(processors.IDCompleteJob, nil),
		},
	},
	QuickTest: {
		ID:          QuickTest,
		Name:        "Quick test",
		Description: "Download, extract, score, filter. No AI providers involved.",
		Steps: []core.StackStep{
			step(processors.IDDownload, nil),
			step(processors.IDExtractFrames, nil),
			step(processors.IDScoreFrames, nil),
			step(processors.IDFilterByScore, nil),
			step(processors.IDCompleteJob, nil),
		},
	},
	LocalFile: {
		ID:          LocalFile,
		Name:        "Local file test",
		Description: "Quick test against a local video path instead of a URL.",
		Steps: []core.StackStep{
			step(processors.IDDownload, nil),
			step(processors.IDExtractFrames, core.Options{"fps": 2}),
			step(processors.IDScoreFrames, nil),
			step(processors.IDFilterByScore, nil),
			step(processors.IDCompleteJob, nil),
		},
	},
	ClassificationTest: {
		ID:          ClassificationTest,
		Name:        "Classification test",
		Description: "Classify pre-extracted frames supplied as initial data.",
		Steps: []core.StackStep{
			step(processors.IDGeminiClassify, nil),
			step(processors.IDCompleteJob, nil),
		},
	},
	BGRemovalTest: {
		ID:          BGRemovalTest,
		Name:        "Background removal test",
		Description: "Background removal over pre-extracted frames.",
		Steps: []core.StackStep{
			step(processors.IDRemoveBG, core.Options{"only_final": false}),
			step(processors.IDCompleteJob, nil),
		},
	},
	ClaidBGRemovalTest: {
		ID:          ClaidBGRemovalTest,
		Name:        "Claid background removal test",
		Description: "Background removal pinned to the claid provider.",
		Steps: []core.StackStep{
			step(processors.IDRemoveBG, core.Options{"only_final": false, "provider": "claid"}),
			step(processors.IDCompleteJob, nil),
		},
	},
	CommercialTest: {
		ID:          CommercialTest,
		Name:        "Commercial generation test",
		Description: "Commercial synthesis over pre-cut frames.",
		Steps: []core.StackStep{
			step(processors.IDCenterProduct, nil),
			step(processors.IDGenerateComm, nil),
			step(processors.IDCompleteJob, nil),
		},
	},
	UploadOnly: {
		ID:          UploadOnly,
		Name:        "Upload only",
		Description: "Persist and upload frames supplied as initial data.",
		Steps: []core.StackStep{
			step(processors.IDPersistFrames, nil),
			step(processors.IDUploadFrames, core.Options{"only_final": false}),
			step(processors.IDCompleteJob, nil),
		},
	},
	GeminiVideoTest: {
		ID:          GeminiVideoTest,
		Name:        "Unified video analysis test",
		Description: "Single-pass video analysis with key-timestamp frames only.",
		Steps: []core.StackStep{
			step(processors.IDDownload, nil),
			step(processors.IDGeminiVideo, nil),
			step(processors.IDCompleteJob, nil),
		},
	},
	HoleDetectionDebug: {
		ID:          HoleDetectionDebug,
		Name:        "Cutout hole debug",
		Description: "Background removal plus centering, keeping every frame for inspection.",
		Steps: []core.StackStep{
			step(processors.IDRemoveBG, core.Options{"only_final": false}),
			step(processors.IDCenterProduct, core.Options{"operation": "square"}),
			step(processors.IDCompleteJob, nil),
		},
	},
}

// Lookup returns the template for id.
func Lookup(id string) (*core.StackTemplate, error) {
	if id == "" {
		id = Default
	}
	t, ok := templates[id]
	if !ok {
		return nil, fmt.Errorf("unknown stack %q", id)
	}
	return t, nil
}

// IDs returns the catalogue ids, sorted.
func IDs() []string {
	ids := make([]string, 0, len(templates))
	for id := range templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ioCache memoizes aggregate stack contracts per registry generation.
type ioCache struct {
	mu         sync.Mutex
	generation uint64
	byID       map[string]core.StackIO
}

var cache ioCache

// StackIO returns the cached aggregate IO contract for a template,
// recomputing when the processor registry has changed.
func StackIO(validator *core.Validator, registry *core.Registry, id string) (core.StackIO, error) {
	template, err := Lookup(id)
	if err != nil {
		return core.StackIO{}, err
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	gen := registry.Generation()
	if cache.byID == nil || cache.generation != gen {
		cache.byID = make(map[string]core.StackIO, len(templates))
		cache.generation = gen
	}
	if io, ok := cache.byID[id]; ok {
		return io, nil
	}

	io, err := validator.StackIO(template)
	if err != nil {
		return core.StackIO{}, err
	}
	cache.byID[id] = io
	return io, nil
}

// RequiredInputs returns what a caller must supply before running id.
func RequiredInputs(validator *core.Validator, registry *core.Registry, id string) ([]core.DataPath, error) {
	io, err := StackIO(validator, registry, id)
	if err != nil {
		return nil, err
	}
	return io.Requires, nil
}

// ProducedOutputs returns what a completed run of id guarantees.
func ProducedOutputs(validator *core.Validator, registry *core.Registry, id string) ([]core.DataPath, error) {
	io, err := StackIO(validator, registry, id)
	if err != nil {
		return nil, err
	}
	return io.Produces, nil
}
