package provider

import "context"

// Per-kind method contracts. Selection returns a Provider; callers
// assert to the interface matching the kind they asked for.

// ClassificationRequest is one batch of frames to classify against the
// product context discovered so far.
type ClassificationRequest struct {
	ImagePaths     []string
	ProductContext string
	Transcript     string
	Model          string
}

// FrameClassification is the per-frame classification result.
type FrameClassification struct {
	ImageIndex                int
	Accepted                  bool
	ProductID                 string
	VariantID                 string
	AngleEstimate             string
	RotationAngleDeg          float64
	Obstructions              []string
	BackgroundRecommendations []string
	IsFinalSelection          bool
	RejectionReason           string
}

// Classifier groups frames into product variants.
type Classifier interface {
	Provider
	Classify(ctx context.Context, req ClassificationRequest) ([]FrameClassification, error)
}

// VideoAnalysis is the unified single-pass result over a whole video:
// product metadata, transcript, and the timestamps worth extracting.
type VideoAnalysis struct {
	Product          ProductInfo
	Transcript       string
	VariantCount     int
	KeyTimestamps    []float64
	SuggestedPrompts map[string]string
}

// ProductInfo is the provider-discovered product description.
type ProductInfo struct {
	Title       string
	Description string
	Category    string
	Brand       string
	Colors      []string
	Keywords    []string
}

// UnifiedAnalyzer analyzes a whole video in one provider call.
type UnifiedAnalyzer interface {
	Provider
	AnalyzeVideo(ctx context.Context, videoPath string, model string) (*VideoAnalysis, error)
}

// ProductExtractor derives product metadata from a transcript and a few
// representative frames.
type ProductExtractor interface {
	Provider
	ExtractProduct(ctx context.Context, transcript string, imagePaths []string) (*ProductInfo, error)
}

// BackgroundRemover strips the background from one image, writing the
// cutout to outputPath.
type BackgroundRemover interface {
	Provider
	RemoveBackground(ctx context.Context, inputPath, outputPath string) error
}

// CommercialImageRequest synthesizes one commercial image from a cutout.
type CommercialImageRequest struct {
	InputPath  string
	OutputPath string
	Version    string // transparent, solid, real, creative
	Prompt     string
	Product    *ProductInfo
}

// CommercialImageGenerator produces a styled commercial image.
type CommercialImageGenerator interface {
	Provider
	GenerateCommercial(ctx context.Context, req CommercialImageRequest) error
}

// ImageTransformer applies a named transform (center, crop, pad) in place.
type ImageTransformer interface {
	Provider
	Transform(ctx context.Context, inputPath, outputPath, operation string) error
}

// Upscaler increases image resolution.
type Upscaler interface {
	Provider
	Upscale(ctx context.Context, inputPath, outputPath string, factor int) error
}

// Transcriber extracts a transcript from an audio track.
type Transcriber interface {
	Provider
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// VideoExtractor pulls a video from a non-direct source (page URL,
// platform share link) and stores it at outputPath.
type VideoExtractor interface {
	Provider
	ExtractVideo(ctx context.Context, sourceURL, outputPath string) error
}
