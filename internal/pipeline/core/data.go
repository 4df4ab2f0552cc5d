// Package core provides the pipeline stack runtime: the shared data
// model, the processor contract, static validation, configuration
// rewrites, and the executor that drives a stack to completion.
package core

import (
	"maps"
	"slices"
)

// VideoData describes the input video once resolved.
type VideoData struct {
	// Path is the local path after download; empty until then.
	Path string `json:"path,omitempty"`

	// SourceURL is the original remote reference, if any.
	SourceURL string `json:"source_url,omitempty"`

	// Duration is the probed duration in seconds.
	Duration float64 `json:"duration,omitempty"`

	// FPS is the probed frame rate.
	FPS float64 `json:"fps,omitempty"`

	// Width and Height are the probed dimensions.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// AudioData describes the extracted audio track.
type AudioData struct {
	Path     string `json:"path,omitempty"`
	HasAudio bool   `json:"has_audio"`
}

// ProductMetadata is the structured product description discovered by
// analysis stages.
type ProductMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Brand       string   `json:"brand,omitempty"`
	Colors      []string `json:"colors,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// FrameMetadata is one sampled frame plus everything the pipeline has
// learned about it. Fields are progressively enriched: stages add fields
// and never silently remove them. Only the scoring and classification
// stages may drop whole frames.
type FrameMetadata struct {
	// Base fields, set at extraction.
	FrameID   string  `json:"frame_id"`
	Filename  string  `json:"filename"`
	Path      string  `json:"path"`
	Timestamp float64 `json:"timestamp"`
	Index     int     `json:"index"`

	// Scoring fields. Sharpness non-nil marks the frame as scored.
	Sharpness       *float64 `json:"sharpness,omitempty"`
	Motion          *float64 `json:"motion,omitempty"`
	Score           *float64 `json:"score,omitempty"`
	IsBestPerSecond bool     `json:"is_best_per_second,omitempty"`

	// Classification fields.
	ProductID                 string   `json:"product_id,omitempty"`
	VariantID                 string   `json:"variant_id,omitempty"`
	AngleEstimate             string   `json:"angle_estimate,omitempty"`
	RotationAngleDeg          float64  `json:"rotation_angle_deg,omitempty"`
	Obstructions              []string `json:"obstructions,omitempty"`
	BackgroundRecommendations []string `json:"background_recommendations,omitempty"`
	IsFinalSelection          bool     `json:"is_final_selection,omitempty"`

	// Persistence field.
	DBID string `json:"db_id,omitempty"`

	// Commercial fan-out fields.
	Version       string `json:"version,omitempty"`
	SourceFrameID string `json:"source_frame_id,omitempty"`

	// Upload field.
	S3URL string `json:"s3_url,omitempty"`
}

// HasScores returns true once the scoring stage has run over this frame.
func (f *FrameMetadata) HasScores() bool {
	return f.Sharpness != nil
}

// HasClassificationData returns true once the frame carries a product or
// variant assignment.
func (f *FrameMetadata) HasClassificationData() bool {
	return f.ProductID != "" || f.VariantID != ""
}

// Metadata is the required subrecord of PipelineData. Frames is the
// single source of truth about frames; legacy frame-holding views are
// derived from it, never stored separately.
type Metadata struct {
	Frames          []FrameMetadata  `json:"frames,omitempty"`
	Transcript      string           `json:"transcript,omitempty"`
	ProductMetadata *ProductMetadata `json:"product_metadata,omitempty"`

	// Extensions is the escape hatch for processor-specific values that
	// have no typed field. All new cross-processor state goes here.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// PipelineData is the mutable record threaded through a stack execution.
// It is owned by one executor invocation and must not be shared across
// goroutines except through parallel.Map's per-item snapshots.
type PipelineData struct {
	Video    *VideoData `json:"video,omitempty"`
	Images   []string   `json:"images,omitempty"`
	Text     string     `json:"text,omitempty"`
	Audio    *AudioData `json:"audio,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// NewPipelineData creates an empty PipelineData.
func NewPipelineData() *PipelineData {
	return &PipelineData{}
}

// ScoredFrames returns the frames that carry scores, preserving order.
// This is a derived view; callers must not retain it across stages.
func (d *PipelineData) ScoredFrames() []FrameMetadata {
	var out []FrameMetadata
	for _, f := range d.Metadata.Frames {
		if f.HasScores() {
			out = append(out, f)
		}
	}
	return out
}

// FinalFrames returns the frames flagged as final selections, preserving order.
func (d *PipelineData) FinalFrames() []FrameMetadata {
	var out []FrameMetadata
	for _, f := range d.Metadata.Frames {
		if f.IsFinalSelection {
			out = append(out, f)
		}
	}
	return out
}

// FramePaths returns the current path of every frame, in frame order.
func (d *PipelineData) FramePaths() []string {
	paths := make([]string, len(d.Metadata.Frames))
	for i, f := range d.Metadata.Frames {
		paths[i] = f.Path
	}
	return paths
}

// SyncImages rewrites Images from Metadata.Frames. Processors that
// rewrite frame paths call this so the two views agree.
func (d *PipelineData) SyncImages() {
	if len(d.Metadata.Frames) > 0 {
		d.Images = d.FramePaths()
	}
}

// Extension reads a value from the metadata extensions map.
func (d *PipelineData) Extension(key string) (any, bool) {
	v, ok := d.Metadata.Extensions[key]
	return v, ok
}

// Clone returns a deep-enough copy for snapshotting: slices and the
// extensions map are copied, frame records are copied by value.
func (d *PipelineData) Clone() *PipelineData {
	out := &PipelineData{
		Images: slices.Clone(d.Images),
		Text:   d.Text,
	}
	if d.Video != nil {
		v := *d.Video
		out.Video = &v
	}
	if d.Audio != nil {
		a := *d.Audio
		out.Audio = &a
	}
	out.Metadata = Metadata{
		Frames:     slices.Clone(d.Metadata.Frames),
		Transcript: d.Metadata.Transcript,
	}
	if d.Metadata.ProductMetadata != nil {
		pm := *d.Metadata.ProductMetadata
		out.Metadata.ProductMetadata = &pm
	}
	if d.Metadata.Extensions != nil {
		out.Metadata.Extensions = maps.Clone(d.Metadata.Extensions)
	}
	return out
}

// Patch is the partial PipelineData a processor returns. Nil fields are
// left untouched by the merge; Metadata is replaced only when returned,
// so processors that extend metadata must return the union themselves.
type Patch struct {
	Video    *VideoData
	Images   []string
	Text     *string
	Audio    *AudioData
	Metadata *Metadata
}

// Apply shallow-merges the patch onto data.
func (p *Patch) Apply(data *PipelineData) {
	if p == nil {
		return
	}
	if p.Video != nil {
		data.Video = p.Video
	}
	if p.Images != nil {
		data.Images = p.Images
	}
	if p.Text != nil {
		data.Text = *p.Text
	}
	if p.Audio != nil {
		data.Audio = p.Audio
	}
	if p.Metadata != nil {
		data.Metadata = *p.Metadata
	}
}
