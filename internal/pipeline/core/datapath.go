package core

import "slices"

// DataPath names a capability predicate over PipelineData. The set of
// satisfied paths is what the validator reasons about statically and the
// executor re-checks at runtime.
type DataPath string

const (
	PathVideo                 DataPath = "video"
	PathImages                DataPath = "images"
	PathText                  DataPath = "text"
	PathAudio                 DataPath = "audio"
	PathTranscript            DataPath = "transcript"
	PathProductMetadata       DataPath = "product.metadata"
	PathFrames                DataPath = "frames"
	PathFramesScores          DataPath = "frames.scores"
	PathFramesClassifications DataPath = "frames.classifications"
	PathFramesDBID            DataPath = "frames.dbId"
	PathFramesS3URL           DataPath = "frames.s3Url"
	PathFramesVersion         DataPath = "frames.version"
)

// KnownPaths is the closed capability vocabulary.
var KnownPaths = []DataPath{
	PathVideo, PathImages, PathText, PathAudio, PathTranscript,
	PathProductMetadata, PathFrames, PathFramesScores,
	PathFramesClassifications, PathFramesDBID, PathFramesS3URL,
	PathFramesVersion,
}

// IsKnownPath reports whether p is part of the closed vocabulary.
func IsKnownPath(p DataPath) bool {
	for _, k := range KnownPaths {
		if k == p {
			return true
		}
	}
	return false
}

// Satisfies reports whether data currently satisfies path.
//
// Unknown paths fall back to a presence check against the metadata
// extensions map. This escape hatch preserves compatibility for
// processors that have not migrated to the closed vocabulary.
func (d *PipelineData) Satisfies(path DataPath) bool {
	switch path {
	case PathVideo:
		return d.Video != nil && (d.Video.Path != "" || d.Video.SourceURL != "")
	case PathImages:
		return len(d.Images) > 0
	case PathText:
		return d.Text != ""
	case PathAudio:
		return d.Audio != nil && d.Audio.Path != "" && d.Audio.HasAudio
	case PathTranscript:
		return d.Metadata.Transcript != ""
	case PathProductMetadata:
		return d.Metadata.ProductMetadata != nil && d.Metadata.ProductMetadata.Title != ""
	case PathFrames:
		return len(d.Metadata.Frames) > 0
	case PathFramesScores:
		return d.anyFrame(func(f *FrameMetadata) bool { return f.Sharpness != nil })
	case PathFramesClassifications:
		return d.anyFrame((*FrameMetadata).HasClassificationData)
	case PathFramesDBID:
		return d.anyFrame(func(f *FrameMetadata) bool { return f.DBID != "" })
	case PathFramesS3URL:
		return d.anyFrame(func(f *FrameMetadata) bool { return f.S3URL != "" })
	case PathFramesVersion:
		return d.anyFrame(func(f *FrameMetadata) bool { return f.Version != "" })
	default:
		_, ok := d.Metadata.Extensions[string(path)]
		return ok
	}
}

func (d *PipelineData) anyFrame(pred func(*FrameMetadata) bool) bool {
	for i := range d.Metadata.Frames {
		if pred(&d.Metadata.Frames[i]) {
			return true
		}
	}
	return false
}

// SatisfiedPaths returns the set of currently-satisfied known paths.
func (d *PipelineData) SatisfiedPaths() []DataPath {
	var out []DataPath
	for _, p := range KnownPaths {
		if d.Satisfies(p) {
			out = append(out, p)
		}
	}
	return out
}

// PathSet is a set of data paths used by the validator's reasoning walk.
type PathSet map[DataPath]struct{}

// NewPathSet builds a set from the given paths.
func NewPathSet(paths ...DataPath) PathSet {
	s := make(PathSet, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s PathSet) Has(p DataPath) bool {
	_, ok := s[p]
	return ok
}

// Add unions the given paths into the set.
func (s PathSet) Add(paths ...DataPath) {
	for _, p := range paths {
		s[p] = struct{}{}
	}
}

// Missing returns the paths in want that are absent from the set,
// preserving want's order.
func (s PathSet) Missing(want []DataPath) []DataPath {
	var out []DataPath
	for _, p := range want {
		if !s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Sorted returns the members ordered by the KnownPaths declaration
// order, with unknown paths appended alphabetically last.
func (s PathSet) Sorted() []DataPath {
	var out []DataPath
	for _, p := range KnownPaths {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	var unknown []DataPath
	for p := range s {
		if !IsKnownPath(p) {
			unknown = append(unknown, p)
		}
	}
	slices.Sort(unknown)
	return append(out, unknown...)
}
