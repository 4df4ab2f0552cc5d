package models

// Frame is the persisted record of a selected frame. Written by the
// persistence stage once classification has settled the final set, then
// updated with upload URLs.
type Frame struct {
	BaseModel
	JobID     ULID    `gorm:"type:varchar(26);uniqueIndex:idx_frames_job_key,priority:1;not null" json:"job_id"`
	FrameKey  string  `gorm:"size:64;uniqueIndex:idx_frames_job_key,priority:2;not null" json:"frame_key"`
	Filename  string  `gorm:"size:255" json:"filename"`
	Timestamp float64 `json:"timestamp"`

	ProductID string `gorm:"size:64;index" json:"product_id,omitempty"`
	VariantID string `gorm:"size:64;index" json:"variant_id,omitempty"`

	Sharpness float64 `json:"sharpness,omitempty"`
	Motion    float64 `json:"motion,omitempty"`
	Score     float64 `json:"score,omitempty"`

	AngleEstimate    string `gorm:"size:32" json:"angle_estimate,omitempty"`
	IsFinalSelection bool   `json:"is_final_selection"`

	Version       string `gorm:"size:16" json:"version,omitempty"`
	SourceFrameID string `gorm:"size:64" json:"source_frame_id,omitempty"`

	S3URL string `gorm:"size:1024" json:"s3_url,omitempty"`
}

// TableName sets the frames table name.
func (Frame) TableName() string {
	return "frames"
}
