package models

import (
	"time"

	"gorm.io/gorm"
)

// JobStatus represents the current status of a processing job.
//
// Statuses are ordered: a job only moves forward through processing
// statuses and never leaves a terminal status.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be picked up.
	JobStatusPending JobStatus = "pending"
	// JobStatusScheduled indicates the job is waiting out a retry backoff.
	JobStatusScheduled JobStatus = "scheduled"
	// JobStatusDownloading indicates the source video is being fetched.
	JobStatusDownloading JobStatus = "downloading"
	// JobStatusExtracting indicates frames are being sampled from the video.
	JobStatusExtracting JobStatus = "extracting"
	// JobStatusScoring indicates frames are being perceptually scored.
	JobStatusScoring JobStatus = "scoring"
	// JobStatusClassifying indicates frames are being classified.
	JobStatusClassifying JobStatus = "classifying"
	// JobStatusGenerating indicates commercial images are being synthesized.
	JobStatusGenerating JobStatus = "generating"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled.
	JobStatusCancelled JobStatus = "cancelled"
)

// statusRank orders statuses for monotonicity checks. Terminal statuses
// share the highest rank; scheduled shares pending's rank because a retry
// returns the job to the queue.
var statusRank = map[JobStatus]int{
	JobStatusPending:     0,
	JobStatusScheduled:   0,
	JobStatusDownloading: 1,
	JobStatusExtracting:  2,
	JobStatusScoring:     3,
	JobStatusClassifying: 4,
	JobStatusGenerating:  5,
	JobStatusCompleted:   6,
	JobStatusFailed:      6,
	JobStatusCancelled:   6,
}

// IsTerminal returns true for completed, failed, and cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether moving from s to next preserves
// monotonic ordering. Terminal statuses accept no transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to >= from
}

// CommercialVersion identifies a background treatment for a commercial image.
type CommercialVersion string

const (
	CommercialVersionTransparent CommercialVersion = "transparent"
	CommercialVersionSolid       CommercialVersion = "solid"
	CommercialVersionReal        CommercialVersion = "real"
	CommercialVersionCreative    CommercialVersion = "creative"
)

// ValidCommercialVersion reports whether v is a known version.
func ValidCommercialVersion(v CommercialVersion) bool {
	switch v {
	case CommercialVersionTransparent, CommercialVersionSolid, CommercialVersionReal, CommercialVersionCreative:
		return true
	}
	return false
}

// JobConfig holds the user-supplied processing configuration.
type JobConfig struct {
	// Stack is the stack template id to execute. Empty selects the
	// production default.
	Stack string `json:"stack,omitempty"`

	// FPS is the frame sampling rate, 1-30.
	FPS int `json:"fps,omitempty"`

	// BatchSize is the classification batch size, 1-100.
	BatchSize int `json:"batch_size,omitempty"`

	// CommercialVersions selects which background treatments to generate.
	CommercialVersions []CommercialVersion `json:"commercial_versions,omitempty"`

	// AICleanup enables AI-assisted frame cleanup before synthesis.
	AICleanup bool `json:"ai_cleanup,omitempty"`

	// GeminiModel overrides the configured analyzer model.
	GeminiModel string `json:"gemini_model,omitempty"`

	// ProcessorOptions carries per-processor option overlays keyed by
	// processor id.
	ProcessorOptions map[string]map[string]any `json:"processor_options,omitempty"`
}

// JobProgress is the most recent progress snapshot for a job.
type JobProgress struct {
	Step               string  `json:"step"`
	Percentage         float64 `json:"percentage"`
	CurrentStep        int     `json:"current_step"`
	TotalSteps         int     `json:"total_steps"`
	Message            string  `json:"message,omitempty"`
	FramesExtracted    int     `json:"frames_extracted,omitempty"`
	FramesScored       int     `json:"frames_scored,omitempty"`
	VariantsDiscovered int     `json:"variants_discovered,omitempty"`
	ImagesGenerated    int     `json:"images_generated,omitempty"`
}

// JobResult is the terminal result summary for a completed job.
type JobResult struct {
	VariantsDiscovered int      `json:"variants_discovered"`
	FramesAnalyzed     int      `json:"frames_analyzed"`
	FinalFrames        []string `json:"final_frames,omitempty"`

	// CommercialImages maps source frame id to version to uploaded URL.
	CommercialImages map[string]map[CommercialVersion]string `json:"commercial_images,omitempty"`
}

// Job represents a durable video processing job. The jobs table doubles
// as the work queue: pending rows are the backlog and the lock columns
// implement single-delivery per attempt.
type Job struct {
	BaseModel

	// UserID is the owning user.
	UserID string `gorm:"not null;size:64;index" json:"user_id"`

	// APIKeyID references the API key that created the job, if any.
	APIKeyID string `gorm:"size:64" json:"api_key_id,omitempty"`

	// VideoURL is the input reference: an http(s) URL or a local path.
	VideoURL string `gorm:"not null;size:2048" json:"video_url"`

	// Config is the processing configuration, stored as JSON.
	Config JobConfig `gorm:"serializer:json" json:"config"`

	// Status is the current lifecycle status.
	Status JobStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// Progress is the latest progress snapshot, stored as JSON.
	Progress JobProgress `gorm:"serializer:json" json:"progress"`

	// Result is the terminal result summary, stored as JSON.
	Result *JobResult `gorm:"serializer:json" json:"result,omitempty"`

	// Error is the single-sentence user-visible failure cause.
	Error string `gorm:"size:4096" json:"error,omitempty"`

	// CallbackURL receives a signed webhook on terminal transition.
	CallbackURL string `gorm:"size:2048" json:"callback_url,omitempty"`

	// CreditReceiptID references the reserved-credit receipt.
	CreditReceiptID ULID `gorm:"type:varchar(26)" json:"credit_receipt_id,omitempty"`

	// NextRunAt is when a scheduled retry becomes eligible.
	NextRunAt *Time `gorm:"index" json:"next_run_at,omitempty"`

	// StartedAt is when the first attempt began.
	StartedAt *Time `json:"started_at,omitempty"`

	// CompletedAt is when the job reached a terminal status.
	CompletedAt *Time `json:"completed_at,omitempty"`

	// AttemptCount is the number of delivery attempts so far.
	AttemptCount int `gorm:"default:0" json:"attempt_count"`

	// MaxAttempts is the delivery retry budget.
	MaxAttempts int `gorm:"default:3" json:"max_attempts"`

	// BackoffSeconds is the initial retry backoff; each retry doubles it.
	BackoffSeconds int `gorm:"default:5" json:"backoff_seconds"`

	// LockedBy is the worker holding this job for the current attempt.
	LockedBy string `gorm:"size:100;index" json:"locked_by,omitempty"`

	// LockedAt is when the lock was taken.
	LockedAt *Time `json:"locked_at,omitempty"`
}

// TableName returns the table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// IsFinished returns true if the job reached a terminal status.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// CanRetry returns true if a failed job has attempts left.
func (j *Job) CanRetry() bool {
	return j.Status == JobStatusFailed && j.AttemptCount < j.MaxAttempts
}

// SetStatus moves the job to next, enforcing monotonic ordering.
func (j *Job) SetStatus(next JobStatus) error {
	if j.Status == next {
		return nil
	}
	if !j.Status.CanTransitionTo(next) {
		return ErrInvalidStatusTransition
	}
	j.Status = next
	return nil
}

// MarkRunning records the start of a delivery attempt. Re-running a job
// after retry re-enters at downloading; stacks that begin elsewhere move
// the status forward via progress updates.
func (j *Job) MarkRunning(workerID string) {
	j.Status = JobStatusDownloading
	now := Now()
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.LockedBy = workerID
	j.LockedAt = &now
	j.AttemptCount++
	j.Error = ""
}

// MarkCompleted marks the job as completed with its result summary.
func (j *Job) MarkCompleted(result *JobResult) {
	j.Status = JobStatusCompleted
	now := Now()
	j.CompletedAt = &now
	j.Result = result
	j.Error = ""
	j.Progress.Percentage = 100
	j.LockedBy = ""
	j.LockedAt = nil
}

// MarkFailed marks the job as failed with an error message.
func (j *Job) MarkFailed(err error) {
	j.Status = JobStatusFailed
	now := Now()
	j.CompletedAt = &now
	if err != nil {
		j.Error = err.Error()
	}
	j.LockedBy = ""
	j.LockedAt = nil
}

// MarkCancelled marks the job as cancelled.
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := Now()
	j.CompletedAt = &now
	j.LockedBy = ""
	j.LockedAt = nil
}

// CalculateNextBackoff returns the backoff duration for the next retry.
// Uses exponential backoff: base * 2^(attemptCount-1), capped at 1 hour.
func (j *Job) CalculateNextBackoff() time.Duration {
	if j.BackoffSeconds <= 0 {
		j.BackoffSeconds = 5
	}

	attempts := j.AttemptCount
	if attempts < 1 {
		attempts = 1
	}

	multiplier := 1 << (attempts - 1)
	backoffSecs := j.BackoffSeconds * multiplier

	const maxBackoffSecs = 3600
	if backoffSecs > maxBackoffSecs {
		backoffSecs = maxBackoffSecs
	}

	return time.Duration(backoffSecs) * time.Second
}

// ScheduleRetry returns a failed job to the queue with exponential backoff.
func (j *Job) ScheduleRetry() {
	if !j.CanRetry() {
		return
	}

	nextRun := Now().Add(j.CalculateNextBackoff())
	j.NextRunAt = &nextRun
	j.Status = JobStatusScheduled
	j.CompletedAt = nil
	j.LockedBy = ""
	j.LockedAt = nil
}

// UpdateProgress replaces the progress snapshot, keeping percentage
// monotonically non-decreasing.
func (j *Job) UpdateProgress(p JobProgress) {
	if p.Percentage < j.Progress.Percentage {
		p.Percentage = j.Progress.Percentage
	}
	j.Progress = p
}

// Validate performs basic validation on the job.
func (j *Job) Validate() error {
	if j.UserID == "" {
		return ErrJobUserRequired
	}
	if j.VideoURL == "" {
		return ErrJobInputRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the job and generates its ULID.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if err := j.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return j.Validate()
}

// BeforeUpdate is a GORM hook that validates the job before update.
func (j *Job) BeforeUpdate(tx *gorm.DB) error {
	return j.Validate()
}

// JobHistory stores historical execution records for finished jobs.
// This is separate from the main jobs table to keep it lean.
type JobHistory struct {
	BaseModel

	// JobID is the ID of the original job.
	JobID ULID `gorm:"not null;index" json:"job_id"`

	// UserID is the owning user.
	UserID string `gorm:"size:64;index" json:"user_id"`

	// Status is the final status of the attempt.
	Status JobStatus `gorm:"not null;size:20" json:"status"`

	// StartedAt is when the attempt began.
	StartedAt *Time `gorm:"index" json:"started_at,omitempty"`

	// CompletedAt is when the attempt finished.
	CompletedAt *Time `gorm:"index" json:"completed_at,omitempty"`

	// AttemptNumber is which attempt this was (1 = first attempt).
	AttemptNumber int `json:"attempt_number"`

	// Error contains the error message if the attempt failed.
	Error string `gorm:"size:4096" json:"error,omitempty"`

	// Result is the result summary, stored as JSON.
	Result *JobResult `gorm:"serializer:json" json:"result,omitempty"`
}

// TableName returns the table name for JobHistory.
func (JobHistory) TableName() string {
	return "job_history"
}

// NewJob creates a job for the given user and input with validated defaults.
func NewJob(userID, videoURL string, cfg JobConfig) *Job {
	if cfg.FPS == 0 {
		cfg.FPS = 4
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if len(cfg.CommercialVersions) == 0 {
		cfg.CommercialVersions = []CommercialVersion{CommercialVersionTransparent, CommercialVersionSolid}
	}
	return &Job{
		UserID:   userID,
		VideoURL: videoURL,
		Config:   cfg,
		Status:   JobStatusPending,
	}
}
