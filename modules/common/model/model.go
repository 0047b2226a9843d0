package model

import (
	"fmt"
	"time"
)

// JobKind - closed set of generation workflows
type JobKind string

const (
	KindClassic        JobKind = "classic"
	KindProductToModel JobKind = "product-to-model"
	KindTextToFashion  JobKind = "text-to-fashion"
	KindAvatarCreation JobKind = "avatar-creation"
)

// AllKinds lists every workflow kind in display order.
var AllKinds = []JobKind{KindClassic, KindProductToModel, KindTextToFashion, KindAvatarCreation}

// ParseKind - string to JobKind, rejects anything outside the closed set
func ParseKind(s string) (JobKind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// TotalSteps - fixed step count of the kind's input flow
func (k JobKind) TotalSteps() int {
	switch k {
	case KindClassic, KindProductToModel:
		return 3
	case KindTextToFashion:
		return 2
	case KindAvatarCreation:
		return 4
	}
	return 1
}

// SupportsAutoSave - only classic try-on results go to the wardrobe automatically
func (k JobKind) SupportsAutoSave() bool {
	return k == KindClassic
}

// JobStatus - job lifecycle, monotonic
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Rank orders statuses so regressions can be detected. completed and failed share
// the terminal rank.
func (s JobStatus) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return 0
}

// IsTerminal - completed or failed
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid - known status value
func (s JobStatus) Valid() bool {
	return s.Rank() > 0
}

// GenerationJob - one backend-tracked generation request
type GenerationJob struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	Status      JobStatus `json:"status"`
	ResultAsset string    `json:"result_url,omitempty"`
	ErrorInfo   string    `json:"error_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone - value copy so cached entries never alias caller memory
func (j *GenerationJob) Clone() *GenerationJob {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

// Normalize drops fields that the status does not allow: the asset only exists
// on completed jobs, the error only on failed ones.
func (j *GenerationJob) Normalize() {
	if j.Status != StatusCompleted {
		j.ResultAsset = ""
	}
	if j.Status != StatusFailed {
		j.ErrorInfo = ""
	}
}

// FeedbackChannel - heart (presence toggle) or thumbs (like/dislike)
type FeedbackChannel string

const (
	ChannelHeart  FeedbackChannel = "heart"
	ChannelThumbs FeedbackChannel = "thumbs"
)

// FeedbackValue - value stored for a channel
type FeedbackValue string

const (
	FeedbackLiked   FeedbackValue = "liked"
	FeedbackLike    FeedbackValue = "like"
	FeedbackDislike FeedbackValue = "dislike"
)

// Accepts reports whether the channel can store the value.
func (c FeedbackChannel) Accepts(v FeedbackValue) bool {
	switch c {
	case ChannelHeart:
		return v == FeedbackLiked
	case ChannelThumbs:
		return v == FeedbackLike || v == FeedbackDislike
	}
	return false
}

// FeedbackRecord - tryon_feedback row, one per (job_id, channel)
type FeedbackRecord struct {
	JobID     string          `json:"job_id"`
	JobKind   JobKind         `json:"job_kind"`
	Channel   FeedbackChannel `json:"channel"`
	Value     FeedbackValue   `json:"value"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// ActiveJobEntry - persisted in-flight job used to recover polling after restart
type ActiveJobEntry struct {
	JobID     string    `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	Status    JobStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// DownloadInfo - what the presentation layer needs to save a result locally
type DownloadInfo struct {
	JobID       string `json:"job_id"`
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

// ExportOptions - re-encoding applied to a result before it is handed out
type ExportOptions struct {
	Format   string  `json:"format" validate:"omitempty,oneof=original webp"`
	MaxWidth int     `json:"max_width" validate:"gte=0,lte=4096"`
	Quality  float32 `json:"quality" validate:"gte=0,lte=100"`
}

// ExportedAsset - exported result bytes
type ExportedAsset struct {
	FileName    string
	ContentType string
	Data        []byte
}
