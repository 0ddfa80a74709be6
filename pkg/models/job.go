package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies which generation flow a job belongs to
type JobKind string

const (
	// KindSelfie is the AI Selfie Studio composite flow
	KindSelfie JobKind = "selfie"
	// KindStory is the Story Generator flow
	KindStory JobKind = "story"
)

// JobState is the explicit state of a generation job
type JobState string

const (
	StateIdle       JobState = "idle"
	StatePreviewing JobState = "previewing"
	StateGenerating JobState = "generating"
	StateSuccess    JobState = "success"
	StateError      JobState = "error"
	StateSaving     JobState = "saving"
	StatePublished  JobState = "published"
)

// StoryLength selects how long a generated story should be
type StoryLength string

const (
	LengthShort  StoryLength = "short"
	LengthMedium StoryLength = "medium"
	LengthLong   StoryLength = "long"
)

// StoryPrompt is the structured input for a story generation job
type StoryPrompt struct {
	Genre         string      `json:"genre"`
	Mood          string      `json:"mood"`
	Length        StoryLength `json:"length"`
	CharacterName string      `json:"character_name"`
	Traits        []string    `json:"traits,omitempty"`
	Extra         string      `json:"extra,omitempty"`
}

// SelfieInput references a local image file staged for upload
type SelfieInput struct {
	Path        string
	Size        int64
	ContentType string
}

// Job is a single generation attempt, ephemeral for the session.
// BackendID is empty until the backend accepts the submission.
type Job struct {
	ClientID  uuid.UUID
	BackendID string
	Kind      JobKind
	State     JobState

	// UploadProgress is 0-100 and monotonically non-decreasing during
	// the binary upload phase. PerceivedPercent and Stage are fabricated
	// by the progress estimator and carry no backend truth.
	UploadProgress   int
	PerceivedPercent int
	Stage            int

	Result    *Payload
	Err       *GenError
	StartedAt time.Time
}

// QuotaState is the last known generation allowance for the window.
// WindowResetAt is informational only; nothing auto-retries on it.
type QuotaState struct {
	Remaining     int       `json:"remaining"`
	WindowResetAt time.Time `json:"resets_at"`
}

// ArtifactStatus is the persistence status of a saved result
type ArtifactStatus string

const (
	StatusDraft     ArtifactStatus = "draft"
	StatusPublished ArtifactStatus = "published"
)

// ArtifactMeta is the transient review copy the client holds before
// committing a save: title, visibility and tags for the publish screen.
type ArtifactMeta struct {
	Title    string
	Tags     []string
	IsPublic bool
	Status   ArtifactStatus
}

// SavedArtifact is a persisted generation result, owned by the backend
// content store after the save call returns.
type SavedArtifact struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Status    ArtifactStatus `json:"status"`
	IsPublic  bool           `json:"is_public"`
	Tags      []string       `json:"tags,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
