package api

import (
	"encoding/json"
	"time"

	"github.com/lumora-app/fanstudio/pkg/models"
)

// GenerationResponse is the backend's answer to the single blocking
// generation call. Data is left raw: field naming varies between
// backend versions and the persister owns normalization.
type GenerationResponse struct {
	Success bool            `json:"success"`
	JobID   string          `json:"job_id"`
	Data    json.RawMessage `json:"data"`
	Quota   *quotaWire      `json:"quota,omitempty"`
}

// QuotaState converts the piggybacked quota block, if present
func (r *GenerationResponse) QuotaState() *models.QuotaState {
	if r.Quota == nil {
		return nil
	}
	return &models.QuotaState{
		Remaining:     r.Quota.Remaining,
		WindowResetAt: r.Quota.ResetsAt,
	}
}

type quotaWire struct {
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// errorResponse is the backend's error envelope
type errorResponse struct {
	Error struct {
		Code     string    `json:"code"`
		Message  string    `json:"message"`
		ResetsAt time.Time `json:"resets_at,omitempty"`
	} `json:"error"`
}

// SaveRequest is the normalized artifact plus publish options sent to
// the save endpoint
type SaveRequest struct {
	Payload  models.Payload        `json:"payload"`
	Title    string                `json:"title"`
	Tags     []string              `json:"tags,omitempty"`
	Status   models.ArtifactStatus `json:"status"`
	IsPublic bool                  `json:"is_public"`
}
