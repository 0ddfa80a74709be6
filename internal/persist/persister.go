package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lumora-app/fanstudio/internal/api"
	"github.com/lumora-app/fanstudio/internal/util"
	"github.com/lumora-app/fanstudio/pkg/models"
)

// titleWordLimit caps how many story words a derived title uses
const titleWordLimit = 6

// Saver commits a normalized artifact to the backend content store
type Saver interface {
	SaveArtifact(ctx context.Context, save api.SaveRequest) (*models.SavedArtifact, error)
}

// Persister takes a successful generation payload plus the user's
// publish decision and persists it. Every failure it returns is a
// persistence-kind error so the caller can offer retry-save without
// discarding the result.
type Persister struct {
	saver  Saver
	logger *slog.Logger
}

// NewPersister creates a result persister
func NewPersister(saver Saver, logger *slog.Logger) *Persister {
	return &Persister{
		saver:  saver,
		logger: logger.With("component", "persister"),
	}
}

// Save persists the payload with the given metadata. The payload is
// never mutated; a failed save leaves it intact for a retry.
func (p *Persister) Save(ctx context.Context, payload *models.Payload, meta models.ArtifactMeta) (*models.SavedArtifact, error) {
	if payload == nil {
		return nil, &models.GenError{Kind: models.ErrPersistence, Message: "no result to save"}
	}

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = deriveTitle(payload)
	}
	status := meta.Status
	if status == "" {
		status = models.StatusDraft
	}

	p.logger.Info("Saving artifact",
		"kind", payload.Kind,
		"title", util.TruncateString(title, 60),
		"status", status,
		"is_public", meta.IsPublic)

	artifact, err := p.saver.SaveArtifact(ctx, api.SaveRequest{
		Payload:  *payload,
		Title:    title,
		Tags:     meta.Tags,
		Status:   status,
		IsPublic: meta.IsPublic,
	})
	if err != nil {
		var genErr *models.GenError
		if errors.As(err, &genErr) && genErr.Kind == models.ErrPersistence {
			return nil, genErr
		}
		return nil, &models.GenError{
			Kind:    models.ErrPersistence,
			Message: fmt.Sprintf("save failed: %v", err),
		}
	}

	p.logger.Info("Artifact saved", "artifact_id", artifact.ID, "status", artifact.Status)
	return artifact, nil
}

// deriveTitle builds a fallback title from the payload when the user
// left it blank
func deriveTitle(payload *models.Payload) string {
	if payload.Kind == models.KindStory && payload.StoryText != "" {
		words := strings.Fields(payload.StoryText)
		if len(words) > titleWordLimit {
			words = words[:titleWordLimit]
		}
		return strings.Join(words, " ")
	}
	return "Untitled " + string(payload.Kind)
}
