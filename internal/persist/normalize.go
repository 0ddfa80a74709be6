// Package persist normalizes heterogeneous generation payloads into the
// canonical shape and commits them through the save endpoint. The
// generation service and the content store disagree on field naming
// (bare URL strings, snake_case pairs, nested objects); this package is
// the single place that reconciles them so nothing else sees the
// variance.
package persist

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lumora-app/fanstudio/pkg/models"
)

// wireImage decodes every image reference shape the backends emit:
// a bare string, {"path","preview_url"}, {"url","previewUrl"}, or
// {"path","preview"}.
type wireImage struct {
	ref models.ImageRef
}

func (w *wireImage) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		w.ref = models.ImageRef{Path: asString, PreviewURL: asString}
		return nil
	}

	var asObject struct {
		Path        string `json:"path"`
		URL         string `json:"url"`
		PreviewURL  string `json:"preview_url"`
		PreviewURL2 string `json:"previewUrl"`
		Preview     string `json:"preview"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return fmt.Errorf("image reference is neither string nor object: %w", err)
	}

	path := asObject.Path
	if path == "" {
		path = asObject.URL
	}
	preview := asObject.PreviewURL
	if preview == "" {
		preview = asObject.PreviewURL2
	}
	if preview == "" {
		preview = asObject.Preview
	}
	if preview == "" {
		preview = path
	}
	w.ref = models.ImageRef{Path: path, PreviewURL: preview}
	return nil
}

type wireScene struct {
	Index    int        `json:"index"`
	Caption  string     `json:"caption"`
	Image    *wireImage `json:"image"`
	ImageURL string     `json:"image_url"`
}

type wirePayload struct {
	ResultID string `json:"result_id"`
	ID       string `json:"id"`

	Image      *wireImage `json:"image"`
	ImageURL   string     `json:"image_url"`
	PreviewURL string     `json:"preview_url"`
	CoverImage *wireImage `json:"cover_image"`
	Cover      *wireImage `json:"cover"`

	StoryText string      `json:"story_text"`
	Text      string      `json:"text"`
	Scenes    []wireScene `json:"scenes"`

	Model       string `json:"model"`
	Watermarked *bool  `json:"watermarked"`
}

// Normalize decodes a raw generation payload into the canonical shape.
// It fails when the payload is missing what the kind requires: an image
// for selfies, story text for stories.
func Normalize(kind models.JobKind, data json.RawMessage) (*models.Payload, error) {
	var wire wirePayload
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode generation payload: %w", err)
	}

	payload := &models.Payload{
		Kind:     kind,
		ResultID: firstNonEmpty(wire.ResultID, wire.ID),
		Model:    wire.Model,
	}

	// Nested object wins over flat fields when both are present
	switch {
	case wire.Image != nil:
		payload.Image = wire.Image.ref
	case wire.CoverImage != nil:
		payload.Image = wire.CoverImage.ref
	case wire.Cover != nil:
		payload.Image = wire.Cover.ref
	case wire.ImageURL != "":
		preview := wire.PreviewURL
		if preview == "" {
			preview = wire.ImageURL
		}
		payload.Image = models.ImageRef{Path: wire.ImageURL, PreviewURL: preview}
	}

	payload.StoryText = firstNonEmpty(wire.StoryText, wire.Text)
	for _, s := range wire.Scenes {
		scene := models.Scene{Index: s.Index, Caption: s.Caption}
		if s.Image != nil {
			scene.Image = s.Image.ref
		} else if s.ImageURL != "" {
			scene.Image = models.ImageRef{Path: s.ImageURL, PreviewURL: s.ImageURL}
		}
		payload.Scenes = append(payload.Scenes, scene)
	}

	if wire.Watermarked != nil {
		payload.Watermarked = *wire.Watermarked
	} else {
		// Free-tier selfies carry a watermark unless the backend says otherwise
		payload.Watermarked = kind == models.KindSelfie
	}

	switch kind {
	case models.KindSelfie:
		if payload.Image.Path == "" {
			return nil, fmt.Errorf("selfie payload has no image reference")
		}
	case models.KindStory:
		if strings.TrimSpace(payload.StoryText) == "" {
			return nil, fmt.Errorf("story payload has no text")
		}
	}

	return payload, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
