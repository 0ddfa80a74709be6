package models

// ImageRef is the canonical reference to a generated image. Backends
// variously return a bare URL string, a snake_case pair, or a nested
// object; the persister normalizes all of them into this shape.
type ImageRef struct {
	Path       string `json:"path"`
	PreviewURL string `json:"preview_url"`
}

// Scene is one illustrated beat of a generated story
type Scene struct {
	Index   int      `json:"index"`
	Caption string   `json:"caption"`
	Image   ImageRef `json:"image"`
}

// Payload is the canonical generation result, independent of which
// backend shape it was decoded from. Image is the composite for selfie
// jobs and the cover for story jobs.
type Payload struct {
	Kind        JobKind  `json:"kind"`
	ResultID    string   `json:"result_id"`
	Image       ImageRef `json:"image"`
	StoryText   string   `json:"story_text,omitempty"`
	Scenes      []Scene  `json:"scenes,omitempty"`
	Model       string   `json:"model,omitempty"`
	Watermarked bool     `json:"watermarked"`
}
