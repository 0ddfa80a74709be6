// Package input validates and stages user input before submission: a
// selfie file gets a local staged preview without any network round
// trip, a story prompt gets its required fields checked.
package input

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lumora-app/fanstudio/internal/config"
	"github.com/lumora-app/fanstudio/pkg/models"
)

// sniffLen is how many leading bytes content-type detection reads
const sniffLen = 512

// extensionTypes maps extensions that content sniffing cannot identify.
// HEIC containers sniff as application/octet-stream.
var extensionTypes = map[string]string{
	".heic": "image/heic",
	".heif": "image/heic",
}

// Preview is a staged local copy of the user's photo, rendered before
// any request is made. It must be released when superseded or when the
// job is discarded; repeated attempts in one session would otherwise
// accumulate staged copies.
type Preview struct {
	Path string

	once     sync.Once
	released bool
	logger   *slog.Logger
}

// Release deletes the staged copy. Safe to call more than once.
func (p *Preview) Release() {
	p.once.Do(func() {
		p.released = true
		if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("Failed to remove staged preview", "path", p.Path, "error", err)
		}
	})
}

// Released reports whether Release has been called
func (p *Preview) Released() bool {
	return p.released
}

// Preparer validates input against the configured limits and stages
// selfie files for preview
type Preparer struct {
	maxBytes   int64
	allowed    map[string]bool
	stagingDir string
	logger     *slog.Logger
}

// NewPreparer creates an input preparer from the configured limits
func NewPreparer(limits config.LimitsConfig, logger *slog.Logger) *Preparer {
	allowed := make(map[string]bool, len(limits.AllowedImageTypes))
	for _, t := range limits.AllowedImageTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Preparer{
		maxBytes:   limits.MaxUploadBytes,
		allowed:    allowed,
		stagingDir: limits.PreviewStagingDir,
		logger:     logger.With("component", "input_preparer"),
	}
}

// StageSelfie validates the photo and copies it into the staging
// directory. All failures are validation errors; nothing here touches
// the network.
func (p *Preparer) StageSelfie(path string) (models.SelfieInput, *Preview, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.SelfieInput{}, nil, models.NewValidationError("cannot read photo: %v", err)
	}
	if info.IsDir() {
		return models.SelfieInput{}, nil, models.NewValidationError("%s is a directory, not a photo", path)
	}
	if info.Size() == 0 {
		return models.SelfieInput{}, nil, models.NewValidationError("photo is empty")
	}
	if info.Size() > p.maxBytes {
		return models.SelfieInput{}, nil, models.NewValidationError(
			"photo must be smaller than %d MB (got %.1f MB)",
			p.maxBytes>>20, float64(info.Size())/float64(1<<20))
	}

	contentType, err := p.detectContentType(path)
	if err != nil {
		return models.SelfieInput{}, nil, models.NewValidationError("cannot read photo: %v", err)
	}
	if !p.allowed[contentType] {
		return models.SelfieInput{}, nil, models.NewValidationError(
			"unsupported photo type %s (allowed: %s)", contentType, p.allowedList())
	}

	preview, err := p.stageCopy(path)
	if err != nil {
		return models.SelfieInput{}, nil, models.NewValidationError("failed to stage preview: %v", err)
	}

	p.logger.Info("Staged selfie input",
		"file", filepath.Base(path),
		"bytes", info.Size(),
		"content_type", contentType,
		"preview", preview.Path)

	return models.SelfieInput{
		Path:        path,
		Size:        info.Size(),
		ContentType: contentType,
	}, preview, nil
}

// ValidateStoryPrompt checks the required prompt fields before any
// state transition is allowed
func (p *Preparer) ValidateStoryPrompt(prompt models.StoryPrompt) error {
	if strings.TrimSpace(prompt.CharacterName) == "" {
		return models.NewValidationError("character name is required")
	}
	if strings.TrimSpace(prompt.Genre) == "" {
		return models.NewValidationError("genre is required")
	}
	switch prompt.Length {
	case models.LengthShort, models.LengthMedium, models.LengthLong:
	default:
		return models.NewValidationError("length must be one of: short, medium, long (got %q)", prompt.Length)
	}
	return nil
}

func (p *Preparer) detectContentType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := f.Close(); err != nil {
			p.logger.Warn("Failed to close photo", "error", err)
		}
	}()

	buf := make([]byte, sniffLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}

	contentType := http.DetectContentType(buf[:n])
	contentType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))

	if contentType == "application/octet-stream" {
		if byExt, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]; ok {
			return byExt, nil
		}
	}
	return contentType, nil
}

func (p *Preparer) stageCopy(path string) (*Preview, error) {
	stagedPath := filepath.Join(p.stagingDir, fmt.Sprintf("fanstudio-preview-%s%s", uuid.NewString(), filepath.Ext(path)))

	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			p.logger.Warn("Failed to close photo", "error", err)
		}
	}()

	dst, err := os.Create(stagedPath)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(stagedPath)
		return nil, err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(stagedPath)
		return nil, err
	}

	return &Preview{Path: stagedPath, logger: p.logger}, nil
}

func (p *Preparer) allowedList() string {
	types := make([]string, 0, len(p.allowed))
	for t := range p.allowed {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}
