package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lumora-app/fanstudio/internal/config"
	"github.com/lumora-app/fanstudio/internal/util"
	"github.com/lumora-app/fanstudio/pkg/models"
)

// Client handles HTTP requests to the platform backend. Generation is a
// single blocking call that may take minutes, so it gets its own
// http.Client with an extended timeout; quota and save calls use a
// conventional short timeout.
type Client struct {
	baseURL        string
	token          string
	metaClient     *http.Client // quota, save/publish
	generateClient *http.Client // the blocking generation call
	downloadClient *http.Client // clean-image binary download
	logger         *slog.Logger
}

// NewClient creates a new backend client
func NewClient(cfg config.BackendConfig, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   token,
		metaClient: &http.Client{
			Timeout: time.Duration(cfg.MetadataTimeoutSeconds) * time.Second,
		},
		generateClient: &http.Client{
			Timeout: time.Duration(cfg.GenerationTimeoutMinutes) * time.Minute,
		},
		downloadClient: &http.Client{
			Timeout: time.Duration(cfg.DownloadTimeoutMinutes) * time.Minute,
		},
		logger: logger.With("component", "api_client"),
	}
}

// GenerateSelfie uploads the staged photo and blocks until the backend
// returns the composite. onProgress receives 0-100 strictly during the
// binary upload phase.
func (c *Client) GenerateSelfie(ctx context.Context, input models.SelfieInput, onProgress func(int)) (*GenerationResponse, error) {
	file, err := os.Open(input.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged photo: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			c.logger.Warn("Failed to close staged photo", "error", err)
		}
	}()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("photo", filepath.Base(input.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart field: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read staged photo: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	total := int64(body.Len())
	reader := newProgressReader(&body, total, onProgress)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/generations/selfie", reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.ContentLength = total
	c.setAuth(req)

	c.logger.Info("Submitting selfie generation",
		"file", filepath.Base(input.Path),
		"bytes", input.Size,
		"content_type", input.ContentType)

	return c.doGenerate(req)
}

// GenerateStory submits the structured prompt and blocks until the
// backend returns the story. Text-only submissions have no binary
// upload phase, so onProgress jumps straight to 100.
func (c *Client) GenerateStory(ctx context.Context, prompt models.StoryPrompt, onProgress func(int)) (*GenerationResponse, error) {
	payload, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/generations/story", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	c.logger.Info("Submitting story generation",
		"genre", prompt.Genre,
		"length", prompt.Length,
		"character", prompt.CharacterName)

	if onProgress != nil {
		onProgress(100)
	}
	return c.doGenerate(req)
}

func (c *Client) doGenerate(req *http.Request) (*GenerationResponse, error) {
	start := time.Now()
	resp, err := c.generateClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer c.closeBody(resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	c.logger.Info("Generation response received",
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
		"bytes", len(respBody))

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var out GenerationResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &models.GenError{
			Kind:    models.ErrGeneration,
			Message: fmt.Sprintf("unparseable generation response: %s", util.TruncateString(string(respBody), 200)),
		}
	}
	if !out.Success {
		return nil, &models.GenError{
			Kind:    models.ErrGeneration,
			Message: "backend reported failure without an error envelope",
		}
	}
	return &out, nil
}

// Quota fetches the current generation allowance
func (c *Client) Quota(ctx context.Context) (*models.QuotaState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/generations/quota", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.metaClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quota fetch failed: %w", err)
	}
	defer c.closeBody(resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quota fetch failed with status %d: %s", resp.StatusCode, util.TruncateString(string(respBody), 200))
	}

	var quota models.QuotaState
	if err := json.Unmarshal(respBody, &quota); err != nil {
		return nil, fmt.Errorf("failed to parse quota response: %w", err)
	}
	return &quota, nil
}

// SaveArtifact persists a normalized result through the save endpoint
func (c *Client) SaveArtifact(ctx context.Context, save SaveRequest) (*models.SavedArtifact, error) {
	payload, err := json.Marshal(save)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal save request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/artifacts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.metaClient.Do(req)
	if err != nil {
		return nil, &models.GenError{Kind: models.ErrPersistence, Message: fmt.Sprintf("save request failed: %v", err)}
	}
	defer c.closeBody(resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.GenError{Kind: models.ErrPersistence, Message: fmt.Sprintf("failed to read save response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := backendMessage(respBody)
		if msg == "" {
			msg = util.TruncateString(string(respBody), 200)
		}
		return nil, &models.GenError{
			Kind:       models.ErrPersistence,
			Message:    msg,
			StatusCode: resp.StatusCode,
		}
	}

	var artifact models.SavedArtifact
	if err := json.Unmarshal(respBody, &artifact); err != nil {
		return nil, &models.GenError{Kind: models.ErrPersistence, Message: fmt.Sprintf("unparseable save response: %v", err)}
	}
	return &artifact, nil
}

// CleanDownload fetches the watermark-free binary for a result
// (premium tier). The caller owns closing the returned reader.
func (c *Client) CleanDownload(ctx context.Context, resultID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/generations/"+resultID+"/clean", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		c.closeBody(resp)
		return nil, classifyStatus(resp.StatusCode, respBody)
	}
	return resp.Body, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		c.logger.Warn("API request without token", "path", req.URL.Path)
	}
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Warn("Failed to close response body", "error", err)
	}
}

// classifyTransport maps transport-level failures into the taxonomy. A
// timeout on the extended generation call is its own kind: the job may
// have completed server-side, so messaging must not imply the quota was
// refunded.
func classifyTransport(err error) *models.GenError {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return &models.GenError{
			Kind:    models.ErrTimeout,
			Message: "no response before the client timeout elapsed; the generation may still have completed server-side",
		}
	}
	return &models.GenError{
		Kind:    models.ErrGeneration,
		Message: fmt.Sprintf("request failed: %v", err),
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// classifyStatus maps an HTTP error status plus the backend's error
// envelope into the taxonomy
func classifyStatus(statusCode int, body []byte) *models.GenError {
	var envelope errorResponse
	_ = json.Unmarshal(body, &envelope)

	message := envelope.Error.Message
	if message == "" {
		message = fmt.Sprintf("request failed with status %d: %s", statusCode, util.TruncateString(string(body), 200))
	}

	if statusCode == http.StatusTooManyRequests || envelope.Error.Code == "quota_exceeded" {
		return &models.GenError{
			Kind:       models.ErrQuotaExceeded,
			Message:    message,
			StatusCode: statusCode,
			ResetsAt:   envelope.Error.ResetsAt,
		}
	}

	return &models.GenError{
		Kind:       models.ErrGeneration,
		Message:    message,
		StatusCode: statusCode,
	}
}

func backendMessage(body []byte) string {
	var envelope errorResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Error.Message
}
