package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/speechd/internal/core"
)

const (
	apiSpeech = "/v1/audio/speech"
	apiHealth = "/health"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

var (
	// ErrInputEmpty is returned when a speech request carries no input.
	ErrInputEmpty = errors.New("input cannot be empty")
	// ErrEmptyAudio is returned when the server answered 200 without audio.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrUnhealthy is returned when the health endpoint does not report ok.
	ErrUnhealthy = errors.New("speech server is unhealthy")
)

// SpeechRequest is the payload of the OpenAI-compatible speech endpoint.
type SpeechRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// Health is the body of the health endpoint.
type Health struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient is a client for the daemon's HTTP API.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates an HTTPClient. baseURL includes scheme and port,
// e.g. "http://localhost:8880".
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GenerateSpeech renders req and returns the audio with its content type.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, string, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, "", ErrInputEmpty
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiSpeech, bytes.NewReader(requestBody))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("failed to send request to speech server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", parseErrorResponse(resp)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, "", ErrEmptyAudio
	}

	return audioData, resp.Header.Get(headerContentType), nil
}

// HealthCheck verifies that the daemon is up and returns the model it serves.
func (c *HTTPClient) HealthCheck(ctx context.Context) (Health, error) {
	var health Health

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return health, fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return health, fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("%w: status %s", ErrUnhealthy, resp.Status)
	}

	err = json.NewDecoder(resp.Body).Decode(&health)
	if err != nil {
		return health, fmt.Errorf("failed to decode health response: %w", err)
	}

	if health.Status != "ok" {
		return health, fmt.Errorf("%w: status %q", ErrUnhealthy, health.Status)
	}

	return health, nil
}

// parseErrorResponse decodes the {"error": ...} body, falling back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp errorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Error != "" {
		return fmt.Errorf("%w (%s): %s", ErrServerError, resp.Status, errorResp.Error)
	}

	return fmt.Errorf("%w: non-OK status %s, body: %s", ErrServerError, resp.Status, string(body))
}

// HTTPSynthesizer adapts HTTPClient to core.Synthesizer, always requesting WAV.
type HTTPSynthesizer struct {
	client *HTTPClient
}

// NewHTTPSynthesizer wraps client.
func NewHTTPSynthesizer(client *HTTPClient) *HTTPSynthesizer {
	return &HTTPSynthesizer{client: client}
}

// Name returns the server URL.
func (h *HTTPSynthesizer) Name() string {
	return h.client.baseURL
}

// Synthesize requests WAV audio for req.
func (h *HTTPSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	audioData, _, err := h.client.GenerateSpeech(ctx, SpeechRequest{
		Input:          req.Text,
		Voice:          req.Voice,
		ResponseFormat: "wav",
		Speed:          req.Speed,
	})

	return audioData, err
}
