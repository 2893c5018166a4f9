package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/book-expert/speechd/internal/core"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI talks to an OpenAI-compatible speech server, local or remote.
type OpenAI struct {
	client   *openai.Client
	model    string
	language string
}

// NewOpenAI creates an OpenAI backend. An empty baseURL targets api.openai.com.
func NewOpenAI(baseURL, apiKey, model, language string) *OpenAI {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(baseURL, "/")
	}

	return &OpenAI{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		language: language,
	}
}

// Name returns the model requested from the server.
func (o *OpenAI) Name() string {
	return o.model
}

// Synthesize requests WAV audio from the server's speech endpoint.
func (o *OpenAI) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(req.Voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
		Speed:          req.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Close()

	audioData, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech response: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// Transcribe uploads the file at audioPath to the server's transcription endpoint.
func (o *OpenAI) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if audioPath == "" {
		return "", ErrAudioPathEmpty
	}

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: audioPath,
		Language: o.language,
	})
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}

	return strings.TrimSpace(resp.Text), nil
}
