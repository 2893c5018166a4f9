// Package engine holds the model backends the speech daemons dispatch into.
//
// A backend is either a resident model host process kept alive for the life of the
// daemon, a one-shot command run per request, or an OpenAI-compatible server. All of
// them satisfy core.Synthesizer and/or core.Transcriber; the daemons wrap them with
// Serialize so the model only ever sees one call at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/config"
	"github.com/book-expert/speechd/internal/core"
)

var (
	// ErrTextEmpty is returned when a synthesis request carries no text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrAudioPathEmpty is returned when a transcription request names no file.
	ErrAudioPathEmpty = errors.New("audio path cannot be empty")
	// ErrEmptyAudio is returned when the model produced no audio.
	ErrEmptyAudio = errors.New("model produced no audio")
	// ErrNoCommand is returned when a process backend has nothing to run.
	ErrNoCommand = errors.New("engine command cannot be empty")
	// ErrUnsupportedOperation is returned when a backend cannot serve the requested direction.
	ErrUnsupportedOperation = errors.New("operation not supported by backend")
)

// JoinSegments trims each transcript segment and joins the non-empty ones with single spaces.
func JoinSegments(segments []string) string {
	parts := make([]string, 0, len(segments))

	for _, segment := range segments {
		trimmed := strings.TrimSpace(segment)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}

	return strings.Join(parts, " ")
}

func closeIfCloser(value any) error {
	closer, ok := value.(io.Closer)
	if !ok {
		return nil
	}

	err := closer.Close()
	if err != nil {
		return fmt.Errorf("failed to close backend: %w", err)
	}

	return nil
}

// SerialSynthesizer serializes calls into a Synthesizer.
type SerialSynthesizer struct {
	mu      sync.Mutex
	next    core.Synthesizer
	timeout time.Duration
}

// SerializeSynthesizer wraps next so that concurrent callers never interleave calls.
// Callers going away does not interrupt the model; a positive timeout bounds each
// call once the lock is held.
func SerializeSynthesizer(next core.Synthesizer, timeout time.Duration) *SerialSynthesizer {
	return &SerialSynthesizer{next: next, timeout: timeout}
}

// Synthesize runs next.Synthesize while holding the model lock.
func (s *SerialSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := withOptionalTimeout(ctx, s.timeout)
	defer cancel()

	return s.next.Synthesize(ctx, req)
}

// Name returns the wrapped model name.
func (s *SerialSynthesizer) Name() string {
	return s.next.Name()
}

// Close closes the wrapped backend if it holds resources.
func (s *SerialSynthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return closeIfCloser(s.next)
}

// SerialTranscriber serializes calls into a Transcriber.
type SerialTranscriber struct {
	mu      sync.Mutex
	next    core.Transcriber
	timeout time.Duration
}

// SerializeTranscriber wraps next so that concurrent callers never interleave calls.
// As with SerializeSynthesizer only the timeout interrupts the model.
func SerializeTranscriber(next core.Transcriber, timeout time.Duration) *SerialTranscriber {
	return &SerialTranscriber{next: next, timeout: timeout}
}

// Transcribe runs next.Transcribe while holding the model lock.
func (s *SerialTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := withOptionalTimeout(ctx, s.timeout)
	defer cancel()

	return s.next.Transcribe(ctx, audioPath)
}

// Name returns the wrapped model name.
func (s *SerialTranscriber) Name() string {
	return s.next.Name()
}

// Close closes the wrapped backend if it holds resources.
func (s *SerialTranscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return closeIfCloser(s.next)
}

// withOptionalTimeout detaches ctx from its caller and applies timeout when positive.
func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}

// NewSynthesizer builds the text-to-speech backend selected by cfg.Engine.Backend.
func NewSynthesizer(ctx context.Context, cfg *config.Config, log *logger.Logger) (core.Synthesizer, error) {
	switch cfg.Engine.Backend {
	case config.BackendResident:
		return StartResident(ctx, residentOptions(cfg), log)
	case config.BackendCommand:
		return NewCommandSynthesizer(cfg.Engine.Binary, cfg.Engine.Args, cfg.Paths.TempDir, log)
	case config.BackendOpenAI:
		return NewOpenAI(cfg.Engine.OpenAIBaseURL, cfg.Engine.OpenAIAPIKey, cfg.Engine.Model, cfg.Engine.Language), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Engine.Backend)
	}
}

// NewTranscriber builds the speech-to-text backend selected by cfg.Engine.Backend.
func NewTranscriber(ctx context.Context, cfg *config.Config, log *logger.Logger) (core.Transcriber, error) {
	switch cfg.Engine.Backend {
	case config.BackendResident:
		return StartResident(ctx, residentOptions(cfg), log)
	case config.BackendCommand:
		return NewCommandTranscriber(cfg.Engine.Binary, cfg.Engine.Args, cfg.Engine.Model, log)
	case config.BackendOpenAI:
		return NewOpenAI(cfg.Engine.OpenAIBaseURL, cfg.Engine.OpenAIAPIKey, cfg.Engine.Model, cfg.Engine.Language), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Engine.Backend)
	}
}

func residentOptions(cfg *config.Config) ResidentOptions {
	return ResidentOptions{
		Command:  cfg.Engine.WorkerCommand,
		Model:    cfg.Engine.Model,
		Language: cfg.Engine.Language,
		Warmup:   time.Duration(cfg.Engine.WarmupSeconds) * time.Second,
		Env:      nil,
	}
}
