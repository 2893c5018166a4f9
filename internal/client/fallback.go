package client

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/core"
)

// TranscriberFactory builds the direct transcriber on first use; loading a model is expensive.
type TranscriberFactory func(ctx context.Context) (core.Transcriber, error)

// SynthesizerFactory builds the direct synthesizer on first use.
type SynthesizerFactory func(ctx context.Context) (core.Synthesizer, error)

// serverReachable reports whether a daemon socket file exists at path. An empty
// path means the server has no socket (HTTP) and is always tried.
func serverReachable(path string) bool {
	if path == "" {
		return true
	}

	_, err := os.Stat(path)

	return err == nil
}

// FallbackTranscriber prefers the daemon and transcribes directly when it cannot.
type FallbackTranscriber struct {
	socketPath string
	server     core.Transcriber
	direct     TranscriberFactory
	log        *logger.Logger

	once      sync.Once
	directErr error
	loaded    core.Transcriber
}

// NewFallbackTranscriber creates a FallbackTranscriber. server is only used while a
// socket file exists at socketPath.
func NewFallbackTranscriber(socketPath string, server core.Transcriber, direct TranscriberFactory, log *logger.Logger) *FallbackTranscriber {
	return &FallbackTranscriber{socketPath: socketPath, server: server, direct: direct, log: log}
}

// Name returns the server's name.
func (f *FallbackTranscriber) Name() string {
	return f.server.Name()
}

// Transcribe tries the daemon first. Any daemon failure switches to the direct model.
func (f *FallbackTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if serverReachable(f.socketPath) {
		text, err := f.server.Transcribe(ctx, audioPath)
		if err == nil {
			return text, nil
		}

		f.log.Warn("Server transcription failed, falling back to direct model: %v", err)
	} else {
		f.log.Info("No server at %s, transcribing directly.", f.socketPath)
	}

	f.once.Do(func() { f.loaded, f.directErr = f.direct(ctx) })

	if f.directErr != nil {
		return "", fmt.Errorf("failed to load direct model: %w", f.directErr)
	}

	return f.loaded.Transcribe(ctx, audioPath)
}

// FallbackSynthesizer prefers the daemon and synthesizes directly when it cannot.
type FallbackSynthesizer struct {
	socketPath string
	server     core.Synthesizer
	direct     SynthesizerFactory
	log        *logger.Logger

	once      sync.Once
	directErr error
	loaded    core.Synthesizer
}

// NewFallbackSynthesizer creates a FallbackSynthesizer.
func NewFallbackSynthesizer(socketPath string, server core.Synthesizer, direct SynthesizerFactory, log *logger.Logger) *FallbackSynthesizer {
	return &FallbackSynthesizer{socketPath: socketPath, server: server, direct: direct, log: log}
}

// Name returns the server's name.
func (f *FallbackSynthesizer) Name() string {
	return f.server.Name()
}

// Synthesize tries the daemon first. Any daemon failure switches to the direct model.
func (f *FallbackSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	if serverReachable(f.socketPath) {
		audioData, err := f.server.Synthesize(ctx, req)
		if err == nil {
			return audioData, nil
		}

		f.log.Warn("Server synthesis failed, falling back to direct model: %v", err)
	} else {
		f.log.Info("No server at %s, synthesizing directly.", f.socketPath)
	}

	f.once.Do(func() { f.loaded, f.directErr = f.direct(ctx) })

	if f.directErr != nil {
		return nil, fmt.Errorf("failed to load direct model: %w", f.directErr)
	}

	return f.loaded.Synthesize(ctx, req)
}

// Close releases the direct model if one was loaded.
func (f *FallbackSynthesizer) Close() error {
	return closeLoaded(f.loaded)
}

// Close releases the direct model if one was loaded.
func (f *FallbackTranscriber) Close() error {
	return closeLoaded(f.loaded)
}

func closeLoaded(value any) error {
	closer, ok := value.(interface{ Close() error })
	if !ok {
		return nil
	}

	return closer.Close()
}
