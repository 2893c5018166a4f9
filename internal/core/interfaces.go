// Package core defines the interfaces shared by the speech daemons and their clients.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// AudioCache stores rendered audio so repeated phrases skip the model.
type AudioCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
}

// SynthesisRequest holds the parameters for a single text-to-speech call.
type SynthesisRequest struct {
	Text  string
	Voice string
	Speed float64
}

// Synthesizer turns text into a WAV buffer using a loaded speech model.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
	Name() string
}

// Transcriber turns the audio file at audioPath into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Name() string
}
