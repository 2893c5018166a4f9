// Package batch renders text and JSON chunk files to audio files on disk.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/audio"
	"github.com/book-expert/speechd/internal/core"
	"golang.org/x/sync/errgroup"
)

const (
	filePermissions  = 0o600
	dirPermissions   = 0o750
	outputFileFormat = "chunk_%04d.%s"
	defaultWorkers   = 1
)

// Static errors.
var (
	ErrChunksPathEmpty = errors.New("chunks path cannot be empty")
	ErrOutputDirEmpty  = errors.New("output directory cannot be empty")
	ErrTextEmpty       = errors.New("text cannot be empty")
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
	ErrNoChunksFound   = errors.New("no chunks found")
)

// Transcoder converts WAV audio into another container.
type Transcoder interface {
	Transcode(ctx context.Context, wav []byte, format audio.Format) ([]byte, error)
}

// Options holds the per-run rendering parameters.
type Options struct {
	Voice   string
	Speed   float64
	Workers int
}

// Renderer writes synthesized speech to files.
type Renderer struct {
	synth      core.Synthesizer
	transcoder Transcoder
	opts       Options
	log        *logger.Logger
}

// NewRenderer creates a Renderer. transcoder may be nil when only WAV is written.
func NewRenderer(synth core.Synthesizer, transcoder Transcoder, opts Options, log *logger.Logger) *Renderer {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	return &Renderer{synth: synth, transcoder: transcoder, opts: opts, log: log}
}

// RenderText synthesizes text into outputPath. The extension of outputPath selects
// the container; .ogg produces an Opus voice note.
func (r *Renderer) RenderText(ctx context.Context, text, outputPath string) error {
	if strings.TrimSpace(text) == "" {
		return ErrTextEmpty
	}

	if outputPath == "" {
		return ErrOutputPathEmpty
	}

	err := os.MkdirAll(filepath.Dir(outputPath), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	wav, err := r.synth.Synthesize(ctx, core.SynthesisRequest{Text: text, Voice: r.opts.Voice, Speed: r.opts.Speed})
	if err != nil {
		return fmt.Errorf("failed to generate speech: %w", err)
	}

	data := wav

	format := audio.FormatFromPath(outputPath)
	if format != audio.FormatWAV {
		if r.transcoder == nil {
			return fmt.Errorf("cannot write %s without a transcoder", format)
		}

		data, err = r.transcoder.Transcode(ctx, wav, format)
		if err != nil {
			return fmt.Errorf("failed to convert speech to %s: %w", format, err)
		}
	}

	err = os.WriteFile(outputPath, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	r.log.Info("Generated audio: %s (%d bytes)", outputPath, len(data))

	return nil
}

// RenderChunks renders every chunk of the JSON string array at chunksPath into
// outputDir as chunk_0001.<format>, chunk_0002.<format>, ... A failed chunk does
// not stop the others; all failures are returned together.
func (r *Renderer) RenderChunks(ctx context.Context, chunksPath, outputDir string, format audio.Format) ([]string, error) {
	if chunksPath == "" {
		return nil, ErrChunksPathEmpty
	}

	if outputDir == "" {
		return nil, ErrOutputDirEmpty
	}

	chunks, err := ReadChunks(chunksPath)
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(outputDir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var (
		group   errgroup.Group
		mutex   sync.Mutex
		failed  []error
		outputs = make([]string, len(chunks))
	)

	group.SetLimit(r.opts.Workers)

	for index, chunk := range chunks {
		outputPath := filepath.Join(outputDir, fmt.Sprintf(outputFileFormat, index+1, format))
		outputs[index] = outputPath

		group.Go(func() error {
			renderErr := r.RenderText(ctx, chunk, outputPath)
			if renderErr != nil {
				r.log.Error("Failed to process chunk %d: %v", index+1, renderErr)

				mutex.Lock()
				failed = append(failed, fmt.Errorf("chunk %d failed: %w", index+1, renderErr))
				mutex.Unlock()

				return nil
			}

			r.log.Info("Processed chunk %d/%d", index+1, len(chunks))

			return nil
		})
	}

	_ = group.Wait()

	return outputs, errors.Join(failed...)
}

// ReadChunks parses a JSON array of strings.
func ReadChunks(chunksPath string) ([]string, error) {
	data, err := os.ReadFile(chunksPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks file: %w", err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks JSON: %w", err)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoChunksFound, chunksPath)
	}

	return chunks, nil
}
