package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/speechd/internal/config"
	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingModel fails the test if two calls ever overlap.
type countingModel struct {
	active  atomic.Int32
	overlap atomic.Bool
	calls   atomic.Int32
	closed  atomic.Bool
}

func (m *countingModel) enter() {
	if m.active.Add(1) > 1 {
		m.overlap.Store(true)
	}

	m.calls.Add(1)
	time.Sleep(2 * time.Millisecond)
	m.active.Add(-1)
}

func (m *countingModel) Synthesize(ctx context.Context, _ core.SynthesisRequest) ([]byte, error) {
	m.enter()

	return []byte("RIFF....WAVE"), ctx.Err()
}

func (m *countingModel) Transcribe(ctx context.Context, _ string) (string, error) {
	m.enter()

	return "ok", ctx.Err()
}

func (m *countingModel) Name() string { return "counting" }

func (m *countingModel) Close() error {
	m.closed.Store(true)

	return nil
}

type deadlineModel struct{}

func (deadlineModel) Synthesize(ctx context.Context, _ core.SynthesisRequest) ([]byte, error) {
	<-ctx.Done()

	return nil, ctx.Err()
}

func (deadlineModel) Name() string { return "slow" }

func TestJoinSegments(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Hello world.", engine.JoinSegments([]string{" Hello", " world. "}))
	assert.Equal(t, "a b", engine.JoinSegments([]string{"", " a ", "\n", "b"}))
	assert.Empty(t, engine.JoinSegments(nil))
}

func TestSerializeSynthesizer_NoOverlap(t *testing.T) {
	t.Parallel()

	model := &countingModel{}
	serial := engine.SerializeSynthesizer(model, 0)

	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := serial.Synthesize(context.Background(), core.SynthesisRequest{Text: "x"})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.False(t, model.overlap.Load())
	assert.Equal(t, int32(16), model.calls.Load())
	assert.Equal(t, "counting", serial.Name())

	require.NoError(t, serial.Close())
	assert.True(t, model.closed.Load())
}

func TestSerializeTranscriber_NoOverlap(t *testing.T) {
	t.Parallel()

	model := &countingModel{}
	serial := engine.SerializeTranscriber(model, time.Second)

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			text, err := serial.Transcribe(context.Background(), "a.wav")
			assert.NoError(t, err)
			assert.Equal(t, "ok", text)
		}()
	}

	wg.Wait()

	assert.False(t, model.overlap.Load())
}

func TestSerializeSynthesizer_Timeout(t *testing.T) {
	t.Parallel()

	serial := engine.SerializeSynthesizer(deadlineModel{}, 50*time.Millisecond)

	_, err := serial.Synthesize(context.Background(), core.SynthesisRequest{Text: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, serial.Close())
}

func TestFactories(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	cfg := config.DefaultTTS()
	cfg.Engine.Backend = config.BackendOpenAI
	cfg.Engine.OpenAIBaseURL = "http://127.0.0.1:1/v1"

	synth, err := engine.NewSynthesizer(context.Background(), cfg, log)
	require.NoError(t, err)
	assert.Equal(t, "kokoro-82m", synth.Name())

	cfg.Engine.Backend = config.BackendCommand
	_, err = engine.NewSynthesizer(context.Background(), cfg, log)
	require.ErrorIs(t, err, engine.ErrNoCommand)

	cfg.Engine.Backend = config.BackendResident
	_, err = engine.NewSynthesizer(context.Background(), cfg, log)
	require.ErrorIs(t, err, engine.ErrNoCommand)

	cfg.Engine.Backend = "onnx"
	_, err = engine.NewSynthesizer(context.Background(), cfg, log)
	require.ErrorIs(t, err, config.ErrUnknownBackend)

	stt := config.DefaultSTT()
	stt.Engine.Backend = config.BackendCommand
	stt.Engine.Binary = "whisper-cli"

	transcriber, err := engine.NewTranscriber(context.Background(), stt, log)
	require.NoError(t, err)
	assert.Equal(t, "base", transcriber.Name())

	stt.Engine.Backend = "onnx"
	_, err = engine.NewTranscriber(context.Background(), stt, log)
	require.ErrorIs(t, err, config.ErrUnknownBackend)
}

func TestSerializeSynthesizer_DetachesCaller(t *testing.T) {
	t.Parallel()

	model := &countingModel{}
	serial := engine.SerializeSynthesizer(model, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := serial.Synthesize(ctx, core.SynthesisRequest{Text: "x"})
	require.NoError(t, err, "a caller that went away must not cancel the model call")

	transcriber := engine.SerializeTranscriber(model, time.Second)

	_, err = transcriber.Transcribe(ctx, "a.wav")
	require.NoError(t, err)
	assert.Equal(t, int32(2), model.calls.Load())
}
