package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/client"
	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/httpapi"
	"github.com/book-expert/speechd/internal/socket"
	"github.com/book-expert/speechd/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModel struct {
	name  string
	fail  bool
	calls atomic.Int32
}

func (m *stubModel) Synthesize(_ context.Context, req core.SynthesisRequest) ([]byte, error) {
	m.calls.Add(1)

	if m.fail {
		return nil, errors.New(m.name + " failed")
	}

	return []byte("RIFF" + m.name + ":" + req.Voice + ":" + req.Text + "WAVE"), nil
}

func (m *stubModel) Transcribe(_ context.Context, audioPath string) (string, error) {
	m.calls.Add(1)

	if m.fail {
		return "", errors.New(m.name + " failed")
	}

	return m.name + " heard " + filepath.Base(audioPath), nil
}

func (m *stubModel) Name() string { return m.name }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "client-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	return testLogger
}

func shortSocketPath(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "cli")
	require.NoError(t, err)

	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	return filepath.Join(dir, "s.sock")
}

func serve(t *testing.T, handler socket.Handler) string {
	t.Helper()

	path := shortSocketPath(t)

	server, err := socket.Listen(path, handler, socket.Options{}, newTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- server.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return path
}

func directFactory(model *stubModel) (client.TranscriberFactory, client.SynthesizerFactory) {
	return func(context.Context) (core.Transcriber, error) { return model, nil },
		func(context.Context) (core.Synthesizer, error) { return model, nil }
}

func TestSocketTranscriber(t *testing.T) {
	t.Parallel()

	path := serve(t, socket.NewTranscribeHandler(&stubModel{name: "server"}, newTestLogger(t)))
	transcriber := client.NewSocketTranscriber(path)

	text, err := transcriber.Transcribe(context.Background(), "clip.wav")
	require.NoError(t, err)
	assert.Equal(t, "server heard clip.wav", text)

	failing := serve(t, socket.NewTranscribeHandler(&stubModel{name: "server", fail: true}, newTestLogger(t)))

	_, err = client.NewSocketTranscriber(failing).Transcribe(context.Background(), "clip.wav")
	require.ErrorIs(t, err, client.ErrServerError)
	assert.Contains(t, err.Error(), "server failed")
}

func TestSocketSynthesizer(t *testing.T) {
	t.Parallel()

	path := serve(t, socket.NewSpeakHandler(&stubModel{name: "server"}, voice.NewMap(nil), t.TempDir(), newTestLogger(t)))
	synth := client.NewSocketSynthesizer(path, t.TempDir())

	audioData, err := synth.Synthesize(context.Background(), core.SynthesisRequest{Text: "Hi", Voice: "nova"})
	require.NoError(t, err)
	assert.Equal(t, "RIFFserver:af_heart:HiWAVE", string(audioData))

	err = synth.Speak(context.Background(), socket.SpeakRequest{Text: ""})
	require.ErrorIs(t, err, client.ErrServerError)
	assert.Contains(t, err.Error(), "text is required")
}

func TestFallbackTranscriber_UsesServer(t *testing.T) {
	t.Parallel()

	path := serve(t, socket.NewTranscribeHandler(&stubModel{name: "server"}, newTestLogger(t)))
	direct := &stubModel{name: "direct"}
	transcribeDirect, _ := directFactory(direct)

	fallback := client.NewFallbackTranscriber(path, client.NewSocketTranscriber(path), transcribeDirect, newTestLogger(t))

	text, err := fallback.Transcribe(context.Background(), "a.wav")
	require.NoError(t, err)
	assert.Equal(t, "server heard a.wav", text)
	assert.Equal(t, int32(0), direct.calls.Load())
	require.NoError(t, fallback.Close())
}

func TestFallbackTranscriber_NoSocket(t *testing.T) {
	t.Parallel()

	path := shortSocketPath(t)
	direct := &stubModel{name: "direct"}
	transcribeDirect, _ := directFactory(direct)
	server := &stubModel{name: "server"}

	fallback := client.NewFallbackTranscriber(path, server, transcribeDirect, newTestLogger(t))

	text, err := fallback.Transcribe(context.Background(), "a.wav")
	require.NoError(t, err)
	assert.Equal(t, "direct heard a.wav", text)
	assert.Equal(t, int32(0), server.calls.Load(), "server must not be tried without a socket file")
}

func TestFallbackTranscriber_ServerError(t *testing.T) {
	t.Parallel()

	path := serve(t, socket.NewTranscribeHandler(&stubModel{name: "server", fail: true}, newTestLogger(t)))
	direct := &stubModel{name: "direct"}
	transcribeDirect, _ := directFactory(direct)

	fallback := client.NewFallbackTranscriber(path, client.NewSocketTranscriber(path), transcribeDirect, newTestLogger(t))

	text, err := fallback.Transcribe(context.Background(), "a.wav")
	require.NoError(t, err)
	assert.Equal(t, "direct heard a.wav", text)
}

func TestFallbackTranscriber_StaleSocketFile(t *testing.T) {
	t.Parallel()

	// a socket file left behind by a crashed daemon refuses connections
	path := shortSocketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	transcribeDirect, _ := directFactory(&stubModel{name: "direct"})
	fallback := client.NewFallbackTranscriber(path, client.NewSocketTranscriber(path), transcribeDirect, newTestLogger(t))

	text, err := fallback.Transcribe(context.Background(), "a.wav")
	require.NoError(t, err)
	assert.Equal(t, "direct heard a.wav", text)
}

func TestFallbackSynthesizer(t *testing.T) {
	t.Parallel()

	direct := &stubModel{name: "direct"}
	_, synthDirect := directFactory(direct)

	loads := 0
	countingFactory := func(ctx context.Context) (core.Synthesizer, error) {
		loads++

		return synthDirect(ctx)
	}

	fallback := client.NewFallbackSynthesizer(shortSocketPath(t), &stubModel{name: "server"}, countingFactory, newTestLogger(t))

	for range 2 {
		audioData, err := fallback.Synthesize(context.Background(), core.SynthesisRequest{Text: "x", Voice: "v"})
		require.NoError(t, err)
		assert.Equal(t, "RIFFdirect:v:xWAVE", string(audioData))
	}

	assert.Equal(t, 1, loads, "direct model is loaded once")
}

func TestFallbackSynthesizer_DirectLoadFails(t *testing.T) {
	t.Parallel()

	failing := func(context.Context) (core.Synthesizer, error) { return nil, errors.New("no gpu") }
	fallback := client.NewFallbackSynthesizer(shortSocketPath(t), &stubModel{name: "server"}, failing, newTestLogger(t))

	_, err := fallback.Synthesize(context.Background(), core.SynthesisRequest{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gpu")
}

func newHTTPServer(t *testing.T, model *stubModel) *httptest.Server {
	t.Helper()

	api := httpapi.New(httpapi.Options{Synth: model, Log: newTestLogger(t)})
	server := httptest.NewServer(api.Routes())
	t.Cleanup(server.Close)

	return server
}

func TestHTTPClient_GenerateSpeech(t *testing.T) {
	t.Parallel()

	server := newHTTPServer(t, &stubModel{name: "kokoro-82m"})
	httpClient := client.NewHTTPClient(server.URL+"/", 5*time.Second)

	audioData, contentType, err := httpClient.GenerateSpeech(context.Background(), client.SpeechRequest{
		Model: "tts-1",
		Input: "Hello",
		Voice: "onyx",
	})
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", contentType)
	assert.Equal(t, "RIFFkokoro-82m:am_michael:HelloWAVE", string(audioData))

	_, _, err = httpClient.GenerateSpeech(context.Background(), client.SpeechRequest{Input: " "})
	require.ErrorIs(t, err, client.ErrInputEmpty)
}

func TestHTTPClient_ServerError(t *testing.T) {
	t.Parallel()

	server := newHTTPServer(t, &stubModel{name: "kokoro-82m", fail: true})
	httpClient := client.NewHTTPClient(server.URL, 5*time.Second)

	_, _, err := httpClient.GenerateSpeech(context.Background(), client.SpeechRequest{Input: "Hello"})
	require.ErrorIs(t, err, client.ErrServerError)
	assert.Contains(t, err.Error(), "kokoro-82m failed")
}

func TestHTTPClient_HealthCheck(t *testing.T) {
	t.Parallel()

	server := newHTTPServer(t, &stubModel{name: "kokoro-82m"})

	health, err := client.NewHTTPClient(server.URL, 5*time.Second).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kokoro-82m", health.Model)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(broken.Close)

	_, err = client.NewHTTPClient(broken.URL, 5*time.Second).HealthCheck(context.Background())
	require.ErrorIs(t, err, client.ErrUnhealthy)

	_, err = client.NewHTTPClient("http://127.0.0.1:1", time.Second).HealthCheck(context.Background())
	require.Error(t, err)
}

func TestHTTPSynthesizer_WithFallback(t *testing.T) {
	t.Parallel()

	server := newHTTPServer(t, &stubModel{name: "remote", fail: true})
	_, synthDirect := directFactory(&stubModel{name: "direct"})

	fallback := client.NewFallbackSynthesizer("",
		client.NewHTTPSynthesizer(client.NewHTTPClient(server.URL, 5*time.Second)),
		synthDirect, newTestLogger(t))

	audioData, err := fallback.Synthesize(context.Background(), core.SynthesisRequest{Text: "x", Voice: "v"})
	require.NoError(t, err)
	assert.Equal(t, "RIFFdirect:v:xWAVE", string(audioData))
}
