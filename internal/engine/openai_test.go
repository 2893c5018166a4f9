package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAIServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any

		err := json.NewDecoder(r.Body).Decode(&body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		if body["input"] == "fail" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"message":"model exploded","type":"server_error"}}`)

			return
		}

		voice, _ := body["voice"].(string)
		input, _ := body["input"].(string)
		format, _ := body["response_format"].(string)

		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(fakeWAV(voice, input, format))
	})

	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		err := r.ParseMultipartForm(1 << 20)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"text": "  " + r.FormValue("model") + " " + r.FormValue("language") + " heard  ",
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestOpenAI_Synthesize(t *testing.T) {
	t.Parallel()

	server := newOpenAIServer(t)
	backend := engine.NewOpenAI(server.URL+"/v1/", "test-key", "kokoro", "en")
	assert.Equal(t, "kokoro", backend.Name())

	audio, err := backend.Synthesize(context.Background(), core.SynthesisRequest{Text: "Hello", Voice: "af_heart"})
	require.NoError(t, err)
	assert.Equal(t, fakeWAV("af_heart", "Hello", "wav"), audio)

	_, err = backend.Synthesize(context.Background(), core.SynthesisRequest{Text: "fail", Voice: "af_heart"})
	require.Error(t, err)

	_, err = backend.Synthesize(context.Background(), core.SynthesisRequest{Text: " "})
	require.ErrorIs(t, err, engine.ErrTextEmpty)
}

func TestOpenAI_Transcribe(t *testing.T) {
	t.Parallel()

	server := newOpenAIServer(t)
	backend := engine.NewOpenAI(server.URL+"/v1", "test-key", "base", "en")

	audioPath := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audioPath, fakeWAV("x"), 0o600))

	text, err := backend.Transcribe(context.Background(), audioPath)
	require.NoError(t, err)
	assert.Equal(t, "base en heard", text)

	_, err = backend.Transcribe(context.Background(), "")
	require.ErrorIs(t, err, engine.ErrAudioPathEmpty)
}
