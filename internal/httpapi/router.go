// Package httpapi exposes the text-to-speech model through an OpenAI-compatible HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/audio"
	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/voice"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	headerContentType   = "Content-Type"
	headerContentLength = "Content-Length"
	contentTypeJSON     = "application/json"
	defaultMaxBodyBytes = 1 << 20
)

// Transcoder converts WAV audio into another container.
type Transcoder interface {
	Transcode(ctx context.Context, wav []byte, format audio.Format) ([]byte, error)
}

// Options wires the API to the model and its helpers. Cache and OnActivity are optional.
type Options struct {
	Synth        core.Synthesizer
	Voices       *voice.Map
	Transcoder   Transcoder
	Cache        core.AudioCache
	OnActivity   func()
	MaxBodyBytes int64
	Log          *logger.Logger
}

// API serves the speech endpoints.
type API struct {
	opts Options
}

// New creates an API.
func New(opts Options) *API {
	if opts.Voices == nil {
		opts.Voices = voice.NewMap(nil)
	}

	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	if opts.OnActivity == nil {
		opts.OnActivity = func() {}
	}

	return &API{opts: opts}
}

// Routes builds the chi router.
func (a *API) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(requestLogger(a.opts.Log))
	router.Use(middleware.Recoverer)

	router.Get("/", a.health)
	router.Get("/health", a.health)
	router.Post("/v1/audio/speech", a.speech)

	router.NotFound(notFound)
	router.MethodNotAllowed(notFound)

	return router
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "model": a.opts.Synth.Name()})
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			log.Info("[http] %s %s -> %d (%d bytes, %s) id=%s",
				r.Method, r.URL.Path, wrapped.Status(), wrapped.BytesWritten(),
				time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
