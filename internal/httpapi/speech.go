package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/book-expert/speechd/internal/audio"
	"github.com/book-expert/speechd/internal/cache"
	"github.com/book-expert/speechd/internal/core"
)

const errInputRequired = "input is required"

// SpeechRequest is the body of POST /v1/audio/speech.
type SpeechRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

func (a *API) speech(w http.ResponseWriter, r *http.Request) {
	a.opts.OnActivity()

	var req SpeechRequest

	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")

			return
		}

		a.opts.Log.Warn("[http] malformed speech request: %v", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())

		return
	}

	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, errInputRequired)

		return
	}

	if req.Voice != "" && !a.opts.Voices.Known(req.Voice) {
		a.opts.Log.Warn("[http] unknown voice %q, using the default", req.Voice)
	}

	format := audio.ParseFormat(req.ResponseFormat)
	internalVoice := a.opts.Voices.Resolve(req.Voice)
	key := cache.Key(a.opts.Synth.Name(), internalVoice, string(format),
		strconv.FormatFloat(req.Speed, 'f', 2, 64), req.Input)

	if cached, found := a.lookup(r, key); found {
		writeAudio(w, format, cached)

		return
	}

	// a client hanging up must not interrupt the model
	wav, err := a.opts.Synth.Synthesize(context.WithoutCancel(r.Context()), core.SynthesisRequest{
		Text:  req.Input,
		Voice: internalVoice,
		Speed: req.Speed,
	})
	if err != nil {
		a.opts.Log.Error("[http] synthesis failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	body, served := a.encode(r, wav, format)
	if served == format {
		a.store(r, key, body)
	}

	writeAudio(w, served, body)
}

// encode transcodes wav into format. On failure the WAV itself is served.
func (a *API) encode(r *http.Request, wav []byte, format audio.Format) ([]byte, audio.Format) {
	if format == audio.FormatWAV || a.opts.Transcoder == nil {
		return wav, audio.FormatWAV
	}

	encoded, err := a.opts.Transcoder.Transcode(r.Context(), wav, format)
	if err != nil {
		a.opts.Log.Warn("[http] %s conversion failed, serving wav: %v", format, err)

		return wav, audio.FormatWAV
	}

	return encoded, format
}

func (a *API) lookup(r *http.Request, key string) ([]byte, bool) {
	if a.opts.Cache == nil {
		return nil, false
	}

	data, found, err := a.opts.Cache.Get(r.Context(), key)
	if err != nil {
		a.opts.Log.Warn("[http] cache lookup failed: %v", err)

		return nil, false
	}

	return data, found
}

func (a *API) store(r *http.Request, key string, data []byte) {
	if a.opts.Cache == nil {
		return
	}

	err := a.opts.Cache.Set(r.Context(), key, data)
	if err != nil {
		a.opts.Log.Warn("[http] cache store failed: %v", err)
	}
}

func writeAudio(w http.ResponseWriter, format audio.Format, data []byte) {
	w.Header().Set(headerContentType, format.ContentType())
	w.Header().Set(headerContentLength, strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
