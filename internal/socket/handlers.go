package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/voice"
	"github.com/google/uuid"
)

// Replies of the speak protocol.
const (
	ReplyOK     = "OK"
	ReplyErrPfx = "ERR:"
)

var (
	// ErrTextRequired is returned when a speak request has no text.
	ErrTextRequired = errors.New("text is required")
	// ErrAudioRequired is returned when a transcribe request names no audio file.
	ErrAudioRequired = errors.New("audio is required")
)

// SpeakRequest is the request document of the text-to-speech socket.
type SpeakRequest struct {
	Text   string  `json:"text"`
	Output string  `json:"output,omitempty"`
	Voice  string  `json:"voice,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
}

// SpeakHandler renders text to a WAV file and replies OK or ERR:<message>.
type SpeakHandler struct {
	synth   core.Synthesizer
	voices  *voice.Map
	tempDir string
	log     *logger.Logger
}

// NewSpeakHandler creates a SpeakHandler. Requests without an output path get a
// fresh kokoro_*.wav file in tempDir.
func NewSpeakHandler(synth core.Synthesizer, voices *voice.Map, tempDir string, log *logger.Logger) *SpeakHandler {
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return &SpeakHandler{synth: synth, voices: voices, tempDir: tempDir, log: log}
}

// Handle serves one speak request.
func (h *SpeakHandler) Handle(ctx context.Context, request []byte) []byte {
	output, err := h.speak(ctx, request)
	if err != nil {
		h.log.Error("[socket] speak failed: %v", err)

		return h.ErrorReply(err)
	}

	h.log.Info("[socket] wrote %s", output)

	return []byte(ReplyOK)
}

// ErrorReply renders err in the speak protocol.
func (h *SpeakHandler) ErrorReply(err error) []byte {
	return []byte(ReplyErrPfx + err.Error())
}

func (h *SpeakHandler) speak(ctx context.Context, request []byte) (string, error) {
	var req SpeakRequest

	err := json.Unmarshal(request, &req)
	if err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}

	if strings.TrimSpace(req.Text) == "" {
		return "", ErrTextRequired
	}

	output := req.Output
	if output == "" {
		output = filepath.Join(h.tempDir, "kokoro_"+uuid.NewString()+".wav")
	}

	audioData, err := h.synth.Synthesize(context.WithoutCancel(ctx), core.SynthesisRequest{
		Text:  req.Text,
		Voice: h.voices.Resolve(req.Voice),
		Speed: req.Speed,
	})
	if err != nil {
		return "", err
	}

	err = os.WriteFile(output, audioData, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", output, err)
	}

	return output, nil
}

// TranscribeRequest is the request document of the speech-to-text socket.
type TranscribeRequest struct {
	Audio string `json:"audio"`
}

// TranscribeReply is the reply document of the speech-to-text socket.
type TranscribeReply struct {
	OK    bool   `json:"ok"`
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// TranscribeHandler transcribes an audio file named in the request.
type TranscribeHandler struct {
	transcriber core.Transcriber
	log         *logger.Logger
}

// NewTranscribeHandler creates a TranscribeHandler.
func NewTranscribeHandler(transcriber core.Transcriber, log *logger.Logger) *TranscribeHandler {
	return &TranscribeHandler{transcriber: transcriber, log: log}
}

// Handle serves one transcribe request.
func (h *TranscribeHandler) Handle(ctx context.Context, request []byte) []byte {
	text, err := h.transcribe(ctx, request)
	if err != nil {
		h.log.Error("[socket] transcribe failed: %v", err)

		return h.ErrorReply(err)
	}

	return marshalReply(TranscribeReply{OK: true, Text: text, Error: ""})
}

// ErrorReply renders err in the transcribe protocol.
func (h *TranscribeHandler) ErrorReply(err error) []byte {
	return marshalReply(TranscribeReply{OK: false, Text: "", Error: err.Error()})
}

func (h *TranscribeHandler) transcribe(ctx context.Context, request []byte) (string, error) {
	var req TranscribeRequest

	err := json.Unmarshal(request, &req)
	if err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}

	if req.Audio == "" {
		return "", ErrAudioRequired
	}

	return h.transcriber.Transcribe(context.WithoutCancel(ctx), req.Audio)
}

func marshalReply(reply TranscribeReply) []byte {
	data, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"ok":false,"error":"failed to encode reply"}`)
	}

	return data
}
