package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/core"
	"github.com/google/uuid"
)

// Host protocol operations. One JSON object per line in each direction.
const (
	opPing       = "ping"
	opSynthesize = "synthesize"
	opTranscribe = "transcribe"
)

// Environment passed to the model host so it knows what to load.
const (
	envHostModel    = "SPEECHD_MODEL"
	envHostLanguage = "SPEECHD_LANG"
)

const (
	defaultWarmup = 60 * time.Second
	closeGrace    = 2 * time.Second
	defaultSpeed  = 1.0
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("resident model host is closed")
	// ErrOutOfSync is returned when the host answers a different request than the one sent.
	ErrOutOfSync = errors.New("resident model host out of sync")
	// ErrHostFailed wraps an error message reported by the host.
	ErrHostFailed = errors.New("model host reported an error")
)

// ResidentOptions describes how to launch the model host.
type ResidentOptions struct {
	Command  []string
	Model    string
	Language string
	Warmup   time.Duration
	Env      []string
}

type hostRequest struct {
	ID    string  `json:"id"`
	Op    string  `json:"op"`
	Text  string  `json:"text,omitempty"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
	Lang  string  `json:"lang,omitempty"`
	Audio string  `json:"audio,omitempty"`
}

type hostResponse struct {
	ID          string   `json:"id"`
	OK          bool     `json:"ok"`
	AudioBase64 string   `json:"audio_base64,omitempty"`
	Text        string   `json:"text,omitempty"`
	Segments    []string `json:"segments,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type decodeResult struct {
	resp hostResponse
	err  error
}

type hostProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	dec   *json.Decoder
}

// Resident keeps one model host process alive and relays requests to it.
// The host loads the model once at startup; requests are strictly one at a time.
// If the host dies or desynchronizes it is stopped and relaunched on the next call.
type Resident struct {
	mu     sync.Mutex
	opts   ResidentOptions
	log    *logger.Logger
	proc   *hostProcess
	closed bool
}

// StartResident launches the model host and waits for it to answer a ping.
func StartResident(ctx context.Context, opts ResidentOptions, log *logger.Logger) (*Resident, error) {
	if len(opts.Command) == 0 {
		return nil, ErrNoCommand
	}

	if opts.Warmup <= 0 {
		opts.Warmup = defaultWarmup
	}

	resident := &Resident{
		mu:     sync.Mutex{},
		opts:   opts,
		log:    log,
		proc:   nil,
		closed: false,
	}

	resident.mu.Lock()
	defer resident.mu.Unlock()

	err := resident.startLocked(ctx)
	if err != nil {
		return nil, err
	}

	return resident, nil
}

// Name returns the configured model name.
func (r *Resident) Name() string {
	return r.opts.Model
}

// Synthesize asks the host to render req.Text and returns the WAV bytes.
func (r *Resident) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	speed := req.Speed
	if speed <= 0 {
		speed = defaultSpeed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resp, err := r.roundTripLocked(ctx, hostRequest{
		ID:    "",
		Op:    opSynthesize,
		Text:  req.Text,
		Voice: req.Voice,
		Speed: speed,
		Lang:  r.opts.Language,
		Audio: "",
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}

	audioData, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio from model host: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// Transcribe asks the host to transcribe the file at audioPath.
func (r *Resident) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if audioPath == "" {
		return "", ErrAudioPathEmpty
	}

	absPath, err := filepath.Abs(audioPath)
	if err != nil {
		return "", fmt.Errorf("could not resolve absolute path for %q: %w", audioPath, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resp, err := r.roundTripLocked(ctx, hostRequest{
		ID:    "",
		Op:    opTranscribe,
		Text:  "",
		Voice: "",
		Speed: 0,
		Lang:  r.opts.Language,
		Audio: absPath,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	if len(resp.Segments) > 0 {
		return JoinSegments(resp.Segments), nil
	}

	return strings.TrimSpace(resp.Text), nil
}

// Close stops the host. Further calls return ErrClosed.
func (r *Resident) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.stopLocked()

	return nil
}

func (r *Resident) startLocked(ctx context.Context) error {
	// #nosec G204 -- the host command comes from the daemon configuration
	cmd := exec.Command(r.opts.Command[0], r.opts.Command[1:]...)
	cmd.Env = append(os.Environ(),
		envHostModel+"="+r.opts.Model,
		envHostLanguage+"="+r.opts.Language,
	)
	cmd.Env = append(cmd.Env, r.opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open model host stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open model host stdout: %w", err)
	}

	cmd.Stderr = &lineWriter{emit: func(line string) { r.log.Info("[model host] %s", line) }}
	cmd.WaitDelay = closeGrace

	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("failed to start model host %q: %w", r.opts.Command[0], err)
	}

	r.proc = &hostProcess{cmd: cmd, stdin: stdin, dec: json.NewDecoder(stdout)}
	r.log.Info("Loading model '%s' in host process %d...", r.opts.Model, cmd.Process.Pid)

	// a relaunch happens inside some request; its caller must not cut the load short
	warmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Warmup)
	defer cancel()

	_, err = r.roundTripLocked(warmCtx, hostRequest{Op: opPing})
	if err != nil {
		r.stopLocked()

		return fmt.Errorf("model host failed to start: %w", err)
	}

	r.log.Info("Model '%s' loaded.", r.opts.Model)

	return nil
}

func (r *Resident) roundTripLocked(ctx context.Context, req hostRequest) (*hostResponse, error) {
	if r.closed {
		return nil, ErrClosed
	}

	// nothing has been written yet, so the host stays usable
	err := ctx.Err()
	if err != nil {
		return nil, fmt.Errorf("model host call not started: %w", err)
	}

	if r.proc == nil {
		r.log.Warn("Model host is not running, relaunching.")

		err = r.startLocked(ctx)
		if err != nil {
			return nil, err
		}
	}

	req.ID = uuid.NewString()

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal host request: %w", err)
	}

	proc := r.proc

	_, err = proc.stdin.Write(append(line, '\n'))
	if err != nil {
		r.stopLocked()

		return nil, fmt.Errorf("failed to write to model host: %w", err)
	}

	results := make(chan decodeResult, 1)

	go func() {
		var resp hostResponse

		decodeErr := proc.dec.Decode(&resp)
		results <- decodeResult{resp: resp, err: decodeErr}
	}()

	select {
	case <-ctx.Done():
		// The reply may still arrive later; the stream can no longer be trusted.
		r.stopLocked()

		return nil, fmt.Errorf("model host call abandoned: %w", ctx.Err())
	case result := <-results:
		return r.checkResponseLocked(req, result)
	}
}

func (r *Resident) checkResponseLocked(req hostRequest, result decodeResult) (*hostResponse, error) {
	if result.err != nil {
		r.stopLocked()

		return nil, fmt.Errorf("failed to read from model host: %w", result.err)
	}

	if result.resp.ID != req.ID {
		r.stopLocked()

		return nil, fmt.Errorf("%w: got %q, expected %q", ErrOutOfSync, result.resp.ID, req.ID)
	}

	if !result.resp.OK {
		message := strings.TrimSpace(result.resp.Error)
		if message == "" {
			message = "unknown error"
		}

		return nil, fmt.Errorf("%w: %s", ErrHostFailed, message)
	}

	return &result.resp, nil
}

func (r *Resident) stopLocked() {
	proc := r.proc
	if proc == nil {
		return
	}

	r.proc = nil

	_ = proc.stdin.Close()

	if proc.cmd.Process == nil {
		return
	}

	_ = proc.cmd.Process.Signal(os.Interrupt)

	done := make(chan error, 1)

	go func() { done <- proc.cmd.Wait() }()

	select {
	case <-time.After(closeGrace):
		_ = proc.cmd.Process.Kill()
		<-done
	case <-done:
	}

	r.log.Info("Model host process %d stopped.", proc.cmd.Process.Pid)
}

// lineWriter passes each complete line written to it to emit. os/exec copies the
// host's stderr into it and Wait returns only after the copy has finished.
type lineWriter struct {
	emit    func(line string)
	pending []byte
}

func (w *lineWriter) Write(data []byte) (int, error) {
	w.pending = append(w.pending, data...)

	for {
		newline := bytes.IndexByte(w.pending, '\n')
		if newline < 0 {
			break
		}

		line := strings.TrimRight(string(w.pending[:newline]), "\r")
		w.pending = w.pending[newline+1:]

		if line != "" {
			w.emit(line)
		}
	}

	return len(data), nil
}
