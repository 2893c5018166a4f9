// Package client talks to the speech daemons and falls back to a direct model
// when the daemon cannot answer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/socket"
	"github.com/google/uuid"
)

var (
	// ErrServerError wraps an error reported by a daemon.
	ErrServerError = errors.New("speech server error")
	// ErrUnexpectedReply is returned when a daemon reply does not follow the protocol.
	ErrUnexpectedReply = errors.New("unexpected reply from speech server")
)

// exchange sends one request over the socket at path and reads the full reply.
func exchange(ctx context.Context, path string, request []byte) ([]byte, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_, err = conn.Write(request)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	unixConn, ok := conn.(*net.UnixConn)
	if ok {
		err = unixConn.CloseWrite()
		if err != nil {
			return nil, fmt.Errorf("failed to finish request: %w", err)
		}
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}

	return reply, nil
}

// SocketSynthesizer asks the text-to-speech daemon to render audio.
type SocketSynthesizer struct {
	path    string
	tempDir string
}

// NewSocketSynthesizer creates a SocketSynthesizer for the daemon listening on path.
func NewSocketSynthesizer(path, tempDir string) *SocketSynthesizer {
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return &SocketSynthesizer{path: path, tempDir: tempDir}
}

// Name returns the socket path.
func (s *SocketSynthesizer) Name() string {
	return s.path
}

// Speak asks the daemon to write req.Text as WAV to req.Output.
func (s *SocketSynthesizer) Speak(ctx context.Context, req socket.SpeakRequest) error {
	request, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal speak request: %w", err)
	}

	reply, err := exchange(ctx, s.path, request)
	if err != nil {
		return err
	}

	text := string(reply)

	switch {
	case text == socket.ReplyOK:
		return nil
	case strings.HasPrefix(text, socket.ReplyErrPfx):
		return fmt.Errorf("%w: %s", ErrServerError, strings.TrimPrefix(text, socket.ReplyErrPfx))
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedReply, text)
	}
}

// Synthesize renders through the daemon into a temporary file and returns its bytes.
func (s *SocketSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	// The daemon may run as another user; the file must be creatable by it.
	output := filepath.Join(s.tempDir, "speechd-client-"+uuid.NewString()+".wav")
	defer os.Remove(output)

	err := s.Speak(ctx, socket.SpeakRequest{Text: req.Text, Output: output, Voice: req.Voice, Speed: req.Speed})
	if err != nil {
		return nil, err
	}

	audioData, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon output: %w", err)
	}

	return audioData, nil
}

// SocketTranscriber asks the speech-to-text daemon for a transcript.
type SocketTranscriber struct {
	path string
}

// NewSocketTranscriber creates a SocketTranscriber for the daemon listening on path.
func NewSocketTranscriber(path string) *SocketTranscriber {
	return &SocketTranscriber{path: path}
}

// Name returns the socket path.
func (s *SocketTranscriber) Name() string {
	return s.path
}

// Transcribe sends the absolute audio path to the daemon.
func (s *SocketTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	absPath, err := filepath.Abs(audioPath)
	if err != nil {
		return "", fmt.Errorf("could not resolve absolute path for %q: %w", audioPath, err)
	}

	request, err := json.Marshal(socket.TranscribeRequest{Audio: absPath})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transcribe request: %w", err)
	}

	data, err := exchange(ctx, s.path, request)
	if err != nil {
		return "", err
	}

	var reply socket.TranscribeReply

	err = json.Unmarshal(data, &reply)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}

	if !reply.OK {
		message := reply.Error
		if message == "" {
			message = "unknown"
		}

		return "", fmt.Errorf("%w: %s", ErrServerError, message)
	}

	return reply.Text, nil
}
