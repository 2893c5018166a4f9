package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	defaultFFmpegPath       = "ffmpeg"
	defaultBitrate          = "64k"
	defaultTranscodeTimeout = 30 * time.Second
	voiceNoteSampleRate     = "48000"
)

var (
	// ErrEmptyInput is returned when there is no audio to convert.
	ErrEmptyInput = errors.New("audio input cannot be empty")
	// ErrEmptyOutput is returned when ffmpeg exits cleanly without producing audio.
	ErrEmptyOutput = errors.New("ffmpeg produced no audio")
)

// Transcoder converts WAV audio to other formats by piping it through ffmpeg.
type Transcoder struct {
	binary  string
	bitrate string
	timeout time.Duration
}

// NewTranscoder creates a Transcoder. Zero values select ffmpeg on PATH, 64k and 30s.
func NewTranscoder(binary, bitrate string, timeout time.Duration) *Transcoder {
	if binary == "" {
		binary = defaultFFmpegPath
	}

	if bitrate == "" {
		bitrate = defaultBitrate
	}

	if timeout <= 0 {
		timeout = defaultTranscodeTimeout
	}

	return &Transcoder{binary: binary, bitrate: bitrate, timeout: timeout}
}

// Transcode converts wav into format. WAV input for a WAV target is returned as is.
func (t *Transcoder) Transcode(ctx context.Context, wav []byte, format Format) ([]byte, error) {
	if len(wav) == 0 {
		return nil, ErrEmptyInput
	}

	if format == FormatWAV {
		return wav, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	// #nosec G204 -- the binary comes from configuration and args are fixed per format
	cmd := exec.CommandContext(ctx, t.binary, t.args(format)...)
	cmd.Stdin = bytes.NewReader(wav)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg conversion to %s failed: %w - stderr: %s", format, err, stderr.String())
	}

	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: format %s", ErrEmptyOutput, format)
	}

	return stdout.Bytes(), nil
}

func (t *Transcoder) args(format Format) []string {
	args := []string{"-y", "-i", "pipe:0"}

	switch format {
	case FormatOgg:
		args = append(args,
			"-c:a", "libopus", "-b:a", t.bitrate, "-ar", voiceNoteSampleRate,
			"-application", "voip", "-f", "ogg")
	case FormatFLAC:
		args = append(args, "-f", "flac")
	default:
		args = append(args, "-f", string(format), "-ab", t.bitrate)
	}

	return append(args, "pipe:1")
}
