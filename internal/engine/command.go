package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/core"
)

// Argument placeholders substituted per call.
const (
	placeholderOutput = "{output}"
	placeholderVoice  = "{voice}"
	placeholderSpeed  = "{speed}"
	placeholderInput  = "{input}"
	placeholderModel  = "{model}"
)

// CommandSynthesizer runs a text-to-speech binary once per request.
// The text is written to the binary's stdin and the WAV is read back from {output}.
type CommandSynthesizer struct {
	binary  string
	args    []string
	tempDir string
	log     *logger.Logger
}

// NewCommandSynthesizer creates a CommandSynthesizer; args may use {output}, {voice} and {speed}.
func NewCommandSynthesizer(binary string, args []string, tempDir string, log *logger.Logger) (*CommandSynthesizer, error) {
	if binary == "" {
		return nil, ErrNoCommand
	}

	return &CommandSynthesizer{binary: binary, args: args, tempDir: tempDir, log: log}, nil
}

// Name returns the binary name.
func (c *CommandSynthesizer) Name() string {
	return filepath.Base(c.binary)
}

// Synthesize runs the binary and returns the audio it wrote.
func (c *CommandSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	tempFile, err := os.CreateTemp(c.tempDir, "tts-output-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for tts output: %w", err)
	}

	_ = tempFile.Close()

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil && !os.IsNotExist(removeErr) {
			c.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	speed := req.Speed
	if speed <= 0 {
		speed = defaultSpeed
	}

	replacer := strings.NewReplacer(
		placeholderOutput, tempFile.Name(),
		placeholderVoice, req.Voice,
		placeholderSpeed, strconv.FormatFloat(speed, 'f', 2, 64),
	)

	// #nosec G204 -- binary and argument template come from the daemon configuration
	cmd := exec.CommandContext(ctx, c.binary, expandArgs(c.args, replacer)...)
	cmd.Stdin = strings.NewReader(req.Text)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s execution failed: %w - output: %s", c.Name(), err, string(output))
	}

	audioData, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data from temp file: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// CommandTranscriber runs a speech-to-text binary once per request and reads the
// transcript from its stdout, one segment per line.
type CommandTranscriber struct {
	binary string
	args   []string
	model  string
	log    *logger.Logger
}

// NewCommandTranscriber creates a CommandTranscriber; args may use {input} and {model}.
func NewCommandTranscriber(binary string, args []string, model string, log *logger.Logger) (*CommandTranscriber, error) {
	if binary == "" {
		return nil, ErrNoCommand
	}

	return &CommandTranscriber{binary: binary, args: args, model: model, log: log}, nil
}

// Name returns the model the binary is pointed at.
func (c *CommandTranscriber) Name() string {
	return c.model
}

// Transcribe runs the binary on audioPath.
func (c *CommandTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if audioPath == "" {
		return "", ErrAudioPathEmpty
	}

	replacer := strings.NewReplacer(
		placeholderInput, audioPath,
		placeholderModel, c.model,
	)

	// #nosec G204 -- binary and argument template come from the daemon configuration
	cmd := exec.CommandContext(ctx, c.binary, expandArgs(c.args, replacer)...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", fmt.Errorf("%s execution failed: %w - stderr: %s", filepath.Base(c.binary), err, stderr.String())
	}

	return JoinSegments(strings.Split(stdout.String(), "\n")), nil
}

func expandArgs(template []string, replacer *strings.Replacer) []string {
	args := make([]string, 0, len(template))

	for _, arg := range template {
		args = append(args, replacer.Replace(arg))
	}

	return args
}
