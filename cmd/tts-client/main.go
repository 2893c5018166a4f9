// main package for tts-client, which renders text through the kokoro-server daemon
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/audio"
	"github.com/book-expert/speechd/internal/batch"
	"github.com/book-expert/speechd/internal/client"
	"github.com/book-expert/speechd/internal/config"
	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/daemon"
	"github.com/book-expert/speechd/internal/engine"
	"github.com/book-expert/speechd/internal/voice"
)

// Flag descriptions.
const (
	flagTextDesc    = "Text to convert to speech"
	flagChunksDesc  = "JSON file containing an array of text chunks to process"
	flagOutputDesc  = "Output file path, or output directory with --chunks"
	flagVoiceDesc   = "Voice name (OpenAI or model voice)"
	flagFormatDesc  = "Audio format: wav, mp3, opus, flac or ogg (voice note)"
	flagSpeedDesc   = "Speech speed multiplier"
	flagHTTPDesc    = "Base URL of the HTTP API; the Unix socket is used when empty"
	flagHealthDesc  = "Check the HTTP API health and exit"
	flagConfigDesc  = "Path to a TOML configuration file"
	flagWorkersDesc = "Number of chunks rendered concurrently"
)

// Flag names.
const (
	flagText    = "text"
	flagChunks  = "chunks"
	flagOutput  = "output"
	flagVoice   = "voice"
	flagFormat  = "format"
	flagSpeed   = "speed"
	flagHTTP    = "http"
	flagHealth  = "health"
	flagConfig  = "config"
	flagWorkers = "workers"
)

const (
	logFileName      = "tts-client.log"
	defaultOutputDir = "output"
	defaultOutput    = "output"
	defaultSpeed     = 1.0
	defaultWorkers   = 2
	requestTimeout   = 5 * time.Minute
	healthTimeout    = 10 * time.Second
)

// Static errors.
var (
	ErrEitherTextOrChunks = errors.New("either --text or --chunks must be provided")
	ErrCannotSpecifyBoth  = errors.New("cannot specify both --text and --chunks")
	ErrUnknownFormat      = errors.New("unknown audio format")
	ErrFormatMismatch     = errors.New("--format does not match the output file extension")
	ErrInvalidSpeed       = errors.New("speed must be positive")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text    string
	chunks  string
	output  string
	voice   string
	format  string
	http    string
	config  string
	speed   float64
	workers int
	health  bool
}

// parseFlags defines and parses the command-line flags.
func parseFlags(args []string, output io.Writer) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("tts-client", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.chunks, flagChunks, "", flagChunksDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.format, flagFormat, "", flagFormatDesc)
	flagSet.Float64Var(&flags.speed, flagSpeed, defaultSpeed, flagSpeedDesc)
	flagSet.StringVar(&flags.http, flagHTTP, "", flagHTTPDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	flagSet.IntVar(&flags.workers, flagWorkers, defaultWorkers, flagWorkersDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateArguments checks required and conflicting flags.
func validateArguments(flags appFlags) error {
	if flags.health {
		return nil
	}

	if flags.text == "" && flags.chunks == "" {
		return ErrEitherTextOrChunks
	}

	if flags.text != "" && flags.chunks != "" {
		return ErrCannotSpecifyBoth
	}

	if flags.format != "" && !audio.IsAudioPath("."+flags.format) {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, flags.format)
	}

	if flags.speed <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidSpeed, strconv.FormatFloat(flags.speed, 'f', -1, 64))
	}

	return nil
}

// resolveOutputPath returns the file a single text is written to. Without --output the
// file is output.<format>; with both flags the extension must agree with --format.
func resolveOutputPath(output, format string) (string, error) {
	if output == "" {
		return defaultOutput + "." + string(audio.ParseFormat(format)), nil
	}

	if format == "" {
		return output, nil
	}

	if filepath.Ext(output) == "" {
		return output + "." + string(audio.ParseFormat(format)), nil
	}

	if audio.FormatFromPath(output) != audio.ParseFormat(format) {
		return "", fmt.Errorf("%w: %s vs %s", ErrFormatMismatch, format, output)
	}

	return output, nil
}

// voiceResolver maps voice names for in-process models; the daemons do this themselves.
type voiceResolver struct {
	next   core.Synthesizer
	voices *voice.Map
}

func (v voiceResolver) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	req.Voice = v.voices.Resolve(req.Voice)

	return v.next.Synthesize(ctx, req)
}

func (v voiceResolver) Name() string {
	return v.next.Name()
}

func (v voiceResolver) Close() error {
	closer, ok := v.next.(io.Closer)
	if !ok {
		return nil
	}

	return closer.Close()
}

// newSynthesizer prefers the daemon (socket, or HTTP with --http) and loads the
// model in-process only when the daemon is missing or fails.
func newSynthesizer(cfg *config.Config, flags appFlags, log *logger.Logger) *client.FallbackSynthesizer {
	direct := func(ctx context.Context) (core.Synthesizer, error) {
		log.Info("Loading %s model in-process", cfg.Engine.Backend)

		model, err := engine.NewSynthesizer(ctx, cfg, log)
		if err != nil {
			return nil, err
		}

		return voiceResolver{next: model, voices: voice.NewMap(cfg.Voices)}, nil
	}

	if flags.http != "" {
		server := client.NewHTTPSynthesizer(client.NewHTTPClient(flags.http, requestTimeout))

		return client.NewFallbackSynthesizer("", server, direct, log)
	}

	server := client.NewSocketSynthesizer(cfg.Server.SocketPath, cfg.Paths.TempDir)

	return client.NewFallbackSynthesizer(cfg.Server.SocketPath, server, direct, log)
}

// handleHealthCheck performs a service health check and prints the result.
func handleHealthCheck(ctx context.Context, baseURL string, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	health, err := client.NewHTTPClient(baseURL, healthTimeout).HealthCheck(ctx)
	if err != nil {
		log.Error("Health check failed: %v", err)
		fmt.Printf("TTS service is not healthy: %v\n", err)

		return err
	}

	fmt.Printf("TTS service is healthy (model %s)\n", health.Model)

	return nil
}

func healthURL(cfg *config.Config, flags appFlags) string {
	if flags.http != "" {
		return flags.http
	}

	host := cfg.Server.HTTPHost
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	return fmt.Sprintf("http://%s:%d", host, cfg.Server.HTTPPort)
}

// processSingleText converts one text to a file.
func processSingleText(ctx context.Context, renderer *batch.Renderer, flags appFlags, log *logger.Logger) error {
	outputPath, err := resolveOutputPath(flags.output, flags.format)
	if err != nil {
		return err
	}

	log.Info("Processing single text to: %s", outputPath)

	err = renderer.RenderText(ctx, flags.text, outputPath)
	if err != nil {
		log.Error("Failed to process text: %v", err)

		return fmt.Errorf("failed to process text: %w", err)
	}

	fmt.Println(outputPath)

	return nil
}

// processChunks converts a file of text chunks into numbered files.
func processChunks(ctx context.Context, renderer *batch.Renderer, flags appFlags, log *logger.Logger) error {
	outputDir := flags.output
	if outputDir == "" {
		outputDir = defaultOutputDir
	}

	log.Info("Processing chunks from %s into %s", flags.chunks, outputDir)

	outputs, err := renderer.RenderChunks(ctx, flags.chunks, outputDir, audio.ParseFormat(flags.format))
	if err != nil {
		log.Error("Failed to process chunks: %v", err)

		return fmt.Errorf("failed to process chunks: %w", err)
	}

	fmt.Println(strings.Join(outputs, "\n"))

	return nil
}

func run() error {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	err = validateArguments(flags)
	if err != nil {
		return err
	}

	err = daemon.LoadEnv()
	if err != nil {
		return err
	}

	cfg, err := config.Load(flags.config, config.DefaultTTS())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.health {
		return handleHealthCheck(ctx, healthURL(cfg, flags), log)
	}

	synth := newSynthesizer(cfg, flags, log)

	defer func() {
		closeErr := synth.Close()
		if closeErr != nil {
			log.Warn("Failed to close model: %v", closeErr)
		}
	}()

	renderer := batch.NewRenderer(
		synth,
		audio.NewTranscoder(cfg.Audio.FFmpegPath, cfg.Audio.Bitrate, cfg.TranscodeTimeout()),
		batch.Options{Voice: flags.voice, Speed: flags.speed, Workers: flags.workers},
		log,
	)

	if flags.text != "" {
		return processSingleText(ctx, renderer, flags, log)
	}

	return processChunks(ctx, renderer, flags, log)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
