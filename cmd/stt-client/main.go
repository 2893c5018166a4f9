// main package for stt-client, which prints the transcript of an audio file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/client"
	"github.com/book-expert/speechd/internal/config"
	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/daemon"
	"github.com/book-expert/speechd/internal/engine"
)

const (
	usage          = "Usage: stt-client [--config path] <audio_file> [model_size]"
	flagConfig     = "config"
	flagConfigDesc = "Path to a TOML configuration file"
	logFileName    = "stt-client.log"
)

// ErrUsage is returned when the positional arguments are missing.
var ErrUsage = errors.New(usage)

// appArgs holds the parsed command line.
type appArgs struct {
	config    string
	audioPath string
	modelSize string
}

func parseArgs(args []string, output io.Writer) (appArgs, error) {
	var parsed appArgs

	flagSet := flag.NewFlagSet("stt-client", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&parsed.config, flagConfig, "", flagConfigDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appArgs{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	positional := flagSet.Args()
	if len(positional) < 1 || len(positional) > 2 {
		return appArgs{}, ErrUsage
	}

	parsed.audioPath = positional[0]
	if len(positional) == 2 {
		parsed.modelSize = positional[1]
	}

	return parsed, nil
}

// newTranscriber prefers the whisper-server daemon and loads the model in-process
// only when the daemon is missing or fails.
func newTranscriber(cfg *config.Config, log *logger.Logger) *client.FallbackTranscriber {
	direct := func(ctx context.Context) (core.Transcriber, error) {
		log.Info("Loading whisper model %s in-process", cfg.Engine.Model)

		return engine.NewTranscriber(ctx, cfg, log)
	}

	return client.NewFallbackTranscriber(cfg.Server.SocketPath, client.NewSocketTranscriber(cfg.Server.SocketPath), direct, log)
}

func run() error {
	parsed, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	err = daemon.LoadEnv()
	if err != nil {
		return err
	}

	cfg, err := config.Load(parsed.config, config.DefaultSTT())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if parsed.modelSize != "" {
		cfg.Engine.Model = parsed.modelSize
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transcriber := newTranscriber(cfg, log)
	defer transcriber.Close()

	transcript, err := transcriber.Transcribe(ctx, parsed.audioPath)
	if err != nil {
		log.Error("Transcription failed: %v", err)

		return fmt.Errorf("transcription failed: %w", err)
	}

	fmt.Println(transcript)

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
