// main package for the whisper-server speech-to-text daemon
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/speechd/internal/config"
	"github.com/book-expert/speechd/internal/daemon"
	"github.com/book-expert/speechd/internal/engine"
	"github.com/book-expert/speechd/internal/idle"
	"github.com/book-expert/speechd/internal/socket"
)

const serviceName = "whisper-server"

func run() error {
	flags, err := daemon.ParseFlags(serviceName, os.Args[1:])
	if err != nil {
		return err
	}

	cfg, log, err := daemon.Bootstrap(serviceName, flags, config.DefaultSTT())
	if err != nil {
		return err
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Loading whisper model %s...", cfg.Engine.Model)

	model, err := engine.NewTranscriber(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to load model: %v", err)

		return fmt.Errorf("failed to load model: %w", err)
	}

	transcriber := engine.SerializeTranscriber(model, cfg.EngineTimeout())

	defer func() {
		closeErr := transcriber.Close()
		if closeErr != nil {
			log.Warn("Failed to close model: %v", closeErr)
		}
	}()

	watchdog := idle.New(cfg.IdleTimeout(), cfg.IdleCheckInterval())

	server, err := socket.Listen(
		cfg.Server.SocketPath,
		socket.NewTranscribeHandler(transcriber, log),
		socket.Options{
			ReadTimeout:     cfg.ReadTimeout(),
			MaxRequestBytes: cfg.Server.MaxRequestBytes,
			OnActivity:      watchdog.Touch,
		},
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	log.System("%s ready (model %s, socket %s, idle timeout %s)",
		serviceName, transcriber.Name(), server.Path(), cfg.IdleTimeout())

	return daemon.Run(ctx, log, watchdog, server.Serve)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
