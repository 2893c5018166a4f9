// main package for the kokoro-server text-to-speech daemon
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/audio"
	"github.com/book-expert/speechd/internal/cache"
	"github.com/book-expert/speechd/internal/config"
	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/daemon"
	"github.com/book-expert/speechd/internal/engine"
	"github.com/book-expert/speechd/internal/httpapi"
	"github.com/book-expert/speechd/internal/idle"
	"github.com/book-expert/speechd/internal/objectstore"
	"github.com/book-expert/speechd/internal/socket"
	"github.com/book-expert/speechd/internal/text"
	"github.com/book-expert/speechd/internal/voice"
	"github.com/book-expert/speechd/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	serviceName       = "kokoro-server"
	readHeaderTimeout = 10 * time.Second
	cacheDialTimeout  = 5 * time.Second
)

func run() error {
	flags, err := daemon.ParseFlags(serviceName, os.Args[1:])
	if err != nil {
		return err
	}

	cfg, log, err := daemon.Bootstrap(serviceName, flags, config.DefaultTTS())
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

	log.Info("Loading %s model %s...", cfg.Engine.Backend, cfg.Engine.Model)

	model, err := engine.NewSynthesizer(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to load model: %v", err)

		return fmt.Errorf("failed to load model: %w", err)
	}

	synth := engine.SerializeSynthesizer(model, cfg.EngineTimeout())

	defer func() {
		closeErr := synth.Close()
		if closeErr != nil {
			log.Warn("Failed to close model: %v", closeErr)
		}
	}()

	voices := voice.NewMap(cfg.Voices)
	watchdog := idle.New(cfg.IdleTimeout(), cfg.IdleCheckInterval())

	server, err := socket.Listen(
		cfg.Server.SocketPath,
		socket.NewSpeakHandler(synth, voices, cfg.Paths.TempDir, log),
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

	tasks := []daemon.Task{server.Serve}

	if cfg.Server.HTTPPort > 0 {
		audioCache, closeCache := openCache(ctx, cfg, log)
		defer closeCache()

		api := httpapi.New(httpapi.Options{
			Synth:        synth,
			Voices:       voices,
			Transcoder:   audio.NewTranscoder(cfg.Audio.FFmpegPath, cfg.Audio.Bitrate, cfg.TranscodeTimeout()),
			Cache:        audioCache,
			OnActivity:   watchdog.Touch,
			MaxBodyBytes: cfg.Server.MaxRequestBytes,
			Log:          log,
		})

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr(),
			Handler:           api.Routes(),
			ReadHeaderTimeout: readHeaderTimeout,
		}

		tasks = append(tasks, daemon.HTTPTask(httpServer, log))
	}

	if cfg.NATS.URL != "" {
		task, closeNATS, natsErr := startWorker(cfg, synth, voices, watchdog, log)
		if natsErr != nil {
			_ = server.Close()

			return natsErr
		}

		defer closeNATS()

		tasks = append(tasks, task)
	}

	log.System("%s ready (model %s, socket %s, idle timeout %s)",
		serviceName, synth.Name(), server.Path(), cfg.IdleTimeout())

	return daemon.Run(ctx, log, watchdog, tasks...)
}

// openCache connects the optional Redis audio cache. The daemon keeps serving
// without a cache when Redis is unreachable.
func openCache(ctx context.Context, cfg *config.Config, log *logger.Logger) (core.AudioCache, func()) {
	if cfg.Cache.RedisAddr == "" {
		return nil, func() {}
	}

	dialCtx, cancel := context.WithTimeout(ctx, cacheDialTimeout)
	defer cancel()

	redisCache, err := cache.NewRedisCache(dialCtx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.CacheTTL())
	if err != nil {
		log.Warn("Audio cache disabled: %v", err)

		return nil, func() {}
	}

	log.Info("Audio cache enabled at %s", cfg.Cache.RedisAddr)

	return redisCache, func() {
		_ = redisCache.Close()
	}
}

// startWorker connects to NATS and builds the book pipeline worker.
func startWorker(
	cfg *config.Config,
	synth core.Synthesizer,
	voices *voice.Map,
	watchdog *idle.Watchdog,
	log *logger.Logger,
) (daemon.Task, func(), error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to open object store: %w", err)
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection, store, synth, voices,
		text.NewNormalizer(cfg.Text.SpellNumbers),
		worker.Options{Subject: cfg.NATS.TextProcessedSubject, OnActivity: watchdog.Touch},
		log,
	)
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create worker: %w", err)
	}

	log.Info("Listening for jobs on subject: %s", cfg.NATS.TextProcessedSubject)

	return natsWorker.Run, natsConnection.Close, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
