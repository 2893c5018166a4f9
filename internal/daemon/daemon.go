// Package daemon holds the start-up and run loop shared by the speech daemons.
package daemon

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/config"
	"github.com/book-expert/speechd/internal/idle"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	flagConfig      = "config"
	flagCentral     = "central"
	flagConfigDesc  = "Path to a TOML configuration file"
	flagCentralDesc = "Load the shared project configuration instead of a local file"

	shutdownTimeout = 10 * time.Second
)

// ErrConflictingFlags is returned when both --config and --central are given.
var ErrConflictingFlags = errors.New("cannot specify both --config and --central")

// Flags holds the command-line options every daemon accepts.
type Flags struct {
	ConfigPath string
	Central    bool
}

// Task is one long-running part of a daemon. It returns nil once ctx is done.
type Task func(ctx context.Context) error

// ParseFlags parses the daemon flags from args (without the program name).
func ParseFlags(name string, args []string) (Flags, error) {
	var flags Flags

	flagSet := flag.NewFlagSet(name, flag.ContinueOnError)
	flagSet.StringVar(&flags.ConfigPath, flagConfig, "", flagConfigDesc)
	flagSet.BoolVar(&flags.Central, flagCentral, false, flagCentralDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return Flags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	if flags.ConfigPath != "" && flags.Central {
		return Flags{}, ErrConflictingFlags
	}

	return flags, nil
}

// LoadEnv reads a .env file from the working directory when there is one.
func LoadEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	return nil
}

// Bootstrap loads the configuration with a temporary logger, checks that the engine
// can be started, then opens the final logger in the configured logs directory. The caller closes the returned logger.
func Bootstrap(name string, flags Flags, base *config.Config) (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := logger.New(os.TempDir(), name+"-bootstrap.log")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	defer func() {
		_ = bootstrapLog.Close()
	}()

	err = LoadEnv()
	if err != nil {
		bootstrapLog.Warn("%v", err)
	}

	cfg, err := loadConfig(bootstrapLog, flags, base)
	if err == nil {
		err = cfg.ValidateEngine()
	}

	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, err
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := logger.New(cfg.Paths.BaseLogsDir, name+".log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, nil, fmt.Errorf("failed to create final logger: %w", err)
	}

	return cfg, finalLog, nil
}

func loadConfig(log *logger.Logger, flags Flags, base *config.Config) (*config.Config, error) {
	if flags.Central {
		return config.LoadCentral(log, base)
	}

	cfg, err := config.Load(flags.ConfigPath, base)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// Run runs every task and the idle watchdog until ctx is cancelled or one of them
// fails. Reaching the idle timeout is a clean shutdown and returns nil.
func Run(ctx context.Context, log *logger.Logger, watchdog *idle.Watchdog, tasks ...Task) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for _, task := range tasks {
		group.Go(func() error {
			return task(groupCtx)
		})
	}

	group.Go(func() error {
		return watchdog.Run(groupCtx)
	})

	err := group.Wait()
	if errors.Is(err, idle.ErrIdle) {
		log.System("Idle for %s, shutting down.", watchdog.Idle().Round(time.Second))

		return nil
	}

	if err != nil {
		return fmt.Errorf("daemon stopped: %w", err)
	}

	log.System("Shutting down.")

	return nil
}

// HTTPTask serves server until ctx is done, then shuts it down gracefully.
func HTTPTask(server *http.Server, log *logger.Logger) Task {
	return func(ctx context.Context) error {
		errChan := make(chan error, 1)

		go func() {
			log.Info("HTTP API listening on %s", server.Addr)
			errChan <- server.ListenAndServe()
		}()

		select {
		case err := <-errChan:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}

			return fmt.Errorf("http server failed: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}

		return nil
	}
}
