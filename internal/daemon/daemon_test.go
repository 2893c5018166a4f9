package daemon_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/config"
	"github.com/book-expert/speechd/internal/daemon"
	"github.com/book-expert/speechd/internal/idle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "daemon-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	return testLogger
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	flags, err := daemon.ParseFlags("kokoro-server", []string{"--config", "speechd.toml"})
	require.NoError(t, err)
	assert.Equal(t, "speechd.toml", flags.ConfigPath)
	assert.False(t, flags.Central)

	flags, err = daemon.ParseFlags("kokoro-server", []string{"-central"})
	require.NoError(t, err)
	assert.True(t, flags.Central)

	_, err = daemon.ParseFlags("kokoro-server", []string{"--config", "a.toml", "--central"})
	require.ErrorIs(t, err, daemon.ErrConflictingFlags)

	_, err = daemon.ParseFlags("kokoro-server", []string{"--unknown"})
	require.Error(t, err)
}

func TestBootstrap(t *testing.T) {
	t.Parallel()

	logsDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "speechd.toml")
	content := fmt.Sprintf("[server]\nsocket_path = %q\n\n[engine]\nworker_command = [\"whisper-host\"]\n\n[paths]\nbase_logs_dir = %q\n",
		"/tmp/test-whisper.sock", logsDir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, log, err := daemon.Bootstrap("whisper-server", daemon.Flags{ConfigPath: path}, config.DefaultSTT())
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	assert.Equal(t, "/tmp/test-whisper.sock", cfg.Server.SocketPath)
	assert.FileExists(t, filepath.Join(logsDir, "whisper-server.log"))
}

func TestBootstrap_BadConfig(t *testing.T) {
	t.Parallel()

	_, _, err := daemon.Bootstrap("whisper-server",
		daemon.Flags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}, config.DefaultSTT())
	require.Error(t, err)
}

func TestBootstrap_EngineWithoutCommand(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "speechd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[paths]\nbase_logs_dir = \"/tmp\"\n"), 0o600))

	_, _, err := daemon.Bootstrap("kokoro-server", daemon.Flags{ConfigPath: path}, config.DefaultTTS())
	require.ErrorIs(t, err, config.ErrWorkerCommandEmpty)
}

func TestRun_IdleShutdownIsClean(t *testing.T) {
	t.Parallel()

	watchdog := idle.New(30*time.Millisecond, 10*time.Millisecond)
	stopped := make(chan struct{})

	task := func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)

		return nil
	}

	err := daemon.Run(context.Background(), newTestLogger(t), watchdog, task)
	require.NoError(t, err)

	select {
	case <-stopped:
	default:
		t.Fatal("task was not stopped by the idle shutdown")
	}
}

func TestRun_TaskFailure(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("listener broke")
	watchdog := idle.New(0, 0)

	err := daemon.Run(context.Background(), newTestLogger(t), watchdog,
		func(context.Context) error { return errBoom },
		func(ctx context.Context) error {
			<-ctx.Done()

			return nil
		},
	)
	require.ErrorIs(t, err, errBoom)
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := daemon.Run(ctx, newTestLogger(t), idle.New(0, 0))
	require.NoError(t, err)
}

func TestHTTPTask(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	server := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
		ReadHeaderTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() { errChan <- daemon.HTTPTask(server, newTestLogger(t))(ctx) }()

	require.Eventually(t, func() bool {
		resp, getErr := http.Get("http://" + addr)
		if getErr != nil {
			return false
		}

		_ = resp.Body.Close()

		return resp.StatusCode == http.StatusNoContent
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-errChan)
}

func TestHTTPTask_AddressInUse(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = listener.Close() })

	server := &http.Server{Addr: listener.Addr().String(), ReadHeaderTimeout: time.Second}

	err = daemon.HTTPTask(server, newTestLogger(t))(context.Background())
	require.Error(t, err)
}
