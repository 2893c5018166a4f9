// Package socket serves the speech models over a Unix domain socket.
//
// Each connection carries exactly one request: the client writes a JSON document,
// half-closes its write side, and reads the reply until EOF. Connections are
// handled one after another, so the model behind the handler never sees two
// requests at once from this listener.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/book-expert/logger"
)

const (
	socketPerm         = 0o666
	defaultReadTimeout = 30 * time.Second
	defaultMaxBytes    = 1 << 20
)

// ErrRequestTooLarge is passed to Handler.ErrorReply when a request exceeds the size limit.
var ErrRequestTooLarge = errors.New("request too large")

// Handler turns one request document into one reply.
type Handler interface {
	Handle(ctx context.Context, request []byte) []byte
	// ErrorReply renders an error that happened before Handle could run.
	ErrorReply(err error) []byte
}

// Options tunes the server. Zero values select the defaults.
type Options struct {
	ReadTimeout     time.Duration
	MaxRequestBytes int64
	// OnActivity is called for every accepted connection.
	OnActivity func()
}

// Server is a sequential Unix socket server.
type Server struct {
	path     string
	listener *net.UnixListener
	handler  Handler
	opts     Options
	log      *logger.Logger
}

// Listen binds path, replacing a stale socket file left by a previous run.
func Listen(path string, handler Handler, opts Options, log *logger.Logger) (*Server, error) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	// #nosec G302 -- local clients of any user may connect
	err = os.Chmod(path, socketPerm)
	if err != nil {
		_ = listener.Close()

		return nil, fmt.Errorf("failed to chmod socket %s: %w", path, err)
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = defaultMaxBytes
	}

	return &Server{path: path, listener: listener, handler: handler, opts: opts, log: log}, nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Serve accepts connections until ctx is cancelled or the server is closed, then
// removes the socket file.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("Unix socket listening on %s", s.path)

	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	defer s.cleanup()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			s.log.Warn("Failed to accept connection: %v", err)

			continue
		}

		if s.opts.OnActivity != nil {
			s.opts.OnActivity()
		}

		s.handleConn(ctx, conn)
	}
}

// Close stops the listener and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.cleanup()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close socket listener: %w", err)
	}

	return nil
}

func (s *Server) cleanup() {
	_ = s.listener.Close()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("Failed to remove socket file %s: %v", s.path, err)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer func() {
		closeErr := conn.Close()
		if closeErr != nil {
			s.log.Warn("Failed to close connection: %v", closeErr)
		}
	}()

	reply := s.respond(ctx, conn)

	err := conn.SetWriteDeadline(time.Now().Add(s.opts.ReadTimeout))
	if err == nil {
		_, err = conn.Write(reply)
	}

	if err != nil {
		s.log.Error("Failed to send reply: %v", err)
	}
}

func (s *Server) respond(ctx context.Context, conn *net.UnixConn) []byte {
	err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	if err != nil {
		s.log.Error("Failed to set read deadline: %v", err)

		return s.handler.ErrorReply(err)
	}

	request, err := io.ReadAll(io.LimitReader(conn, s.opts.MaxRequestBytes+1))
	if err != nil {
		s.log.Error("Failed to read request: %v", err)

		return s.handler.ErrorReply(fmt.Errorf("failed to read request: %w", err))
	}

	if int64(len(request)) > s.opts.MaxRequestBytes {
		s.log.Error("Rejected request over %d bytes", s.opts.MaxRequestBytes)

		return s.handler.ErrorReply(fmt.Errorf("%w: limit is %d bytes", ErrRequestTooLarge, s.opts.MaxRequestBytes))
	}

	return s.handler.Handle(ctx, request)
}
