// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// Server exposes the mediation API on a Unix socket (the path
// bind-mounted into the sandbox) and optionally on TCP for clients
// that cannot speak Unix sockets.
type Server struct {
	handler *Handler
	logger  *slog.Logger

	socketPath    string
	listenAddress string

	httpServer   *http.Server
	unixListener net.Listener
	tcpListener  net.Listener
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Handler *Handler

	// SocketPath is the Unix socket to listen on. Optional when
	// ListenAddress is set.
	SocketPath string

	// ListenAddress is an optional TCP address, e.g. "127.0.0.1:8080".
	ListenAddress string

	Logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("gateway: Handler is required")
	}
	if config.SocketPath == "" && config.ListenAddress == "" {
		return nil, fmt.Errorf("gateway: one of SocketPath or ListenAddress is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler:       config.Handler,
		logger:        logger,
		socketPath:    config.SocketPath,
		listenAddress: config.ListenAddress,
	}, nil
}

// Start begins serving. It returns once the listeners are bound;
// serving continues in background goroutines until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.socketPath != "" {
		// Remove a stale socket from a previous run.
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket: %w", err)
		}

		listener, err := net.Listen("unix", s.socketPath)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.socketPath, err)
		}
		// Group-accessible only: the sandbox user joins the gateway's
		// group, everyone else is shut out.
		if err := os.Chmod(s.socketPath, 0o660); err != nil {
			listener.Close()
			return fmt.Errorf("setting socket permissions: %w", err)
		}
		s.unixListener = listener

		go func() {
			if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("unix listener stopped", "error", err)
			}
		}()
		s.logger.Info("gateway listening", "socket", s.socketPath)
	}

	if s.listenAddress != "" {
		listener, err := net.Listen("tcp", s.listenAddress)
		if err != nil {
			if s.unixListener != nil {
				s.unixListener.Close()
			}
			return fmt.Errorf("listening on %s: %w", s.listenAddress, err)
		}
		s.tcpListener = listener

		go func() {
			if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("tcp listener stopped", "error", err)
			}
		}()
		s.logger.Info("gateway listening", "address", listener.Addr().String())
	}

	notifySystemd(s.logger, "READY=1")
	return nil
}

// Shutdown stops the server gracefully, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	notifySystemd(s.logger, "STOPPING=1")

	err := s.httpServer.Shutdown(ctx)

	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
	return err
}

// notifySystemd sends a state notification when running under systemd
// (NOTIFY_SOCKET set). A no-op otherwise.
func notifySystemd(logger *slog.Logger, state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		logger.Warn("failed to connect to systemd notify socket", "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		logger.Warn("failed to notify systemd", "error", err)
	}
}
