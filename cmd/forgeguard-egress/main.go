// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// forgeguard-egress is the transport-layer network filter: every
// outbound connection from the sandbox is routed through this proxy,
// which admits only allow-listed destinations. It runs as a separate
// process from the gateway and shares no state with it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/forgeguard/forgeguard/egress"
	"github.com/forgeguard/forgeguard/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var allowlistPath string
	var listenAddress string
	var showVersion bool

	flags := pflag.NewFlagSet("forgeguard-egress", pflag.ContinueOnError)
	flags.StringVar(&allowlistPath, "allowlist", "", "path to JSONC destination allow-list (required)")
	flags.StringVar(&listenAddress, "listen", "127.0.0.1:3128", "proxy listen address")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("forgeguard-egress %s\n", version.Info())
		return nil
	}
	if allowlistPath == "" {
		return fmt.Errorf("--allowlist is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	allowlist, err := egress.LoadAllowlist(allowlistPath)
	if err != nil {
		return err
	}

	proxy, err := egress.NewProxy(egress.ProxyConfig{
		Allowlist: allowlist,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              listenAddress,
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errors := make(chan error, 1)
	go func() {
		logger.Info("egress filter listening", "address", listenAddress, "allowlist", allowlistPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errors <- err
		}
	}()

	select {
	case err := <-errors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
