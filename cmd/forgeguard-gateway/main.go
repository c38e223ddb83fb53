// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// forgeguard-gateway is the mediation daemon: the sole path through
// which a sandboxed agent can touch git remotes or the forge API. The
// agent holds only the gateway's shared secret; the platform
// credential lives here and never crosses the socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/forgeguard/forgeguard/gateway"
	"github.com/forgeguard/forgeguard/lib/audit"
	"github.com/forgeguard/forgeguard/lib/github"
	"github.com/forgeguard/forgeguard/lib/version"
	"github.com/forgeguard/forgeguard/policy"
	"github.com/forgeguard/forgeguard/ratelimit"
	"github.com/forgeguard/forgeguard/refresher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var credentialFile string
	var credentialPipe bool
	var showVersion bool

	flags := pflag.NewFlagSet("forgeguard-gateway", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to config file (required)")
	flags.StringVar(&credentialFile, "credential-file", "", "path to credentials file (key=value format)")
	flags.BoolVar(&credentialPipe, "credential-pipe", false, "read a CBOR credential payload from stdin (production delivery)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("forgeguard-gateway %s\n", version.Info())
		return nil
	}
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	config, err := gateway.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("starting forgeguard-gateway",
		"version", version.Info(),
		"socket_path", config.SocketPath,
		"repos_root", config.ReposRoot,
	)

	// Credential sources in priority order: piped payload (production),
	// systemd credentials, file, environment (dev fallback, visible in
	// /proc/*/environ).
	sources := []gateway.CredentialSource{}
	if credentialPipe {
		piped, err := gateway.ReadPipeCredentials(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read piped credentials: %w", err)
		}
		sources = append(sources, piped)
	}
	sources = append(sources, &gateway.SystemdCredentialSource{})
	if credentialFile != "" {
		sources = append(sources, &gateway.FileCredentialSource{Path: credentialFile})
		logger.Info("using credential file", "path", credentialFile)
	}
	sources = append(sources, &gateway.EnvCredentialSource{})
	credentials := &gateway.ChainCredentialSource{Sources: sources}
	defer credentials.Close()

	sharedSecret := credentials.Get(gateway.CredentialGatewaySecret)
	if sharedSecret == nil {
		return fmt.Errorf("no %s credential available", gateway.CredentialGatewaySecret)
	}

	exchanger, err := buildExchanger(credentials, config.Platform.BaseURL)
	if err != nil {
		return err
	}

	tokens, err := refresher.New(refresher.Config{
		Exchanger:        exchanger,
		Margin:           config.Refresh.Margin.Std(),
		FailureThreshold: config.Refresh.FailureThreshold,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create refresher: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go tokens.Run(ctx)

	client, err := github.NewClient(github.Config{
		BaseURL: config.Platform.BaseURL,
		Tokens:  tokens,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create platform client: %w", err)
	}

	identities, err := policy.NewIdentities(config.Identity.Bot, config.Identity.Aliases)
	if err != nil {
		return fmt.Errorf("invalid identity config: %w", err)
	}
	engine, err := policy.New(policy.Config{
		Identities:       identities,
		Reader:           gateway.NewPlatformReader(client),
		ReservedPrefixes: config.Policy.ReservedPrefixes,
		OwnershipTTL:     config.Policy.OwnershipTTL.Std(),
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}

	limits := make(map[ratelimit.Class]int, len(config.RateLimits.Classes))
	for class, limit := range config.RateLimits.Classes {
		limits[ratelimit.Class(class)] = limit
	}
	limiter := ratelimit.New(ratelimit.Config{
		Window: config.RateLimits.Window.Std(),
		Limits: limits,
		Logger: logger,
	})

	auditStore, err := audit.Open(audit.Config{
		Path:   config.Audit.Database,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer auditStore.Close()

	auth, err := gateway.NewAuthenticator(sharedSecret)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}

	handler, err := gateway.NewHandler(gateway.HandlerConfig{
		Auth:      auth,
		Engine:    engine,
		Limiter:   limiter,
		Audit:     auditStore,
		Tokens:    tokens,
		Client:    client,
		ReposRoot: config.ReposRoot,
		GitHost:   config.Platform.GitHost,
		GitPath:   config.GitPath,
		Actor:     config.Identity.Bot,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	server, err := gateway.NewServer(gateway.ServerConfig{
		Handler:       handler,
		SocketPath:    config.SocketPath,
		ListenAddress: config.ListenAddress,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildExchanger selects the platform credential mode: a GitHub App
// installation (production, short-lived tokens) when the App
// credentials are present, otherwise a static personal access token
// for development.
func buildExchanger(credentials gateway.CredentialSource, baseURL string) (refresher.Exchanger, error) {
	appID := credentials.Get(gateway.CredentialAppID)
	if appID != nil {
		installationID := credentials.Get(gateway.CredentialAppInstallationID)
		privateKey := credentials.Get(gateway.CredentialAppPrivateKey)
		if installationID == nil || privateKey == nil {
			return nil, fmt.Errorf("incomplete GitHub App credentials: need %s and %s",
				gateway.CredentialAppInstallationID, gateway.CredentialAppPrivateKey)
		}

		parsedAppID, err := strconv.ParseInt(appID.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", gateway.CredentialAppID, err)
		}
		parsedInstallationID, err := strconv.ParseInt(installationID.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", gateway.CredentialAppInstallationID, err)
		}

		return github.NewAppExchanger(github.AppConfig{
			AppID:          parsedAppID,
			InstallationID: parsedInstallationID,
			PrivateKeyPEM:  privateKey.Bytes(),
			BaseURL:        baseURL,
		})
	}

	token := credentials.Get(gateway.CredentialGitHubToken)
	if token == nil {
		return nil, fmt.Errorf("no platform credential: set GitHub App credentials or %s", gateway.CredentialGitHubToken)
	}
	return refresher.NewStaticExchanger(token.Bytes(), nil)
}
