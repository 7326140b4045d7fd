package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coppermind/turnstile/internal/channels"
	"github.com/coppermind/turnstile/internal/channels/slack"
	"github.com/coppermind/turnstile/internal/channels/telegram"
	"github.com/coppermind/turnstile/internal/config"
	"github.com/coppermind/turnstile/internal/endpoint"
	"github.com/coppermind/turnstile/internal/gateway"
	"github.com/coppermind/turnstile/internal/session"
	"github.com/coppermind/turnstile/internal/store"
	"github.com/coppermind/turnstile/internal/transport"
	"github.com/coppermind/turnstile/internal/turn"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "turnstile.yaml", "Path to the configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Logger()
	logger.Info("starting turnstile", "version", version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Session durability. A missing database path disables it; the
	// orchestrator then holds sessions only in memory.
	var sessionStore session.Store
	if cfg.Database.Path != "" {
		sqlite, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer sqlite.Close()
		sessionStore = sqlite
	}

	registry := session.NewRegistry(sessionStore, logger)
	if err := registry.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	// ResponseHeaderTimeout bounds connection setup without cutting off
	// long-lived event streams.
	endpointClient, err := endpoint.NewHTTPClient(endpoint.HTTPConfig{
		BaseURL: cfg.Endpoint.URL,
		Token:   cfg.Endpoint.Token,
		HTTPClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: cfg.Endpoint.Timeout},
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("endpoint client: %w", err)
	}

	router := channels.NewRouter(logger)
	runner := turn.NewRunner(endpointClient, transport.NewOpener(logger), router, logger)

	srv, err := gateway.NewServer(gateway.Config{
		Registry: registry,
		Runner:   runner,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:  cfg.Channels.Telegram.BotToken,
			Logger: logger,
		}, srv)
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("telegram start: %w", err)
		}
		router.Register(telegram.ChannelName, adapter)
	}

	if cfg.Channels.Slack.Enabled {
		adapter, err := slack.NewAdapter(slack.Config{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Logger:   logger,
		}, srv)
		if err != nil {
			return fmt.Errorf("slack adapter: %w", err)
		}
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("slack start: %w", err)
		}
		router.Register(slack.ChannelName, adapter)
	}

	httpServer := gateway.NewHTTPServer(srv, cfg.Server.HTTPAddr)
	if err := httpServer.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Stop(shutdownCtx)
	registry.Flush(shutdownCtx)
	return nil
}
