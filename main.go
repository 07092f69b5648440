package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gastownhall/live-relay/internal/config"
	"github.com/gastownhall/live-relay/internal/metrics"
	"github.com/gastownhall/live-relay/internal/relay"
	"github.com/gastownhall/live-relay/internal/responder"
	"github.com/gastownhall/live-relay/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath     string
		listen         string
		allowedOrigins string
		storeBackend   string
		redisAddr      string
	)

	cmd := &cobra.Command{
		Use:   "live-relay",
		Short: "WebSocket relay for human takeover of live chatbot sessions",
		Long: `live-relay brokers live chat sessions between a chatbot backend and human
agents. Agents subscribe to a session's live feed, take it over from the AI
responder, send messages as themselves, and hand it back.`,
		Example: `  live-relay --config relay.yaml
  LIVE_RELAY_AGENTS=secret=alice@example.com live-relay --listen :9000
  live-relay --config relay.yaml --store redis --redis-addr localhost:6379`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("allowed-origins") {
				cfg.AllowedOrigins = config.SplitList(allowedOrigins)
			}
			if flags.Changed("store") {
				cfg.Store.Backend = storeBackend
			}
			if flags.Changed("redis-addr") {
				cfg.Store.Redis.Addr = redisAddr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.StringVar(&listen, "listen", ":8080", "HTTP listen address")
	f.StringVar(&allowedOrigins, "allowed-origins", "localhost:*", "comma-separated origin patterns for WebSocket CORS")
	f.StringVar(&storeBackend, "store", config.BackendMemory, "ownership and history store: memory or redis")
	f.StringVar(&redisAddr, "redis-addr", "", "Redis address for the redis store")
	return cmd
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.Store.Backend == config.BackendRedis {
		r := cfg.Store.Redis
		rs, err := store.NewRedis(store.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
			PoolSize: r.PoolSize,
			OwnerTTL: cfg.OwnershipTTL,
		})
		if err != nil {
			return nil, err
		}
		return rs, nil
	}
	return store.NewMemory(cfg.OwnershipTTL), nil
}

func run(ctx context.Context, cfg config.Config) error {
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var ai relay.Responder
	if cfg.Responder.Enabled {
		ai = responder.New(responder.Config{
			BaseURL:      cfg.Responder.BaseURL,
			APIKey:       cfg.Responder.APIKey,
			Model:        cfg.Responder.Model,
			SystemPrompt: cfg.Responder.SystemPrompt,
			MaxHistory:   cfg.Responder.MaxHistory,
		})
	}

	srv := relay.NewServer(relay.Options{
		Store:            st,
		Agents:           cfg.AgentTokens(),
		IngestToken:      cfg.IngestToken,
		OriginPatterns:   cfg.AllowedOrigins,
		Retention:        cfg.Retention,
		OwnershipTTL:     cfg.OwnershipTTL,
		ActionsPerSecond: cfg.RateLimit.ActionsPerSecond,
		Burst:            cfg.RateLimit.Burst,
		Responder:        ai,
		Metrics:          metrics.New(),
		Logger:           logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("live-relay listening", "addr", cfg.Listen, "store", cfg.Store.Backend,
			"agents", len(cfg.Agents), "responder", cfg.Responder.Enabled)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// websocket connections are hijacked, so close them before Shutdown
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
