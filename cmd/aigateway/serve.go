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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/lumenclass/aigateway/internal/api"
	"github.com/lumenclass/aigateway/internal/auth"
	"github.com/lumenclass/aigateway/internal/caller"
	"github.com/lumenclass/aigateway/internal/config"
	"github.com/lumenclass/aigateway/internal/crypto"
	"github.com/lumenclass/aigateway/internal/gateway"
	"github.com/lumenclass/aigateway/internal/metrics"
	"github.com/lumenclass/aigateway/internal/provider"
	"github.com/lumenclass/aigateway/internal/provider/anthropic"
	"github.com/lumenclass/aigateway/internal/provider/openai"
	"github.com/lumenclass/aigateway/internal/queue"
	"github.com/lumenclass/aigateway/internal/quota"
	"github.com/lumenclass/aigateway/internal/ratelimit"
	"github.com/lumenclass/aigateway/internal/tools"
	"github.com/lumenclass/aigateway/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AI gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	primary, secondary, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	previewCipher, err := crypto.NewCipher(cfg.Usage.PreviewKey)
	if err != nil {
		return fmt.Errorf("usage preview key: %w", err)
	}

	usageStore := usage.NewStore(pool)
	collector := usage.NewCollector(usageStore, previewCipher, cfg.Usage.BatchSize, cfg.Usage.FlushInterval)
	go collector.Start(ctx)

	callerStore := caller.NewStore(pool)
	authService := auth.NewService(caller.NewAuthAdapter(callerStore))
	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)

	q := queue.New(cfg.Queue.Concurrency, cfg.Queue.MaxDepth)

	gw := gateway.New(gateway.Deps{
		Primary:   primary,
		Secondary: secondary,
		Queue:     q,
		Quota:     quota.NewChecker(quota.NewStore(pool)),
		Executor:  tools.NewExecutor(tools.NewStore(pool)),
		Usage:     collector,
		Metrics:   m,
		MaxTokens: cfg.Providers.Anthropic.MaxTokens,
	})

	router := api.NewRouter(api.RouterDeps{
		Gateway:        gw,
		Auth:           authService,
		Limiter:        limiter,
		Metrics:        m,
		CallerStore:    callerStore,
		UsageStore:     usageStore,
		AdminKeyHash:   cfg.Admin.KeyHash,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting",
			"addr", cfg.Addr(),
			"primary", primary.Name(),
			"fallback", secondary != nil)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop taking new work, let in-flight provider calls and streams finish,
	// then flush buffered usage records.
	err = srv.Shutdown(shutdownCtx)
	q.Close()
	collector.Stop()
	return err
}

// buildProviders constructs the configured upstream clients. Anthropic is the
// primary when its key is present; with only an OpenAI key the gateway runs
// single-provider with no fallback.
func buildProviders(cfg *config.Config) (primary, secondary provider.Client, err error) {
	var anthropicClient, openaiClient provider.Client

	if cfg.Providers.Anthropic.APIKey != "" {
		anthropicClient, err = anthropic.New(cfg.Providers.Anthropic)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic client: %w", err)
		}
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		openaiClient, err = openai.New(cfg.Providers.OpenAI)
		if err != nil {
			return nil, nil, fmt.Errorf("openai client: %w", err)
		}
	}

	if anthropicClient != nil {
		return anthropicClient, openaiClient, nil
	}
	slog.Warn("no anthropic key configured, running on openai only")
	return openaiClient, nil, nil
}
