// Package app wires duskgate's dependencies together and runs the server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/duskgate/duskgate/internal/config"
	"github.com/duskgate/duskgate/internal/httpserver"
	"github.com/duskgate/duskgate/internal/platform"
	"github.com/duskgate/duskgate/internal/telemetry"
	"github.com/duskgate/duskgate/pkg/forwarder"
	"github.com/duskgate/duskgate/pkg/gateway"
	"github.com/duskgate/duskgate/pkg/requestlog"
	"github.com/duskgate/duskgate/pkg/scheduler"
	"github.com/duskgate/duskgate/pkg/upstreamkey"
)

// Run is the application's entry point: it reads config, connects to
// infrastructure, and starts serving until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting duskgate", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	store := upstreamkey.NewStore(db)

	forwarderOpts := forwarder.Options{
		GeminiBaseURL:     cfg.GeminiAPIBaseURL,
		OpenAIBaseURL:     cfg.OpenAIAPIBaseURL,
		CloudflareEnabled: cfg.CloudflareGatewayEnabled,
		CFAIAuthKey:       cfg.CFAIAuthorizationKey,
	}
	geminiFwd := forwarder.NewGeminiForwarder(forwarderOpts)
	openAIFwd := forwarder.NewOpenAIForwarder(forwarderOpts)
	prober := &forwarder.Prober{
		Gemini:      geminiFwd,
		OpenAI:      openAIFwd,
		GeminiModel: "gemini-2.5-flash-lite",
		OpenAIModel: "gpt-4o-mini",
	}

	policy := scheduler.Policy{
		InitialCoolDownSeconds:         cfg.APIKeyCoolDownSeconds,
		FailureThreshold:               cfg.APIKeyFailureThreshold,
		MaxCoolDownSeconds:             cfg.MaxCoolDownSeconds,
		KeyInUseTimeout:                cfg.KeyInUseTimeout(),
		DefaultCheckCooledDownInterval: time.Duration(cfg.DefaultCheckCooledDownSeconds) * time.Second,
		CheckHealthAfterCoolDown:       cfg.CheckHealthAfterCoolDown,
		CheckHealthInterval:            time.Duration(cfg.CheckHealthTimeIntervalSeconds) * time.Second,
	}
	sched := scheduler.New(store, rdb, logger, policy, prober)

	if err := sched.RecoverFromCrash(ctx); err != nil {
		return fmt.Errorf("recovering from crash: %w", err)
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	reqLog := requestlog.NewWriter(db, logger)
	reqLog.Start(ctx)
	defer reqLog.Close()

	orchPolicy := gateway.Policy{
		MaxRetries:           cfg.MaxRetries,
		NoKeyWait:            cfg.NoKeyWait(),
		ConcurrencyTimeout:   cfg.ConcurrencyTimeout(),
		RequestTimeout:       cfg.RequestTimeout(),
		KeyInUseTimeout:      cfg.KeyInUseTimeout(),
		RateLimitDefaultWait: time.Duration(cfg.RateLimitDefaultWaitSeconds) * time.Second,
	}
	forwarders := map[forwarder.Family]forwarder.Forwarder{
		forwarder.Gemini: geminiFwd,
		forwarder.OpenAI: openAIFwd,
	}
	orch := gateway.New(sched, forwarders, reqLog, logger, orchPolicy, int64(cfg.MaxConcurrentRequests))

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)
	srv.MountGatewayRoutes(sched, orch)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses can run far longer than a fixed write timeout
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down http server", "error", err)
		}
		<-schedDone
		return nil
	case err := <-errCh:
		return err
	}
}
