package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokengate/internal/config"
	"github.com/kailas-cloud/tokengate/internal/db"
	dbRedis "github.com/kailas-cloud/tokengate/internal/db/redis"
	dbValkey "github.com/kailas-cloud/tokengate/internal/db/valkey"
	logpkg "github.com/kailas-cloud/tokengate/internal/logger"
	"github.com/kailas-cloud/tokengate/internal/metrics"
	"github.com/kailas-cloud/tokengate/internal/repository/usagemirror"
	chiTransport "github.com/kailas-cloud/tokengate/internal/transport/chi"
	providerclient "github.com/kailas-cloud/tokengate/internal/transport/openai"
	healthuc "github.com/kailas-cloud/tokengate/internal/usecase/health"
	quotauc "github.com/kailas-cloud/tokengate/internal/usecase/quota"
	retryuc "github.com/kailas-cloud/tokengate/internal/usecase/retry"
	"github.com/kailas-cloud/tokengate/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting tokengate gateway",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("provider", cfg.Provider.Name),
		zap.String("model", cfg.Provider.Model),
		zap.Int64("ceiling_tokens_per_min", cfg.Quota.CeilingTokensPerMin),
	)

	// Register quota metrics explicitly (no init())
	metrics.RegisterQuotaMetrics()

	ctx := context.Background()

	// Optional usage mirror — empty addrs disables it entirely.
	var store db.Store
	if len(cfg.Mirror.Addrs) > 0 {
		switch cfg.Mirror.Driver {
		case "valkey":
			store, err = dbValkey.NewStore(dbValkey.Config{
				Addrs:    cfg.Mirror.Addrs,
				Password: cfg.Mirror.Password,
			})
		case "redis":
			store, err = dbRedis.NewStore(dbRedis.Config{
				Addrs:    cfg.Mirror.Addrs,
				Password: cfg.Mirror.Password,
			})
		default:
			logger.Fatal("Unknown mirror driver", zap.String("driver", cfg.Mirror.Driver))
		}
		if err != nil {
			logger.Fatal("Failed to create mirror store", zap.Error(err))
		}
		defer store.Close()

		readiness := time.Duration(cfg.Mirror.ReadinessTimeout) * time.Second
		if err := store.WaitForReady(ctx, readiness); err != nil {
			logger.Fatal("Mirror store not ready", zap.Error(err))
		}
		logger.Info("Connected to usage mirror",
			zap.String("driver", cfg.Mirror.Driver),
			zap.Strings("addrs", cfg.Mirror.Addrs),
		)
	}

	// Quota tracker — composition root for the three throttle signals.
	tracker := quotauc.New(quotauc.Config{
		Ceiling:      cfg.Quota.CeilingTokensPerMin,
		SafetyBuffer: cfg.Quota.SafetyBufferTokens,
		ReserveFloor: cfg.Quota.LowReserveTokens,
		Cooldown:     time.Duration(cfg.Quota.CooldownDefaultSec) * time.Second,
	}, logger)
	if store != nil {
		mirror := usagemirror.New(store, cfg.Mirror.KeyPrefix, time.Duration(cfg.Mirror.TTLMinutes)*time.Minute)
		tracker.WithMirror(mirror)
	}

	// Completion provider client
	client := providerclient.NewClient(&providerclient.Config{
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		Model:     cfg.Provider.Model,
		Provider:  cfg.Provider.Name,
		MaxTokens: cfg.Provider.MaxTokens,
		HTTPClient: &http.Client{
			Timeout: time.Duration(cfg.Provider.RequestTimeoutSec) * time.Second,
		},
		Logger: logger,
	})

	// Retry coordinator for provider rejections
	coordinator := retryuc.New(tracker, retryuc.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: time.Duration(cfg.Retry.BaseBackoffSec) * time.Second,
		MaxWait:     time.Duration(cfg.Retry.MaxWaitSec) * time.Second,
	}, logger)

	// Health service.
	// Pass nil interface (not typed nil pointer!) if the mirror is not configured.
	var mirrorPinger healthuc.MirrorPinger
	if store != nil {
		mirrorPinger = store
	}
	healthSvc := healthuc.New(client, mirrorPinger)

	// Create chi server
	server := chiTransport.NewServer(tracker, client, coordinator, healthSvc, cfg.Provider.MaxTokens, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Mount(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
