// Assistant gateway server: HTTP and WebSocket front end for the resilient
// chat client.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/shsh-assist/internal/agent"
	"github.com/ashureev/shsh-assist/internal/api"
	"github.com/ashureev/shsh-assist/internal/assistant"
	"github.com/ashureev/shsh-assist/internal/config"
	"github.com/ashureev/shsh-assist/internal/middleware"
	"github.com/ashureev/shsh-assist/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"transport", cfg.Backend.Transport,
		"transcripts", cfg.Transcript.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.Transcript, logger.With("component", "store"))
	if err != nil {
		slog.Error("Failed to initialize transcript store", "error", err)
		os.Exit(1)
	}
	if repo != nil {
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()
		slog.Info("Transcript store connected", "driver", cfg.Transcript.Driver)
	}

	backend, err := agent.NewBackend(cfg.Backend, logger.With("component", "backend"))
	if err != nil {
		slog.Error("Failed to initialize backend transport", "error", err)
		os.Exit(1)
	}

	var opts []assistant.Option
	if repo != nil {
		opts = append(opts, assistant.WithTranscript(repo))
	}
	if cfg.Client.TokenEstimate {
		tk, err := assistant.NewTokenizer("")
		if err != nil {
			slog.Warn("Token estimation disabled", "error", err)
		} else {
			opts = append(opts, assistant.WithTokenCounter(tk))
		}
	}

	client := assistant.New(backend, cfg.Client, logger, opts...)
	client.Start(ctx)
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			slog.Error("Failed to close assistant client", "error", closeErr)
		}
	}()

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	// Initialize handlers.
	baseHandler := api.NewHandler(client, repo, limiter, logger.With("component", "api"))
	healthHandler := api.NewHealthHandler(baseHandler)
	wsHandler := api.NewWebSocketHandler(baseHandler, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.DefaultCORSOptions(cfg.AllowedOrigins())))

	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/assistant", wsHandler.ServeHTTP)

	// The write deadline must outlast a chat that exhausts every retry, so the
	// fallback reply still reaches the caller.
	writeTimeout := cfg.Client.ChatBudget() + 10*time.Second

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
