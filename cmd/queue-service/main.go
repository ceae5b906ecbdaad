package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/config"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/httpapi"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/hub"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/notify"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/queue"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/store/postgres"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "queue-service").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve timezone")
	}

	shutdownTelemetry := telemetry.Setup("queue-service", log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	st := postgres.NewStore(pool)
	broadcaster := hub.New(log)

	var sender notify.Sender
	if cfg.SMTPHost != "" {
		sender = notify.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	} else {
		sender = notify.NewLogSender(log)
	}

	engine := queue.NewEngine(st, broadcaster, sender, log, loc)
	handler := httpapi.NewHandler(engine, st)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	secret := []byte(cfg.JWTSecret)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/realtime/", httpapi.RealtimeHandler(broadcaster, secret, log))
	mux.Handle("/", handler.Routes())

	chain := httpapi.AuthMiddleware(secret, mux)
	chain = httpapi.MetricsMiddleware(chain)
	chain = limiter.Middleware(chain)
	chain = httpapi.LoggingMiddleware(log, chain)
	root := otelhttp.NewHandler(chain, "queue-service")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
