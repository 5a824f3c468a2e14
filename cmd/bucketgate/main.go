package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/bucketgate/internal/auth"
	"github.com/AlexKimmel/bucketgate/internal/config"
	"github.com/AlexKimmel/bucketgate/internal/gateway"
	"github.com/AlexKimmel/bucketgate/internal/obs"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

const version = "v0.1.0"

func main() {
	defaultPath := "./config.yaml"
	if p := os.Getenv("BUCKETGATE_CONFIG"); p != "" {
		defaultPath = p
	}
	cfgPath := flag.String("config", defaultPath, "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	policies, err := cfg.Limits.RatePolicies()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid rate limit policy")
	}
	limiters := memory.NewRegistry()
	for _, p := range policies {
		if _, err := limiters.Register(p); err != nil {
			logger.Fatal().Err(err).Str("policy", p.ID).Msg("register policy")
		}
		logger.Info().Str("policy", p.ID).Float64("capacity", p.Capacity).Float64("refill_rate", p.RefillRate).Msg("policy registered")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(promReg, limiters)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})

	mux.Handle("/stats", gateway.StatsHandler(limiters))
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("Welcome to the rate-limited API!"))
	})

	mux.HandleFunc("GET /api", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"time":    time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	pairs := map[string]string{} // secret -> keyID
	for _, k := range cfg.Auth.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = k.ID
		}
	}
	authStore := auth.NewStatic(cfg.Auth.Header, pairs)

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		"/stats":                         {},
		cfg.Observability.PrometheusPath: {},
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
		gateway.RouteMatcher(routing.FromConfig(cfg.Routes), skip),
		metrics.Middleware(skip),
		gateway.RateLimit(limiters, skip, metrics.ObserveDecision),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	limiters.StartJanitor(ctx, cfg.Limits.Eviction.Interval(), cfg.Limits.Eviction.IdleTTL())

	// start
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().
		Int64("blocked", limiters.Blocked()).
		Int("clients", limiters.Stats().TotalClients).
		Msg("bye")
}
