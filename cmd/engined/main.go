package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	api "github.com/mind-engage/mindengage-testengine/internal/api/http"
	"github.com/mind-engage/mindengage-testengine/internal/app"
	auth "github.com/mind-engage/mindengage-testengine/internal/auth/middleware"
	"github.com/mind-engage/mindengage-testengine/internal/config"
	"github.com/mind-engage/mindengage-testengine/internal/logger"
	"github.com/mind-engage/mindengage-testengine/internal/telemetry"
)

func main() {
	configDir := flag.String("config", ".", "directory holding config.yaml")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(logger.Options{Env: cfg.Env, Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		zl.Fatal("tracing setup failed", zap.Error(err))
	}

	// --- Stores + engine ---
	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	rt, err := app.Build(bootCtx, cfg, zl)
	cancel()
	if err != nil {
		zl.Fatal("startup failed", zap.Error(err))
	}

	// --- Auth (local JWT) ---
	authSvc := auth.NewAuthService(cfg.Auth.HMACSecret, cfg.Auth.TokenTTL)
	authn := []func(http.Handler) http.Handler{auth.JWTMiddleware(authSvc)}
	if rt.Users != nil {
		authn = append(authn, auth.AttachRoleFromStore(rt.Users, cfg.Mode == config.ModeOffline))
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logger.Middleware(zl.Named("http")), middleware.Recoverer)
	r.Use(rt.Metrics.Middleware)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := cfg.CORS.OriginsOffline
	if cfg.Mode == config.ModeOnline {
		origins = cfg.CORS.OriginsOnline
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(authSvc, rt.Credentials()))
	api.Mount(r, rt.Engine, authn...)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.Ready(r.Context()); err != nil {
			http.Error(w, "remote store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", rt.Metrics.Handler())

	// --- Background reconciliation ---
	go rt.Engine.Reconciler().Run(ctx, cfg.Sync.Interval)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		zl.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("mode", string(cfg.Mode)),
			zap.String("remote", cfg.Remote.Driver), zap.String("local", cfg.Local.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")
	downCtx, cancelDown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelDown()
	if err := srv.Shutdown(downCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
	rt.Engine.Close(downCtx)
	if err := shutdownTracing(downCtx); err != nil {
		zl.Warn("tracing shutdown", zap.Error(err))
	}
	if err := rt.Close(); err != nil {
		zl.Warn("close stores", zap.Error(err))
	}
}
