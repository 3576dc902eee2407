package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ace-han/social-auth/pkg/backend"
	"github.com/ace-han/social-auth/pkg/config"
	"github.com/ace-han/social-auth/pkg/handshake"
	"github.com/ace-han/social-auth/pkg/orchestrator"
	"github.com/ace-han/social-auth/pkg/orchestrator/api"
	"github.com/ace-han/social-auth/pkg/pipeline"
	"github.com/ace-han/social-auth/pkg/token"
	"github.com/ace-han/social-auth/pkg/userstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("error loading .env file, continuing with environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	backendsFile, err := config.LoadBackendsFile(cfg.Auth.BackendsFile)
	if err != nil {
		slog.Error("failed to load backends file", "err", err)
		os.Exit(1)
	}
	settings := backend.Settings(backendsFile.Settings)

	registry := backend.NewRegistry()
	for _, bc := range backendsFile.Backends {
		b, err := buildBackend(bc)
		if err != nil {
			slog.Error("failed to build backend", "backend", bc.Name, "err", err)
			os.Exit(1)
		}
		if err := registry.Register(b); err != nil {
			slog.Error("failed to register backend", "backend", bc.Name, "err", err)
			os.Exit(1)
		}
	}
	slog.Info("backends registered", "names", registry.Names())

	store, err := buildHandshakeStore(cfg)
	if err != nil {
		slog.Error("failed to build handshake store", "err", err)
		os.Exit(1)
	}

	users, partials, err := buildStores(cfg)
	if err != nil {
		slog.Error("failed to build user store", "err", err)
		os.Exit(1)
	}

	engine := pipeline.NewEngine(pipeline.DefaultRegistry(), users, partials, settings)

	issuer := token.NewJWTIssuer(
		cfg.Jwt.Secret,
		cfg.Jwt.Issuer,
		cfg.Jwt.Audience,
		token.WithAccessTokenExpiry(cfg.Jwt.AccessTokenExpiry),
		token.WithRefreshTokenExpiry(cfg.Jwt.RefreshTokenExpiry),
	)

	service := orchestrator.NewService(
		registry,
		store,
		engine,
		issuer,
		settings,
		orchestrator.WithDefaultBackend(cfg.Auth.DefaultBackend),
		orchestrator.WithAllowedHosts(cfg.Auth.AllowedRedirectHosts),
		orchestrator.WithRedirectOnly(cfg.Auth.RedirectOnly),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Mount("/", api.Routes(api.NewHandle(service)))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	slog.Info("starting server", "addr", cfg.Server.Addr())
	if err := server.ListenAndServe(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// buildBackend instantiates the protocol variant named by the config.
func buildBackend(bc backend.Config) (backend.Backend, error) {
	switch bc.Type {
	case "miniapp":
		return backend.NewMiniAppBackend(bc)
	default:
		return backend.NewOAuth2Backend(bc)
	}
}

// buildHandshakeStore selects the correlation store implementation.
func buildHandshakeStore(cfg config.Config) (handshake.Store, error) {
	switch cfg.Handshake.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return handshake.NewRedisStore(client, handshake.WithRedisTTL(cfg.Handshake.TTL)), nil
	default:
		return handshake.NewInMemoryStore(handshake.WithTTL(cfg.Handshake.TTL)), nil
	}
}

// buildStores selects the user store and the pipeline partial store. Both live
// in the same place so a suspended run and its user records share a backend.
func buildStores(cfg config.Config) (userstore.Store, pipeline.PartialStore, error) {
	switch cfg.Auth.UserStore {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.URL())
		if err != nil {
			return nil, nil, err
		}
		return userstore.NewPostgresStore(pool), pipeline.NewPostgresPartialStore(pool), nil
	default:
		return userstore.NewInMemoryStore(), pipeline.NewInMemoryPartialStore(), nil
	}
}
