package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/example/tokenauth/internal/auth"
	cfg "github.com/example/tokenauth/internal/config"
	"github.com/example/tokenauth/internal/logging"
	"github.com/example/tokenauth/internal/metrics"
	"github.com/example/tokenauth/internal/refresh"
	"github.com/example/tokenauth/internal/store"
	"github.com/example/tokenauth/internal/token"
)

var version = "dev"

type pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Auth    *auth.Service
	DB      store.DB
	Tokens  pinger
	Log     *slog.Logger
	Metrics *metrics.Metrics

	CORSOrigins   []string
	RatePerMinute int
	rateLimiter   *RateLimiter

	closers []func() error
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", "error", err)
	}
}

func openDB(ctx context.Context, c *cfg.Config, log *slog.Logger) (store.DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return store.OpenSQLite(ctx, c.SQLiteFile)
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres config error: %w", err)
		}
		log.Info("applying database migrations")
		if err := store.ApplyMigrations(dsn, log); err != nil {
			return nil, err
		}
		return store.OpenPostgres(ctx, dsn)
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return store.NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

// NewApp builds the service graph described by c.
func NewApp(ctx context.Context, c *cfg.Config, log *slog.Logger) (*App, error) {
	policy, err := refresh.ParsePolicy(c.RotationPolicy)
	if err != nil {
		return nil, err
	}
	key, err := token.NewSigningKey([]byte(c.JwtSecret))
	if err != nil {
		return nil, err
	}
	issuer, err := token.NewIssuer(key, token.WithTTL(c.AccessTokenTTL), token.WithIssuerName(c.JwtIssuer))
	if err != nil {
		return nil, err
	}

	db, err := openDB(ctx, c, log)
	if err != nil {
		return nil, err
	}
	app := &App{
		DB:            db,
		Log:           log,
		Metrics:       metrics.New(),
		CORSOrigins:   c.CORSAllowedOrigins,
		RatePerMinute: c.AuthRatePerMinute,
		closers:       []func() error{db.Close},
	}

	if err := db.EnsureRoles(ctx, auth.RoleManager, auth.RoleEmployee); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("seeding roles: %w", err)
	}

	var repo refresh.Repository = db
	switch c.TokenStore {
	case "", "db":
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		app.closers = append(app.closers, client.Close)
		rt := store.NewRedisTokens(client,
			store.WithKeyPrefix(c.RedisPrefix),
			store.WithRetention(c.RefreshRetention),
		)
		if err := rt.Ping(ctx); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		repo, app.Tokens = rt, rt
		log.Info("refresh tokens stored in redis", "addr", c.RedisAddr)
	default:
		_ = app.Close()
		return nil, fmt.Errorf("unsupported TOKEN_STORE: %s (supported: db, redis)", c.TokenStore)
	}

	tokens := refresh.NewStore(repo, refresh.WithPolicy(policy), refresh.WithTTL(c.RefreshTokenTTL))
	app.Auth = auth.NewService(db, db, issuer, tokens,
		auth.WithLogger(log.With("component", "auth")),
		auth.WithRecorder(app.Metrics),
	)
	return app, nil
}

// Close releases the backends in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Router mounts every endpoint and the global middleware.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	// preflight requests are answered by the CORS middleware
	r.Methods("OPTIONS").HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")
	r.Handle("/metrics", a.Metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	credentials := v1.PathPrefix("/auth").Subrouter()
	credentials.Use(a.RateLimit)
	credentials.HandleFunc("/login", a.HandleLogin).Methods("POST")
	credentials.HandleFunc("/refresh", a.HandleRefresh).Methods("POST")
	credentials.HandleFunc("/logout", a.HandleLogout).Methods("POST")
	v1.HandleFunc("/auth/validate", a.HandleTokenValidate).Methods("GET")

	v1.HandleFunc("/anonymous", a.HandleAnonymous).Methods("GET")
	v1.Handle("/authenticated", a.RequireAuth(http.HandlerFunc(a.HandleWhoAmI))).Methods("GET")
	v1.Handle("/employee", a.RequireRoles(auth.RoleEmployee, auth.RoleManager)(http.HandlerFunc(a.HandleWhoAmI))).Methods("GET")
	v1.Handle("/manager", a.RequireRoles(auth.RoleManager)(http.HandlerFunc(a.HandleWhoAmI))).Methods("GET")

	users := v1.PathPrefix("/users").Subrouter()
	users.Use(a.RequireRoles(auth.RoleManager))
	users.HandleFunc("", a.HandleCreateUser).Methods("POST")
	users.HandleFunc("/{id}", a.HandleDeleteUser).Methods("DELETE")

	return r
}

func main() {
	c, err := cfg.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Setup("tokenauth", version, c.LogFormat, c.LogLevel, os.Stderr)
	slog.SetDefault(log)

	ctx := context.Background()
	app, err := NewApp(ctx, c, log)
	if err != nil {
		logging.LogError(ctx, log, "startup failed", err)
		os.Exit(1)
	}

	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		log.Info("starting server", "port", c.Port, "db", c.DBAdapter, "token_store", c.TokenStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
	if err := app.Close(); err != nil {
		log.Error("closing backends", "error", err)
	}
	log.Info("server exited properly")
}
