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

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	cfg "github.com/example/dermaid/internal/config"
	"github.com/example/dermaid/internal/identity"
	"github.com/example/dermaid/internal/inference"
	"github.com/example/dermaid/internal/media"
	"github.com/example/dermaid/internal/migrations"
	"github.com/example/dermaid/internal/store"
	"github.com/example/dermaid/internal/token"
)

const janitorInterval = 10 * time.Minute

type App struct {
	cfg *cfg.Config
	log *slog.Logger

	Store      store.Store
	Tokens     *token.Issuer
	Identity   *identity.Service
	Classifier inference.Classifier

	metrics  *Metrics
	limiter  *RateLimiter
	mediaDir string
}

// Deps are the collaborators main builds from configuration.
type Deps struct {
	Store      store.Store
	Tokens     *token.Issuer
	Hasher     identity.Hasher
	Media      identity.Media
	MediaDir   string // served under /media/ when set
	Classifier inference.Classifier
}

func NewApp(c *cfg.Config, logger *slog.Logger, d Deps) *App {
	if d.Classifier == nil {
		d.Classifier = inference.Unavailable{}
	}
	if d.Hasher == nil {
		d.Hasher = identity.BcryptHasher{}
	}
	a := &App{
		cfg:        c,
		log:        logger,
		Store:      d.Store,
		Tokens:     d.Tokens,
		Identity:   identity.NewService(d.Store, d.Hasher, d.Tokens, d.Media, logger),
		Classifier: d.Classifier,
		metrics:    NewMetrics(),
		mediaDir:   d.MediaDir,
	}
	if c.ThrottleAnonPerMinute > 0 {
		a.limiter = NewRateLimiter(c.ThrottleAnonPerMinute)
	}
	return a
}

// Router builds the HTTP surface. The API is served both at the root and under /api/auth.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.metrics.Middleware)
	r.Use(a.Logging)
	r.Use(a.CORS)
	r.Use(a.Throttle)

	r.HandleFunc("/health", a.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)
	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	if a.mediaDir != "" {
		r.PathPrefix(media.URLPrefix).Handler(
			http.StripPrefix(media.URLPrefix, http.FileServer(http.Dir(a.mediaDir)))).Methods(http.MethodGet)
	}

	a.mountAPI(r.PathPrefix("/api/auth").Subrouter())
	a.mountAPI(r)
	return r
}

func (a *App) mountAPI(r *mux.Router) {
	protected := func(h http.HandlerFunc) http.Handler { return a.RequireAccessToken(h) }

	r.HandleFunc("/register", a.HandleRegister).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/login", a.HandleLogin).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/refresh", a.HandleRefresh).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/logout", a.HandleLogout).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/verify", a.HandleVerify).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/analyze", a.HandleAnalyze).Methods(http.MethodPost, http.MethodOptions)

	r.Handle("/profile", protected(a.HandleProfile)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/profile/update", protected(a.HandleUpdateProfile)).Methods(http.MethodPut, http.MethodPatch, http.MethodOptions)
	r.Handle("/password/change", protected(a.HandleChangePassword)).Methods(http.MethodPost, http.MethodOptions)
}

// sweep drops expired revocations and idle limiter entries.
func (a *App) sweep(ctx context.Context) {
	n, err := a.Store.PurgeExpired(ctx, time.Now())
	if err != nil {
		a.log.WarnContext(ctx, "purging expired revocations", "err", err)
	} else if n > 0 {
		a.log.InfoContext(ctx, "purged expired revocations", "count", n)
	}
	if a.limiter != nil {
		a.limiter.Sweep(time.Minute)
	}
}

func (a *App) runJanitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sweep(ctx)
		}
	}
}

func openStore(c *cfg.Config, logger *slog.Logger) (store.Store, error) {
	switch c.DBAdapter {
	case "postgres":
		logger.Info("applying database migrations", "dir", c.MigrationsDir)
		if err := migrations.Apply(c.MigrationsDir, c.PostgresDSN, logger); err != nil {
			return nil, err
		}
		return store.NewPostgres(c.PostgresDSN)
	case "memory":
		logger.Warn("using in-memory database (not recommended for production)")
		return store.NewMemory(), nil
	default:
		return store.NewSQLite(c.SQLiteFile)
	}
}

func openMedia(ctx context.Context, c *cfg.Config) (identity.Media, string, error) {
	if c.MediaBackend == "s3" {
		s, err := media.NewS3Store(ctx, media.S3Config{
			Bucket:    c.S3Bucket,
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
		})
		return s, "", err
	}
	l, err := media.NewLocalStore(c.MediaDir)
	if err != nil {
		return nil, "", err
	}
	return l, c.MediaDir, nil
}

func main() {
	c, err := cfg.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(os.Stdout, c.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(c, logger)
	if err != nil {
		logger.Error("database init", "adapter", c.DBAdapter, "err", err)
		os.Exit(1)
	}
	logger.Info("database ready", "adapter", c.DBAdapter)

	var blacklist token.Blacklist = st
	var rdb *redis.Client
	if c.RevocationBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis ping", "addr", c.RedisAddr, "err", err)
			os.Exit(1)
		}
		blacklist = store.NewRedisRevocations(rdb)
	}

	m, mediaDir, err := openMedia(ctx, c)
	if err != nil {
		logger.Error("media init", "backend", c.MediaBackend, "err", err)
		os.Exit(1)
	}

	var classifier inference.Classifier = inference.Unavailable{}
	if c.ModelURL != "" {
		classifier = inference.NewRemote(c.ModelURL, c.ModelName, c.ModelTimeout)
	} else {
		logger.Warn("MODEL_URL not set, /analyze will fail")
	}

	app := NewApp(c, logger, Deps{
		Store:      st,
		Tokens:     token.NewIssuer(c.JwtSecret, c.AccessTokenTTL, c.RefreshTokenTTL, blacklist),
		Media:      m,
		MediaDir:   mediaDir,
		Classifier: classifier,
	})
	go app.runJanitor(ctx, janitorInterval)

	srv := &http.Server{
		Handler:           app.Router(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", c.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "err", err)
	}
	if err := st.Close(); err != nil {
		logger.Warn("closing database", "err", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	logger.Info("server exited properly")
}
