package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kuitang/catatan/internal/api"
	"github.com/kuitang/catatan/internal/auth"
	"github.com/kuitang/catatan/internal/autosave"
	"github.com/kuitang/catatan/internal/config"
	"github.com/kuitang/catatan/internal/crypto"
	"github.com/kuitang/catatan/internal/db"
	"github.com/kuitang/catatan/internal/email"
	"github.com/kuitang/catatan/internal/notes"
	"github.com/kuitang/catatan/internal/obs"
	"github.com/kuitang/catatan/internal/ratelimit"
	"github.com/kuitang/catatan/internal/realtime"
	"github.com/kuitang/catatan/internal/s3client"
)

const (
	databaseKeyName    = "catatan"
	databaseKeyVersion = 1
	sessionCleanupTick = time.Hour
	mockBucketName     = "catatan-avatars"
)

// app is the fully wired server: services, background work and the
// HTTP handler in front of them.
type app struct {
	cfg      *config.Config
	db       *db.DB
	hub      *realtime.Hub
	bridge   *realtime.RedisBridge
	limiter  *ratelimit.RateLimiter
	sessions *auth.SessionService
	users    *auth.UserService
	mail     email.EmailService
	handler  http.Handler

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	masterKey, err := crypto.ParseMasterKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	dbKey, err := crypto.DeriveDatabaseKey(masterKey, databaseKeyName, databaseKeyVersion)
	if err != nil {
		return nil, err
	}
	if a.db, err = db.Open(cfg.DatabasePath, dbKey); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.db.Close() })

	if cfg.NoEmail {
		a.mail = email.NewMockEmailService()
	} else {
		a.mail = email.NewResendEmailService(cfg.ResendAPIKey, cfg.ResendFromEmail)
	}

	avatars, err := a.avatarStore(ctx)
	if err != nil {
		return nil, err
	}

	secure := cfg.RequireSecureCookies()
	a.sessions = auth.NewSessionService(a.db, cfg.SessionDuration, secure)
	a.users = auth.NewUserService(a.db, a.mail, cfg.BaseURL, auth.Argon2Hasher{})
	a.users.SetAvatarStore(avatars)

	a.hub = realtime.NewHub(realtime.DefaultBuffer)
	a.closers = append(a.closers, a.hub.Close)
	var publisher notes.Publisher = a.hub
	if cfg.RedisURL != "" {
		rc, err := realtime.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { rc.Close() })
		a.bridge = realtime.NewRedisBridge(rc, cfg.RedisChannel, a.hub)
		publisher = a.bridge
	}
	notesSvc := notes.NewService(a.db, auth.ContextSessions{}, notes.WithPublisher(publisher))

	a.limiter = ratelimit.NewRateLimiter(cfg.RateLimitConfig)
	a.closers = append(a.closers, a.limiter.Stop)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthz)

	authMux := http.NewServeMux()
	if err := a.registerAuth(ctx, authMux); err != nil {
		return nil, err
	}
	mux.Handle("/auth/", ratelimit.Middleware(a.limiter, ratelimit.TierAuth, ratelimit.ClientIP)(authMux))

	apiMux := http.NewServeMux()
	api.NewHandler(notesSvc, a.users, a.hub,
		api.WithAutosave(
			autosave.WithDelay(cfg.AutosaveDelay),
			autosave.WithSavedDisplay(cfg.AutosaveSavedDisplay),
		),
	).RegisterRoutes(apiMux)
	userKey := func(r *http.Request) string { return auth.GetUserID(r.Context()) }
	mux.Handle("/api/", auth.NewMiddleware(a.sessions).RequireAuth(
		ratelimit.Middleware(a.limiter, ratelimit.TierUser, userKey)(apiMux)))

	a.handler = obs.RequestContextMiddleware(obs.AccessLogMiddleware("http", mux))
	return a, nil
}

func (a *app) avatarStore(ctx context.Context) (auth.AvatarStore, error) {
	if a.cfg.NoS3 {
		store, stop, err := s3client.NewInMemory(ctx, mockBucketName)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, stop)
		return store, nil
	}
	return s3client.New(ctx, s3client.Config{
		Endpoint:        a.cfg.AWSEndpointS3,
		Region:          a.cfg.AWSRegion,
		AccessKeyID:     a.cfg.AWSAccessKeyID,
		SecretAccessKey: a.cfg.AWSSecretAccessKey,
		BucketName:      a.cfg.AWSBucketName,
		PublicURL:       a.cfg.AWSPublicURL,
	})
}

// registerAuth mounts the auth routes with Google sign-in or, under
// --no-oidc, the local consent page standing in for it.
func (a *app) registerAuth(ctx context.Context, mux *http.ServeMux) error {
	if a.cfg.NoOIDC {
		mock := auth.NewLocalMockOIDCProvider(a.cfg.BaseURL)
		auth.NewHandler(mock, a.users, a.sessions, a.cfg.BaseURL, "").RegisterRoutes(mux)
		mock.RegisterRoutes(mux)
		return nil
	}
	google, err := auth.NewGoogleOIDCClient(ctx, a.cfg.GoogleClientID, a.cfg.GoogleClientSecret, a.cfg.GoogleRedirectURL)
	if err != nil {
		return fmt.Errorf("google oidc: %w", err)
	}
	auth.NewHandler(google, a.users, a.sessions, a.cfg.BaseURL, a.cfg.GoogleRedirectURL).RegisterRoutes(mux)
	return nil
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := a.db.SQL().PingContext(r.Context()); err != nil {
		obs.From(r.Context()).Error("server.health_failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("database unavailable"))
		return
	}
	w.Write([]byte("ok"))
}

// runBackground starts the Redis relay and the expired-session sweep. Both
// stop with ctx.
func (a *app) runBackground(ctx context.Context) {
	logger := obs.Pkg("server")
	if a.bridge != nil {
		go func() {
			if err := a.bridge.Run(ctx); err != nil {
				logger.Error("server.redis_bridge_stopped", "error", err)
			}
		}()
	}
	go func() {
		ticker := time.NewTicker(sessionCleanupTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := a.sessions.Cleanup(ctx)
				if err != nil {
					logger.Warn("server.session_cleanup_failed", "error", err)
					continue
				}
				logger.Debug("server.session_cleanup", "removed", n)
			}
		}
	}()
}

// Close releases everything newApp acquired, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
