package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/marketchat/internal/chat"
	"github.com/vovakirdan/marketchat/internal/config"
	"github.com/vovakirdan/marketchat/internal/metrics"
	"github.com/vovakirdan/marketchat/internal/session"
	"github.com/vovakirdan/marketchat/internal/store"
	"github.com/vovakirdan/marketchat/internal/store/redisstore"
	"github.com/vovakirdan/marketchat/internal/store/sqlite"
	"github.com/vovakirdan/marketchat/internal/transport/realtime"
	"github.com/vovakirdan/marketchat/internal/transport/rest"
)

const shutdownTimeout = 5 * time.Second

// App wires the session, the backend client and the realtime transport.
type App struct {
	cfg      config.Config
	log      *zerolog.Logger
	store    store.Store
	session  *session.Session
	client   *rest.Client
	resolver *chat.Resolver
	dialer   *realtime.Dialer
	registry *prometheus.Registry
}

// New constructs the application and restores any persisted session.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := openStore(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Debug().Str("backend", cfg.Session.Backend).Msg("session store initialized")

	sess := session.New(st, logger, session.WithKey(cfg.Session.Key))
	if err := sess.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	client := rest.New(cfg.API.BaseURL, sess,
		rest.WithPrefix(cfg.API.Prefix),
		rest.WithHTTPClient(&stdhttp.Client{Timeout: cfg.API.Timeout}),
		rest.WithLogger(logger),
		rest.WithMetrics(metrics.NewREST(reg)),
	)

	rtURL, err := cfg.RealtimeURL()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rc := cfg.Realtime.Reconnect
	dialer := realtime.NewDialer(realtime.Options{
		URL:                rtURL,
		SubscribePrefix:    cfg.Realtime.SubscribePrefix,
		PublishDestination: cfg.Realtime.PublishDestination,
		HandshakeTimeout:   cfg.Realtime.HandshakeTimeout,
		HeartBeat:          cfg.Realtime.HeartBeat,
		PublishRate:        cfg.Realtime.PublishRate,
		PublishBurst:       cfg.Realtime.PublishBurst,
		Reconnect: realtime.ReconnectPolicy{
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.Multiplier,
			Jitter:       rc.Jitter,
			MaxAttempts:  rc.MaxAttempts,
		},
		TokenSource: sess.AccessToken,
		Logger:      logger,
		Metrics:     metrics.NewTransport(reg),
	})

	return &App{
		cfg:      cfg,
		log:      logger,
		store:    st,
		session:  sess,
		client:   client,
		resolver: chat.NewResolver(client, logger),
		dialer:   dialer,
		registry: reg,
	}, nil
}

func openStore(ctx context.Context, cfg config.SessionConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.SessionBackendMemory:
		return store.NewMemory(), nil
	case config.SessionBackendSQLite:
		return sqlite.New(cfg.Path)
	case config.SessionBackendRedis:
		return redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// Session returns the current session.
func (a *App) Session() *session.Session { return a.session }

// Login exchanges an authorization code and persists the signed-in user.
func (a *App) Login(ctx context.Context, code string) (session.User, error) {
	data, err := a.client.Login(ctx, code)
	if err != nil {
		return session.User{}, err
	}
	user := session.User{
		ID:              data.ID.Int64(),
		Status:          data.Status,
		Name:            data.Name,
		Email:           data.Email,
		PhoneNumber:     data.PhoneNumber,
		Birthday:        data.Birthday,
		StudentNumber:   data.StudentNumber,
		Department:      data.Department,
		ProfileImageURL: data.ProfileImageURL,
	}
	tokens := session.Tokens{
		AccessToken:  data.JWTToken.AccessToken,
		RefreshToken: data.JWTToken.RefreshToken,
	}
	if err := a.session.SetIdentity(ctx, user, tokens); err != nil {
		return session.User{}, err
	}
	a.log.Info().Int64("user_id", user.ID).Msg("signed in")
	return user, nil
}

// Logout clears the session.
func (a *App) Logout(ctx context.Context) error {
	return a.session.Clear(ctx)
}

// Rooms lists the signed-in user's conversations.
func (a *App) Rooms(ctx context.Context) ([]chat.RoomSummary, error) {
	if !a.session.LoggedIn() {
		return nil, session.ErrNotLoggedIn
	}
	return a.client.Rooms(ctx, a.session.UserID())
}

// Profile fetches a user's public profile.
func (a *App) Profile(ctx context.Context, userID int64) (chat.Profile, error) {
	if !a.session.LoggedIn() {
		return chat.Profile{}, session.ErrNotLoggedIn
	}
	return a.client.Profile(ctx, userID)
}

// Hooks receives view updates.
type Hooks struct {
	OnChange  func(chat.Status)
	OnMessage func(chat.Message)
}

// OpenChat creates a chat view for target and mounts it. On a mount error
// the view is still returned so callers can read its status and unmount it.
func (a *App) OpenChat(ctx context.Context, target chat.Target, hooks Hooks) (*chat.View, error) {
	if !a.session.LoggedIn() {
		return nil, session.ErrNotLoggedIn
	}
	view, err := chat.NewView(chat.ViewConfig{
		Identity:  a.session,
		Resolver:  a.resolver,
		History:   a.client,
		Dialer:    a.dialer,
		Listings:  a.client,
		PageSize:  a.cfg.Chat.PageSize,
		Logger:    a.log,
		OnChange:  hooks.OnChange,
		OnMessage: hooks.OnMessage,
	})
	if err != nil {
		return nil, err
	}
	return view, view.Mount(ctx, target)
}

// Handler serves /metrics and /healthz.
func (a *App) Handler() stdhttp.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, gin.H{"status": "ok", "logged_in": a.session.LoggedIn()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	return r
}

// ServeMetrics runs the metrics endpoint until ctx is cancelled. It returns
// at once when no address is configured.
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	server := &stdhttp.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", server.Addr).Msg("metrics listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-serverErr
	}
}

// Close releases the session store.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
		return err
	}
	a.log.Debug().Msg("store closed")
	return nil
}
