package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"boardsync/api"
	"boardsync/board"
	"boardsync/config"
	"boardsync/relay"
	"boardsync/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the board API and event stream",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := log.StandardLogger()
	if err := cfg.CheckAuth(); err != nil {
		return err
	}

	redisOpts, err := config.RedisOptions(cfg.RedisConn)
	if err != nil {
		return err
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	pub, err := newPublisher(rc)
	if err != nil {
		return err
	}
	svc := board.NewService(storage.NewCache(store, rc, cfg.CacheTTL), pub,
		board.WithLogger(logger), board.WithMaxRetries(cfg.WriteRetries))

	auth, err := newAuth()
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddleware("boardsync"))
	e.GET("/metrics", echoprometheus.NewHandler())
	api.Register(e, svc, auth, api.NewRedisDeduper(rc, cfg.DeduperTTL), api.RedisSubscriber{Client: rc, Logger: logger}, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"addr": cfg.Addr, "backend": cfg.Backend}).Info("serve.listening")
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("serve.shutdown")
	return e.Shutdown(shutdownCtx)
}

// openStore builds the configured backend. The returned func releases it.
func openStore(ctx context.Context, c config.Config) (storage.Store, func(), error) {
	switch c.Backend {
	case config.BackendTables:
		s, err := storage.NewTableStore(c.StorageConn, c.Tables)
		return s, func() {}, err
	case config.BackendPostgres:
		db, err := storage.OpenPostgres(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := storage.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return storage.NewPostgresStore(db), func() { _ = db.Close() }, nil
	default:
		return storage.NewMemory(), func() {}, nil
	}
}

// newPublisher sends events through the queue when one is configured, so a
// relay worker delivers them even while Redis is briefly unavailable.
func newPublisher(rc *redis.Client) (board.Publisher, error) {
	if cfg.EventsQueue == "" {
		return relay.NewRedisPublisher(rc), nil
	}
	return relay.NewQueuePublisher(cfg.StorageConn, cfg.EventsQueue)
}

func newAuth() (*api.Auth, error) {
	if cfg.LocalAuth {
		return api.NewAuth(nil, cfg.AuthAudience, cfg.Issuer(), []byte(cfg.LocalSecret), 0), nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("serve.jwks_refresh_failed")
		},
	})
	if err != nil {
		return nil, err
	}
	return api.NewAuth(jwks, cfg.AuthAudience, cfg.Issuer(), nil, 0), nil
}
