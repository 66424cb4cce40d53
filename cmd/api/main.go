package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"classattend/internal/api"
	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/classroom"
	"classattend/internal/cloudinary"
	"classattend/internal/config"
	"classattend/internal/faceclient"
	"classattend/internal/httpmiddleware"
	"classattend/internal/identity"
	"classattend/internal/logger"
	"classattend/internal/store"
	"classattend/internal/store/mongo"
	"classattend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func runHTTP(cfg config.App, log zerolog.Logger) error {
	ctx := context.Background()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	face := faceclient.New(faceclient.Config{
		BaseURL:          cfg.Face.BaseURL,
		Skip:             cfg.Face.Skip,
		DetectTimeout:    cfg.Face.DetectTimeout,
		AssignTimeout:    cfg.Face.AssignTimeout,
		TrainTimeout:     cfg.Face.TrainTimeout,
		RecognizeTimeout: cfg.Face.RecognizeTimeout,
	})
	log.Info().Str("url", cfg.Face.BaseURL).Bool("skip", cfg.Face.Skip).Msg("face service configured")

	basis, err := attendance.ParseBasis(cfg.AnalyticsBasis)
	if err != nil {
		return err
	}
	ledgerOpts := []attendance.Option{attendance.WithBasis(basis)}
	if cfg.Cloudinary.Enabled() {
		cdn := cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
		ledgerOpts = append(ledgerOpts, attendance.WithArchive(cdn))
		log.Info().Str("cloud", cfg.Cloudinary.CloudName).Msg("cloudinary photo archive enabled")
	} else {
		log.Info().Msg("cloudinary not configured, attendance photos are not archived")
	}

	health := []api.HealthCheck{
		{Name: "store", Critical: true, Check: st.Ping},
		{Name: "faceService", Check: face.Health},
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitStore == "redis" {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		limiter = httpmiddleware.NewRedisLimiter(redisClient.Client, cfg.RateLimitPerMin)
		health = append(health, api.HealthCheck{Name: "redis", Critical: true, Check: redisClient.Ping})
	}

	h := api.NewHandler(api.Deps{
		Identity:       identity.NewService(st, log),
		Registry:       classroom.NewRegistry(st, log),
		Workflow:       classroom.NewWorkflow(st, face, log),
		Ledger:         attendance.NewLedger(st, face, log, ledgerOpts...),
		Basis:          basis,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Health:         health,
		Log:            log,
	})
	r := api.NewRouter(api.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
		Verifier:    auth.Verifier{SigningKey: cfg.JWTSigningKey, Issuer: cfg.JWTIssuer},
		Limiter:     limiter,
		HSTS:        cfg.Production(),
	}, h)

	// Training blocks the request for up to the train timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Face.TrainTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	log.Info().Msg("server exited")
	return nil
}

func openStore(ctx context.Context, cfg config.App, log zerolog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	case "mongo":
		return mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return postgres.NewRepository(db), nil
	}
}
