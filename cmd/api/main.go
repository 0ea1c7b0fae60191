// Command api serves the campus marketplace HTTP API: request admission,
// request listing, broadcast progress and token balances. Urgent requests
// are handed to the broadcast queue consumed by cmd/worker.
//
// @title        Campus Market API
// @version      1.0
// @description  Request admission with token-gated, campus-wide Urgent broadcasts.
// @BasePath     /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/tbourn/campus-market-backend/docs"
	"github.com/tbourn/campus-market-backend/internal/broadcast"
	"github.com/tbourn/campus-market-backend/internal/config"
	httpapi "github.com/tbourn/campus-market-backend/internal/http"
	"github.com/tbourn/campus-market-backend/internal/observability"
	"github.com/tbourn/campus-market-backend/internal/queue"
	"github.com/tbourn/campus-market-backend/internal/repo"
	"github.com/tbourn/campus-market-backend/internal/services"
	"github.com/tbourn/campus-market-backend/internal/sysutil"
)

func main() {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	lg := sysutil.SetupLogging(os.Stdout, cfg.LogLevel, cfg.LogPretty, "api")
	version := sysutil.Version()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, "api", version)
	if err != nil {
		lg.Fatal().Err(err).Msg("otel setup")
	}

	db, err := repo.Open(cfg.DB)
	if err != nil {
		lg.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		lg.Fatal().Err(err).Msg("migrate")
	}

	qc := queue.NewClient(cfg.Queue)
	opts := broadcast.DefaultOptions()
	opts.Timeout = cfg.Broadcast.JobTimeout
	opts.Retention = cfg.Queue.Retention

	adm := services.NewAdmissionService(db, broadcast.NewEnqueuer(qc, opts), services.LogNotifier{Log: lg})
	adm.IdempotencyTTL = cfg.IdempotencyTTL
	adm.Log = &lg
	query := &services.RequestQuery{DB: db}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	httpapi.RegisterRoutes(r, db, adm, query, cfg)

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		docs.SwaggerInfo.Version = version
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		lg.Info().Str("addr", srv.Addr).Str("version", version).Str("db", cfg.DB.Driver).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info().Msg("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shCtx); err != nil {
		lg.Error().Err(err).Msg("http shutdown")
	}
	if err := qc.Close(); err != nil {
		lg.Error().Err(err).Msg("queue client close")
	}
	if err := shutdownOTel(shCtx); err != nil {
		lg.Error().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	lg.Info().Msg("bye")
}
