// Command worker consumes the broadcast queue and emails every verified
// student about each Urgent request. It also runs the periodic token reset
// and exposes /metrics and /health for operators.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tbourn/campus-market-backend/internal/broadcast"
	"github.com/tbourn/campus-market-backend/internal/config"
	"github.com/tbourn/campus-market-backend/internal/http/middleware"
	"github.com/tbourn/campus-market-backend/internal/mail"
	"github.com/tbourn/campus-market-backend/internal/observability"
	"github.com/tbourn/campus-market-backend/internal/queue"
	"github.com/tbourn/campus-market-backend/internal/repo"
	"github.com/tbourn/campus-market-backend/internal/scheduler"
	"github.com/tbourn/campus-market-backend/internal/services"
	"github.com/tbourn/campus-market-backend/internal/sysutil"
)

// maintenanceTimeout bounds a single token reset run.
const maintenanceTimeout = 10 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	lg := sysutil.SetupLogging(os.Stdout, cfg.LogLevel, cfg.LogPretty, "worker")
	version := sysutil.Version()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, "worker", version)
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
	sqlDB, err := db.DB()
	if err != nil {
		lg.Fatal().Err(err).Msg("database handle")
	}

	mailer, err := mail.New(cfg.Mail, lg)
	if err != nil {
		lg.Fatal().Err(err).Str("driver", cfg.Mail.Driver).Msg("mail sender")
	}

	proc := &broadcast.Processor{
		DB:         db,
		Mailer:     mailer,
		PageSize:   cfg.Broadcast.PageSize,
		BatchDelay: cfg.Broadcast.BatchDelay,
		JobTimeout: cfg.Broadcast.JobTimeout,
		BaseURL:    cfg.Mail.BaseURL,
		Log:        &lg,
	}

	srv := queue.NewServer(cfg.Queue, queue.ServerOptions{
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		RetryDelay:      broadcast.RetryDelay,
	}, lg)
	srv.Handle(broadcast.TaskType, proc)
	if err := srv.Start(); err != nil {
		lg.Fatal().Err(err).Str("redis", cfg.Queue.RedisAddr).Msg("queue server")
	}

	sched := scheduler.New(scheduler.Options{Timeout: maintenanceTimeout, Log: &lg})
	resetter := &services.TokenResetter{DB: db, Allowance: cfg.Tokens.ResetAllowance, Log: &lg}
	if err := sched.Add("token-reset", cfg.Tokens.ResetSchedule, resetter.Run); err != nil {
		lg.Fatal().Err(err).Msg("schedule token reset")
	}
	sched.Start()

	// Operator endpoints.
	gin.SetMode(cfg.GinMode)
	ops := gin.New()
	ops.Use(middleware.Recovery())
	ops.GET("/metrics", gin.WrapH(promhttp.Handler()))
	ops.GET("/health", func(c *gin.Context) {
		pctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(pctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	opsSrv := &http.Server{
		Addr:              ":" + cfg.Worker.MetricsPort,
		Handler:           ops,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Msg("ops server")
		}
	}()

	lg.Info().
		Str("version", version).
		Str("queue", cfg.Queue.Name).
		Str("mail", cfg.Mail.Driver).
		Str("ops_addr", opsSrv.Addr).
		Msg("worker running")

	<-ctx.Done()
	lg.Info().Msg("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shCtx); err != nil {
		lg.Warn().Err(err).Msg("scheduler stop")
	}
	// Unfinished tasks go back to the queue and are redelivered later.
	srv.Shutdown()
	if err := opsSrv.Shutdown(shCtx); err != nil {
		lg.Error().Err(err).Msg("ops shutdown")
	}
	if err := shutdownOTel(shCtx); err != nil {
		lg.Error().Err(err).Msg("otel shutdown")
	}
	_ = sqlDB.Close()
	lg.Info().Msg("bye")
}
