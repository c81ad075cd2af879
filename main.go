package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/deblur/internal/artifact"
	"github.com/example/deblur/internal/auth"
	"github.com/example/deblur/internal/config"
	"github.com/example/deblur/internal/handlers"
	"github.com/example/deblur/internal/healthcheck"
	"github.com/example/deblur/internal/inference"
	"github.com/example/deblur/internal/logging"
	"github.com/example/deblur/internal/metrics"
	"github.com/example/deblur/internal/repository"
	"github.com/example/deblur/internal/usecase"
)

const healthProbeInterval = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var logs usecase.ProcessingLogStore
	if cfg.Storage.DatabaseDSN != "" {
		repo := repository.NewProcessingRepository(initDatabase(ctx, cfg.Storage.DatabaseDSN, logger), logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		logs = repo
	}

	var cache usecase.Cache
	if cfg.Storage.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		cache = usecase.NewRedisCache(initRedis(redisCtx, cfg.Storage.RedisAddr, logger))
		redisCancel()
	}

	svc, err := newApp(cfg, cache, logs, logger)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}

	if cfg.Server.GRPCHealthAddr != "" {
		stop, err := startHealthServer(cfg.Server.GRPCHealthAddr, svc.orchestrator, logger)
		if err != nil {
			logger.Fatal("failed to start grpc health server", zap.Error(err))
		}
		defer stop()
	}

	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: svc.router,
	}

	logger.Info("deblur API listening",
		zap.String("addr", cfg.Server.HTTPAddr),
		zap.String("scratch_dir", svc.artifacts.Dir()),
		zap.Bool("auth_enabled", auth.Enabled(cfg.Auth.JWTSecret)),
		zap.Bool("cache_enabled", cache != nil),
		zap.Bool("processing_logs_enabled", logs != nil))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

type app struct {
	router       *gin.Engine
	artifacts    *artifact.Manager
	orchestrator *inference.Orchestrator
}

// newApp wires the pipeline and HTTP routes. cache and logs are optional.
func newApp(cfg *config.Config, cache usecase.Cache, logs usecase.ProcessingLogStore, logger *zap.Logger) (*app, error) {
	m := metrics.New()

	artifacts, err := artifact.NewManager(cfg.Inference.ScratchDir, cfg.Inference.OutputExt, logger,
		artifact.WithCleanupObserver(m.CleanupFailed))
	if err != nil {
		return nil, err
	}

	orchestrator := inference.NewOrchestrator(inference.Config{
		Executable:    cfg.Inference.Executable,
		Args:          cfg.Inference.Args,
		Timeout:       cfg.Inference.Timeout,
		CaptureStderr: cfg.Inference.CaptureStderr,
	}, artifacts, logger)
	if err := orchestrator.CheckExecutable(); err != nil {
		// Requests still run; each reports the launch failure.
		logger.Warn("inference executable unavailable at startup", zap.Error(err))
	}

	uc := usecase.NewDeblurUseCase(artifacts, orchestrator, cache, logs, m, logger, usecase.Options{
		MaxConcurrent:   cfg.Inference.MaxConcurrent,
		AdmissionWait:   cfg.Inference.AdmissionWait,
		CacheTTL:        cfg.Storage.CacheTTL,
		ValidateContent: cfg.Inference.ValidateContent,
	})

	h := handlers.NewHandler(uc, handlers.Config{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		AllowedTypes:   cfg.Upload.AllowedTypes,
	}, m.Registry, logger)

	r := gin.New()
	r.Use(gin.Logger(), h.Recovery())
	handlers.RegisterRoutes(r, h, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))

	return &app{router: r, artifacts: artifacts, orchestrator: orchestrator}, nil
}

func startHealthServer(addr string, orchestrator *inference.Orchestrator, logger *zap.Logger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	hs := healthcheck.NewServer(orchestrator.CheckExecutable, logger)
	watchCtx, cancel := context.WithCancel(context.Background())
	go hs.Watch(watchCtx, healthProbeInterval)
	go func() {
		if err := hs.GRPC.Serve(listener); err != nil {
			logger.Error("grpc health server stopped", zap.Error(err))
		}
	}()

	logger.Info("grpc health listening", zap.String("addr", addr))
	return func() {
		cancel()
		hs.Shutdown()
	}, nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		// In-flight requests finish, so their scratch files are released
		// before the process exits.
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
