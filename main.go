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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gozale/safran-api/internal/auth"
	"github.com/gozale/safran-api/internal/config"
	"github.com/gozale/safran-api/internal/grpcserver"
	"github.com/gozale/safran-api/internal/handlers"
	"github.com/gozale/safran-api/internal/imageprocessor"
	"github.com/gozale/safran-api/internal/inference"
	"github.com/gozale/safran-api/internal/logging"
	"github.com/gozale/safran-api/internal/metrics"
	"github.com/gozale/safran-api/internal/repository"
	"github.com/gozale/safran-api/internal/storage"
	"github.com/gozale/safran-api/internal/usecase"
)

func main() {
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	db := initDatabase(ctx, cfg, logger)

	var blobs repository.BlobStore
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.NewMinIOBlobStore(ctx, cfg.MinIO)
		if err != nil {
			logger.Fatal("failed to initialize MinIO", zap.Error(err))
		}
		logger.Info("storing images in MinIO", zap.String("bucket", cfg.MinIO.Bucket))
		blobs = store
	}

	repo := repository.NewPredictionRepository(db, blobs, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	var cache usecase.Cache = usecase.NopCache{}
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	}

	preprocessor, err := imageprocessor.NewPreprocessor(cfg.Preprocess)
	if err != nil {
		logger.Fatal("invalid preprocessing options", zap.Error(err))
	}

	labels, err := inference.LoadLabels(cfg.LabelsPath)
	if err != nil {
		logger.Fatal("failed to load labels", zap.Error(err))
	}
	session, err := inference.NewONNXSession(cfg.ONNX, logger.Named("onnx"))
	if err != nil {
		logger.Fatal("failed to load model", zap.Error(err))
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}()
	engine, err := inference.NewEngine(session, labels, session.InputShape())
	if err != nil {
		logger.Fatal("failed to build inference engine", zap.Error(err))
	}
	pipelineMetrics.SetModelLoaded(true)

	uc := usecase.NewPredictionUseCase(repo, cache, preprocessor, engine, pipelineMetrics, logger, usecase.Options{
		AllowedExtensions: cfg.AllowedExtensions,
		StatsCacheTTL:     cfg.StatsCacheTTL,
	})

	authMiddleware, err := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	if err != nil {
		logger.Fatal("failed to configure authentication", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestID(), handlers.AccessLog(logger))
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	handlers.RegisterRoutes(r, uc, authMiddleware, cfg.MaxUploadBytes)
	handlers.RegisterMetrics(r, registry)

	if cfg.GRPCAddr != "" {
		grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC", zap.Error(err))
		}
		healthServer := grpcserver.New(logger)
		healthServer.SetModelServing(true)
		go func() {
			if err := healthServer.Serve(grpcListener); err != nil {
				logger.Error("gRPC server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer shutdownCancel()
			healthServer.Shutdown(shutdownCtx)
		}()
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("prediction API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
	pipelineMetrics.SetModelLoaded(false)
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		dialector = postgres.Open(cfg.DatabaseDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err), zap.String("driver", cfg.DatabaseDriver))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	if cfg.DatabaseDriver == "sqlite" {
		// A single writer keeps batch transactions from hitting SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

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
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
