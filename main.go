package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-attendance/internal/config"
	"github.com/example/face-attendance/internal/facecodec"
	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/grpchealth"
	"github.com/example/face-attendance/internal/handlers"
	"github.com/example/face-attendance/internal/imageprocessor"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/repository"
	"github.com/example/face-attendance/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	g, err := gallery.Open(cfg.Storage.Dir, cfg.Recognition.Tolerance, logger)
	if err != nil {
		return err
	}
	logger.Info("face gallery loaded", zap.String("dir", g.Dir()), zap.Int("registered_faces", g.Len()))

	codec, err := facecodec.New(cfg.Recognition.ModelsDir, facecodec.Detector(cfg.Recognition.Detector), logger)
	if err != nil {
		return err
	}
	defer codec.Close()

	var opts []usecase.Option
	if cfg.Cache.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(startCtx, 5*time.Second)
		defer redisCancel()
		redisClient, err := initRedis(redisCtx, cfg.Cache.Addr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient), cfg.Cache.TTL))
		logger.Info("recognition cache enabled", zap.String("addr", cfg.Cache.Addr), zap.Duration("ttl", cfg.Cache.TTL))
	}
	if cfg.Database.DSN != "" {
		db, err := initDatabase(startCtx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		repo := repository.NewEventRepository(db, logger)
		if err := repo.AutoMigrate(startCtx); err != nil {
			return err
		}
		opts = append(opts, usecase.WithEventLog(repo))
		logger.Info("face event log enabled")
	}

	decoder := imageprocessor.Decoder{MaxEdge: cfg.Recognition.MaxImageEdge}
	uc := usecase.NewFaceUseCase(g, decoder, codec, logger, opts...)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if cfg.Storage.Watch {
		go func() {
			if err := g.Watch(bgCtx); err != nil {
				logger.Error("storage watcher stopped", zap.Error(err))
			}
		}()
	}

	var health *grpchealth.Server
	if cfg.Server.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCHealthAddr)
		if err != nil {
			return logging.NewOperationError("main.grpc_health_listen", "", err)
		}
		health = grpchealth.NewServer(logger)
		go func() {
			if err := health.Serve(bgCtx, lis); err != nil {
				logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	handlers.RegisterRoutes(r, uc, logger, cfg.Server.MaxUploadBytes)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face server listening",
		zap.String("addr", server.Addr),
		zap.Float64("recognition_tolerance", cfg.Recognition.Tolerance),
		zap.String("detector", cfg.Recognition.Detector),
	)
	if health != nil {
		health.SetServing(true)
	}
	return serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, logging.NewOperationError("main.open_database", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("main.open_database", "", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, logging.NewOperationError("main.ping_database", "", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, logging.NewOperationError("main.ping_redis", "", err)
	}
	return client, nil
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
