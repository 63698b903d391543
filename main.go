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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/auth"
	"github.com/example/cropscan/internal/capture"
	"github.com/example/cropscan/internal/config"
	"github.com/example/cropscan/internal/grpcclient"
	"github.com/example/cropscan/internal/handlers"
	"github.com/example/cropscan/internal/httpclient"
	"github.com/example/cropscan/internal/imageutil"
	"github.com/example/cropscan/internal/logging"
	"github.com/example/cropscan/internal/mockclient"
	"github.com/example/cropscan/internal/platform"
	"github.com/example/cropscan/internal/repository"
	"github.com/example/cropscan/internal/session"
	"github.com/example/cropscan/internal/usecase"
)

func main() {
	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal("invalid server configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise service", zap.Error(err))
	}
	defer svc.Close()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		svc.sessions.Sweep(cfg.SessionIdle())
	}); err != nil {
		logger.Fatal("failed to schedule session sweep", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, svc.handler, auth.Middleware(cfg.JWTSecret, cfg.JWTAudience, cfg.AuthDisabled))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	logger.Info("cropscan API listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("analysis_source", svc.selector.Source()))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// service holds everything the HTTP layer needs plus the resources to release on shutdown.
type service struct {
	selector *analysis.Selector
	sessions *session.Registry
	results  *usecase.ResultUseCase
	handler  *handlers.Handler
	closers  []func()
}

func (s *service) Close() {
	s.sessions.CloseAll()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newService(ctx context.Context, cfg config.Config, logger *zap.Logger) (*service, error) {
	svc := &service{}

	remote, err := initRemoteClient(ctx, cfg, logger, svc)
	if err != nil {
		return nil, err
	}
	mock := mockclient.New(cfg.MockDelay(), nil, logger)
	svc.selector = analysis.NewSelector(remote, mock, logger)

	var cache usecase.Cache = usecase.NewMemoryCache()
	if cfg.RedisAddr != "" {
		redisClient, err := initRedis(ctx, cfg.RedisAddr, logger)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = redisClient.Close() })
		cache = usecase.NewRedisCache(redisClient)
	}

	var repo usecase.AnalysisRepository
	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			svc.Close()
			return nil, err
		}
		analysisRepo := repository.NewAnalysisRepository(db, logger)
		if err := analysisRepo.AutoMigrate(ctx); err != nil {
			svc.Close()
			return nil, logging.NewOperationError("main.auto_migrate", "", err)
		}
		repo = analysisRepo
	}
	svc.results = usecase.NewResultUseCase(repo, cache, cfg.ResultTTL(), logger)

	runtime := imageutil.ParseRuntime(cfg.Runtime)
	reader := imageutil.NewReader(runtime, httpclient.NewHTTPClient(cfg.HTTPTimeout()))
	svc.sessions = session.NewRegistry(func() (*platform.Device, *capture.Flow, error) {
		device, err := platform.NewDevice(platform.Options{
			AllowLibrary: *cfg.AllowLibrary,
			AllowCamera:  *cfg.AllowCamera,
			InlineBase64: *cfg.InlineBase64,
			MediaRoots:   cfg.MediaRoots,
			WorkDir:      cfg.WorkDir,
			Reader:       reader,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		flow := capture.NewFlow(device, svc.selector, capture.Options{
			Runtime:       runtime,
			MaxImageBytes: cfg.MaxImageBytes(),
			MaxImageMB:    cfg.MaxImageMB(),
			Reader:        reader,
		}, logger)
		return device, flow, nil
	}, logger)

	svc.handler = handlers.NewHandler(svc.sessions, svc.results, svc.selector, handlers.Settings{
		MaxImageMB: cfg.MaxImageMB(),
		APIPath:    cfg.APIPath,
	}, logger)
	return svc, nil
}

// initRemoteClient returns nil when neither a base URL nor a gRPC target is configured.
func initRemoteClient(ctx context.Context, cfg config.Config, logger *zap.Logger, svc *service) (analysis.Client, error) {
	if baseURL, ok := cfg.APIBaseURL(); ok {
		client := httpclient.New(baseURL, cfg.APIPath, httpclient.NewHTTPClient(cfg.HTTPTimeout()), logger)
		logger.Info("using analysis service", zap.String("endpoint", client.Endpoint()))
		return client, nil
	}
	if cfg.GRPCTarget != "" {
		client, conn, err := grpcclient.DialAnalyzer(ctx, cfg.GRPCTarget, logger)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = conn.Close() })
		logger.Info("using gRPC analysis service", zap.String("target", cfg.GRPCTarget))
		return client, nil
	}
	logger.Info("no analysis service configured, using mock client")
	return nil, nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, logging.NewOperationError("main.connect_database", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("main.database_handle", "", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, logging.NewOperationError("main.ping_database", "", err)
	}
	zapLogger.Info("audit database connected")
	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) (*redis.Client, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, logging.NewOperationError("main.connect_redis", "", err)
	}
	zapLogger.Info("redis connected", zap.String("addr", addr))
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
