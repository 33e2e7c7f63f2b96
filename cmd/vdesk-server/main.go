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

	authcontroller "vdesk/internal/auth/controller"
	"vdesk/internal/auth/middleware"
	authrepo "vdesk/internal/auth/repository"
	authservice "vdesk/internal/auth/service"
	"vdesk/internal/common/cache"
	desktopcontroller "vdesk/internal/desktop/controller"
	"vdesk/internal/desktop/compose"
	"vdesk/internal/desktop/livepatch"
	"vdesk/internal/desktop/repository"
	"vdesk/internal/desktop/runtime"
	desktopservice "vdesk/internal/desktop/service"
	hostcontroller "vdesk/internal/host/controller"
	hostservice "vdesk/internal/host/service"
	appErr "vdesk/pkg/errors"
	"vdesk/pkg/utils/logger"
	"vdesk/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/vdesk.yaml"

func main() {
	flagSet := pflag.NewFlagSet("vdesk-server", pflag.ExitOnError)
	configFlag := flagSet.StringP("config", "c", defaultConfigPath, "Path to config file")
	_ = flagSet.Parse(os.Args[1:])

	path := configPath(*configFlag, flagSet.Changed("config"))
	appCfg, err := loadAppConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApp(appCfg)
	if err != nil {
		logger.Error(context.Background(), "init server failed", zap.Error(err))
		return
	}
	defer app.Close()

	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "vdesk server started",
			zap.String("addr", appCfg.Server.Addr), zap.String("config", path))
		errCh <- app.server.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if app.sweeper != nil {
		go app.sweeper(shutdownCtx)
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}

type app struct {
	server  *http.Server
	sweeper func(ctx context.Context)
	closers []func() error
	checks  map[string]func(ctx context.Context) error
}

// readyz runs every dependency check with a short deadline.
func (a *app) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyCheckTimeout)
	defer cancel()
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			response.Error(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "%s not ready", name))
			return
		}
	}
	response.Success(c, gin.H{"status": "ready"})
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn(context.Background(), "close dependency failed", zap.Error(err))
		}
	}
}

func buildApp(cfg *AppConfig) (*app, error) {
	if err := os.MkdirAll(cfg.Paths.ContainersDir, 0o755); err != nil {
		return nil, fmt.Errorf("create containers dir failed: %w", err)
	}
	a := &app{checks: map[string]func(ctx context.Context) error{}}
	a.checks["containers_dir"] = func(context.Context) error {
		_, err := os.Stat(cfg.Paths.ContainersDir)
		return err
	}

	sessions, failCache, err := buildSessionStore(cfg, a)
	if err != nil {
		return nil, err
	}
	users, err := authrepo.NewUserRepository(cfg.Paths.UsersFile, cfg.Auth.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("init user repository failed: %w", err)
	}
	authService := authservice.NewAuthService(users, sessions, failCache, cfg.Auth.AuthServiceConfig)

	rt := runtime.NewDocker(cfg.Runtime)
	descriptors := repository.NewDescriptorRepository(cfg.Paths.ContainersDir, cfg.Paths.TemplatePath)
	audits := repository.NewAuditRepository(cfg.Paths.ContainersDir)
	states := desktopservice.NewStateTracker()
	translator := compose.NewTranslator()
	if cfg.Lifecycle.Service != "" {
		translator.Service = cfg.Lifecycle.Service
	}
	if cfg.LivePatch.GPUDriver != "" {
		translator.GPUDriver = cfg.LivePatch.GPUDriver
	}
	lifecycle := desktopservice.NewLifecycleExecutor(rt, descriptors, states, desktopservice.LifecycleConfig{
		Service:       cfg.Lifecycle.Service,
		PatchScript:   cfg.Paths.PatchScript,
		ReadyInterval: cfg.Lifecycle.ReadyInterval,
		ReadyTimeout:  cfg.Lifecycle.ReadyTimeout,
	})

	var patcher desktopservice.LivePatcher
	if cfg.LivePatch.Enabled {
		// One lock for the whole process: every live patch restarts the daemon.
		lock := livepatch.NewHostLock(cfg.LivePatch.LockFile)
		patcher = livepatch.NewReconfigurator(cfg.LivePatch.Config, rt, livepatch.NewCommandDaemon(cfg.LivePatch.Daemon), lock)
	}
	desktop := desktopservice.NewDesktopService(descriptors, audits, translator, lifecycle, patcher, rt, states)
	execService := desktopservice.NewExecService(rt, descriptors, audits, desktopservice.ExecConfig{
		Service:        cfg.Lifecycle.Service,
		MaxCaptureSize: cfg.Exec.MaxCaptureSize,
	})

	hostSvc := hostservice.NewHostService(cfg.Host.NvidiaSMI)
	images := hostservice.NewImageCatalog(cfg.Images)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.CORS))
	router.Use(middleware.AccessLogMiddleware())
	publicPaths := append(append([]string{}, middleware.DefaultPublicPaths...), desktopcontroller.ExecRoute, "/readyz")
	router.Use(middleware.AuthMiddleware(authService, publicPaths...))

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/readyz", a.readyz)

	api := router.Group("/api")
	authcontroller.NewAuthController(authService).Register(api)
	hostcontroller.NewHostController(hostSvc, images).Register(api)
	desktopcontroller.NewDesktopController(desktop).Register(api)
	desktopcontroller.NewExecController(execService, authService).Register(router)

	a.server = &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return a, nil
}

// buildSessionStore also returns the cache used for login throttling, which
// is nil for the in-memory store.
func buildSessionStore(cfg *AppConfig, a *app) (authrepo.SessionStore, cache.BasicOps, error) {
	if cfg.Auth.SessionStore == sessionStoreRedis {
		redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis failed: %w", err)
		}
		a.closers = append(a.closers, redisCache.Close)
		a.checks["redis"] = redisCache.Ping
		return authrepo.NewRedisSessionStore(redisCache), redisCache, nil
	}

	store := authrepo.NewMemorySessionStore()
	a.sweeper = func(ctx context.Context) {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := store.Sweep(); removed > 0 {
					logger.Info(ctx, "expired sessions swept", zap.Int("removed", removed))
				}
			}
		}
	}
	return store, nil, nil
}
