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

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"stormcrm.dev/internal/abuse"
	"stormcrm.dev/internal/auth"
	"stormcrm.dev/internal/config"
	"stormcrm.dev/internal/grpcapi"
	"stormcrm.dev/internal/httpapi"
	"stormcrm.dev/internal/obs"
	"stormcrm.dev/internal/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const sweepInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}

	logger, err := obs.NewLogger(obs.LogOptions{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		obs.Logger().Fatal("build logger", zap.Error(err))
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.StoreBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A real backend that cannot be reached at startup is misconfiguration.
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	st, err := store.Open(openCtx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	if st.Backend() == config.BackendMemory {
		logger.Warn("using the in-memory store; data is lost on restart")
	}

	tokens, err := auth.NewTokens(cfg.AccessSecret, cfg.RefreshSecret,
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
	)
	if err != nil {
		logger.Fatal("token service", zap.Error(err))
	}
	accounts, err := auth.NewService(st, tokens)
	if err != nil {
		logger.Fatal("account service", zap.Error(err))
	}
	if cfg.SeedAdminEmail != "" {
		created, err := accounts.EnsureAdmin(ctx, cfg.SeedAdminEmail, cfg.SeedAdminPassword)
		if err != nil {
			logger.Fatal("seed admin", zap.Error(err))
		}
		if created {
			logger.Info("seeded admin account", zap.String("email", auth.NormalizeEmail(cfg.SeedAdminEmail)))
		}
	}

	limiters := abuse.NewLimiters(cfg.RateLimits)
	blocklist := abuse.NewBlocklist(cfg.IPBlockAttempts, cfg.IPBlockDuration)
	go limiters.Run(ctx, sweepInterval)
	go blocklist.Run(ctx, sweepInterval)

	api, err := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Store:     st,
		Accounts:  accounts,
		Limiters:  limiters,
		Blocklist: blocklist,
		Version:   version,
	})
	if err != nil {
		logger.Fatal("build api", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting stormcrm-api",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.String("store_backend", st.Backend()),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
		}
		grpcSrv = grpcapi.NewServer(st)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc serve", zap.Error(err))
			}
		}()
		logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("stopped")
}
