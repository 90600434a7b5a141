// Command devicelock-registry starts the device registry gRPC server.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/config"
	"github.com/ahkfinance/devicelock/internal/limiter"
	"github.com/ahkfinance/devicelock/internal/migrate"
	"github.com/ahkfinance/devicelock/internal/push"
	"github.com/ahkfinance/devicelock/internal/registrypb"
	"github.com/ahkfinance/devicelock/internal/repository/postgres"
	grpcserver "github.com/ahkfinance/devicelock/internal/server/grpc"
	"github.com/ahkfinance/devicelock/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and serves the registry.
func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadRegistry(pflag.CommandLine, os.Args[1:])
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
		),
		grpc.ChainStreamInterceptor(
			grpcserver.RecoverStream(logger),
			grpcserver.LoggingStream(logger),
		),
	}
	if !cfg.Dev {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	devices := postgres.NewDeviceRepo(db)
	locations := postgres.NewLocationRepo(db)
	operators := postgres.NewOperatorRepo(db)

	clk := clock.Real()
	lim := limiter.NewPG(db.Pool, clk, cfg.LoginWindow, cfg.LoginMaxFails, cfg.LoginBlockFor)

	var publisher service.CommandPublisher
	if cfg.AMQPURL != "" {
		p, err := push.DialPublisher(cfg.AMQPURL, logger.Named("push"))
		if err != nil {
			// Devices still converge through their subscriptions.
			logger.Warn("push disabled", zap.Error(err))
		} else {
			defer p.Close()
			publisher = p
		}
	}

	authSvc := service.NewAuthService(operators, []byte(cfg.JWTKey), cfg.AccessTTL, lim, clk)
	deviceSvc := service.NewDeviceService(devices, locations, service.NewHub(), publisher, clk, logger)

	s := grpc.NewServer(opts...)
	registrypb.RegisterDeviceRegistryServer(s, grpcserver.New(authSvc, deviceSvc, []byte(cfg.JWTKey), logger))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", !cfg.Dev))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
