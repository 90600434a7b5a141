// Command devicelock-agent enforces the lock state of one financed device.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/agentapi"
	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/config"
	"github.com/ahkfinance/devicelock/internal/controlplane"
	"github.com/ahkfinance/devicelock/internal/listener"
	"github.com/ahkfinance/devicelock/internal/locationlog"
	"github.com/ahkfinance/devicelock/internal/lockstate"
	"github.com/ahkfinance/devicelock/internal/paymentlink"
	"github.com/ahkfinance/devicelock/internal/position"
	"github.com/ahkfinance/devicelock/internal/privilege"
	"github.com/ahkfinance/devicelock/internal/push"
	"github.com/ahkfinance/devicelock/internal/secretstore"
	"github.com/ahkfinance/devicelock/internal/worker"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	flags := config.BindAgentFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.LoadAgent(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("registry", cfg.RegistryAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// deviceID returns the configured identifier, else the stored one, else a
// new one. The result is persisted.
func deviceID(store *secretstore.Store, configured string) (string, error) {
	id := configured
	if id == "" {
		id = store.String(secretstore.KeyDeviceID)
	}
	if id == "" {
		u, err := uuid.NewV4()
		if err != nil {
			return "", fmt.Errorf("generate device id: %w", err)
		}
		id = u.String()
	}
	if store.String(secretstore.KeyDeviceID) != id {
		if err := store.Put(secretstore.KeyDeviceID, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

func run(ctx context.Context, cfg *config.Agent, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	clk := clock.Real()
	loc := cfg.Location()

	store, err := secretstore.Open(secretstore.Options{
		Dir:       cfg.DataDir,
		Namespace: cfg.Namespace,
		Secret:    []byte(cfg.StoreSecret),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	id, err := deviceID(store, cfg.DeviceID)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("deviceId", id))

	locations, err := locationlog.Open(ctx, locationlog.Options{Dir: cfg.DataDir, Location: loc, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = locations.Close() }()

	ceiling, err := privilege.ParseKind(cfg.Tier)
	if err != nil {
		return err
	}
	host := privilege.NewExecHost(logger)
	mgr, err := privilege.NewManager(ctx, host, ceiling, logger)
	if err != nil {
		return fmt.Errorf("privilege probe: %w", err)
	}

	conn, err := controlplane.Dial(cfg.RegistryAddr, controlplane.DialOptions{CAFile: cfg.RegistryCA, Insecure: cfg.Insecure})
	if err != nil {
		return fmt.Errorf("dial registry: %w", err)
	}
	defer func() { _ = conn.Close() }()
	client := controlplane.New(conn, logger)

	machine := lockstate.New(store, mgr, client, lockstate.Options{
		Clock:              clk,
		Location:           loc,
		Backoff:            controlplane.DefaultBackoff,
		DefaultPaymentLink: cfg.DefaultPaymentLink,
		Logger:             logger,
	})

	// The machine outlives the other components so their last calls are
	// drained before the tier is released.
	machineCtx, stopMachine := context.WithCancel(context.WithoutCancel(ctx))
	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		if err := machine.Run(machineCtx); err != nil {
			logger.Error("lock state machine", zap.Error(err))
		}
	}()
	sup := newSupervisor(ctx, logger)
	defer sup.shutdown(cancel, func() {
		stopMachine()
		<-machineDone
	})

	if err := machine.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	sup.spawn("warnings", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case w := <-mgr.Warnings():
				machine.Warn(ctx, w.Message)
			}
		}
	})

	sup.spawn("listener", listener.New(client, id, machine, clk, logger).Run)

	if cfg.AMQPURL != "" {
		sup.spawn("push", push.NewConsumer(cfg.AMQPURL, id, machine.Push, clk, logger).Run)
	}

	links := paymentlink.New(store, client, paymentlink.Options{
		MaxAge:  cfg.PaymentLinkMaxAge,
		Default: cfg.DefaultPaymentLink,
		Clock:   clk,
		Logger:  logger,
	})

	runner := worker.NewRunner(clk, logger)
	runner.Add(&worker.Heartbeat{Store: store, Remote: client, Clock: clk}, cfg.Intervals.Heartbeat, true)
	runner.Add(&worker.DueDate{Machine: machine, Log: logger}, cfg.Intervals.DueDate, true)
	runner.Add(&worker.Capture{
		Coarse:    fileProvider(cfg.Position.CoarseFile, cfg.Intervals.LocationSample, clk),
		Precise:   fileProvider(cfg.Position.PreciseFile, cfg.Intervals.LocationSample, clk),
		Log:       locations,
		Store:     store,
		Remote:    client,
		Clock:     clk,
		Retention: cfg.RetentionDates,
		Kick:      func() { runner.Kick(worker.NameSync) },
		Logger:    logger,
	}, cfg.Intervals.LocationSample, true)
	runner.Add(&worker.Sync{
		Log:       locations,
		Remote:    client,
		Store:     store,
		Online:    client.Online,
		Clock:     clk,
		Retention: cfg.RetentionDates,
		Logger:    logger,
	}, cfg.Intervals.LocationSync, false)
	runner.Add(&worker.PaymentLinks{Cache: links, Online: client.Online}, cfg.Intervals.PaymentSync, true)
	sup.spawn("workers", runner.Run)

	lis, err := agentapi.Listen(cfg.SocketPath)
	if err != nil {
		return err
	}
	api := agentapi.NewGRPCServer(agentapi.New(machine, store, links, host, logger), logger)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("agent api listening", zap.String("socket", cfg.SocketPath))
		serveErr <- api.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Error("agent api stopped", zap.Error(err))
	}
	cancel()

	done := make(chan struct{})
	go func() {
		api.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		api.Stop()
	}
	return nil
}

// supervisor runs the agent's components and stops them ahead of the machine.
type supervisor struct {
	ctx context.Context
	wg  sync.WaitGroup
	log *zap.Logger
}

func newSupervisor(ctx context.Context, log *zap.Logger) *supervisor {
	return &supervisor{ctx: ctx, log: log}
}

func (s *supervisor) spawn(name string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("component stopped", zap.String("component", name), zap.Error(err))
		}
	}()
}

// shutdown cancels the components, waits for them, then runs stopMachine.
func (s *supervisor) shutdown(cancel context.CancelFunc, stopMachine func()) {
	cancel()
	s.wg.Wait()
	stopMachine()
}

func fileProvider(path string, maxAge time.Duration, clk clock.Clock) position.Provider {
	if path == "" {
		return nil
	}
	return &position.FileProvider{Path: path, MaxAge: maxAge, Now: clk.Now}
}
