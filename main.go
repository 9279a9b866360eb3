package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ptzhead/internal/config"
	"ptzhead/internal/engine"
	"ptzhead/internal/locksensor"
	"ptzhead/internal/log"
	"ptzhead/internal/metrics"
	"ptzhead/internal/panasonic"
	"ptzhead/internal/preview"
	"ptzhead/internal/ptz"
	"ptzhead/internal/server"
	"ptzhead/internal/sim"
	"ptzhead/internal/status"
	"ptzhead/internal/storage"
	"ptzhead/internal/visca"
)

type device interface {
	ptz.Actuator
	io.Closer
}

func main() {
	cfg, err := config.Parse(os.Args[1:], nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptzhead: %v\n", err)
		os.Exit(2)
	}
	logger := log.Init(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("ptzhead stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, storage.Config{Path: cfg.DBPath})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	initial, err := db.LoadLockControlStatus(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		initial = ptz.LockNone
	} else if err != nil {
		return fmt.Errorf("load lock control status: %w", err)
	}
	store := status.NewMemory(initial, db, logger)

	dev, err := openDevice(cfg, logger)
	if err != nil {
		return err
	}
	defer dev.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// The lock line is simulated until a GPIO backend exists.
	line := locksensor.NewSwitch(cfg.LockedAtBoot)
	var eng *engine.Engine
	poller := locksensor.New(line, cfg.LockPoll, func(c locksensor.Changed) {
		eng.LockChanged(c.PrevLocked, c.NewLocked)
	}, logger)

	eng, err = engine.New(engine.Config{
		Device:   dev,
		Store:    store,
		Sensor:   poller,
		Optics:   cfg.Optics(),
		Timeout:  cfg.CommandTimeout,
		Observer: m,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()
	eng.SetPower(ptz.PowerOn)

	if err := poller.Start(); err != nil {
		return fmt.Errorf("start lock sensor: %w", err)
	}
	defer poller.Stop()

	var source *preview.Source
	if cfg.RTSPURL != "" {
		source, err = preview.NewSource(cfg.RTSPURL, logger)
		if err != nil {
			return err
		}
		defer source.Close()
		if err := source.Connect(); err != nil {
			logger.Warn("RTSP connect failed, will retry", "err", err)
		}
	}

	pcfg := preview.DefaultConfig()
	if len(cfg.ICEServers) > 0 {
		pcfg.ICEServers = cfg.ICEServers
	}
	pcfg.ICEIPs = cfg.ICEIPs

	srv, err := server.New(server.Config{
		ListenAddr:      cfg.ListenAddr,
		RTSPURL:         cfg.RTSPURL,
		ControlProtocol: cfg.Backend,
		Preview:         pcfg,
		Engine:          eng,
		Status:          store,
		History:         db,
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Source:          source,
		Lock:            line,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutting down...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := srv.Stop(stopCtx); err != nil {
			logger.Warn("server stop", "err", err)
		}
	}()

	logger.Info("PTZ head control plane")
	logger.Info(fmt.Sprintf("  Listen: %s", cfg.ListenAddr))
	logger.Info(fmt.Sprintf("  Backend: %s", describeBackend(cfg)))
	logger.Info(fmt.Sprintf("  Database: %s (lock control status %s)", cfg.DBPath, initial))
	if cfg.RTSPURL != "" {
		logger.Info(fmt.Sprintf("  RTSP: %s", cfg.RTSPURL))
	}
	if len(cfg.ICEIPs) > 0 {
		logger.Info(fmt.Sprintf("  WebRTC: ICE-lite mode enabled with IPs: %s", strings.Join(cfg.ICEIPs, ",")))
	}

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	cancel()
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openDevice(cfg config.Config, logger *slog.Logger) (device, error) {
	switch cfg.Backend {
	case config.BackendVISCA:
		return visca.NewController(visca.Config{Address: cfg.VISCAAddress, Protocol: cfg.VISCAProtocol, Logger: logger})
	case config.BackendPanasonic:
		return panasonic.NewController(panasonic.Config{Address: cfg.PanasonicAddr, Logger: logger})
	case config.BackendSim:
		return sim.New(sim.Config{Logger: logger}), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func describeBackend(cfg config.Config) string {
	switch cfg.Backend {
	case config.BackendVISCA:
		return fmt.Sprintf("VISCA %s (%s)", cfg.VISCAAddress, cfg.VISCAProtocol)
	case config.BackendPanasonic:
		return "Panasonic " + cfg.PanasonicAddr
	}
	return cfg.Backend
}
