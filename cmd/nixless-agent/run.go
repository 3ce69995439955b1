package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/nixless-agent/pkg/activation"
	"github.com/cuemby/nixless-agent/pkg/agent"
	"github.com/cuemby/nixless-agent/pkg/api"
	"github.com/cuemby/nixless-agent/pkg/auth"
	"github.com/cuemby/nixless-agent/pkg/cache"
	"github.com/cuemby/nixless-agent/pkg/capability"
	"github.com/cuemby/nixless-agent/pkg/catalog"
	"github.com/cuemby/nixless-agent/pkg/config"
	"github.com/cuemby/nixless-agent/pkg/errkind"
	"github.com/cuemby/nixless-agent/pkg/generation"
	"github.com/cuemby/nixless-agent/pkg/journal"
	"github.com/cuemby/nixless-agent/pkg/log"
	"github.com/cuemby/nixless-agent/pkg/materializer"
	"github.com/cuemby/nixless-agent/pkg/metrics"
	"github.com/cuemby/nixless-agent/pkg/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent daemon",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	if err := capability.Check(); err != nil {
		return fmt.Errorf("capability check failed: %w", err)
	}

	if err := os.MkdirAll(cfg.StateBase, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDownloadPath, 0o755); err != nil {
		return fmt.Errorf("creating temp download directory: %w", err)
	}

	sameDevice, err := materializer.SameDevice(cfg.TempDownloadPath, cfg.StoreRoot)
	if err != nil {
		return errkind.Wrap(errkind.Filesystem, "checking same-device requirement", err)
	}
	if !sameDevice {
		return errkind.New(errkind.Filesystem, "temp download path and store root must share a filesystem device")
	}

	cat := catalog.New(cfg.StoreRoot)

	cacheClient, err := cache.NewClient(cfg.CacheURL, cfg.CachePublicKey, cache.DefaultRetryConfig)
	if err != nil {
		return fmt.Errorf("building cache client: %w", err)
	}

	mat := materializer.New(cfg.StoreRoot)
	pl := pipeline.New(cacheClient, cat, mat, cfg.TempDownloadPath, cfg.DownloadParallelism)

	reg, err := generation.Load(cfg.StateBase)
	if err != nil {
		return fmt.Errorf("loading generation registry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := activation.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	defer bus.Close()

	act := activation.New(bus, cfg.StateBase, cfg.ActivationTrackerCmd, 2*time.Minute)

	j, err := journal.Open(cfg.StateBase)
	if err != nil {
		return fmt.Errorf("opening event journal: %w", err)
	}
	defer j.Close()

	ag := agent.New(cat, pl, reg, act, cfg.StateBase, cfg.MaxSystemHistoryCount, metrics.Recorder{})
	ag.SetEvents(journal.NewSink(j))

	logger.Info().Msg("checking for interrupted switch from a prior run")
	if err := ag.Recover(); err != nil {
		return fmt.Errorf("recovering prior activation: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.UpdatePublicKey)
	if err != nil {
		return fmt.Errorf("building directive verifier: %w", err)
	}

	server := api.NewServer(ag, verifier, cfg.MaxBodyBytes)
	listenAddr := fmt.Sprintf(":%d", cfg.ListenPort)
	metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)

	metricsSrv := api.NewMetricsServer()

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("request listener starting")
		if err := server.ListenAndServe(listenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("request listener: %w", err)
		}
	}()

	metricsListener, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		return fmt.Errorf("binding metrics listener: %w", err)
	}
	go func() {
		logger.Info().Str("addr", metricsAddr).Msg("telemetry listener starting")
		if err := metricsSrv.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("telemetry listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("listener failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := ag.WaitIdle(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("timed out waiting for in-flight operation to finish")
	}
	_ = server.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
	return nil
}
