package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ublkraid/ublkraid"
	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/internal/logging"
)

// serveDisk wraps root (a raid0/raid1 composition tree, or a bare Leaf
// for passthrough) as a device.Adapter and drives it through
// ublk.CreateAndServe, blocking until SIGINT/SIGTERM.
func serveDisk(ctx context.Context, root device.UblkDisk, logger *logging.Logger) error {
	adapter := device.NewAdapter(ctx, root)

	reg := prometheus.NewRegistry()
	observer := ublk.NewPrometheusObserver(reg)

	params := ublk.DefaultParams(adapter)
	params.LogicalBlockSize = int(root.Params().BlockSize())
	params.EnableIoctlEncode = true
	if root.Params().CanDiscard() {
		params.DiscardGranularity = root.Params().DiscardGranularity
	}

	options := &ublk.Options{
		Context:  ctx,
		Logger:   logger,
		Observer: observer,
	}

	dev, err := ublk.CreateAndServe(ctx, params, options)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	defer func() {
		if err := ublk.StopAndDelete(context.Background(), dev); err != nil {
			logger.Error("error stopping device", "error", err)
		}
	}()

	logger.Info("device created", "block_device", dev.Path, "char_device", dev.CharPath)
	fmt.Printf("Device created: %s\n", dev.Path)
	fmt.Printf("Character device: %s\n", dev.CharPath)

	var metricsSrv *http.Server
	if metricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", ublk.MetricsHandler(reg))
		metricsSrv = &http.Server{Addr: metricsBind, Handler: mux}
		go func() {
			logger.Info("serving metrics", "addr", metricsBind)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")

	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	return nil
}
