package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"thermoscan/internal/ble"
	"thermoscan/internal/config"
	"thermoscan/internal/device"
	"thermoscan/internal/health"
	"thermoscan/internal/loki"
	"thermoscan/internal/mqtt"
	"thermoscan/internal/pipeline"
)

const scannerStaleAfter = 5 * time.Minute

// Run wires the components and blocks until ctx is canceled or the radio
// fails. Radio failure is fatal: the surrounding service manager restarts
// the process.
func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("initializing gateway",
		"loki_url", cfg.LokiURL,
		"adapter", cfg.BLEAdapter,
		"vendor_id", fmt.Sprintf("%X", cfg.VendorID[:]),
		"labeled_devices", len(cfg.DeviceLabels),
	)

	sink := loki.NewClient(slog.Default(), loki.Config{
		URL:        cfg.LokiURL,
		Token:      cfg.LokiToken,
		Username:   cfg.LokiUsername,
		Password:   cfg.LokiPassword,
		HouseLabel: cfg.HouseLabel,
		Timeout:    cfg.LokiTimeout,
		Retry: loki.RetryConfig{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
		},
	})

	filter := device.NewFilter(cfg.VendorID, cfg.DeviceLabels)

	pipe := pipeline.New(slog.Default(), filter, sink, pipeline.Options{
		MinEmitInterval: cfg.MinEmitInterval,
		FlushInterval:   cfg.FlushInterval,
		MaxBatch:        cfg.FlushMaxReadings,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})

	if cfg.MQTTBroker != "" {
		mirror := mqtt.NewClient(slog.Default(), mqtt.Options{
			Broker:   cfg.MQTTBroker,
			Port:     cfg.MQTTPort,
			ClientID: cfg.MQTTClientID,
		})
		pipe.SetMirror(mirror)
		go func() {
			if err := mirror.Connect(ctx); err != nil {
				slog.Warn("mqtt mirror unavailable", "error", err)
			}
		}()
		defer mirror.Disconnect()
	}

	if cfg.HealthAddr != "" {
		hs := health.NewServer(slog.Default(), cfg.HealthAddr, pipe.Stats)
		hs.AddChecker(health.NewSinkChecker(sink.Health))
		hs.AddChecker(health.NewScannerChecker(pipe.LastSeen, scannerStaleAfter))
		if err := hs.Start(); err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hs.Stop(shutdownCtx); err != nil {
				slog.Warn("health server shutdown", "error", err)
			}
		}()
	}

	pipeCtx, stopPipe := context.WithCancel(ctx)
	defer stopPipe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pipe.Run(pipeCtx)
	}()

	listener := ble.NewListener(ble.Options{
		Adapter:   cfg.BLEAdapter,
		CompanyID: cfg.BLECompanyID,
	})

	// Blocks until ctx cancellation or radio failure.
	err := listener.Run(ctx, pipe.Handle)

	// Scanner is down either way: flush what is buffered and drain.
	stopPipe()
	wg.Wait()

	if err != nil {
		return fmt.Errorf("ble listener: %w", err)
	}

	slog.Info("gateway shutting down")
	return nil
}
